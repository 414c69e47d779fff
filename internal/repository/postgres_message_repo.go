package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Dezzy-dev/amara/internal/model"
)

const messageColumns = `m.id, m.session_id, m.sender, m.content, m.message_type, m.voice_note_url, m.created_at`

// PostgresMessageRepo はPostgreSQLを使用したメッセージリポジトリ。
type PostgresMessageRepo struct {
	db *sql.DB
}

// NewPostgresMessageRepo はPostgresMessageRepoを生成する。
func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

// ListBySession はセッションの全メッセージを作成順に返す。
// セッションの所有者が一致しない場合は空を返す。
func (r *PostgresMessageRepo) ListBySession(ctx context.Context, sessionID string, owner model.IdentityRef) ([]*model.Message, error) {
	col, err := ownerColumn(owner)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s
		FROM chat_messages m
		JOIN therapy_sessions s ON s.id = m.session_id
		WHERE m.session_id = $1 AND s.%s = $2
		ORDER BY m.created_at ASC, m.id ASC`, messageColumns, col)

	return r.query(ctx, query, sessionID, owner.ID)
}

// ListRecent はセッションの直近limit件を作成順に返す。
func (r *PostgresMessageRepo) ListRecent(ctx context.Context, sessionID string, owner model.IdentityRef, limit int) ([]*model.Message, error) {
	col, err := ownerColumn(owner)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT * FROM (
			SELECT %s
			FROM chat_messages m
			JOIN therapy_sessions s ON s.id = m.session_id
			WHERE m.session_id = $1 AND s.%s = $2
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT $3
		) recent ORDER BY created_at ASC, id ASC`, messageColumns, col)

	return r.query(ctx, query, sessionID, owner.ID, limit)
}

func (r *PostgresMessageRepo) query(ctx context.Context, query string, args ...interface{}) ([]*model.Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("メッセージの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var messages []*model.Message
	for rows.Next() {
		m := &model.Message{}
		var sender, msgType string
		var content, voiceURL sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &sender, &content, &msgType, &voiceURL, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("メッセージの読み取りに失敗しました: %w", err)
		}
		m.Sender = model.Sender(sender)
		m.Type = model.MessageType(msgType)
		m.Content = content.String
		m.VoiceNoteURL = voiceURL.String
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("メッセージの走査に失敗しました: %w", err)
	}
	return messages, nil
}

// SaveExchange は発話・応答・セッションカウンタを同一トランザクションで保存する。
// セッションの所有者が一致しない場合はErrNotFoundを返し、何も保存しない。
func (r *PostgresMessageRepo) SaveExchange(ctx context.Context, ex Exchange) error {
	col, err := ownerColumn(ex.Owner)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	counted := 0
	if ex.User != nil {
		counted = 1
	}

	// 所有者確認を兼ねてセッションのカウンタを更新する
	result, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE therapy_sessions
			SET messages_used = messages_used + $3,
			    duration_seconds = GREATEST(duration_seconds, EXTRACT(EPOCH FROM (now() - created_at))::int)
			WHERE id = $1 AND %s = $2`, col),
		ex.SessionID, ex.Owner.ID, counted,
	)
	if err != nil {
		return fmt.Errorf("セッションの更新に失敗しました: %w", err)
	}
	if err := requireRow(result); err != nil {
		return err
	}

	for _, m := range []*model.Message{ex.User, ex.Assistant} {
		if m == nil {
			continue
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO chat_messages (id, session_id, sender, content, message_type, voice_note_url, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			m.ID, ex.SessionID, string(m.Sender), nullString(m.Content), string(m.Type), nullString(m.VoiceNoteURL), m.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("メッセージの保存に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// compile-time interface check
var _ MessageRepository = (*PostgresMessageRepo)(nil)
