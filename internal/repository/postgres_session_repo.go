package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/Dezzy-dev/amara/internal/model"
)

// ownerColumn は所有者種別に対応するtherapy_sessionsのカラム名を返す。
func ownerColumn(owner model.IdentityRef) (string, error) {
	switch owner.Kind {
	case model.IdentityAuthenticated:
		return "user_id", nil
	case model.IdentityAnonymous:
		return "device_id", nil
	}
	return "", fmt.Errorf("unknown identity kind: %q", owner.Kind)
}

const sessionColumns = `id, user_id, device_id, created_at, messages_used, duration_seconds`

// PostgresSessionRepo はPostgreSQLを使用した会話セッションリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// Create はセッションを作成する。
func (r *PostgresSessionRepo) Create(ctx context.Context, session *model.Session) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO therapy_sessions (id, user_id, device_id, messages_used, duration_seconds, created_at)
		 VALUES ($1, $2, $3, 0, 0, $4)`,
		session.ID, nullString(session.UserID), nullString(session.DeviceID), session.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("セッションの作成に失敗しました: %w", err)
	}
	return nil
}

// FindOwned は所有者が一致するセッションを取得する。見つからない場合はnilを返す。
func (r *PostgresSessionRepo) FindOwned(ctx context.Context, id string, owner model.IdentityRef) (*model.Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	col, err := ownerColumn(owner)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM therapy_sessions WHERE id = $1 AND %s = $2`, sessionColumns, col)
	s, err := scanSession(r.db.QueryRowContext(ctx, query, id, owner.ID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("セッションの取得に失敗しました: %w", err)
	}
	return s, nil
}

// Latest は所有者の最新セッションを取得する。無い場合はnilを返す。
func (r *PostgresSessionRepo) Latest(ctx context.Context, owner model.IdentityRef) (*model.Session, error) {
	col, err := ownerColumn(owner)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM therapy_sessions WHERE %s = $1 ORDER BY created_at DESC LIMIT 1`, sessionColumns, col)
	s, err := scanSession(r.db.QueryRowContext(ctx, query, owner.ID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("最新セッションの取得に失敗しました: %w", err)
	}
	return s, nil
}

// ListByOwner は所有者のセッションを新しい順に最大limit件返す。
func (r *PostgresSessionRepo) ListByOwner(ctx context.Context, owner model.IdentityRef, limit int) ([]*model.Session, error) {
	col, err := ownerColumn(owner)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM therapy_sessions WHERE %s = $1 ORDER BY created_at DESC LIMIT $2`, sessionColumns, col)
	rows, err := r.db.QueryContext(ctx, query, owner.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("セッション一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("セッション一覧の読み取りに失敗しました: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("セッション一覧の走査に失敗しました: %w", err)
	}
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	s := &model.Session{}
	var userID, deviceID sql.NullString
	if err := row.Scan(&s.ID, &userID, &deviceID, &s.CreatedAt, &s.MessagesUsed, &s.DurationSeconds); err != nil {
		return nil, err
	}
	s.UserID = userID.String
	s.DeviceID = deviceID.String
	return s, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
