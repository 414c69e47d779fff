// Package session は会話セッションの作成と読み込みを提供する。
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Dezzy-dev/amara/internal/model"
	"github.com/Dezzy-dev/amara/internal/quota"
	"github.com/Dezzy-dev/amara/internal/repository"
)

// DefaultListLimit は履歴一覧の既定件数。
const DefaultListLimit = 50

// Service は会話セッションのサービス層。
type Service struct {
	sessions repository.SessionRepository
	messages repository.MessageRepository
	now      func() time.Time
}

// NewService はServiceを生成する。
func NewService(sessions repository.SessionRepository, messages repository.MessageRepository) *Service {
	return &Service{sessions: sessions, messages: messages, now: time.Now}
}

// Create はIdentityが所有する新しいセッションをカウンタ0で作成する。
// 縮退モードのIdentityには保存しない一時セッションを返し、利用者を足止めしない。
func (s *Service) Create(ctx context.Context, id *model.Identity) (*model.Session, error) {
	sess := &model.Session{
		ID:        uuid.NewString(),
		CreatedAt: s.now().UTC(),
	}
	if id.IsAnonymous() {
		sess.DeviceID = id.ID
	} else {
		sess.UserID = id.ID
	}

	if id.Degraded {
		sess.Ephemeral = true
		slog.Warn("縮退モードのため一時セッションを返します",
			slog.String("session_id", sess.ID),
			slog.String("identity_id", id.ID),
		)
		return sess, nil
	}

	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("セッションの作成に失敗しました: %w", err)
	}

	slog.Info("session created",
		slog.String("session_id", sess.ID),
		slog.String("identity_id", id.ID),
	)
	return sess, nil
}

// Load はセッションとメッセージ一覧を作成順で返す。
// 履歴機能を持たないIdentityは最新のセッションのみ読み込める。
func (s *Service) Load(ctx context.Context, id *model.Identity, sessionID string) (*model.Session, []*model.Message, error) {
	owner := id.Ref()

	sess, err := s.sessions.FindOwned(ctx, sessionID, owner)
	if err != nil {
		return nil, nil, fmt.Errorf("セッションの取得に失敗しました: %w", err)
	}
	if sess == nil {
		return nil, nil, model.NewSessionNotFoundError(sessionID)
	}

	if !quota.IdentityHasFeature(id, quota.FeatureSessionHistory) {
		latest, err := s.sessions.Latest(ctx, owner)
		if err != nil {
			return nil, nil, fmt.Errorf("最新セッションの取得に失敗しました: %w", err)
		}
		if latest == nil || latest.ID != sess.ID {
			return nil, nil, model.NewUpgradeRequiredError("Session history")
		}
	}

	messages, err := s.messages.ListBySession(ctx, sess.ID, owner)
	if err != nil {
		return nil, nil, fmt.Errorf("メッセージの取得に失敗しました: %w", err)
	}
	return sess, messages, nil
}

// List は過去のセッション一覧を新しい順に返す。履歴機能を持つプランのみ利用できる。
func (s *Service) List(ctx context.Context, id *model.Identity, limit int) ([]*model.Session, error) {
	if !quota.IdentityHasFeature(id, quota.FeatureSessionHistory) {
		return nil, model.NewUpgradeRequiredError("Session history")
	}
	if limit <= 0 || limit > DefaultListLimit {
		limit = DefaultListLimit
	}

	sessions, err := s.sessions.ListByOwner(ctx, id.Ref(), limit)
	if err != nil {
		return nil, fmt.Errorf("セッション一覧の取得に失敗しました: %w", err)
	}
	return sessions, nil
}

// Owns はセッションがIdentityの所有であればそれを返す。見つからない場合はSESSION_NOT_FOUND。
func (s *Service) Owns(ctx context.Context, id *model.Identity, sessionID string) (*model.Session, error) {
	sess, err := s.sessions.FindOwned(ctx, sessionID, id.Ref())
	if err != nil {
		return nil, fmt.Errorf("セッションの取得に失敗しました: %w", err)
	}
	if sess == nil {
		return nil, model.NewSessionNotFoundError(sessionID)
	}
	return sess, nil
}
