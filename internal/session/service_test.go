package session

import (
	"context"
	"errors"
	"testing"

	"github.com/Dezzy-dev/amara/internal/model"
	"github.com/Dezzy-dev/amara/internal/repository"
)

type mockSessionRepo struct {
	createFn    func(ctx context.Context, s *model.Session) error
	findOwnedFn func(ctx context.Context, id string, owner model.IdentityRef) (*model.Session, error)
	latestFn    func(ctx context.Context, owner model.IdentityRef) (*model.Session, error)
	listFn      func(ctx context.Context, owner model.IdentityRef, limit int) ([]*model.Session, error)
}

func (m *mockSessionRepo) Create(ctx context.Context, s *model.Session) error {
	if m.createFn == nil {
		return nil
	}
	return m.createFn(ctx, s)
}

func (m *mockSessionRepo) FindOwned(ctx context.Context, id string, owner model.IdentityRef) (*model.Session, error) {
	return m.findOwnedFn(ctx, id, owner)
}

func (m *mockSessionRepo) Latest(ctx context.Context, owner model.IdentityRef) (*model.Session, error) {
	return m.latestFn(ctx, owner)
}

func (m *mockSessionRepo) ListByOwner(ctx context.Context, owner model.IdentityRef, limit int) ([]*model.Session, error) {
	return m.listFn(ctx, owner, limit)
}

type mockMessageRepo struct {
	listFn func(ctx context.Context, sessionID string, owner model.IdentityRef) ([]*model.Message, error)
}

func (m *mockMessageRepo) ListBySession(ctx context.Context, sessionID string, owner model.IdentityRef) ([]*model.Message, error) {
	return m.listFn(ctx, sessionID, owner)
}

func (m *mockMessageRepo) ListRecent(ctx context.Context, sessionID string, owner model.IdentityRef, limit int) ([]*model.Message, error) {
	return nil, nil
}

func (m *mockMessageRepo) SaveExchange(ctx context.Context, ex repository.Exchange) error {
	return nil
}

func anonymous() *model.Identity {
	return &model.Identity{ID: "device-1", Kind: model.IdentityAnonymous, Tier: model.TierFreemium}
}

func premium() *model.Identity {
	return &model.Identity{ID: "user-1", Kind: model.IdentityAuthenticated, Tier: model.TierYearlyPremium}
}

func TestCreate_SetsExactlyOneOwner(t *testing.T) {
	var saved *model.Session
	repo := &mockSessionRepo{createFn: func(ctx context.Context, s *model.Session) error {
		saved = s
		return nil
	}}
	svc := NewService(repo, &mockMessageRepo{})

	sess, err := svc.Create(context.Background(), anonymous())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if saved != sess || sess.DeviceID != "device-1" || sess.UserID != "" {
		t.Errorf("session = %+v", sess)
	}
	if sess.MessagesUsed != 0 || sess.DurationSeconds != 0 || sess.ID == "" {
		t.Errorf("new session should start empty: %+v", sess)
	}

	sess, err = svc.Create(context.Background(), premium())
	if err != nil {
		t.Fatal(err)
	}
	if sess.UserID != "user-1" || sess.DeviceID != "" {
		t.Errorf("session = %+v", sess)
	}
}

func TestCreate_DegradedIdentityGetsEphemeralSession(t *testing.T) {
	id := anonymous()
	id.Degraded = true
	repo := &mockSessionRepo{createFn: func(ctx context.Context, s *model.Session) error {
		t.Fatal("must not persist sessions for degraded identities")
		return nil
	}}

	sess, err := NewService(repo, &mockMessageRepo{}).Create(context.Background(), id)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !sess.Ephemeral || sess.ID == "" || sess.DeviceID != id.ID {
		t.Errorf("session = %+v, want an unsaved session owned by the device", sess)
	}
}

func TestLoad_FreemiumCurrentSessionAllowed(t *testing.T) {
	current := &model.Session{ID: "s-2", DeviceID: "device-1"}
	repo := &mockSessionRepo{
		findOwnedFn: func(ctx context.Context, id string, owner model.IdentityRef) (*model.Session, error) {
			return current, nil
		},
		latestFn: func(ctx context.Context, owner model.IdentityRef) (*model.Session, error) {
			return current, nil
		},
	}
	msgs := &mockMessageRepo{listFn: func(ctx context.Context, sessionID string, owner model.IdentityRef) ([]*model.Message, error) {
		return []*model.Message{{ID: "m1"}, {ID: "m2"}}, nil
	}}

	sess, messages, err := NewService(repo, msgs).Load(context.Background(), anonymous(), "s-2")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if sess.ID != "s-2" || len(messages) != 2 {
		t.Errorf("Load = %+v, %d messages", sess, len(messages))
	}
}

func TestLoad_FreemiumPastSessionRequiresUpgrade(t *testing.T) {
	repo := &mockSessionRepo{
		findOwnedFn: func(ctx context.Context, id string, owner model.IdentityRef) (*model.Session, error) {
			return &model.Session{ID: "s-1", DeviceID: "device-1"}, nil
		},
		latestFn: func(ctx context.Context, owner model.IdentityRef) (*model.Session, error) {
			return &model.Session{ID: "s-2", DeviceID: "device-1"}, nil
		},
	}
	msgs := &mockMessageRepo{listFn: func(ctx context.Context, sessionID string, owner model.IdentityRef) ([]*model.Message, error) {
		t.Fatal("messages must not be read")
		return nil, nil
	}}

	_, _, err := NewService(repo, msgs).Load(context.Background(), anonymous(), "s-1")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeUpgradeRequired {
		t.Fatalf("err = %v, want UPGRADE_REQUIRED", err)
	}
}

func TestLoad_PremiumPastSessionAllowed(t *testing.T) {
	repo := &mockSessionRepo{
		findOwnedFn: func(ctx context.Context, id string, owner model.IdentityRef) (*model.Session, error) {
			return &model.Session{ID: "s-1", UserID: "user-1"}, nil
		},
		latestFn: func(ctx context.Context, owner model.IdentityRef) (*model.Session, error) {
			t.Fatal("premium identities do not need the latest-session check")
			return nil, nil
		},
	}
	msgs := &mockMessageRepo{listFn: func(ctx context.Context, sessionID string, owner model.IdentityRef) ([]*model.Message, error) {
		return nil, nil
	}}

	if _, _, err := NewService(repo, msgs).Load(context.Background(), premium(), "s-1"); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestLoad_OtherOwnersSessionNotFound(t *testing.T) {
	repo := &mockSessionRepo{
		findOwnedFn: func(ctx context.Context, id string, owner model.IdentityRef) (*model.Session, error) {
			return nil, nil
		},
	}

	_, _, err := NewService(repo, &mockMessageRepo{}).Load(context.Background(), premium(), "s-9")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeSessionNotFound {
		t.Fatalf("err = %v, want SESSION_NOT_FOUND", err)
	}
}

func TestList_GatedByPlan(t *testing.T) {
	repo := &mockSessionRepo{
		listFn: func(ctx context.Context, owner model.IdentityRef, limit int) ([]*model.Session, error) {
			if limit != DefaultListLimit {
				t.Errorf("limit = %d, want %d", limit, DefaultListLimit)
			}
			return []*model.Session{{ID: "s-1"}}, nil
		},
	}
	svc := NewService(repo, &mockMessageRepo{})

	if _, err := svc.List(context.Background(), anonymous(), 10); err == nil {
		t.Error("anonymous identities should not list history")
	}

	sessions, err := svc.List(context.Background(), premium(), 0)
	if err != nil || len(sessions) != 1 {
		t.Errorf("List = %v, %v", sessions, err)
	}
}
