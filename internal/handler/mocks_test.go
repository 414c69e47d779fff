package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Dezzy-dev/amara/internal/auth"
	"github.com/Dezzy-dev/amara/internal/billing"
	"github.com/Dezzy-dev/amara/internal/chat"
	"github.com/Dezzy-dev/amara/internal/identity"
	"github.com/Dezzy-dev/amara/internal/middleware"
	"github.com/Dezzy-dev/amara/internal/model"
	"github.com/Dezzy-dev/amara/internal/speech"
	"github.com/Dezzy-dev/amara/internal/storage"
	"github.com/Dezzy-dev/amara/internal/trial"
)

// --- モック定義 ---

// mockIdentityService はIdentityServiceInterfaceのモック実装。
type mockIdentityService struct {
	resolveFn func(ctx context.Context, req identity.Request) (*model.Identity, error)
	findFn    func(ctx context.Context, ref model.IdentityRef) (*model.Identity, error)
}

func (m *mockIdentityService) Resolve(ctx context.Context, req identity.Request) (*model.Identity, error) {
	if m.resolveFn != nil {
		return m.resolveFn(ctx, req)
	}
	return nil, nil
}

func (m *mockIdentityService) Find(ctx context.Context, ref model.IdentityRef) (*model.Identity, error) {
	if m.findFn != nil {
		return m.findFn(ctx, ref)
	}
	return testIdentity(ref), nil
}

// mockSessionService はSessionServiceInterfaceのモック実装。
type mockSessionService struct {
	createFn func(ctx context.Context, id *model.Identity) (*model.Session, error)
	loadFn   func(ctx context.Context, id *model.Identity, sessionID string) (*model.Session, []*model.Message, error)
	listFn   func(ctx context.Context, id *model.Identity, limit int) ([]*model.Session, error)
}

func (m *mockSessionService) Create(ctx context.Context, id *model.Identity) (*model.Session, error) {
	if m.createFn != nil {
		return m.createFn(ctx, id)
	}
	return &model.Session{ID: "session-new"}, nil
}

func (m *mockSessionService) Load(ctx context.Context, id *model.Identity, sessionID string) (*model.Session, []*model.Message, error) {
	if m.loadFn != nil {
		return m.loadFn(ctx, id, sessionID)
	}
	return nil, nil, model.NewSessionNotFoundError(sessionID)
}

func (m *mockSessionService) List(ctx context.Context, id *model.Identity, limit int) ([]*model.Session, error) {
	if m.listFn != nil {
		return m.listFn(ctx, id, limit)
	}
	return nil, nil
}

// mockChatService はChatServiceInterfaceのモック実装。
type mockChatService struct {
	exchangeFn func(ctx context.Context, req chat.Request) (*chat.Response, error)
}

func (m *mockChatService) Exchange(ctx context.Context, req chat.Request) (*chat.Response, error) {
	if m.exchangeFn != nil {
		return m.exchangeFn(ctx, req)
	}
	return &chat.Response{MessageID: "msg-1", Reply: "hello"}, nil
}

// mockVoiceStore はVoiceNoteStoreのモック実装。
type mockVoiceStore struct {
	putFn func(ctx context.Context, owner model.IdentityRef, data []byte, contentType string) (*storage.Object, error)
	getFn func(ctx context.Context, owner model.IdentityRef, key string) (*storage.Object, error)
}

func (m *mockVoiceStore) Put(ctx context.Context, owner model.IdentityRef, data []byte, contentType string) (*storage.Object, error) {
	if m.putFn != nil {
		return m.putFn(ctx, owner, data, contentType)
	}
	return &storage.Object{Key: "voice-notes/k", URL: "https://cdn.example/voice-notes/k"}, nil
}

func (m *mockVoiceStore) Get(ctx context.Context, owner model.IdentityRef, key string) (*storage.Object, error) {
	if m.getFn != nil {
		return m.getFn(ctx, owner, key)
	}
	return nil, storage.ErrNotFound
}

func (m *mockVoiceStore) KeyFromURL(rawURL string) (string, bool) {
	const prefix = "https://cdn.example/"
	if len(rawURL) > len(prefix) && rawURL[:len(prefix)] == prefix {
		return rawURL[len(prefix):], true
	}
	return "", false
}

// mockTranscriber はspeech.Transcriberのモック実装。
type mockTranscriber struct {
	transcribeFn func(ctx context.Context, audio []byte, contentType string) (*speech.Transcription, error)
}

func (m *mockTranscriber) Transcribe(ctx context.Context, audio []byte, contentType string) (*speech.Transcription, error) {
	return m.transcribeFn(ctx, audio, contentType)
}

// mockObserver はTranscriptionObserverのモック実装。
type mockObserver struct {
	errs []error
}

func (m *mockObserver) ObserveTranscription(err error) {
	m.errs = append(m.errs, err)
}

// mockTrialService はTrialServiceInterfaceのモック実装。
type mockTrialService struct {
	startTrialFn func(ctx context.Context, userID string, plan trial.Plan) (*model.Identity, error)
}

func (m *mockTrialService) StartTrial(ctx context.Context, userID string, plan trial.Plan) (*model.Identity, error) {
	if m.startTrialFn != nil {
		return m.startTrialFn(ctx, userID, plan)
	}
	return nil, nil
}

// mockBillingService はBillingServiceInterfaceのモック実装。
type mockBillingService struct {
	checkoutFn func(ctx context.Context, c billing.Customer, plan trial.Plan) (string, error)
	webhookFn  func(ctx context.Context, payload []byte, signature string) error
}

func (m *mockBillingService) Checkout(ctx context.Context, c billing.Customer, plan trial.Plan) (string, error) {
	if m.checkoutFn != nil {
		return m.checkoutFn(ctx, c, plan)
	}
	return "", model.NewBillingUnavailableError()
}

func (m *mockBillingService) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if m.webhookFn != nil {
		return m.webhookFn(ctx, payload, signature)
	}
	return nil
}

// mockVerifier はmiddleware.TokenVerifierのモック実装。"valid-<userID>"形式のトークンを受け付ける。
type mockVerifier struct{}

func (mockVerifier) Verify(token string) (*auth.Claims, error) {
	const prefix = "valid-"
	if len(token) <= len(prefix) || token[:len(prefix)] != prefix {
		return nil, auth.ErrInvalidToken
	}
	return &auth.Claims{Subject: token[len(prefix):], Email: "user@example.com"}, nil
}

// mockPinger はPingerのモック実装。
type mockPinger struct {
	err error
}

func (m *mockPinger) PingContext(ctx context.Context) error {
	return m.err
}

// --- テストヘルパー ---

var testDate = time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

func testIdentity(ref model.IdentityRef) *model.Identity {
	return &model.Identity{
		ID:            ref.ID,
		Kind:          ref.Kind,
		Tier:          model.TierFreemium,
		LastResetDate: testDate,
	}
}

// withUser はテスト用にリクエストコンテキストに認証済みユーザーを注入するヘルパー。
func withUser(r *http.Request, userID string) *http.Request {
	return r.WithContext(middleware.ContextWithPrincipal(r.Context(), middleware.Principal{UserID: userID}))
}

// withDevice はテスト用にリクエストコンテキストに匿名デバイスを注入するヘルパー。
func withDevice(r *http.Request, deviceID string) *http.Request {
	return r.WithContext(middleware.ContextWithPrincipal(r.Context(), middleware.Principal{DeviceID: deviceID}))
}

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからエラーレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var result middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}
