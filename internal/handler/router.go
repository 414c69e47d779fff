package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Dezzy-dev/amara/internal/middleware"
	"github.com/Dezzy-dev/amara/internal/speech"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	TokenVerifier     middleware.TokenVerifier
	StatusObserver    middleware.StatusObserver
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// Identity・セッション・チャット
	IdentityService IdentityServiceInterface
	SessionService  SessionServiceInterface
	ChatService     ChatServiceInterface

	// 音声メモ
	VoiceStore            VoiceNoteStore
	Transcriber           speech.Transcriber
	TranscriptionObserver TranscriptionObserver
	VoiceNoteMaxBytes     int64

	// トライアル・課金
	TrialService   TrialServiceInterface
	BillingService BillingServiceInterface

	// 運用
	DB             Pinger
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → Identity → RateLimit(General)
//
// チャットと文字起こしにはチャット専用のレート制限を追加する。
// /health と /metrics はIdentityとレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusObserver))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	identityHandler := NewIdentityHandler(deps.IdentityService)
	sessionHandler := NewSessionHandler(deps.IdentityService, deps.SessionService)
	chatHandler := NewChatHandler(deps.ChatService)
	voiceHandler := NewVoiceHandler(deps.IdentityService, deps.VoiceStore, deps.Transcriber, deps.TranscriptionObserver, deps.VoiceNoteMaxBytes)
	accountHandler := NewAccountHandler(deps.TrialService, deps.BillingService)

	// --- 運用ルート ---
	r.Get("/health", NewHealthHandler(deps.DB))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- APIルート ---
	// ミドルウェアスタック: Identity → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewIdentityMiddleware(deps.TokenVerifier))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		chatLimit := deps.RateLimiter.ChatMiddleware()

		// チャット交換（/api/chat は互換用のエイリアス）
		r.With(chatLimit).Post("/chat", chatHandler.Chat)
		r.With(chatLimit).Post("/api/chat", chatHandler.Chat)

		// 音声メモ
		r.With(chatLimit).Post("/transcribe", voiceHandler.Transcribe)
		r.Post("/api/voice-notes", voiceHandler.Upload)

		// Identity
		r.Post("/api/identity/resolve", identityHandler.Resolve)

		// セッション
		r.Route("/api/sessions", func(r chi.Router) {
			r.Post("/", sessionHandler.Create)
			r.Get("/", sessionHandler.List)
			r.Get("/{id}", sessionHandler.Get)
		})

		// トライアル・課金（認証済みのみ）
		r.With(middleware.RequireAuthenticated).Post("/api/trial/start", accountHandler.StartTrial)
		r.With(middleware.RequireAuthenticated).Post("/api/billing/checkout", accountHandler.Checkout)

		// 署名で検証するため認証は不要
		r.Post("/api/billing/webhook", accountHandler.Webhook)
	})

	return r
}
