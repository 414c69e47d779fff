package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/Dezzy-dev/amara/internal/auth"
	"github.com/Dezzy-dev/amara/internal/billing"
	"github.com/Dezzy-dev/amara/internal/chat"
	"github.com/Dezzy-dev/amara/internal/config"
	"github.com/Dezzy-dev/amara/internal/database"
	"github.com/Dezzy-dev/amara/internal/handler"
	"github.com/Dezzy-dev/amara/internal/identity"
	"github.com/Dezzy-dev/amara/internal/logger"
	"github.com/Dezzy-dev/amara/internal/metrics"
	"github.com/Dezzy-dev/amara/internal/middleware"
	"github.com/Dezzy-dev/amara/internal/repository"
	"github.com/Dezzy-dev/amara/internal/security"
	"github.com/Dezzy-dev/amara/internal/session"
	"github.com/Dezzy-dev/amara/internal/trial"
	"github.com/Dezzy-dev/amara/internal/usage"
	"github.com/Dezzy-dev/amara/internal/worker/maintenance"
)

// dbPingTimeout は起動時のDB疎通確認のタイムアウト。
const dbPingTimeout = 5 * time.Second

// abandonInterval は匿名デバイス放棄ジョブの実行間隔。
const abandonInterval = 24 * time.Hour

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	// chat はクライアント側の設定のみを使う
	if cmd == CommandChat {
		slog.SetDefault(logger.SetupWithLevel(os.Stderr, slog.LevelWarn))
		return runChat(args[1:], os.Stdin, w)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx := context.Background()

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	identityRepo := repository.NewPostgresIdentityRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	messageRepo := repository.NewPostgresMessageRepo(db)
	billingRepo := repository.NewPostgresBillingRepo(db)

	// 3. メトリクスとセキュリティ
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	ssrfGuard := security.NewSSRFGuard()
	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTAudience)
	if err != nil {
		return fmt.Errorf("failed to create token verifier: %w", err)
	}

	// 4. 外部プロバイダ（未設定のものはnil）
	completer, err := buildCompleter(ctx, cfg)
	if err != nil {
		return err
	}
	transcriber, err := buildTranscriber(ctx, cfg, ssrfGuard)
	if err != nil {
		return err
	}
	synthesizer, err := buildSynthesizer(cfg, ssrfGuard)
	if err != nil {
		return err
	}
	voiceStore, err := buildVoiceStore(ctx, cfg)
	if err != nil {
		return err
	}

	var (
		chatVoices chat.VoiceStore
		voiceNotes handler.VoiceNoteStore
	)
	if voiceStore != nil {
		chatVoices = voiceStore
		voiceNotes = voiceStore
	}

	// 5. ドメインサービスの初期化
	resolver := identity.NewResolver(identityRepo)
	sessionService := session.NewService(sessionRepo, messageRepo)
	chatService := chat.NewService(chat.Deps{
		Identities:   resolver,
		Sessions:     sessionService,
		Ledger:       usage.NewLedger(identityRepo),
		Messages:     messageRepo,
		Completer:    completer,
		Sanitizer:    security.NewTextSanitizer(),
		Synthesizer:  synthesizer,
		Voices:       chatVoices,
		Recorder:     collector,
		HistoryLimit: cfg.LLMHistoryLimit,
	})
	trialService := trial.NewService(identityRepo)
	billingService := billing.NewService(buildBillingProvider(cfg), billingRepo, billing.Config{
		PriceMonthly:  cfg.StripePriceMonthly,
		PriceYearly:   cfg.StripePriceYearly,
		WebhookSecret: cfg.StripeWebhookSecret,
		BaseURL:       cfg.BaseURL,
	})

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.PerMinuteConfig(cfg.RateLimitGeneral, cfg.RateLimitChat))
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Logger:            slog.Default(),
		TokenVerifier:     verifier,
		StatusObserver:    collector,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,

		IdentityService: resolver,
		SessionService:  sessionService,
		ChatService:     chatService,

		VoiceStore:            voiceNotes,
		Transcriber:           transcriber,
		TranscriptionObserver: collector,
		VoiceNoteMaxBytes:     cfg.VoiceNoteMaxBytes,

		TrialService:   trialService,
		BillingService: billingService,

		DB: db,
	}
	if cfg.MetricsEnabled {
		deps.MetricsHandler = metrics.Handler(registry)
	}

	router := handler.NewRouter(deps)

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.Bool("llm_enabled", completer != nil),
			slog.Bool("voice_notes_enabled", voiceStore != nil),
			slog.Bool("billing_enabled", billingService.Enabled()),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れトライアルの差し戻しと古い匿名デバイスの放棄マークを定期実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := database.Ping(context.Background(), db, dbPingTimeout); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. ジョブの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	sweeper := trial.NewSweeper(db, slog.Default())
	abandoner := maintenance.NewDeviceAbandoner(db, slog.Default(), cfg.AnonymousRetentionDays)

	sweepScheduler := maintenance.NewScheduler(slog.Default(), maintenance.Task{
		Name:   "trial_sweep",
		Job:    sweeper,
		Record: collector.RecordTrialsReverted,
	})
	abandonScheduler := maintenance.NewScheduler(slog.Default(), maintenance.Task{
		Name:   "device_abandon",
		Job:    abandoner,
		Record: collector.RecordDevicesAbandoned,
	})

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("trial_sweep_interval", cfg.TrialSweepInterval),
		slog.Int("anonymous_retention_days", abandoner.RetentionDays),
	)

	// ヘルスチェックとジョブのメトリクスを公開する運用サーバー
	opsServer := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      newOpsRouter(db, registry, cfg.MetricsEnabled),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	var g errgroup.Group
	g.Go(func() error {
		sweepScheduler.Start(ctx, cfg.TrialSweepInterval)
		return nil
	})
	g.Go(func() error {
		abandonScheduler.Start(ctx, abandonInterval)
		return nil
	})
	g.Go(func() error {
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("ops server listen error", slog.String("error", err.Error()))
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return opsServer.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		slog.Warn("ops server shutdown failed", slog.String("error", err.Error()))
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// newOpsRouter はワーカー用の /health と /metrics だけを持つルーターを返す。
func newOpsRouter(db handler.Pinger, gatherer prometheus.Gatherer, metricsEnabled bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(slog.Default()))
	r.Get("/health", handler.NewHealthHandler(db))
	if metricsEnabled {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(gatherer))
	}
	return r
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
