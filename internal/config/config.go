package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はAPIサーバーとワーカーの設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Auth
	JWTSecret   string
	JWTAudience string

	// Server
	ServerPort string
	BaseURL    string

	// CORS
	CORSAllowedOrigin string

	// Rate Limit（req/min）
	RateLimitGeneral int
	RateLimitChat    int

	// LLM
	LLMAPIKey       string
	LLMModel        string
	LLMTimeout      time.Duration
	LLMHistoryLimit int

	// Speech
	TTSEndpoint           string
	TTSAPIKey             string
	TTSVoiceID            string
	SpeechEndpoint        string
	SpeechAPIKey          string
	TranscriptionProvider string

	// Object storage
	S3Bucket          string
	S3Region          string
	S3BaseEndpoint    string
	S3AccessKey       string
	S3SecretKey       string
	S3PublicBaseURL   string
	VoiceNoteMaxBytes int64

	// Billing
	StripeSecretKey     string
	StripeWebhookSecret string
	StripePriceMonthly  string
	StripePriceYearly   string

	// Worker
	TrialSweepInterval     time.Duration
	AnonymousRetentionDays int

	// Metrics
	MetricsEnabled bool
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.JWTSecret = os.Getenv("SUPABASE_JWT_SECRET")
	if cfg.JWTSecret == "" {
		missing = append(missing, "SUPABASE_JWT_SECRET")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.JWTAudience = getEnvString("JWT_AUDIENCE", "authenticated")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitChat = getEnvInt("RATE_LIMIT_CHAT", 30)

	cfg.LLMAPIKey = os.Getenv("LLM_API_KEY")
	cfg.LLMModel = getEnvString("LLM_MODEL", "gemini-2.5-flash")
	cfg.LLMTimeout = getEnvDuration("LLM_TIMEOUT", 30*time.Second)
	cfg.LLMHistoryLimit = getEnvInt("LLM_HISTORY_LIMIT", 20)

	cfg.TTSEndpoint = os.Getenv("TTS_ENDPOINT")
	cfg.TTSAPIKey = os.Getenv("TTS_API_KEY")
	cfg.TTSVoiceID = os.Getenv("TTS_VOICE_ID")
	cfg.SpeechEndpoint = os.Getenv("SPEECH_ENDPOINT")
	cfg.SpeechAPIKey = os.Getenv("SPEECH_API_KEY")
	cfg.TranscriptionProvider = getEnvString("TRANSCRIPTION_PROVIDER", "auto")

	cfg.S3Bucket = os.Getenv("S3_BUCKET")
	cfg.S3Region = getEnvString("S3_REGION", "us-east-1")
	cfg.S3BaseEndpoint = os.Getenv("S3_BASE_ENDPOINT")
	cfg.S3AccessKey = os.Getenv("S3_ACCESS_KEY")
	cfg.S3SecretKey = os.Getenv("S3_SECRET_KEY")
	cfg.S3PublicBaseURL = os.Getenv("S3_PUBLIC_BASE_URL")
	cfg.VoiceNoteMaxBytes = getEnvInt64("VOICE_NOTE_MAX_BYTES", 10<<20)

	cfg.StripeSecretKey = os.Getenv("STRIPE_SECRET_KEY")
	cfg.StripeWebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")
	cfg.StripePriceMonthly = os.Getenv("STRIPE_PRICE_MONTHLY")
	cfg.StripePriceYearly = os.Getenv("STRIPE_PRICE_YEARLY")

	cfg.TrialSweepInterval = getEnvDuration("TRIAL_SWEEP_INTERVAL", time.Hour)
	cfg.AnonymousRetentionDays = getEnvInt("ANONYMOUS_RETENTION_DAYS", 90)
	cfg.MetricsEnabled = getEnvBool("METRICS_ENABLED", true)

	return cfg, nil
}

// LLMEnabled は応答生成バックエンドが設定されているかどうかを返す。
func (c *Config) LLMEnabled() bool {
	return c.LLMAPIKey != ""
}

// StorageEnabled は音声メモの保存先が設定されているかどうかを返す。
func (c *Config) StorageEnabled() bool {
	return c.S3Bucket != ""
}

// BillingEnabled は課金機能が設定されているかどうかを返す。
func (c *Config) BillingEnabled() bool {
	return c.StripeSecretKey != ""
}

// ClientConfig はターミナルクライアント（chatサブコマンド）の設定を保持する。
type ClientConfig struct {
	APIURL         string
	AccessToken    string
	DeviceFile     string
	RequestTimeout time.Duration
}

// LoadClient は環境変数からClientConfigを読み込む。
func LoadClient() (*ClientConfig, error) {
	cfg := &ClientConfig{}

	cfg.APIURL = strings.TrimRight(os.Getenv("AMARA_API_URL"), "/")
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("required environment variables are not set: %v", []string{"AMARA_API_URL"})
	}

	cfg.AccessToken = os.Getenv("AMARA_ACCESS_TOKEN")
	cfg.DeviceFile = getEnvString("AMARA_DEVICE_FILE", defaultDeviceFile())
	cfg.RequestTimeout = getEnvDuration("AMARA_REQUEST_TIMEOUT", 30*time.Second)

	return cfg, nil
}

func defaultDeviceFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".amara-device"
	}
	return dir + string(os.PathSeparator) + "amara" + string(os.PathSeparator) + "device_id"
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}
