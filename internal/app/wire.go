package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Dezzy-dev/amara/internal/billing"
	"github.com/Dezzy-dev/amara/internal/config"
	"github.com/Dezzy-dev/amara/internal/llm"
	"github.com/Dezzy-dev/amara/internal/security"
	"github.com/Dezzy-dev/amara/internal/speech"
	"github.com/Dezzy-dev/amara/internal/storage"
)

// 外部APIクライアントの設定値。
const (
	speechTimeout       = 30 * time.Second
	maxTranscriptBytes  = 1 << 20
	defaultMaxVoiceSize = 10 << 20
)

// buildCompleter は応答生成バックエンドを構築する。
// 未設定の場合はnilを返し、チャットはLLM_UNAVAILABLEで失敗する。
func buildCompleter(ctx context.Context, cfg *config.Config) (llm.Completer, error) {
	if !cfg.LLMEnabled() {
		slog.Warn("LLM_API_KEY is not set; chat replies are disabled")
		return nil, nil
	}
	c, err := llm.NewGenAICompleter(ctx, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create completer: %w", err)
	}
	return c, nil
}

// buildTranscriber は文字起こしプロバイダを構築する。
// 音声認識REST APIを一次、GenAIを二次とし、どちらも未設定ならnilを返す。
func buildTranscriber(ctx context.Context, cfg *config.Config, guard security.SSRFGuardService) (speech.Transcriber, error) {
	var primary, secondary speech.Transcriber

	if cfg.SpeechEndpoint != "" {
		if err := guard.ValidateURL(cfg.SpeechEndpoint); err != nil {
			return nil, fmt.Errorf("invalid SPEECH_ENDPOINT: %w", err)
		}
		t, err := speech.NewRESTTranscriber(cfg.SpeechEndpoint, cfg.SpeechAPIKey,
			guard.NewSafeClient(speechTimeout, maxTranscriptBytes))
		if err != nil {
			return nil, fmt.Errorf("failed to create transcriber: %w", err)
		}
		primary = t
	}

	if cfg.LLMEnabled() {
		t, err := speech.NewGenAITranscriber(ctx, cfg.LLMAPIKey, cfg.LLMModel, speechTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to create transcriber: %w", err)
		}
		secondary = t
	}

	if primary == nil && secondary == nil {
		slog.Warn("no transcription provider is configured")
		return nil, nil
	}
	return speech.NewFallbackTranscriber(primary, secondary, speech.ParseMode(cfg.TranscriptionProvider)), nil
}

// buildSynthesizer は返答の音声合成プロバイダを構築する。未設定ならnilを返す。
func buildSynthesizer(cfg *config.Config, guard security.SSRFGuardService) (speech.Synthesizer, error) {
	if cfg.TTSEndpoint == "" {
		return nil, nil
	}
	if err := guard.ValidateURL(cfg.TTSEndpoint); err != nil {
		return nil, fmt.Errorf("invalid TTS_ENDPOINT: %w", err)
	}
	maxBytes := cfg.VoiceNoteMaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxVoiceSize
	}
	s, err := speech.NewRESTSynthesizer(cfg.TTSEndpoint, cfg.TTSAPIKey, cfg.TTSVoiceID,
		guard.NewSafeClient(speechTimeout, maxBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create synthesizer: %w", err)
	}
	return s, nil
}

// buildVoiceStore は音声メモの保存先を構築する。未設定ならnilを返す。
func buildVoiceStore(ctx context.Context, cfg *config.Config) (*storage.S3Store, error) {
	if !cfg.StorageEnabled() {
		slog.Warn("S3_BUCKET is not set; voice notes are disabled")
		return nil, nil
	}
	s, err := storage.NewS3Store(ctx, storage.Config{
		Bucket:        cfg.S3Bucket,
		Region:        cfg.S3Region,
		BaseEndpoint:  cfg.S3BaseEndpoint,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		PublicBaseURL: cfg.S3PublicBaseURL,
		MaxBytes:      cfg.VoiceNoteMaxBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create voice note store: %w", err)
	}
	return s, nil
}

// buildBillingProvider は決済プロバイダを構築する。未設定ならnilを返す。
func buildBillingProvider(cfg *config.Config) billing.Provider {
	if !cfg.BillingEnabled() {
		return nil
	}
	return billing.NewStripeProvider(cfg.StripeSecretKey)
}
