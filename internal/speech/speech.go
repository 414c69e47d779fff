// Package speech は音声メモの文字起こしと返信の音声合成を提供する。
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

var (
	// ErrNotConfigured はプロバイダが設定されていないことを示す。
	ErrNotConfigured = errors.New("speech provider is not configured")
	// ErrNoSpeech は音声から文字列が得られなかったことを示す。
	ErrNoSpeech = errors.New("no speech recognized")
)

// Transcription は文字起こし結果。
// Confidenceはプロバイダが返さない場合は0。
type Transcription struct {
	Text       string
	Confidence float64
}

// Transcriber は音声を文字列に変換する。
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, contentType string) (*Transcription, error)
}

// Synthesizer は文字列を音声に変換する。返り値は音声データとContent-Type。
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, string, error)
}

// Mode は文字起こしプロバイダの選択方法。
type Mode string

const (
	ModePrimary   Mode = "primary"
	ModeSecondary Mode = "secondary"
	ModeAuto      Mode = "auto" // 一次が失敗したら二次を使う
)

// ParseMode は設定値をModeに変換する。未知の値はModeAuto。
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModePrimary:
		return ModePrimary
	case ModeSecondary:
		return ModeSecondary
	}
	return ModeAuto
}

// FallbackTranscriber は2つのプロバイダを1つのTranscriberとして扱う。
type FallbackTranscriber struct {
	Primary   Transcriber
	Secondary Transcriber
	Mode      Mode
}

// NewFallbackTranscriber はFallbackTranscriberを生成する。
// 未設定のプロバイダはnilで渡す。
func NewFallbackTranscriber(primary, secondary Transcriber, mode Mode) *FallbackTranscriber {
	return &FallbackTranscriber{Primary: primary, Secondary: secondary, Mode: mode}
}

// Transcribe はModeに従ってプロバイダを呼び出す。
func (f *FallbackTranscriber) Transcribe(ctx context.Context, audio []byte, contentType string) (*Transcription, error) {
	switch f.Mode {
	case ModePrimary:
		return transcribeWith(ctx, f.Primary, audio, contentType)
	case ModeSecondary:
		return transcribeWith(ctx, f.Secondary, audio, contentType)
	}

	if f.Primary == nil {
		return transcribeWith(ctx, f.Secondary, audio, contentType)
	}

	result, err := transcribeWith(ctx, f.Primary, audio, contentType)
	if err == nil || f.Secondary == nil {
		return result, err
	}
	if ctx.Err() != nil {
		return nil, err
	}

	slog.Warn("一次文字起こしに失敗したため二次プロバイダを使用します",
		slog.String("error", err.Error()),
	)
	result, secondErr := transcribeWith(ctx, f.Secondary, audio, contentType)
	if secondErr != nil {
		return nil, fmt.Errorf("文字起こしに失敗しました: %w", errors.Join(err, secondErr))
	}
	return result, nil
}

func transcribeWith(ctx context.Context, t Transcriber, audio []byte, contentType string) (*Transcription, error) {
	if t == nil {
		return nil, ErrNotConfigured
	}
	result, err := t.Transcribe(ctx, audio, contentType)
	if err != nil {
		return nil, err
	}
	if result == nil || strings.TrimSpace(result.Text) == "" {
		return nil, ErrNoSpeech
	}
	result.Text = strings.TrimSpace(result.Text)
	return result, nil
}
