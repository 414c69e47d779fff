package speech

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

// DefaultGenAIModel は二次文字起こしに使う既定のモデル。
const DefaultGenAIModel = "gemini-2.5-flash"

const transcribeInstruction = `Transcribe this voice note word for word. Reply with the transcript only, without quotes or commentary. If nothing intelligible is said, reply with an empty message.`

// GenAITranscriber はGemini APIの音声入力で文字起こしを行う二次プロバイダ。
// 信頼度は返さない。
type GenAITranscriber struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewGenAITranscriber はGenAITranscriberを生成する。
func NewGenAITranscriber(ctx context.Context, apiKey, model string, timeout time.Duration) (*GenAITranscriber, error) {
	if apiKey == "" {
		return nil, ErrNotConfigured
	}
	if model == "" {
		model = DefaultGenAIModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAITranscriber{client: client, model: model, timeout: timeout}, nil
}

// Transcribe は音声データをインラインで送信して文字起こしする。
func (t *GenAITranscriber) Transcribe(ctx context.Context, audio []byte, contentType string) (*Transcription, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	result, err := t.client.Models.GenerateContent(ctx, t.model, audioContents(audio, contentType), nil)
	if err != nil {
		return nil, fmt.Errorf("GenAI transcription failed: %w", err)
	}

	text := strings.TrimSpace(result.Text())
	if text == "" {
		return nil, ErrNoSpeech
	}
	return &Transcription{Text: text}, nil
}

func audioContents(audio []byte, contentType string) []*genai.Content {
	mimeType := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	if mimeType == "" {
		mimeType = "audio/webm"
	}
	return []*genai.Content{{
		Role: string(genai.RoleUser),
		Parts: []*genai.Part{
			{Text: transcribeInstruction},
			{InlineData: &genai.Blob{Data: audio, MIMEType: mimeType}},
		},
	}}
}

var _ Transcriber = (*GenAITranscriber)(nil)
