package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

// DefaultModel は既定のGeminiモデル。
const DefaultModel = "gemini-2.5-flash"

// GenAICompleter はGoogle Gemini APIを使うCompleter。
type GenAICompleter struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewGenAICompleter はGenAICompleterを生成する。
func NewGenAICompleter(ctx context.Context, apiKey, model string, timeout time.Duration) (*GenAICompleter, error) {
	if apiKey == "" {
		return nil, ErrNotConfigured
	}
	if model == "" {
		model = DefaultModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAICompleter{client: client, model: model, timeout: timeout}, nil
}

// Complete は会話履歴を含めて応答を生成する。
func (c *GenAICompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, toContents(p), generateConfig(p))
	if err != nil {
		return "", fmt.Errorf("GenAI generate failed: %w", err)
	}

	text := strings.TrimSpace(result.Text())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// Name はエンジン名を返す。
func (c *GenAICompleter) Name() string {
	return "genai:" + c.model
}

func toContents(p Prompt) []*genai.Content {
	contents := make([]*genai.Content, 0, len(p.History)+1)
	for _, t := range p.History {
		if t.Text == "" {
			continue
		}
		role := genai.Role(genai.RoleUser)
		if t.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(t.Text, role))
	}
	contents = append(contents, genai.NewContentFromText(p.Message, genai.RoleUser))
	return contents
}

func generateConfig(p Prompt) *genai.GenerateContentConfig {
	temperature := float32(0.8)
	config := &genai.GenerateContentConfig{Temperature: &temperature}
	if p.System != "" {
		config.SystemInstruction = genai.NewContentFromText(p.System, genai.RoleUser)
	}
	return config
}

var _ Completer = (*GenAICompleter)(nil)
