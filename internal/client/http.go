package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Dezzy-dev/amara/internal/middleware"
	"github.com/Dezzy-dev/amara/internal/model"
)

// DefaultTimeout はバックエンド呼び出し1回あたりのタイムアウト。
const DefaultTimeout = 30 * time.Second

// HTTPBackend はAmaraサーバーのHTTP APIを呼び出すBackend実装。
// アクセストークンがあれば認証済みユーザーとして、無ければデバイスIDで匿名として振る舞う。
type HTTPBackend struct {
	baseURL     string
	accessToken string
	deviceID    string
	client      *http.Client
}

// NewHTTPBackend はHTTPBackendを生成する。timeoutが0以下の場合はDefaultTimeoutを使う。
func NewHTTPBackend(baseURL, accessToken, deviceID string, timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPBackend{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		deviceID:    deviceID,
		client:      &http.Client{Timeout: timeout},
	}
}

// --- ワイヤーフォーマット ---

type identityWire struct {
	ID             string      `json:"id"`
	Kind           string      `json:"kind"`
	Name           string      `json:"name"`
	Email          string      `json:"email"`
	Country        string      `json:"country"`
	Feeling        string      `json:"feeling"`
	Tier           string      `json:"tier"`
	TrialStartDate *time.Time  `json:"trialStartDate"`
	TrialEndDate   *time.Time  `json:"trialEndDate"`
	HasEverTrialed bool        `json:"hasEverTrialed"`
	IsJudge        bool        `json:"isJudge"`
	LastResetDate  string      `json:"lastResetDate"`
	Degraded       bool        `json:"degraded"`
	Usage          model.Usage `json:"usage"`
}

func (w identityWire) toModel() *model.Identity {
	id := &model.Identity{
		ID:             w.ID,
		Kind:           model.IdentityKind(w.Kind),
		Name:           w.Name,
		Email:          w.Email,
		Country:        w.Country,
		Feeling:        w.Feeling,
		Tier:           model.Tier(w.Tier),
		TrialStartDate: w.TrialStartDate,
		TrialEndDate:   w.TrialEndDate,
		HasEverTrialed: w.HasEverTrialed,
		IsJudge:        w.IsJudge,
		MessagesUsed:   w.Usage.MessagesUsed,
		VoiceNotesUsed: w.Usage.VoiceNotesUsed,
		Degraded:       w.Degraded,
	}
	if d, err := time.Parse(time.DateOnly, w.LastResetDate); err == nil {
		id.LastResetDate = d
	}
	return id
}

type sessionWire struct {
	ID              string    `json:"id"`
	CreatedAt       time.Time `json:"createdAt"`
	MessagesUsed    int       `json:"messagesUsed"`
	DurationSeconds int       `json:"durationSeconds"`
	Ephemeral       bool      `json:"ephemeral"`
}

func (w sessionWire) toModel() *model.Session {
	return &model.Session{
		ID:              w.ID,
		CreatedAt:       w.CreatedAt,
		MessagesUsed:    w.MessagesUsed,
		DurationSeconds: w.DurationSeconds,
		Ephemeral:       w.Ephemeral,
	}
}

type messageWire struct {
	ID           string    `json:"id"`
	Sender       string    `json:"sender"`
	Content      string    `json:"content"`
	Type         string    `json:"type"`
	VoiceNoteURL string    `json:"voiceNoteUrl"`
	CreatedAt    time.Time `json:"createdAt"`
}

type chatWire struct {
	Message         string `json:"message"`
	UserID          string `json:"userId,omitempty"`
	DeviceID        string `json:"deviceId,omitempty"`
	SessionID       string `json:"sessionId"`
	MessageType     string `json:"messageType"`
	IsVoiceResponse bool   `json:"isVoiceResponse"`
	VoiceNoteURL    string `json:"voiceNoteUrl,omitempty"`
}

type chatReplyWire struct {
	MessageID    string      `json:"messageId"`
	Response     string      `json:"response"`
	VoiceNoteURL string      `json:"voiceNoteUrl"`
	Usage        model.Usage `json:"usage"`
}

// --- Backend実装 ---

// Resolve はPOST /api/identity/resolve を呼び出す。
func (b *HTTPBackend) Resolve(ctx context.Context, p Profile) (*model.Identity, error) {
	body := map[string]string{
		"name":    p.Name,
		"country": p.Country,
		"feeling": p.Feeling,
	}
	if b.accessToken == "" {
		body["deviceId"] = b.deviceID
	}

	var out identityWire
	if err := b.doJSON(ctx, http.MethodPost, "/api/identity/resolve", body, &out); err != nil {
		return nil, err
	}
	return out.toModel(), nil
}

// CreateSession はPOST /api/sessions を呼び出す。
func (b *HTTPBackend) CreateSession(ctx context.Context) (*model.Session, error) {
	var out sessionWire
	if err := b.doJSON(ctx, http.MethodPost, "/api/sessions", struct{}{}, &out); err != nil {
		return nil, err
	}
	return out.toModel(), nil
}

// LoadSession はGET /api/sessions/{id} を呼び出す。
func (b *HTTPBackend) LoadSession(ctx context.Context, sessionID string) (*model.Session, []*model.Message, error) {
	var out struct {
		Session  sessionWire   `json:"session"`
		Messages []messageWire `json:"messages"`
	}
	if err := b.doJSON(ctx, http.MethodGet, "/api/sessions/"+sessionID, nil, &out); err != nil {
		return nil, nil, err
	}

	sess := out.Session.toModel()
	messages := make([]*model.Message, len(out.Messages))
	for i, m := range out.Messages {
		messages[i] = &model.Message{
			ID:           m.ID,
			SessionID:    sess.ID,
			Sender:       model.Sender(m.Sender),
			Content:      m.Content,
			Type:         model.MessageType(m.Type),
			VoiceNoteURL: m.VoiceNoteURL,
			CreatedAt:    m.CreatedAt,
		}
	}
	return sess, messages, nil
}

// Chat はPOST /chat を呼び出す。
func (b *HTTPBackend) Chat(ctx context.Context, req ChatRequest) (*ChatReply, error) {
	in := chatWire{
		Message:         req.Message,
		SessionID:       req.SessionID,
		MessageType:     string(req.MessageType),
		IsVoiceResponse: req.WantsVoice,
		VoiceNoteURL:    req.VoiceNoteURL,
	}
	if b.accessToken == "" {
		in.DeviceID = b.deviceID
	}

	var out chatReplyWire
	if err := b.doJSON(ctx, http.MethodPost, "/chat", in, &out); err != nil {
		return nil, err
	}
	return &ChatReply{
		MessageID:    out.MessageID,
		Reply:        out.Response,
		VoiceNoteURL: out.VoiceNoteURL,
		Usage:        out.Usage,
	}, nil
}

// UploadVoiceNote はPOST /api/voice-notes に音声データをそのまま送る。
func (b *HTTPBackend) UploadVoiceNote(ctx context.Context, audio []byte, contentType string) (*Upload, error) {
	req, err := b.newRequest(ctx, http.MethodPost, "/api/voice-notes", bytes.NewReader(audio))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	var out struct {
		FilePath string `json:"filePath"`
		URL      string `json:"url"`
	}
	if err := b.do(req, &out); err != nil {
		return nil, err
	}
	return &Upload{FilePath: out.FilePath, URL: out.URL}, nil
}

// Transcribe はPOST /transcribe を呼び出す。
func (b *HTTPBackend) Transcribe(ctx context.Context, filePath string) (*Transcript, error) {
	body := map[string]string{"filePath": filePath}
	if b.accessToken == "" {
		body["deviceId"] = b.deviceID
	}

	var out struct {
		Transcription string  `json:"transcription"`
		Confidence    float64 `json:"confidence"`
	}
	if err := b.doJSON(ctx, http.MethodPost, "/transcribe", body, &out); err != nil {
		return nil, err
	}
	return &Transcript{Text: out.Transcription, Confidence: out.Confidence}, nil
}

// --- 共通処理 ---

func (b *HTTPBackend) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if b.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+b.accessToken)
	} else if b.deviceID != "" {
		req.Header.Set(middleware.DeviceIDHeader, b.deviceID)
	}
	return req, nil
}

func (b *HTTPBackend) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := b.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return b.do(req, out)
}

func (b *HTTPBackend) do(req *http.Request, out interface{}) error {
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// decodeError はエラーレスポンスをクライアントのエラー分類に変換する。
func decodeError(resp *http.Response) error {
	var body middleware.ErrorResponseBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body)

	if resp.StatusCode == http.StatusTooManyRequests && body.Code != middleware.ErrCodeRateLimitExceeded {
		reason := body.Reason
		if reason == "" {
			reason = body.Code
		}
		return &QuotaError{Reason: reason, Usage: body.Usage}
	}

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Code:       body.Code,
		Message:    body.Message,
		Action:     body.Action,
		cause:      ErrBackendUnavailable,
	}
	switch body.Code {
	case model.ErrCodeIdentityNotFound:
		apiErr.cause = ErrIdentityNotFound
	case model.ErrCodeUpgradeRequired:
		apiErr.cause = ErrUpgradeRequired
	case model.ErrCodeTranscriptionFailed:
		apiErr.cause = ErrTranscriptionFailed
	}
	return apiErr
}
