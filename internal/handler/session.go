package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Dezzy-dev/amara/internal/model"
)

// SessionServiceInterface は会話セッションを扱うサービスインターフェース。
type SessionServiceInterface interface {
	Create(ctx context.Context, id *model.Identity) (*model.Session, error)
	Load(ctx context.Context, id *model.Identity, sessionID string) (*model.Session, []*model.Message, error)
	List(ctx context.Context, id *model.Identity, limit int) ([]*model.Session, error)
}

// SessionHandler は会話セッションのHTTPハンドラー。
type SessionHandler struct {
	identities IdentityServiceInterface
	service    SessionServiceInterface
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(identities IdentityServiceInterface, service SessionServiceInterface) *SessionHandler {
	return &SessionHandler{identities: identities, service: service}
}

// createSessionRequest はセッション作成リクエストのボディ。
type createSessionRequest struct {
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId"`
}

// sessionResponse はセッションのAPIレスポンス。
type sessionResponse struct {
	ID              string    `json:"id"`
	CreatedAt       time.Time `json:"createdAt"`
	MessagesUsed    int       `json:"messagesUsed"`
	DurationSeconds int       `json:"durationSeconds"`
	Ephemeral       bool      `json:"ephemeral,omitempty"`
}

// messageResponse はメッセージのAPIレスポンス。
type messageResponse struct {
	ID           string    `json:"id"`
	Sender       string    `json:"sender"`
	Content      string    `json:"content"`
	Type         string    `json:"type"`
	VoiceNoteURL string    `json:"voiceNoteUrl,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// sessionDetailResponse はセッションとメッセージ一覧のAPIレスポンス。
type sessionDetailResponse struct {
	Session  sessionResponse   `json:"session"`
	Messages []messageResponse `json:"messages"`
}

func toSessionResponse(s *model.Session) sessionResponse {
	return sessionResponse{
		ID:              s.ID,
		CreatedAt:       s.CreatedAt,
		MessagesUsed:    s.MessagesUsed,
		DurationSeconds: s.DurationSeconds,
		Ephemeral:       s.Ephemeral,
	}
}

func toMessageResponse(m *model.Message) messageResponse {
	return messageResponse{
		ID:           m.ID,
		Sender:       string(m.Sender),
		Content:      m.Content,
		Type:         string(m.Type),
		VoiceNoteURL: m.VoiceNoteURL,
		CreatedAt:    m.CreatedAt,
	}
}

// findIdentity はリクエストの送信者のIdentityを取得する。
func (h *SessionHandler) findIdentity(r *http.Request, bodyUserID, bodyDeviceID string) (*model.Identity, error) {
	ref, err := requestRef(r, bodyUserID, bodyDeviceID)
	if err != nil {
		return nil, err
	}
	return h.identities.Find(r.Context(), ref)
}

// Create は新しいセッションを作成する。
// POST /api/sessions
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeInvalidBody(w)
		return
	}

	ref, err := requestRef(r, req.UserID, req.DeviceID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	id, err := h.identities.Find(r.Context(), ref)
	var apiErr *model.APIError
	if err != nil && !errors.As(err, &apiErr) {
		// ストレージ障害時は縮退Identityで一時セッションを返し、会話画面を開けるようにする
		slog.Warn("identity storage unavailable, creating ephemeral session",
			slog.String("identity_id", ref.ID),
			slog.String("error", err.Error()),
		)
		id, err = &model.Identity{ID: ref.ID, Kind: ref.Kind, Tier: model.TierFreemium, Degraded: true}, nil
	}
	if err != nil {
		handleServiceError(w, err)
		return
	}

	sess, err := h.service.Create(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

// List は過去のセッション一覧を返す。
// GET /api/sessions?limit=N
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	id, err := h.findIdentity(r, "", "")
	if err != nil {
		handleServiceError(w, err)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	sessions, err := h.service.List(r.Context(), id, limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	results := make([]sessionResponse, len(sessions))
	for i, s := range sessions {
		results[i] = toSessionResponse(s)
	}
	writeJSON(w, http.StatusOK, results)
}

// Get はセッションとメッセージ一覧を返す。
// GET /api/sessions/{id}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := h.findIdentity(r, "", "")
	if err != nil {
		handleServiceError(w, err)
		return
	}

	sess, messages, err := h.service.Load(r.Context(), id, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := sessionDetailResponse{
		Session:  toSessionResponse(sess),
		Messages: make([]messageResponse, len(messages)),
	}
	for i, m := range messages {
		resp.Messages[i] = toMessageResponse(m)
	}
	writeJSON(w, http.StatusOK, resp)
}
