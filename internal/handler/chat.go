package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/Dezzy-dev/amara/internal/chat"
	"github.com/Dezzy-dev/amara/internal/model"
)

// ChatServiceInterface はチャット交換を行うサービスインターフェース。
type ChatServiceInterface interface {
	Exchange(ctx context.Context, req chat.Request) (*chat.Response, error)
}

// ChatHandler はチャット交換のHTTPハンドラー。
type ChatHandler struct {
	service ChatServiceInterface
}

// NewChatHandler はChatHandlerを生成する。
func NewChatHandler(service ChatServiceInterface) *ChatHandler {
	return &ChatHandler{service: service}
}

// chatRequest はチャットリクエストのボディ。
type chatRequest struct {
	Message         string `json:"message"`
	UserID          string `json:"userId"`
	DeviceID        string `json:"deviceId"`
	SessionID       string `json:"sessionId"`
	MessageType     string `json:"messageType"`
	IsVoiceResponse bool   `json:"isVoiceResponse"`
	VoiceNoteURL    string `json:"voiceNoteUrl"`
}

// chatResponse はチャットのAPIレスポンス。
type chatResponse struct {
	MessageID    string      `json:"messageId"`
	Response     string      `json:"response"`
	VoiceNoteURL string      `json:"voiceNoteUrl,omitempty"`
	Usage        model.Usage `json:"usage"`
}

// Chat は1回のチャット交換を処理する。
// POST /chat, POST /api/chat
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeInvalidBody(w)
		return
	}

	if strings.TrimSpace(req.Message) == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewMissingMessageError())
		return
	}

	ref, err := requestRef(r, req.UserID, req.DeviceID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	messageType := model.MessageType(req.MessageType)
	if messageType == "" {
		messageType = model.MessageText
	}

	resp, err := h.service.Exchange(r.Context(), chat.Request{
		Message:      req.Message,
		Owner:        ref,
		SessionID:    req.SessionID,
		MessageType:  messageType,
		WantsVoice:   req.IsVoiceResponse,
		VoiceNoteURL: req.VoiceNoteURL,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		MessageID:    resp.MessageID,
		Response:     resp.Reply,
		VoiceNoteURL: resp.VoiceNoteURL,
		Usage:        resp.Usage,
	})
}
