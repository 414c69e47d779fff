package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/Dezzy-dev/amara/internal/model"
	"github.com/Dezzy-dev/amara/internal/speech"
	"github.com/Dezzy-dev/amara/internal/storage"
)

// VoiceNoteStore は音声メモの保存と取得を行うインターフェース。
type VoiceNoteStore interface {
	Put(ctx context.Context, owner model.IdentityRef, data []byte, contentType string) (*storage.Object, error)
	Get(ctx context.Context, owner model.IdentityRef, key string) (*storage.Object, error)
	KeyFromURL(rawURL string) (string, bool)
}

// TranscriptionObserver は文字起こしの結果を記録する。
type TranscriptionObserver interface {
	ObserveTranscription(err error)
}

// VoiceHandler は音声メモのアップロードと文字起こしのHTTPハンドラー。
type VoiceHandler struct {
	identities  IdentityServiceInterface
	store       VoiceNoteStore
	transcriber speech.Transcriber
	observer    TranscriptionObserver
	maxBytes    int64
}

// NewVoiceHandler はVoiceHandlerを生成する。storeがnilの場合は音声メモ機能を無効として扱う。
func NewVoiceHandler(identities IdentityServiceInterface, store VoiceNoteStore, transcriber speech.Transcriber, observer TranscriptionObserver, maxBytes int64) *VoiceHandler {
	return &VoiceHandler{
		identities:  identities,
		store:       store,
		transcriber: transcriber,
		observer:    observer,
		maxBytes:    maxBytes,
	}
}

// uploadResponse は音声メモアップロードのAPIレスポンス。
type uploadResponse struct {
	FilePath string `json:"filePath"`
	URL      string `json:"url"`
}

// transcribeRequest は文字起こしリクエストのボディ。
type transcribeRequest struct {
	FilePath string `json:"filePath"`
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId"`
}

// transcribeResponse は文字起こしのAPIレスポンス。
type transcribeResponse struct {
	Transcription string  `json:"transcription"`
	Confidence    float64 `json:"confidence"`
}

// Upload は音声データをオブジェクトストレージに保存する。
// クォータは消費しない。音声メモのクォータはチャット交換で消費される。
// POST /api/voice-notes
func (h *VoiceHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeAPIErrorResponse(w, http.StatusServiceUnavailable, model.NewStorageUnavailableError())
		return
	}

	contentType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !storage.IsAudio(contentType) {
		writeAPIErrorResponse(w, http.StatusUnsupportedMediaType, model.NewUnsupportedMediaTypeError(r.Header.Get("Content-Type")))
		return
	}

	ref, err := requestRef(r, "", "")
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if _, err := h.identities.Find(r.Context(), ref); err != nil {
		handleServiceError(w, err)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeAPIErrorResponse(w, http.StatusRequestEntityTooLarge, model.NewPayloadTooLargeError(h.maxBytes))
			return
		}
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("failed to read audio"))
		return
	}
	if len(data) == 0 {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("empty audio"))
		return
	}

	obj, err := h.store.Put(r.Context(), ref, data, contentType)
	if err != nil {
		slog.Error("voice note upload failed",
			slog.String("identity_id", ref.ID),
			slog.String("error", err.Error()),
		)
		writeAPIErrorResponse(w, http.StatusServiceUnavailable, model.NewStorageUnavailableError())
		return
	}

	writeJSON(w, http.StatusCreated, uploadResponse{FilePath: obj.Key, URL: obj.URL})
}

// Transcribe は保存済みの音声メモを文字起こしする。
// POST /transcribe
func (h *VoiceHandler) Transcribe(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeAPIErrorResponse(w, http.StatusServiceUnavailable, model.NewStorageUnavailableError())
		return
	}

	var req transcribeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeInvalidBody(w)
		return
	}
	if req.FilePath == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("filePath is required"))
		return
	}

	ref, err := requestRef(r, req.UserID, req.DeviceID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if _, err := h.identities.Find(r.Context(), ref); err != nil {
		handleServiceError(w, err)
		return
	}

	key := req.FilePath
	if k, ok := h.store.KeyFromURL(req.FilePath); ok {
		key = k
	}

	obj, err := h.store.Get(r.Context(), ref, key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewVoiceNoteNotFoundError())
		return
	case errors.Is(err, storage.ErrTooLarge):
		writeAPIErrorResponse(w, http.StatusRequestEntityTooLarge, model.NewPayloadTooLargeError(h.maxBytes))
		return
	case err != nil:
		slog.Error("voice note download failed",
			slog.String("identity_id", ref.ID),
			slog.String("error", err.Error()),
		)
		writeAPIErrorResponse(w, http.StatusServiceUnavailable, model.NewStorageUnavailableError())
		return
	}

	var result *speech.Transcription
	if h.transcriber == nil {
		err = speech.ErrNotConfigured
	} else {
		result, err = h.transcriber.Transcribe(r.Context(), obj.Data, obj.ContentType)
	}
	if h.observer != nil {
		h.observer.ObserveTranscription(err)
	}
	if err != nil {
		slog.Warn("transcription failed",
			slog.String("identity_id", ref.ID),
			slog.String("error", err.Error()),
		)
		writeAPIErrorResponse(w, http.StatusBadGateway, model.NewTranscriptionFailedError())
		return
	}

	writeJSON(w, http.StatusOK, transcribeResponse{
		Transcription: result.Text,
		Confidence:    result.Confidence,
	})
}
