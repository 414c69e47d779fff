package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Dezzy-dev/amara/internal/model"
	"github.com/Dezzy-dev/amara/internal/speech"
	"github.com/Dezzy-dev/amara/internal/storage"
)

func TestVoiceHandler_Upload_Success(t *testing.T) {
	store := &mockVoiceStore{
		putFn: func(ctx context.Context, owner model.IdentityRef, data []byte, contentType string) (*storage.Object, error) {
			if owner.ID != "device-1" || owner.Kind != model.IdentityAnonymous {
				t.Errorf("owner = %+v", owner)
			}
			if contentType != "audio/webm" || string(data) != "RIFF" {
				t.Errorf("contentType = %q, data = %q", contentType, data)
			}
			return &storage.Object{Key: "voice-notes/anonymous/device-1/x.webm", URL: "https://cdn.example/voice-notes/anonymous/device-1/x.webm"}, nil
		},
	}
	h := NewVoiceHandler(&mockIdentityService{}, store, nil, nil, 1024)

	req := withDevice(httptest.NewRequest(http.MethodPost, "/api/voice-notes", bytes.NewBufferString("RIFF")), "device-1")
	req.Header.Set("Content-Type", "audio/webm;codecs=opus")
	w := httptest.NewRecorder()
	h.Upload(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp uploadResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.FilePath != "voice-notes/anonymous/device-1/x.webm" || resp.URL == "" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestVoiceHandler_Upload_Errors(t *testing.T) {
	tests := []struct {
		name        string
		store       VoiceNoteStore
		contentType string
		body        string
		wantCode    int
	}{
		{"storage disabled", nil, "audio/webm", "x", http.StatusServiceUnavailable},
		{"not audio", &mockVoiceStore{}, "image/png", "x", http.StatusUnsupportedMediaType},
		{"too large", &mockVoiceStore{}, "audio/webm", "0123456789ABCDEF", http.StatusRequestEntityTooLarge},
		{"empty", &mockVoiceStore{}, "audio/webm", "", http.StatusBadRequest},
		{"put failure", &mockVoiceStore{
			putFn: func(ctx context.Context, owner model.IdentityRef, data []byte, contentType string) (*storage.Object, error) {
				return nil, errors.New("s3 down")
			},
		}, "audio/webm", "x", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewVoiceHandler(&mockIdentityService{}, tt.store, nil, nil, 8)
			req := withDevice(httptest.NewRequest(http.MethodPost, "/api/voice-notes", bytes.NewBufferString(tt.body)), "device-1")
			req.Header.Set("Content-Type", tt.contentType)
			w := httptest.NewRecorder()
			h.Upload(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
		})
	}
}

func TestVoiceHandler_Transcribe_Success(t *testing.T) {
	store := &mockVoiceStore{
		getFn: func(ctx context.Context, owner model.IdentityRef, key string) (*storage.Object, error) {
			if key != "voice-notes/authenticated/user-1/a.webm" {
				t.Errorf("key = %q", key)
			}
			return &storage.Object{Key: key, ContentType: "audio/webm", Data: []byte("audio")}, nil
		},
	}
	transcriber := &mockTranscriber{
		transcribeFn: func(ctx context.Context, audio []byte, contentType string) (*speech.Transcription, error) {
			return &speech.Transcription{Text: "I had a long day", Confidence: 0.92}, nil
		},
	}
	observer := &mockObserver{}
	h := NewVoiceHandler(&mockIdentityService{}, store, transcriber, observer, 1024)

	// 公開URLを渡してもキーに変換される
	body := `{"filePath":"https://cdn.example/voice-notes/authenticated/user-1/a.webm","userId":"user-1"}`
	req := withUser(httptest.NewRequest(http.MethodPost, "/transcribe", bytes.NewBufferString(body)), "user-1")
	w := httptest.NewRecorder()
	h.Transcribe(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp transcribeResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Transcription != "I had a long day" || resp.Confidence != 0.92 {
		t.Errorf("resp = %+v", resp)
	}
	if len(observer.errs) != 1 || observer.errs[0] != nil {
		t.Errorf("observed = %v", observer.errs)
	}
}

func TestVoiceHandler_Transcribe_Errors(t *testing.T) {
	found := &mockVoiceStore{
		getFn: func(ctx context.Context, owner model.IdentityRef, key string) (*storage.Object, error) {
			return &storage.Object{Key: key, Data: []byte("a")}, nil
		},
	}
	failing := &mockTranscriber{
		transcribeFn: func(ctx context.Context, audio []byte, contentType string) (*speech.Transcription, error) {
			return nil, speech.ErrNoSpeech
		},
	}

	tests := []struct {
		name        string
		store       VoiceNoteStore
		transcriber speech.Transcriber
		body        string
		wantCode    int
		wantErr     string
	}{
		{"missing path", found, failing, `{}`, http.StatusBadRequest, model.ErrCodeInvalidRequest},
		{"not owned", &mockVoiceStore{}, failing, `{"filePath":"voice-notes/x"}`, http.StatusNotFound, model.ErrCodeVoiceNoteNotFound},
		{"storage failure", &mockVoiceStore{
			getFn: func(ctx context.Context, owner model.IdentityRef, key string) (*storage.Object, error) {
				return nil, errors.New("timeout")
			},
		}, failing, `{"filePath":"voice-notes/x"}`, http.StatusServiceUnavailable, model.ErrCodeStorageUnavailable},
		{"transcription failure", found, failing, `{"filePath":"voice-notes/x"}`, http.StatusBadGateway, model.ErrCodeTranscriptionFailed},
		{"no transcriber", found, nil, `{"filePath":"voice-notes/x"}`, http.StatusBadGateway, model.ErrCodeTranscriptionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewVoiceHandler(&mockIdentityService{}, tt.store, tt.transcriber, &mockObserver{}, 1024)
			req := withDevice(httptest.NewRequest(http.MethodPost, "/transcribe", bytes.NewBufferString(tt.body)), "device-1")
			w := httptest.NewRecorder()
			h.Transcribe(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if got := parseAPIErrorResponse(t, w); got.Code != tt.wantErr {
				t.Errorf("code = %q, want %q", got.Code, tt.wantErr)
			}
		})
	}
}
