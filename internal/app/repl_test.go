package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/Dezzy-dev/amara/internal/client"
	"github.com/Dezzy-dev/amara/internal/model"
)

// replBackend はclient.Backendのテスト用実装。送信されたメッセージ数を使用数として返す。
type replBackend struct {
	identity *model.Identity
	sent     int
	sessions int
	uploads  []string

	chatErr       error
	transcribeErr error
}

func (b *replBackend) Resolve(ctx context.Context, p client.Profile) (*model.Identity, error) {
	id := b.identity.Clone()
	id.Name = p.Name
	return id, nil
}

func (b *replBackend) CreateSession(ctx context.Context) (*model.Session, error) {
	b.sessions++
	return &model.Session{ID: fmt.Sprintf("session-%d", b.sessions), DeviceID: b.identity.ID, CreatedAt: time.Now()}, nil
}

func (b *replBackend) LoadSession(ctx context.Context, sessionID string) (*model.Session, []*model.Message, error) {
	return nil, nil, errors.New("not used")
}

func (b *replBackend) Chat(ctx context.Context, req client.ChatRequest) (*client.ChatReply, error) {
	if req.Message == model.GreetingSentinel {
		return &client.ChatReply{MessageID: "greeting", Reply: "Hello, it's good to see you."}, nil
	}
	if b.chatErr != nil {
		return nil, b.chatErr
	}
	b.sent++
	u := model.Usage{MessagesUsed: b.sent, MaxMessages: 3}
	if req.MessageType == model.MessageVoice {
		u = model.Usage{MessagesUsed: b.sent - 1, VoiceNotesUsed: 1, MaxMessages: 5, MaxVoiceNotes: 1}
	}
	return &client.ChatReply{
		MessageID: fmt.Sprintf("reply-%d", b.sent),
		Reply:     "I hear you: " + req.Message,
		Usage:     u,
	}, nil
}

func (b *replBackend) UploadVoiceNote(ctx context.Context, audio []byte, contentType string) (*client.Upload, error) {
	b.uploads = append(b.uploads, contentType)
	return &client.Upload{FilePath: "voice-notes/x.webm", URL: "https://cdn.example.com/voice-notes/x.webm"}, nil
}

func (b *replBackend) Transcribe(ctx context.Context, filePath string) (*client.Transcript, error) {
	if b.transcribeErr != nil {
		return nil, b.transcribeErr
	}
	return &client.Transcript{Text: "I feel tired", Confidence: 0.9}, nil
}

func anonymousDevice() *model.Identity {
	return &model.Identity{
		ID:            "device-1",
		Kind:          model.IdentityAnonymous,
		Tier:          model.TierFreemium,
		LastResetDate: model.DateOnly(time.Now()),
	}
}

func runREPL(t *testing.T, b *replBackend, input string) string {
	t.Helper()
	var out bytes.Buffer
	r := newREPL(client.NewStore(b), &out)
	r.readFile = func(name string) ([]byte, error) {
		if name == "missing.webm" {
			return nil, errors.New("open missing.webm: no such file or directory")
		}
		return []byte("audio"), nil
	}
	if err := r.start(context.Background(), client.Profile{Name: "Sam"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.loop(context.Background(), strings.NewReader(input)); err != nil {
		t.Fatalf("loop: %v", err)
	}
	return out.String()
}

func TestREPL_ConversationAndLimitPrompt(t *testing.T) {
	b := &replBackend{identity: anonymousDevice()}

	out := runREPL(t, b, "hi\nhow are you\nstill here\none more\n/quit\n")

	for _, want := range []string{
		"amara: Hello, it's good to see you.",
		"amara: I hear you: hi",
		"amara: I hear you: still here",
		promptMessages[client.PromptMessageLimit],
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\n%s", want, out)
		}
	}
	if strings.Contains(out, "I hear you: one more") {
		t.Errorf("message after the limit reached the backend\n%s", out)
	}
	if b.sent != 3 {
		t.Errorf("sent = %d, want 3", b.sent)
	}
}

func TestREPL_Usage(t *testing.T) {
	b := &replBackend{identity: anonymousDevice()}

	out := runREPL(t, b, "hi\n/usage\n")

	if !strings.Contains(out, "messages today: 1/3") {
		t.Errorf("output missing usage line\n%s", out)
	}
	if !strings.Contains(out, "voice notes today: 0/0") {
		t.Errorf("output missing voice usage line\n%s", out)
	}
}

func TestREPL_BackendFailure(t *testing.T) {
	b := &replBackend{
		identity: anonymousDevice(),
		chatErr:  fmt.Errorf("%w: connection refused", client.ErrBackendUnavailable),
	}

	out := runREPL(t, b, "hello\n")

	if !strings.Contains(out, "Amara is unreachable right now") {
		t.Errorf("output missing unavailable notice\n%s", out)
	}
}

func TestREPL_VoiceNote(t *testing.T) {
	id := anonymousDevice()
	id.Kind = model.IdentityAuthenticated
	id.ID = "user-1"
	b := &replBackend{identity: id}

	out := runREPL(t, b, "/voice note.webm\n/voice note.webm\n")

	if !strings.Contains(out, "you (voice): I feel tired") {
		t.Errorf("output missing transcript\n%s", out)
	}
	if !strings.Contains(out, "amara: I hear you: I feel tired") {
		t.Errorf("output missing reply\n%s", out)
	}
	if !strings.Contains(out, promptMessages[client.PromptVoiceLimit]) {
		t.Errorf("output missing voice limit prompt\n%s", out)
	}
	if len(b.uploads) != 1 {
		t.Fatalf("uploads = %d, want 1", len(b.uploads))
	}
	if b.uploads[0] != "audio/webm" {
		t.Errorf("content type = %q, want audio/webm", b.uploads[0])
	}
}

func TestREPL_VoiceNoteErrors(t *testing.T) {
	id := anonymousDevice()
	id.Kind = model.IdentityAuthenticated
	id.ID = "user-1"
	b := &replBackend{identity: id, transcribeErr: errors.New("speech service down")}

	out := runREPL(t, b, "/voice note.webm\n/voice missing.webm\n/voice\n")

	for _, want := range []string{
		"couldn't understand that voice note",
		"no such file or directory",
		"usage: /voice <file>",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\n%s", want, out)
		}
	}
}

func TestREPL_Commands(t *testing.T) {
	b := &replBackend{identity: anonymousDevice()}

	out := runREPL(t, b, "/help\n/voice-replies maybe\n/voice-replies on\n/bogus\n/new\n")

	for _, want := range []string{
		"/voice-replies on|off  ask Amara",
		"usage: /voice-replies on|off",
		"unknown command /bogus",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\n%s", want, out)
		}
	}
	if n := strings.Count(out, "amara: Hello, it's good to see you."); n != 2 {
		t.Errorf("greeting shown %d times, want 2\n%s", n, out)
	}
}

func TestFormatUsage(t *testing.T) {
	if got := formatUsage(4, -1); got != "4 (unlimited)" {
		t.Errorf("formatUsage(4, -1) = %q", got)
	}
	if got := formatUsage(2, 5); got != "2/5" {
		t.Errorf("formatUsage(2, 5) = %q", got)
	}
}
