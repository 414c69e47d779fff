package client

import (
	"context"

	"github.com/Dezzy-dev/amara/internal/model"
)

// Profile はオンボーディングで入力される利用者の情報。
type Profile struct {
	Name    string
	Country string
	Feeling string
}

// ChatRequest は1回のチャット交換のリクエスト。
type ChatRequest struct {
	Message      string
	SessionID    string
	MessageType  model.MessageType
	WantsVoice   bool
	VoiceNoteURL string
}

// ChatReply はチャット交換の応答。
type ChatReply struct {
	MessageID    string
	Reply        string
	VoiceNoteURL string
	Usage        model.Usage
}

// Upload はアップロード済みの音声メモ。
type Upload struct {
	FilePath string
	URL      string
}

// Transcript は文字起こしの結果。
type Transcript struct {
	Text       string
	Confidence float64
}

// Backend はサーバーAPIのクライアント側インターフェース。
// 送信者の識別（トークンまたはデバイスID）は実装側が付与する。
type Backend interface {
	Resolve(ctx context.Context, p Profile) (*model.Identity, error)
	CreateSession(ctx context.Context) (*model.Session, error)
	LoadSession(ctx context.Context, sessionID string) (*model.Session, []*model.Message, error)
	Chat(ctx context.Context, req ChatRequest) (*ChatReply, error)
	UploadVoiceNote(ctx context.Context, audio []byte, contentType string) (*Upload, error)
	Transcribe(ctx context.Context, filePath string) (*Transcript, error)
}
