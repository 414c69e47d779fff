package model

import "time"

// Session は1つの会話を表す。
// 所有者はUserIDかDeviceIDのどちらか一方のみ。作成後に所有者は変わらない。
type Session struct {
	ID              string
	UserID          string
	DeviceID        string
	CreatedAt       time.Time
	MessagesUsed    int
	DurationSeconds int
	Ephemeral       bool // 縮退モードで作成され、保存されていない
}

// OwnedBy はセッションが指定Identityの所有かどうかを返す。
func (s *Session) OwnedBy(ref IdentityRef) bool {
	switch ref.Kind {
	case IdentityAuthenticated:
		return s.UserID != "" && s.UserID == ref.ID
	case IdentityAnonymous:
		return s.DeviceID != "" && s.DeviceID == ref.ID
	}
	return false
}

// GreetingSentinel はセッション開始の挨拶を要求するメッセージ本文。
const GreetingSentinel = "__session_start__"

// Sender はメッセージの送信者。
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// MessageType はメッセージの形式。
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageVoice MessageType = "voice"
)

// Valid は定義済みの形式かどうかを返す。
func (t MessageType) Valid() bool {
	return t == MessageText || t == MessageVoice
}

// UsageKind はメッセージ形式に対応するクォータ種別を返す。
func (t MessageType) UsageKind() UsageKind {
	if t == MessageVoice {
		return UsageVoice
	}
	return UsageMessage
}

// Message はセッション内の1ターン。作成後は不変。
type Message struct {
	ID           string
	SessionID    string
	Sender       Sender
	Content      string // 音声のみの場合は空
	Type         MessageType
	VoiceNoteURL string
	CreatedAt    time.Time
}
