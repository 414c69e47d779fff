// Package llm はチャット応答を生成する補完バックエンドとの契約を定義する。
package llm

import (
	"context"
	"errors"
	"strings"
)

// ErrNotConfigured はAPIキーが設定されていないことを示す。
var ErrNotConfigured = errors.New("completion backend is not configured")

// ErrEmptyResponse は補完バックエンドが空の応答を返したことを示す。
var ErrEmptyResponse = errors.New("completion backend returned an empty response")

// Role は会話履歴の話者。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn は会話履歴の1ターン。
type Turn struct {
	Role Role
	Text string
}

// Prompt は補完リクエストの入力。
type Prompt struct {
	System  string
	History []Turn
	Message string
}

// Completer は補完バックエンドのインターフェース。
// 失敗した場合は応答を返さずエラーを返す。
type Completer interface {
	Complete(ctx context.Context, p Prompt) (string, error)
}

// Persona はAmaraが応答を個別化するために使う利用者情報。
type Persona struct {
	Name    string
	Country string
	Feeling string
}

const basePrompt = `You are Amara, a warm and empathetic AI companion offering emotional support.
Listen carefully, reflect feelings back, and ask gentle open questions.
Keep replies short and conversational. You are not a therapist and never give medical diagnoses.
If the user mentions self-harm or being in danger, encourage them to contact local emergency services or a crisis line right away.`

// SystemPrompt は利用者情報を含むシステムプロンプトを組み立てる。
func SystemPrompt(p Persona) string {
	var b strings.Builder
	b.WriteString(basePrompt)

	var facts []string
	if p.Name != "" {
		facts = append(facts, "Their name is "+p.Name+".")
	}
	if p.Country != "" {
		facts = append(facts, "They live in "+p.Country+".")
	}
	if p.Feeling != "" {
		facts = append(facts, "When they signed up they said they were feeling "+p.Feeling+".")
	}
	if len(facts) > 0 {
		b.WriteString("\n\nAbout the person you are talking to: ")
		b.WriteString(strings.Join(facts, " "))
	}
	return b.String()
}

// GreetingMessage はセッション開始時の挨拶を生成させるための指示。
const GreetingMessage = `Greet the person to start a new conversation. Use their name if you know it, acknowledge how they said they were feeling, and invite them to share what is on their mind. Two sentences at most.`
