// Package chat はサーバー側のチャット交換（クォータ判定・応答生成・永続化）を提供する。
package chat

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Dezzy-dev/amara/internal/llm"
	"github.com/Dezzy-dev/amara/internal/model"
	"github.com/Dezzy-dev/amara/internal/quota"
	"github.com/Dezzy-dev/amara/internal/repository"
	"github.com/Dezzy-dev/amara/internal/security"
	"github.com/Dezzy-dev/amara/internal/speech"
	"github.com/Dezzy-dev/amara/internal/storage"
	"github.com/Dezzy-dev/amara/internal/usage"
)

// GreetingSentinel はセッション開始時の挨拶を要求する特別なメッセージ。
// クォータを消費せず、利用者の発話として保存されない。
const GreetingSentinel = model.GreetingSentinel

// DefaultHistoryLimit は応答生成に渡す直近メッセージ数の既定値。
const DefaultHistoryLimit = 20

// IdentityFinder は既存Identityの取得を行う。
type IdentityFinder interface {
	Find(ctx context.Context, ref model.IdentityRef) (*model.Identity, error)
}

// SessionOwner はセッションの所有確認を行う。
type SessionOwner interface {
	Owns(ctx context.Context, id *model.Identity, sessionID string) (*model.Session, error)
}

// QuotaLedger はクォータの予約と払い戻しを行う。
type QuotaLedger interface {
	Reserve(ctx context.Context, ref model.IdentityRef, kind model.UsageKind, limits quota.Limits) (usage.Decision, error)
	Release(ctx context.Context, ref model.IdentityRef, kind model.UsageKind) error
}

// VoiceStore は合成音声の保存と音声メモURLの検証を行う。
type VoiceStore interface {
	Put(ctx context.Context, owner model.IdentityRef, data []byte, contentType string) (*storage.Object, error)
	KeyFromURL(rawURL string) (string, bool)
	Owns(owner model.IdentityRef, key string) bool
}

// Recorder はチャット交換の計測値を記録する。
type Recorder interface {
	ObserveExchange(result string, kind model.UsageKind)
	ObserveQuotaDenied(kind model.UsageKind)
	ObserveLLM(d time.Duration, err error)
	ObserveSynthesis(err error)
}

// 交換結果のラベル
const (
	ResultDelivered        = "delivered"
	ResultGreeting         = "greeting"
	ResultDenied           = "denied"
	ResultLLMFailed        = "llm_failed"
	ResultPersistenceError = "persistence_failed"
)

// Request は1回のチャット交換の入力。
type Request struct {
	Message      string
	Owner        model.IdentityRef
	SessionID    string
	MessageType  model.MessageType
	WantsVoice   bool
	VoiceNoteURL string // 音声メモ由来の発話に添付されたURL
}

// Response は1回のチャット交換の結果。
type Response struct {
	MessageID    string
	Reply        string
	VoiceNoteURL string
	Usage        model.Usage
	// PersistenceFailed は応答は生成できたが保存に失敗したことを示す。
	PersistenceFailed bool
}

// Deps はServiceの依存関係。Synthesizer・Voices・Recorder・Sanitizerは省略できる。
type Deps struct {
	Identities   IdentityFinder
	Sessions     SessionOwner
	Ledger       QuotaLedger
	Messages     repository.MessageRepository
	Completer    llm.Completer
	Sanitizer    security.TextSanitizer
	Synthesizer  speech.Synthesizer
	Voices       VoiceStore
	Recorder     Recorder
	HistoryLimit int
}

// Service はチャット交換のサービス層。
type Service struct {
	identities   IdentityFinder
	sessions     SessionOwner
	ledger       QuotaLedger
	messages     repository.MessageRepository
	completer    llm.Completer
	sanitizer    security.TextSanitizer
	synthesizer  speech.Synthesizer
	voices       VoiceStore
	recorder     Recorder
	historyLimit int
	now          func() time.Time
}

// NewService はServiceを生成する。
func NewService(d Deps) *Service {
	limit := d.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	recorder := d.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	sanitizer := d.Sanitizer
	if sanitizer == nil {
		sanitizer = security.NewTextSanitizer()
	}
	return &Service{
		identities:   d.Identities,
		sessions:     d.Sessions,
		ledger:       d.Ledger,
		messages:     d.Messages,
		completer:    d.Completer,
		sanitizer:    sanitizer,
		synthesizer:  d.Synthesizer,
		voices:       d.Voices,
		recorder:     recorder,
		historyLimit: limit,
		now:          time.Now,
	}
}

// Exchange は利用者の発話に対する応答を生成して保存する。
// クォータは応答生成の前にアトミックに予約し、生成に失敗した場合は払い戻す。
func (s *Service) Exchange(ctx context.Context, req Request) (*Response, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}

	// 認証結果や匿名IDに基づいて毎回解決し直す
	id, err := s.identities.Find(ctx, req.Owner)
	if err != nil {
		return nil, err
	}
	if _, err := s.sessions.Owns(ctx, id, req.SessionID); err != nil {
		return nil, err
	}

	if isGreeting(req.Message) {
		return s.greet(ctx, id, req)
	}

	voiceURL, err := s.voiceNoteURL(id, req)
	if err != nil {
		return nil, err
	}
	userText := s.sanitizer.Sanitize(req.Message)
	if userText == "" {
		return nil, model.NewMissingMessageError()
	}

	kind := req.MessageType.UsageKind()
	decision, err := s.ledger.Reserve(ctx, id.Ref(), kind, quota.ForIdentity(id))
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		s.recorder.ObserveQuotaDenied(kind)
		s.recorder.ObserveExchange(ResultDenied, kind)
		return nil, model.NewQuotaExceededError(kind, decision.Usage)
	}

	history, err := s.messages.ListRecent(ctx, req.SessionID, id.Ref(), s.historyLimit)
	if err != nil {
		// 履歴なしでも応答は生成できる
		slog.Warn("会話履歴の取得に失敗しました",
			slog.String("session_id", req.SessionID),
			slog.String("error", err.Error()),
		)
		history = nil
	}

	reply, err := s.complete(ctx, llm.Prompt{
		System:  llm.SystemPrompt(personaOf(id)),
		History: toTurns(history),
		Message: userText,
	})
	if err != nil {
		s.release(ctx, id.Ref(), kind)
		s.recorder.ObserveExchange(ResultLLMFailed, kind)
		return nil, model.NewLLMUnavailableError()
	}

	now := s.now().UTC()
	userMsg := &model.Message{
		ID:           uuid.NewString(),
		SessionID:    req.SessionID,
		Sender:       model.SenderUser,
		Content:      userText,
		Type:         req.MessageType,
		VoiceNoteURL: voiceURL,
		CreatedAt:    now,
	}
	resp := s.reply(ctx, id, req, userMsg, reply, now)
	resp.Usage = decision.Usage
	return resp, nil
}

// greet はクォータを消費せずに挨拶を生成する。
func (s *Service) greet(ctx context.Context, id *model.Identity, req Request) (*Response, error) {
	reply, err := s.complete(ctx, llm.Prompt{
		System:  llm.SystemPrompt(personaOf(id)),
		Message: llm.GreetingMessage,
	})
	if err != nil {
		s.recorder.ObserveExchange(ResultLLMFailed, model.UsageMessage)
		return nil, model.NewLLMUnavailableError()
	}

	resp := s.reply(ctx, id, req, nil, reply, s.now().UTC())
	resp.Usage = quota.Usage(usage.Rollover(id, s.now()))
	return resp, nil
}

// reply は応答を保存し、必要に応じて音声を合成してResponseを組み立てる。
// 保存の失敗はログに残し、応答はそのまま返す。
func (s *Service) reply(ctx context.Context, id *model.Identity, req Request, userMsg *model.Message, reply string, now time.Time) *Response {
	assistant := &model.Message{
		ID:        uuid.NewString(),
		SessionID: req.SessionID,
		Sender:    model.SenderAssistant,
		Content:   s.sanitizer.Sanitize(reply),
		Type:      model.MessageText,
		CreatedAt: now,
	}
	if userMsg != nil {
		// 同一トランザクション内でも作成順を保つ
		assistant.CreatedAt = now.Add(time.Millisecond)
	}

	resp := &Response{MessageID: assistant.ID, Reply: assistant.Content}

	if req.WantsVoice {
		if url := s.synthesize(ctx, id, assistant.Content); url != "" {
			assistant.VoiceNoteURL = url
			assistant.Type = model.MessageVoice
			resp.VoiceNoteURL = url
		}
	}

	kind := req.MessageType.UsageKind()
	result := ResultDelivered
	if userMsg == nil {
		result = ResultGreeting
	}

	// 利用者が画面を離れても生成済みの応答は保存する
	err := s.messages.SaveExchange(context.WithoutCancel(ctx), repository.Exchange{
		SessionID: req.SessionID,
		Owner:     id.Ref(),
		User:      userMsg,
		Assistant: assistant,
	})
	if err != nil {
		slog.Error("チャット交換の保存に失敗しました",
			slog.String("session_id", req.SessionID),
			slog.String("identity_id", id.ID),
			slog.String("error", err.Error()),
		)
		resp.PersistenceFailed = true
		result = ResultPersistenceError
	}

	s.recorder.ObserveExchange(result, kind)
	return resp
}

func (s *Service) complete(ctx context.Context, p llm.Prompt) (string, error) {
	if s.completer == nil {
		return "", llm.ErrNotConfigured
	}
	start := s.now()
	reply, err := s.completer.Complete(ctx, p)
	s.recorder.ObserveLLM(s.now().Sub(start), err)
	if err != nil {
		slog.Error("応答の生成に失敗しました", slog.String("error", err.Error()))
		return "", err
	}
	return reply, nil
}

// synthesize は応答を音声化して保存し、そのURLを返す。
// 失敗した場合は空文字を返す。
func (s *Service) synthesize(ctx context.Context, id *model.Identity, text string) string {
	if s.synthesizer == nil || s.voices == nil {
		return ""
	}

	audio, contentType, err := s.synthesizer.Synthesize(ctx, text)
	if err == nil {
		var obj *storage.Object
		obj, err = s.voices.Put(ctx, id.Ref(), audio, contentType)
		if err == nil {
			s.recorder.ObserveSynthesis(nil)
			return obj.URL
		}
	}

	s.recorder.ObserveSynthesis(err)
	slog.Warn("音声合成に失敗したため、テキストのみで応答します",
		slog.String("identity_id", id.ID),
		slog.String("error", err.Error()),
	)
	return ""
}

func (s *Service) release(ctx context.Context, ref model.IdentityRef, kind model.UsageKind) {
	// 呼び出し元がキャンセルされても払い戻しは行う
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.ledger.Release(ctx, ref, kind); err != nil {
		slog.Error("クォータの払い戻しに失敗しました",
			slog.String("identity_id", ref.ID),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
	}
}

// voiceNoteURL は発話に添付された音声メモURLを検証する。
// このサーバーが保存した本人の音声メモ以外は受け付けない。
func (s *Service) voiceNoteURL(id *model.Identity, req Request) (string, error) {
	if req.VoiceNoteURL == "" {
		return "", nil
	}
	if s.voices == nil {
		return "", model.NewStorageUnavailableError()
	}
	key, ok := s.voices.KeyFromURL(req.VoiceNoteURL)
	if !ok || !s.voices.Owns(id.Ref(), key) {
		return "", model.NewVoiceNoteNotFoundError()
	}
	return req.VoiceNoteURL, nil
}

func validate(req *Request) error {
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return model.NewMissingMessageError()
	}
	if req.Owner.ID == "" {
		return model.NewMissingIdentityError()
	}
	if req.SessionID == "" {
		return model.NewInvalidRequestError("sessionId is required")
	}
	if req.MessageType == "" {
		req.MessageType = model.MessageText
	}
	if !req.MessageType.Valid() {
		return model.NewInvalidRequestError("messageType must be text or voice")
	}
	return nil
}

func isGreeting(message string) bool {
	return message == GreetingSentinel
}

func personaOf(id *model.Identity) llm.Persona {
	return llm.Persona{Name: id.Name, Country: id.Country, Feeling: id.Feeling}
}

func toTurns(messages []*model.Message) []llm.Turn {
	turns := make([]llm.Turn, 0, len(messages))
	for _, m := range messages {
		if m.Content == "" {
			continue
		}
		role := llm.RoleUser
		if m.Sender == model.SenderAssistant {
			role = llm.RoleAssistant
		}
		turns = append(turns, llm.Turn{Role: role, Text: m.Content})
	}
	return turns
}

type nopRecorder struct{}

func (nopRecorder) ObserveExchange(string, model.UsageKind) {}
func (nopRecorder) ObserveQuotaDenied(model.UsageKind)      {}
func (nopRecorder) ObserveLLM(time.Duration, error)         {}
func (nopRecorder) ObserveSynthesis(error)                  {}
