// Package client はチャット画面の状態遷移をサーバーAPIの上に実装する状態コンテナを提供する。
// 描画から独立しているため、送信手順の各段階を単体でテストできる。
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Dezzy-dev/amara/internal/model"
	"github.com/Dezzy-dev/amara/internal/quota"
	"github.com/Dezzy-dev/amara/internal/trial"
	"github.com/Dezzy-dev/amara/internal/usage"
)

// Phase は送信中のメッセージ交換の状態。
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseAwaitingQuotaCheck Phase = "awaiting_quota_check"
	PhaseDenied             Phase = "denied"
	PhaseSending            Phase = "sending"
	PhaseAwaitingBackend    Phase = "awaiting_backend"
	PhaseDelivered          Phase = "delivered"
	PhaseFailed             Phase = "failed"
)

// PromptReason はアップグレード案内を表示する理由。
type PromptReason string

const (
	PromptTrialEnd     PromptReason = "trial_end"
	PromptMessageLimit PromptReason = "message_limit"
	PromptVoiceLimit   PromptReason = "voice_limit"
)

// UpgradePrompt は表示待ちのアップグレード案内。
type UpgradePrompt struct {
	Reason PromptReason
}

// Message は画面に表示するメッセージ。
type Message struct {
	ID           string
	Sender       model.Sender
	Content      string
	Type         model.MessageType
	VoiceNoteURL string
	Animating    bool // 送信直後でサーバー応答待ちの表示
	CreatedAt    time.Time
}

// State はStoreが保持する状態のスナップショット。
type State struct {
	Identity *model.Identity
	Session  *model.Session
	Messages []Message
	Phase    Phase
	Prompt   *UpgradePrompt
	Err      error
}

// fallbackGreeting は挨拶の生成に失敗した場合に表示する文面。
const fallbackGreeting = "Hi%s, I'm Amara. I'm here to listen, whenever you're ready. How are you feeling right now?"

// Store はIdentity・セッション・メッセージ一覧と送信状態を保持する。
// 同時に進行できる送信は1件のみ。
type Store struct {
	backend Backend
	now     func() time.Time

	mu           sync.Mutex
	state        State
	profile      Profile
	voiceReplies bool
}

// NewStore はStoreを生成する。
func NewStore(backend Backend) *Store {
	return &Store{
		backend: backend,
		now:     time.Now,
		state:   State{Phase: PhaseIdle},
	}
}

// SetVoiceReplies は音声メモ送信時に音声での返答を求めるかを設定する。
func (s *Store) SetVoiceReplies(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voiceReplies = on
}

// Snapshot は描画用に現在の状態のコピーを返す。
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.state
	if s.state.Identity != nil {
		out.Identity = s.state.Identity.Clone()
	}
	if s.state.Session != nil {
		sess := *s.state.Session
		out.Session = &sess
	}
	if s.state.Prompt != nil {
		p := *s.state.Prompt
		out.Prompt = &p
	}
	out.Messages = append([]Message(nil), s.state.Messages...)
	return out
}

// DismissPrompt は表示済みのアップグレード案内を消す。
func (s *Store) DismissPrompt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Prompt = nil
}

// Resolve はサーバーでIdentityを解決し、トライアル期限を評価した結果を保持する。
func (s *Store) Resolve(ctx context.Context, p Profile) (*model.Identity, error) {
	id, err := s.backend.Resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	id, _ = trial.Evaluate(id, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = p
	s.state.Identity = id
	return id.Clone(), nil
}

// StartNewSession は新しいセッションを作成し、メッセージ一覧を空にして挨拶を表示する。
// 挨拶はクォータを消費しない。生成に失敗した場合は固定の挨拶を表示する。
// 挨拶を受け取るまでは送信中として扱い、他の送信を受け付けない。
func (s *Store) StartNewSession(ctx context.Context) (*model.Session, error) {
	s.mu.Lock()
	if s.inFlight() {
		s.mu.Unlock()
		return nil, ErrSendInFlight
	}
	if s.state.Identity == nil {
		s.mu.Unlock()
		return nil, ErrNotResolved
	}
	name := s.state.Identity.Name
	prev := s.state.Phase
	s.state.Phase = PhaseAwaitingBackend
	s.mu.Unlock()

	sess, err := s.backend.CreateSession(ctx)
	if err != nil {
		s.mu.Lock()
		s.state.Phase = prev
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	s.state.Session = sess
	s.state.Messages = nil
	s.state.Err = nil
	s.mu.Unlock()

	greeting := s.greet(ctx, sess.ID, name)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Session == sess {
		s.state.Messages = append([]Message{greeting}, s.state.Messages...)
	}
	s.state.Phase = PhaseIdle
	c := *sess
	return &c, nil
}

func (s *Store) greet(ctx context.Context, sessionID, name string) Message {
	msg := Message{
		Sender:    model.SenderAssistant,
		Type:      model.MessageText,
		CreatedAt: s.now(),
	}

	reply, err := s.backend.Chat(ctx, ChatRequest{
		Message:     model.GreetingSentinel,
		SessionID:   sessionID,
		MessageType: model.MessageText,
	})
	if err != nil || reply.Reply == "" {
		if err != nil {
			slog.Warn("greeting failed, using local greeting", slog.String("error", err.Error()))
		}
		if name != "" {
			name = " " + name
		}
		msg.ID = "local-" + uuid.NewString()
		msg.Content = fmt.Sprintf(fallbackGreeting, name)
		return msg
	}

	msg.ID = reply.MessageID
	msg.Content = reply.Reply
	msg.VoiceNoteURL = reply.VoiceNoteURL
	return msg
}

// ResumeOrCreate はアクティブなセッションがあればそのまま返し、無ければ新しく作成する。
func (s *Store) ResumeOrCreate(ctx context.Context) (*model.Session, error) {
	s.mu.Lock()
	if s.state.Session != nil {
		c := *s.state.Session
		s.mu.Unlock()
		return &c, nil
	}
	s.mu.Unlock()
	return s.StartNewSession(ctx)
}

// OpenSession は過去のセッションとメッセージ一覧を読み込み、アクティブにする。
// freemiumでは過去のセッションを開けずErrUpgradeRequiredを返す。
func (s *Store) OpenSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	if s.inFlight() {
		s.mu.Unlock()
		return ErrSendInFlight
	}
	s.mu.Unlock()

	sess, messages, err := s.backend.LoadSession(ctx, sessionID)
	if err != nil {
		return err
	}

	list := make([]Message, len(messages))
	for i, m := range messages {
		list[i] = Message{
			ID:           m.ID,
			Sender:       m.Sender,
			Content:      m.Content,
			Type:         m.Type,
			VoiceNoteURL: m.VoiceNoteURL,
			CreatedAt:    m.CreatedAt,
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Session = sess
	s.state.Messages = list
	s.state.Phase = PhaseIdle
	s.state.Err = nil
	return nil
}

// SendMessage はメッセージを1件送信する。
//
// 手元のクォータで送信できない場合はサーバーを呼ばずにアップグレード案内を出す。
// 送信中は利用者のメッセージを仮表示し、失敗した場合は取り除いて送信前の一覧に戻す。
// サーバーがIdentityを見つけられない場合は再解決して1回だけ再送する。
// 送信後に上限に達していれば、次の送信の前にアップグレード案内を出す。
func (s *Store) SendMessage(ctx context.Context, text string, typ model.MessageType, wantsVoice bool, voiceURL string) error {
	s.mu.Lock()
	if s.inFlight() {
		s.mu.Unlock()
		return ErrSendInFlight
	}
	prev := s.state.Phase
	s.state.Phase = PhaseAwaitingQuotaCheck
	s.mu.Unlock()

	return s.deliver(ctx, text, typ, wantsVoice, voiceURL, prev)
}

// deliver は送信枠を確保済みの呼び出し元からメッセージを送る。
// 送信できない状態であればフェーズをprevに戻す。
func (s *Store) deliver(ctx context.Context, text string, typ model.MessageType, wantsVoice bool, voiceURL string, prev Phase) error {
	if typ == "" {
		typ = model.MessageText
	}
	kind := typ.UsageKind()

	s.mu.Lock()
	if s.state.Identity == nil {
		s.state.Phase = prev
		s.mu.Unlock()
		return ErrNotResolved
	}
	if s.state.Session == nil {
		s.state.Phase = prev
		s.mu.Unlock()
		return ErrNoSession
	}

	s.state.Phase = PhaseAwaitingQuotaCheck
	s.state.Err = nil
	now := s.now()
	expired := s.refreshIdentity(now)
	if err := s.precheck(kind, now, expired); err != nil {
		s.mu.Unlock()
		return err
	}

	s.state.Phase = PhaseSending
	var localID string
	if text != "" {
		localID = "local-" + uuid.NewString()
		s.state.Messages = append(s.state.Messages, Message{
			ID:           localID,
			Sender:       model.SenderUser,
			Content:      text,
			Type:         typ,
			VoiceNoteURL: voiceURL,
			Animating:    true,
			CreatedAt:    now,
		})
	}
	req := ChatRequest{
		Message:      text,
		SessionID:    s.state.Session.ID,
		MessageType:  typ,
		WantsVoice:   wantsVoice,
		VoiceNoteURL: voiceURL,
	}
	profile := s.profile
	s.state.Phase = PhaseAwaitingBackend
	s.mu.Unlock()

	reply, err := s.backend.Chat(ctx, req)
	var resolved *model.Identity
	if errors.Is(err, ErrIdentityNotFound) {
		if id, rerr := s.backend.Resolve(ctx, profile); rerr == nil {
			resolved = id
			reply, err = s.backend.Chat(ctx, req)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if resolved != nil {
		s.state.Identity, _ = trial.Evaluate(resolved, now)
	}

	if err != nil {
		s.removeMessage(localID)

		var qe *QuotaError
		if errors.As(err, &qe) {
			if qe.Usage != nil {
				s.applyUsage(*qe.Usage, now)
			}
			s.state.Phase = PhaseDenied
			s.state.Prompt = &UpgradePrompt{Reason: promptReason(s.state.Identity, kind, expired)}
			return err
		}

		s.state.Phase = PhaseFailed
		s.state.Err = err
		return err
	}

	for i := range s.state.Messages {
		if s.state.Messages[i].ID == localID {
			s.state.Messages[i].Animating = false
		}
	}
	s.state.Messages = append(s.state.Messages, Message{
		ID:           reply.MessageID,
		Sender:       model.SenderAssistant,
		Content:      reply.Reply,
		Type:         model.MessageText,
		VoiceNoteURL: reply.VoiceNoteURL,
		CreatedAt:    s.now(),
	})
	s.applyUsage(reply.Usage, now)
	s.state.Phase = PhaseDelivered

	if !s.allows(kind) {
		s.state.Prompt = &UpgradePrompt{Reason: promptReason(s.state.Identity, kind, expired)}
	}
	return nil
}

// SubmitVoiceNote は録音をアップロードして文字起こしし、音声メッセージとして送信する。
// アップロードの開始から返答を受け取るまでは送信中として扱う。
// 文字起こしに失敗した場合は音声が保存済みであることを示すErrTranscriptionFailedを返す。
func (s *Store) SubmitVoiceNote(ctx context.Context, audio []byte, contentType string) error {
	s.mu.Lock()
	if s.inFlight() {
		s.mu.Unlock()
		return ErrSendInFlight
	}
	if s.state.Identity == nil {
		s.mu.Unlock()
		return ErrNotResolved
	}
	if s.state.Session == nil {
		s.mu.Unlock()
		return ErrNoSession
	}
	now := s.now()
	expired := s.refreshIdentity(now)
	if err := s.precheck(model.UsageVoice, now, expired); err != nil {
		s.mu.Unlock()
		return err
	}
	wantsVoice := s.voiceReplies
	s.state.Phase = PhaseSending
	s.state.Err = nil
	s.mu.Unlock()

	up, err := s.backend.UploadVoiceNote(ctx, audio, contentType)
	if err != nil {
		s.fail(err)
		return err
	}

	tr, err := s.backend.Transcribe(ctx, up.FilePath)
	if err == nil && tr.Text == "" {
		err = errors.New("empty transcript")
	}
	if err != nil {
		if !errors.Is(err, ErrTranscriptionFailed) {
			err = fmt.Errorf("%w: %w", ErrTranscriptionFailed, err)
		}
		s.fail(err)
		return err
	}

	return s.deliver(ctx, tr.Text, model.MessageVoice, wantsVoice, up.URL, PhaseIdle)
}

// --- 内部処理（s.mu を保持した状態で呼ぶ） ---

func (s *Store) inFlight() bool {
	switch s.state.Phase {
	case PhaseAwaitingQuotaCheck, PhaseSending, PhaseAwaitingBackend:
		return true
	}
	return false
}

// refreshIdentity はトライアル期限と日付のロールオーバーを手元のIdentityに反映する。
// トライアルが今回期限切れになった場合はtrueを返す。
func (s *Store) refreshIdentity(now time.Time) bool {
	id, expired := trial.Evaluate(s.state.Identity, now)
	s.state.Identity = usage.Rollover(id, now)
	return expired
}

// precheck は手元の状態で送信可能かを判定し、不可ならアップグレード案内を設定する。
func (s *Store) precheck(kind model.UsageKind, now time.Time, expired bool) error {
	d := usage.CheckAndReserve(s.state.Identity, kind, now)
	if d.Allowed {
		return nil
	}
	s.state.Phase = PhaseDenied
	s.state.Prompt = &UpgradePrompt{Reason: promptReason(s.state.Identity, kind, expired)}
	u := d.Usage
	return &QuotaError{Reason: d.Reason, Usage: &u}
}

func (s *Store) allows(kind model.UsageKind) bool {
	id := s.state.Identity
	used := id.MessagesUsed
	if kind == model.UsageVoice {
		used = id.VoiceNotesUsed
	}
	return quota.ForIdentity(id).Allows(kind, used)
}

func (s *Store) applyUsage(u model.Usage, now time.Time) {
	id := s.state.Identity.Clone()
	id.MessagesUsed = u.MessagesUsed
	id.VoiceNotesUsed = u.VoiceNotesUsed
	id.LastResetDate = model.DateOnly(now)
	s.state.Identity = id
}

func (s *Store) removeMessage(id string) {
	if id == "" {
		return
	}
	for i, m := range s.state.Messages {
		if m.ID == id {
			s.state.Messages = append(s.state.Messages[:i:i], s.state.Messages[i+1:]...)
			return
		}
	}
}

func (s *Store) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Phase = PhaseFailed
	s.state.Err = err
}

func promptReason(id *model.Identity, kind model.UsageKind, trialExpired bool) PromptReason {
	if kind == model.UsageVoice {
		return PromptVoiceLimit
	}
	if trialExpired || (id.HasEverTrialed && id.Tier == model.TierFreemium) {
		return PromptTrialEnd
	}
	return PromptMessageLimit
}
