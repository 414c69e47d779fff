// Package model はドメインモデルを定義する。
package model

import "time"

// Tier はサブスクリプションプランの区分を表す。
type Tier string

const (
	TierFreemium       Tier = "freemium"
	TierMonthlyTrial   Tier = "monthly_trial"
	TierYearlyTrial    Tier = "yearly_trial"
	TierMonthlyPremium Tier = "monthly_premium"
	TierYearlyPremium  Tier = "yearly_premium"
)

// IsTrial はトライアル系のプランかどうかを返す。
func (t Tier) IsTrial() bool {
	return t == TierMonthlyTrial || t == TierYearlyTrial
}

// IsPremium は有料プランかどうかを返す。
func (t Tier) IsPremium() bool {
	return t == TierMonthlyPremium || t == TierYearlyPremium
}

// Valid は定義済みのプランかどうかを返す。
func (t Tier) Valid() bool {
	switch t {
	case TierFreemium, TierMonthlyTrial, TierYearlyTrial, TierMonthlyPremium, TierYearlyPremium:
		return true
	}
	return false
}

// IdentityKind は利用主体の種別を表す。
type IdentityKind string

const (
	// IdentityAuthenticated は認証済みアカウント。
	IdentityAuthenticated IdentityKind = "authenticated"
	// IdentityAnonymous は匿名デバイス。
	IdentityAnonymous IdentityKind = "anonymous"
)

// Identity はクォータとセッションの所有単位を表す。
// 認証済みアカウントまたは匿名デバイスのいずれか。
type Identity struct {
	ID             string
	Kind           IdentityKind
	Name           string
	Email          string // 認証済みのみ
	Country        string
	Feeling        string // オンボーディングで回答した気分
	Tier           Tier
	TrialStartDate *time.Time
	TrialEndDate   *time.Time
	HasEverTrialed bool
	IsJudge        bool
	MessagesUsed   int
	VoiceNotesUsed int
	LastResetDate  time.Time // 日付のみ意味を持つ（UTC）
	// Degraded はストレージ障害時にメモリ上だけで生成されたIdentityであることを示す。
	// 永続化されることはない。
	Degraded  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Ref はIdentityを一意に指す参照を返す。
func (i *Identity) Ref() IdentityRef {
	return IdentityRef{ID: i.ID, Kind: i.Kind}
}

// IsAnonymous は匿名デバイスかどうかを返す。
func (i *Identity) IsAnonymous() bool {
	return i.Kind == IdentityAnonymous
}

// Clone はIdentityのコピーを返す。ポインタフィールドも複製する。
func (i *Identity) Clone() *Identity {
	c := *i
	if i.TrialStartDate != nil {
		t := *i.TrialStartDate
		c.TrialStartDate = &t
	}
	if i.TrialEndDate != nil {
		t := *i.TrialEndDate
		c.TrialEndDate = &t
	}
	return &c
}

// IdentityRef はIdentityの種別付きID。
// 認証済みユーザーIDと匿名デバイスIDは別の名前空間に属する。
type IdentityRef struct {
	ID   string
	Kind IdentityKind
}

// UsageKind はクォータを消費する操作の種類。
type UsageKind string

const (
	UsageMessage UsageKind = "message"
	UsageVoice   UsageKind = "voice"
)

// Usage は日次の利用状況と上限をまとめたもの。
// 上限が-1の場合は無制限を表す。
type Usage struct {
	MessagesUsed   int `json:"messagesUsed"`
	VoiceNotesUsed int `json:"voiceNotesUsed"`
	MaxMessages    int `json:"maxMessages"`
	MaxVoiceNotes  int `json:"maxVoiceNotes"`
}

// DateOnly は時刻をUTCの日付（0時）に丸める。
func DateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
