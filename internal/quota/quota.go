// Package quota はプラン別の日次上限と機能ゲートを定義する。
// サーバーの判定とクライアントの表示の両方がこの表を参照する。
// クライアント側の値は表示用のヒントであり、制限の判定には使わない。
package quota

import "github.com/Dezzy-dev/amara/internal/model"

// Unlimited は上限なしを表す値。
const Unlimited = -1

// Limits はプランごとの日次上限。
type Limits struct {
	MaxMessages   int
	MaxVoiceNotes int
}

var (
	// Anonymous はIdentityレコードを持たない匿名デバイスの上限。
	Anonymous = Limits{MaxMessages: 3, MaxVoiceNotes: 0}
	// Judge は審査用アカウントの上限（無制限）。
	Judge = Limits{MaxMessages: Unlimited, MaxVoiceNotes: Unlimited}
)

var table = map[model.Tier]Limits{
	model.TierFreemium: {MaxMessages: 5, MaxVoiceNotes: 1},
	// UI上は「無制限」と表示するが、サーバー側では数値上限を適用する
	model.TierMonthlyTrial:   {MaxMessages: 100, MaxVoiceNotes: 20},
	model.TierYearlyTrial:    {MaxMessages: 100, MaxVoiceNotes: 20},
	model.TierMonthlyPremium: {MaxMessages: 1000, MaxVoiceNotes: 100},
	model.TierYearlyPremium:  {MaxMessages: 1000, MaxVoiceNotes: 100},
}

// LimitsFor はプランの日次上限を返す。未知のプランはfreemium扱い。
func LimitsFor(tier model.Tier) Limits {
	if l, ok := table[tier]; ok {
		return l
	}
	return table[model.TierFreemium]
}

// ForIdentity はIdentityに適用される上限を返す。
// 審査用アカウントは無制限、匿名デバイスは匿名枠を使う。
func ForIdentity(id *model.Identity) Limits {
	if id == nil {
		return Anonymous
	}
	if id.IsJudge {
		return Judge
	}
	if id.IsAnonymous() {
		return Anonymous
	}
	return LimitsFor(id.Tier)
}

// Max は種別ごとの上限を返す。
func (l Limits) Max(kind model.UsageKind) int {
	if kind == model.UsageVoice {
		return l.MaxVoiceNotes
	}
	return l.MaxMessages
}

// Allows は使用済み数usedでもう1回消費できるかを返す。
func (l Limits) Allows(kind model.UsageKind, used int) bool {
	max := l.Max(kind)
	if max == Unlimited {
		return true
	}
	return used < max
}

// Usage はIdentityの現在の使用数と上限をまとめる。
func Usage(id *model.Identity) model.Usage {
	l := ForIdentity(id)
	return model.Usage{
		MessagesUsed:   id.MessagesUsed,
		VoiceNotesUsed: id.VoiceNotesUsed,
		MaxMessages:    l.MaxMessages,
		MaxVoiceNotes:  l.MaxVoiceNotes,
	}
}

// Feature はプランで制限される機能。
type Feature string

const (
	FeatureJournaling     Feature = "journaling"
	FeatureMoodTracking   Feature = "mood_tracking"
	FeatureSessionHistory Feature = "session_history"
	FeatureAIInsights     Feature = "ai_insights"
)

// HasFeature はプランで機能が利用可能かを返す。
// トライアルと有料プランでは全機能、freemiumでは無し。
func HasFeature(tier model.Tier, f Feature) bool {
	switch f {
	case FeatureJournaling, FeatureMoodTracking, FeatureSessionHistory, FeatureAIInsights:
		return tier.IsTrial() || tier.IsPremium()
	}
	return false
}

// IdentityHasFeature はIdentity単位で機能ゲートを評価する。
// 匿名デバイスはプランに関わらず利用できない。審査用アカウントは常に利用できる。
func IdentityHasFeature(id *model.Identity, f Feature) bool {
	if id.IsJudge {
		return true
	}
	if id.IsAnonymous() {
		return false
	}
	return HasFeature(id.Tier, f)
}
