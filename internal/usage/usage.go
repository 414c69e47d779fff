// Package usage はIdentityごとの日次利用カウンタを管理する。
// 日付が変わったカウンタは読み取り時に遅延リセットされる。
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Dezzy-dev/amara/internal/model"
	"github.com/Dezzy-dev/amara/internal/quota"
)

// 拒否理由
const (
	ReasonQuotaExceeded      = model.ErrCodeQuotaExceeded
	ReasonVoiceQuotaExceeded = model.ErrCodeVoiceQuotaExceeded
)

// Decision はクォータ判定の結果。
type Decision struct {
	Allowed bool
	Reason  string // Allowed=falseの場合のみ設定される
	Usage   model.Usage
}

// ReasonFor は種別に応じた拒否理由を返す。
func ReasonFor(kind model.UsageKind) string {
	if kind == model.UsageVoice {
		return ReasonVoiceQuotaExceeded
	}
	return ReasonQuotaExceeded
}

// Rollover は日付が変わっていれば両カウンタを0に戻したコピーを返す。
func Rollover(id *model.Identity, today time.Time) *model.Identity {
	out := id.Clone()
	day := model.DateOnly(today)
	if !model.DateOnly(out.LastResetDate).Equal(day) {
		out.MessagesUsed = 0
		out.VoiceNotesUsed = 0
		out.LastResetDate = day
	}
	return out
}

// CheckAndReserve はロールオーバー後の状態でもう1回消費できるかを判定する。
// 入力は変更しない。Usageにはロールオーバー後の使用数が入る。
func CheckAndReserve(id *model.Identity, kind model.UsageKind, today time.Time) Decision {
	rolled := Rollover(id, today)
	limits := quota.ForIdentity(rolled)

	used := rolled.MessagesUsed
	if kind == model.UsageVoice {
		used = rolled.VoiceNotesUsed
	}

	d := Decision{
		Allowed: limits.Allows(kind, used),
		Usage:   quota.Usage(rolled),
	}
	if !d.Allowed {
		d.Reason = ReasonFor(kind)
	}
	return d
}

// Store はカウンタのアトミックな予約と払い戻しを行う永続化層。
type Store interface {
	// Reserve はロールオーバー・上限判定・加算を1回の操作で行う。
	// max が quota.Unlimited の場合は判定せず加算する。
	// 予約できなかった場合は reserved=false とロールオーバー後の現在値を返す。
	Reserve(ctx context.Context, ref model.IdentityRef, kind model.UsageKind, max int, today time.Time) (used model.Usage, reserved bool, err error)

	// Release は同日内の予約を1件取り消す。0未満にはならない。
	Release(ctx context.Context, ref model.IdentityRef, kind model.UsageKind, today time.Time) error
}

// Ledger はサーバー側の権威あるクォータ判定を行う。
type Ledger struct {
	store Store
	now   func() time.Time
}

// NewLedger はLedgerを生成する。
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Reserve はクォータを1件予約する。
// 拒否された場合はエラーではなく Allowed=false の Decision を返す。
func (l *Ledger) Reserve(ctx context.Context, ref model.IdentityRef, kind model.UsageKind, limits quota.Limits) (Decision, error) {
	today := model.DateOnly(l.now())

	used, ok, err := l.store.Reserve(ctx, ref, kind, limits.Max(kind), today)
	if err != nil {
		return Decision{}, fmt.Errorf("クォータの予約に失敗しました: %w", err)
	}

	used.MaxMessages = limits.MaxMessages
	used.MaxVoiceNotes = limits.MaxVoiceNotes

	if !ok {
		slog.Info("quota exceeded",
			slog.String("identity_id", ref.ID),
			slog.String("kind", string(kind)),
		)
		return Decision{Allowed: false, Reason: ReasonFor(kind), Usage: used}, nil
	}
	return Decision{Allowed: true, Usage: used}, nil
}

// Release は失敗した交換の予約を払い戻す。
func (l *Ledger) Release(ctx context.Context, ref model.IdentityRef, kind model.UsageKind) error {
	if err := l.store.Release(ctx, ref, kind, model.DateOnly(l.now())); err != nil {
		return fmt.Errorf("クォータの払い戻しに失敗しました: %w", err)
	}
	return nil
}
