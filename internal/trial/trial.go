// Package trial はトライアルプランの開始と期限切れによる降格を提供する。
package trial

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Dezzy-dev/amara/internal/model"
)

// Length はトライアル期間。
const Length = 7 * 24 * time.Hour

// Plan は課金プランの周期。
type Plan string

const (
	PlanMonthly Plan = "monthly"
	PlanYearly  Plan = "yearly"
)

// TrialTier はプランに対応するトライアル区分を返す。
func (p Plan) TrialTier() (model.Tier, bool) {
	switch p {
	case PlanMonthly:
		return model.TierMonthlyTrial, true
	case PlanYearly:
		return model.TierYearlyTrial, true
	}
	return "", false
}

// PremiumTier はプランに対応する有料区分を返す。
func (p Plan) PremiumTier() (model.Tier, bool) {
	switch p {
	case PlanMonthly:
		return model.TierMonthlyPremium, true
	case PlanYearly:
		return model.TierYearlyPremium, true
	}
	return "", false
}

// Evaluate はトライアルの期限切れを判定する純粋関数。
// トライアル中かつ終了日時を過ぎている場合はfreemiumに戻したコピーを返し、changed=trueとする。
// それ以外は入力をそのまま返す。永続化は呼び出し側の責務。
func Evaluate(id *model.Identity, now time.Time) (*model.Identity, bool) {
	if id == nil || !id.Tier.IsTrial() || id.TrialEndDate == nil {
		return id, false
	}
	if !now.After(*id.TrialEndDate) {
		return id, false
	}

	out := id.Clone()
	out.Tier = model.TierFreemium
	out.TrialStartDate = nil
	out.TrialEndDate = nil
	return out, true
}

// Start はトライアルを開始したコピーを返す。
// 一度でもトライアルを利用したIdentityにはTRIAL_ALREADY_USEDを返す。
func Start(id *model.Identity, plan Plan, now time.Time) (*model.Identity, error) {
	tier, ok := plan.TrialTier()
	if !ok {
		return nil, model.NewInvalidPlanError(string(plan))
	}
	if id.HasEverTrialed {
		return nil, model.NewTrialAlreadyUsedError()
	}

	start := now.UTC()
	end := start.Add(Length)

	out := id.Clone()
	out.Tier = tier
	out.TrialStartDate = &start
	out.TrialEndDate = &end
	out.HasEverTrialed = true
	return out, nil
}

// Repository はトライアル状態の永続化に必要な操作。
type Repository interface {
	FindProfile(ctx context.Context, userID string) (*model.Identity, error)
	UpdatePlan(ctx context.Context, id *model.Identity) error
}

// Service はトライアル開始のユースケースを提供する。
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService はServiceを生成する。
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// StartTrial は認証済みユーザーのトライアルを開始し、更新後のIdentityを返す。
// 期限切れのトライアルが残っている場合は先に降格してから判定する。
func (s *Service) StartTrial(ctx context.Context, userID string, plan Plan) (*model.Identity, error) {
	id, err := s.repo.FindProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("プロフィールの取得に失敗しました: %w", err)
	}
	if id == nil {
		return nil, model.NewIdentityNotFoundError()
	}

	now := s.now()
	id, _ = Evaluate(id, now)

	started, err := Start(id, plan, now)
	if err != nil {
		return nil, err
	}

	if err := s.repo.UpdatePlan(ctx, started); err != nil {
		return nil, fmt.Errorf("トライアルの保存に失敗しました: %w", err)
	}

	slog.Info("trial started",
		slog.String("user_id", userID),
		slog.String("tier", string(started.Tier)),
		slog.Time("trial_end", *started.TrialEndDate),
	)
	return started, nil
}
