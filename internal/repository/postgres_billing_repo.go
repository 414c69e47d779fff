package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Dezzy-dev/amara/internal/model"
)

// PostgresBillingRepo はPostgreSQLを使用した課金情報リポジトリ。
type PostgresBillingRepo struct {
	db *sql.DB
}

// NewPostgresBillingRepo はPostgresBillingRepoを生成する。
func NewPostgresBillingRepo(db *sql.DB) *PostgresBillingRepo {
	return &PostgresBillingRepo{db: db}
}

// StripeCustomerID はユーザーのStripe顧客IDを返す。未設定の場合は空文字列。
func (r *PostgresBillingRepo) StripeCustomerID(ctx context.Context, userID string) (string, error) {
	var customerID sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT stripe_customer_id FROM user_profiles WHERE id = $1`,
		userID,
	).Scan(&customerID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("Stripe顧客IDの取得に失敗しました: %w", err)
	}
	return customerID.String, nil
}

// SetStripeCustomerID はユーザーにStripe顧客IDを紐付ける。
func (r *PostgresBillingRepo) SetStripeCustomerID(ctx context.Context, userID, customerID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE user_profiles SET stripe_customer_id = $2, updated_at = now() WHERE id = $1`,
		userID, customerID,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("Stripe顧客IDの保存に失敗しました: %w", err)
	}
	return requireRow(result)
}

// SetTierByCustomer はStripe顧客IDに紐付くユーザーのプランを変更する。
// 有料プランへの移行とfreemiumへの解約のどちらでもトライアル日時はクリアする。
func (r *PostgresBillingRepo) SetTierByCustomer(ctx context.Context, customerID string, tier model.Tier) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE user_profiles
		 SET plan_tier = $2, trial_start_date = NULL, trial_end_date = NULL, updated_at = now()
		 WHERE stripe_customer_id = $1`,
		customerID, string(tier),
	)
	if err != nil {
		return fmt.Errorf("プランの更新に失敗しました: %w", err)
	}
	return requireRow(result)
}

// compile-time interface check
var _ BillingRepository = (*PostgresBillingRepo)(nil)
