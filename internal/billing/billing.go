// Package billing は有料プランの購読（Stripe Checkout）と購読状態の反映を提供する。
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/Dezzy-dev/amara/internal/model"
	"github.com/Dezzy-dev/amara/internal/repository"
	"github.com/Dezzy-dev/amara/internal/trial"
)

// planMetadataKey はCheckout Sessionのメタデータに保存するプラン名のキー。
const planMetadataKey = "plan"

var (
	// ErrInvalidSignature はWebhookの署名検証に失敗したことを示す。
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrInvalidPayload はWebhookのイベント本文が解釈できないことを示す。
	ErrInvalidPayload = errors.New("invalid webhook payload")
)

// Customer は決済プロバイダの顧客作成に渡す情報。
type Customer struct {
	UserID string
	Email  string
	Name   string
}

// CheckoutRequest はCheckout Session作成に渡す情報。
type CheckoutRequest struct {
	CustomerID string
	UserID     string
	PriceID    string
	Plan       trial.Plan
	SuccessURL string
	CancelURL  string
}

// Provider は決済プロバイダのAPI。
type Provider interface {
	CreateCustomer(ctx context.Context, c Customer) (string, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error)
}

// Config はBillingサービスの設定。
type Config struct {
	PriceMonthly  string
	PriceYearly   string
	WebhookSecret string
	// BaseURL は決済完了・キャンセル後に戻るフロントエンドのURL。
	BaseURL string
}

// Service は購読の開始とWebhookによるプラン反映を行う。
type Service struct {
	provider Provider
	repo     repository.BillingRepository
	cfg      Config
}

// NewService はServiceを生成する。providerがnilの場合は課金機能を無効として扱う。
func NewService(provider Provider, repo repository.BillingRepository, cfg Config) *Service {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Service{provider: provider, repo: repo, cfg: cfg}
}

// Enabled は課金機能が利用可能かどうかを返す。
func (s *Service) Enabled() bool {
	return s != nil && s.provider != nil
}

func (s *Service) priceFor(plan trial.Plan) (string, bool) {
	switch plan {
	case trial.PlanMonthly:
		return s.cfg.PriceMonthly, s.cfg.PriceMonthly != ""
	case trial.PlanYearly:
		return s.cfg.PriceYearly, s.cfg.PriceYearly != ""
	}
	return "", false
}

// Checkout は指定プランのCheckout SessionのURLを返す。
// Stripe顧客が未作成の場合は作成してプロフィールに紐付ける。
func (s *Service) Checkout(ctx context.Context, c Customer, plan trial.Plan) (string, error) {
	if !s.Enabled() {
		return "", model.NewBillingUnavailableError()
	}
	if _, ok := plan.PremiumTier(); !ok {
		return "", model.NewInvalidPlanError(string(plan))
	}
	priceID, ok := s.priceFor(plan)
	if !ok {
		slog.Warn("stripe price is not configured", slog.String("plan", string(plan)))
		return "", model.NewBillingUnavailableError()
	}

	customerID, err := s.ensureCustomer(ctx, c)
	if err != nil {
		return "", err
	}

	url, err := s.provider.CreateCheckoutSession(ctx, CheckoutRequest{
		CustomerID: customerID,
		UserID:     c.UserID,
		PriceID:    priceID,
		Plan:       plan,
		SuccessURL: s.cfg.BaseURL + "/billing/success",
		CancelURL:  s.cfg.BaseURL + "/billing/cancel",
	})
	if err != nil {
		return "", fmt.Errorf("Checkout Sessionの作成に失敗しました: %w", err)
	}
	return url, nil
}

func (s *Service) ensureCustomer(ctx context.Context, c Customer) (string, error) {
	customerID, err := s.repo.StripeCustomerID(ctx, c.UserID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", model.NewIdentityNotFoundError()
	}
	if err != nil {
		return "", err
	}
	if customerID != "" {
		return customerID, nil
	}

	customerID, err = s.provider.CreateCustomer(ctx, c)
	if err != nil {
		return "", fmt.Errorf("Stripe顧客の作成に失敗しました: %w", err)
	}
	if err := s.repo.SetStripeCustomerID(ctx, c.UserID, customerID); err != nil {
		return "", err
	}

	slog.Info("stripe customer created",
		slog.String("user_id", c.UserID),
		slog.String("customer_id", customerID),
	)
	return customerID, nil
}

// HandleWebhook は署名を検証したうえでイベントをプランに反映する。
// 対象外のイベントは無視する。
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if !s.Enabled() || s.cfg.WebhookSecret == "" {
		return model.NewBillingUnavailableError()
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, s.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true},
	)
	if err != nil {
		slog.Warn("stripe webhook signature failed", slog.String("error", err.Error()))
		return ErrInvalidSignature
	}
	if event.Data == nil {
		return ErrInvalidPayload
	}

	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if sess.Customer == nil || sess.Customer.ID == "" {
			return fmt.Errorf("%w: missing customer id", ErrInvalidPayload)
		}
		tier := premiumTierFor(sess.Metadata[planMetadataKey])
		return s.setTier(ctx, sess.Customer.ID, tier, string(event.Type))

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if sub.Customer == nil || sub.Customer.ID == "" {
			return fmt.Errorf("%w: missing customer id", ErrInvalidPayload)
		}
		return s.setTier(ctx, sub.Customer.ID, model.TierFreemium, string(event.Type))
	}

	return nil
}

func (s *Service) setTier(ctx context.Context, customerID string, tier model.Tier, eventType string) error {
	err := s.repo.SetTierByCustomer(ctx, customerID, tier)
	if errors.Is(err, repository.ErrNotFound) {
		// 他環境の顧客のイベントは再送させない
		slog.Warn("stripe customer not linked to any profile",
			slog.String("customer_id", customerID),
			slog.String("event", eventType),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("購読状態の反映に失敗しました: %w", err)
	}

	slog.Info("subscription updated",
		slog.String("customer_id", customerID),
		slog.String("tier", string(tier)),
		slog.String("event", eventType),
	)
	return nil
}

// premiumTierFor はメタデータのプラン名から有料区分を返す。不明な場合は月額とする。
func premiumTierFor(plan string) model.Tier {
	if tier, ok := trial.Plan(plan).PremiumTier(); ok {
		return tier
	}
	return model.TierMonthlyPremium
}
