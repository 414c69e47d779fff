package billing

import (
	"context"

	"github.com/stripe/stripe-go/v79"
	checkoutsession "github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/customer"
)

// StripeProvider はStripe APIを使用するProvider実装。
type StripeProvider struct {
	customers *customer.Client
	sessions  *checkoutsession.Client
}

// NewStripeProvider はシークレットキーからStripeProviderを生成する。
func NewStripeProvider(secretKey string) *StripeProvider {
	backend := stripe.GetBackend(stripe.APIBackend)
	return &StripeProvider{
		customers: &customer.Client{B: backend, Key: secretKey},
		sessions:  &checkoutsession.Client{B: backend, Key: secretKey},
	}
}

// CreateCustomer はStripe顧客を作成し、顧客IDを返す。
func (p *StripeProvider) CreateCustomer(ctx context.Context, c Customer) (string, error) {
	params := &stripe.CustomerParams{
		Metadata: map[string]string{"user_id": c.UserID},
	}
	if c.Email != "" {
		params.Email = stripe.String(c.Email)
	}
	if c.Name != "" {
		params.Name = stripe.String(c.Name)
	}
	params.Context = ctx

	cust, err := p.customers.New(params)
	if err != nil {
		return "", err
	}
	return cust.ID, nil
}

// CreateCheckoutSession は購読モードのCheckout Sessionを作成し、決済ページのURLを返す。
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(req.CustomerID),
		ClientReferenceID: stripe.String(req.UserID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		Metadata:   map[string]string{planMetadataKey: string(req.Plan)},
	}
	params.Context = ctx

	sess, err := p.sessions.New(params)
	if err != nil {
		return "", err
	}
	return sess.URL, nil
}

// compile-time interface check
var _ Provider = (*StripeProvider)(nil)
