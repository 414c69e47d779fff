package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/Dezzy-dev/amara/internal/billing"
	"github.com/Dezzy-dev/amara/internal/middleware"
	"github.com/Dezzy-dev/amara/internal/model"
	"github.com/Dezzy-dev/amara/internal/trial"
)

// maxWebhookBodyBytes はWebhookボディの上限。超過したイベントは切り詰めずに413で拒否する。
const maxWebhookBodyBytes = 1 << 20

// TrialServiceInterface はトライアル開始のサービスインターフェース。
type TrialServiceInterface interface {
	StartTrial(ctx context.Context, userID string, plan trial.Plan) (*model.Identity, error)
}

// BillingServiceInterface は購読のサービスインターフェース。
type BillingServiceInterface interface {
	Checkout(ctx context.Context, c billing.Customer, plan trial.Plan) (string, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}

// AccountHandler はトライアルと購読のHTTPハンドラー。
type AccountHandler struct {
	trials  TrialServiceInterface
	billing BillingServiceInterface
}

// NewAccountHandler はAccountHandlerを生成する。
func NewAccountHandler(trials TrialServiceInterface, billing BillingServiceInterface) *AccountHandler {
	return &AccountHandler{trials: trials, billing: billing}
}

// planRequest はプラン指定リクエストのボディ。
type planRequest struct {
	Plan string `json:"plan"`
}

// checkoutResponse はCheckout SessionのAPIレスポンス。
type checkoutResponse struct {
	URL string `json:"url"`
}

// StartTrial は認証済みユーザーのトライアルを開始する。
// POST /api/trial/start
func (h *AccountHandler) StartTrial(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeInvalidBody(w)
		return
	}

	p, _ := middleware.PrincipalFromContext(r.Context())
	id, err := h.trials.StartTrial(r.Context(), p.UserID, trial.Plan(req.Plan))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toIdentityResponse(id))
}

// Checkout は有料プランのCheckout Sessionを作成する。
// POST /api/billing/checkout
func (h *AccountHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeInvalidBody(w)
		return
	}

	p, _ := middleware.PrincipalFromContext(r.Context())
	url, err := h.billing.Checkout(r.Context(), billing.Customer{
		UserID: p.UserID,
		Email:  p.Email,
		Name:   p.Name,
	}, trial.Plan(req.Plan))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, checkoutResponse{URL: url})
}

// Webhook は決済プロバイダからのイベントを処理する。
// POST /api/billing/webhook
func (h *AccountHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			slog.Warn("stripe webhook payload too large", slog.Int64("limit", maxErr.Limit))
			apiErr := model.NewPayloadTooLargeError(maxErr.Limit)
			apiErr.Action = ""
			writeAPIErrorResponse(w, http.StatusRequestEntityTooLarge, apiErr)
			return
		}
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("invalid payload"))
		return
	}

	err = h.billing.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	switch {
	case errors.Is(err, billing.ErrInvalidSignature):
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("signature verification failed"))
		return
	case errors.Is(err, billing.ErrInvalidPayload):
		slog.Warn("stripe webhook payload rejected", slog.String("error", err.Error()))
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("invalid payload"))
		return
	case err != nil:
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
