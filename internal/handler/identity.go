package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/Dezzy-dev/amara/internal/identity"
	"github.com/Dezzy-dev/amara/internal/middleware"
	"github.com/Dezzy-dev/amara/internal/model"
	"github.com/Dezzy-dev/amara/internal/quota"
)

// IdentityServiceInterface はIdentityの解決と取得を行うサービスインターフェース。
type IdentityServiceInterface interface {
	// Resolve はIdentityを取得し、存在しなければ作成する。
	Resolve(ctx context.Context, req identity.Request) (*model.Identity, error)
	// Find は既存のIdentityを取得する。存在しない場合はIDENTITY_NOT_FOUND。
	Find(ctx context.Context, ref model.IdentityRef) (*model.Identity, error)
}

// IdentityHandler はIdentity解決のHTTPハンドラー。
type IdentityHandler struct {
	service IdentityServiceInterface
}

// NewIdentityHandler はIdentityHandlerを生成する。
func NewIdentityHandler(service IdentityServiceInterface) *IdentityHandler {
	return &IdentityHandler{service: service}
}

// resolveIdentityRequest はIdentity解決リクエストのボディ。
type resolveIdentityRequest struct {
	DeviceID string `json:"deviceId"`
	Name     string `json:"name"`
	Country  string `json:"country"`
	Feeling  string `json:"feeling"`
}

// identityResponse はIdentityのAPIレスポンス。
type identityResponse struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	Name           string          `json:"name,omitempty"`
	Email          string          `json:"email,omitempty"`
	Country        string          `json:"country,omitempty"`
	Feeling        string          `json:"feeling,omitempty"`
	Tier           string          `json:"tier"`
	TrialStartDate *time.Time      `json:"trialStartDate,omitempty"`
	TrialEndDate   *time.Time      `json:"trialEndDate,omitempty"`
	HasEverTrialed bool            `json:"hasEverTrialed"`
	IsJudge        bool            `json:"isJudge"`
	LastResetDate  string          `json:"lastResetDate"`
	Degraded       bool            `json:"degraded,omitempty"`
	Usage          model.Usage     `json:"usage"`
	Features       map[string]bool `json:"features"`
}

var allFeatures = []quota.Feature{
	quota.FeatureJournaling,
	quota.FeatureMoodTracking,
	quota.FeatureSessionHistory,
	quota.FeatureAIInsights,
}

func toIdentityResponse(id *model.Identity) identityResponse {
	features := make(map[string]bool, len(allFeatures))
	for _, f := range allFeatures {
		features[string(f)] = quota.IdentityHasFeature(id, f)
	}
	return identityResponse{
		ID:             id.ID,
		Kind:           string(id.Kind),
		Name:           id.Name,
		Email:          id.Email,
		Country:        id.Country,
		Feeling:        id.Feeling,
		Tier:           string(id.Tier),
		TrialStartDate: id.TrialStartDate,
		TrialEndDate:   id.TrialEndDate,
		HasEverTrialed: id.HasEverTrialed,
		IsJudge:        id.IsJudge,
		LastResetDate:  id.LastResetDate.Format(time.DateOnly),
		Degraded:       id.Degraded,
		Usage:          quota.Usage(id),
		Features:       features,
	}
}

// Resolve はリクエストの送信者に対応するIdentityを返す。存在しなければ作成する。
// POST /api/identity/resolve
func (h *IdentityHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveIdentityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeInvalidBody(w)
		return
	}

	p, _ := middleware.PrincipalFromContext(r.Context())
	in := identity.Request{
		Name:    req.Name,
		Country: req.Country,
		Feeling: req.Feeling,
	}
	if p.Authenticated() {
		in.UserID = p.UserID
		in.Email = p.Email
		if in.Name == "" {
			in.Name = p.Name
		}
	} else {
		in.DeviceID = firstNonEmpty(req.DeviceID, p.DeviceID)
	}

	id, err := h.service.Resolve(r.Context(), in)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toIdentityResponse(id))
}

// requestRef はリクエストの送信者を指すIdentity参照を返す。
// ボディのuserIdは検証済みトークンの主体と一致する場合のみ受け付ける。
// トークンが無い場合はボディまたはX-Device-IDヘッダーのデバイスIDを使う。
func requestRef(r *http.Request, bodyUserID, bodyDeviceID string) (model.IdentityRef, error) {
	p, _ := middleware.PrincipalFromContext(r.Context())

	if bodyUserID != "" && bodyUserID != p.UserID {
		return model.IdentityRef{}, model.NewUnauthorizedError()
	}
	if p.Authenticated() {
		return model.IdentityRef{ID: p.UserID, Kind: model.IdentityAuthenticated}, nil
	}
	return identity.DeviceRef(firstNonEmpty(bodyDeviceID, p.DeviceID))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
