// Package identity は利用主体（認証済みアカウントまたは匿名デバイス）の解決を提供する。
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Dezzy-dev/amara/internal/model"
	"github.com/Dezzy-dev/amara/internal/repository"
	"github.com/Dezzy-dev/amara/internal/trial"
)

// maxDeviceIDLength は匿名デバイスIDの最大長。
const maxDeviceIDLength = 128

// resolveTimeout はまとめられた解決処理1回あたりのタイムアウト。
const resolveTimeout = 10 * time.Second

// Request はIdentity解決の入力。
// UserIDは検証済みトークンから取り出した値のみを設定する。
type Request struct {
	UserID   string
	Email    string
	Name     string
	DeviceID string

	// オンボーディングの回答（作成時と匿名デバイスの更新時に使用）
	Country string
	Feeling string
}

// Resolver はIdentityの取得と作成を行う。
type Resolver struct {
	repo  repository.IdentityRepository
	group singleflight.Group
	now   func() time.Time
}

// NewResolver はResolverを生成する。
func NewResolver(repo repository.IdentityRepository) *Resolver {
	return &Resolver{repo: repo, now: time.Now}
}

// Resolve はリクエストに対応するIdentityを返す。存在しない場合は作成する。
// 同一キーへの同時呼び出しは1回の処理にまとめられる。
// ストレージに到達できない場合は永続化されない縮退Identityを返す。
func (r *Resolver) Resolve(ctx context.Context, req Request) (*model.Identity, error) {
	ref, err := refFor(req)
	if err != nil {
		return nil, err
	}

	key := string(ref.Kind) + ":" + ref.ID
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		// 待機中の他の呼び出し元のため、先頭の呼び出し元のキャンセルは引き継がない
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
		defer cancel()
		return r.resolve(fctx, ref, req)
	})
	if err != nil {
		return nil, err
	}
	// 共有された結果を呼び出し元ごとに複製する
	return v.(*model.Identity).Clone(), nil
}

func (r *Resolver) resolve(ctx context.Context, ref model.IdentityRef, req Request) (*model.Identity, error) {
	id, err := r.find(ctx, ref)
	if err != nil {
		slog.Warn("identity storage unavailable, using in-memory identity",
			slog.String("identity_id", ref.ID),
			slog.String("kind", string(ref.Kind)),
			slog.String("error", err.Error()),
		)
		return r.newIdentity(ref, req, true), nil
	}

	if id == nil {
		id, err = r.create(ctx, ref, req)
		if err != nil {
			slog.Warn("failed to create identity, using in-memory identity",
				slog.String("identity_id", ref.ID),
				slog.String("error", err.Error()),
			)
			return r.newIdentity(ref, req, true), nil
		}
	} else if ref.Kind == model.IdentityAnonymous && hasOnboarding(req) {
		id = r.applyOnboarding(ctx, id, req)
	}

	return r.evaluateTrial(ctx, id), nil
}

func (r *Resolver) create(ctx context.Context, ref model.IdentityRef, req Request) (*model.Identity, error) {
	id := r.newIdentity(ref, req, false)

	err := r.repo.Create(ctx, id)
	if errors.Is(err, repository.ErrDuplicate) {
		// 別リクエストが先に作成した
		existing, findErr := r.find(ctx, ref)
		if findErr != nil {
			return nil, findErr
		}
		if existing == nil {
			return nil, fmt.Errorf("identity %s vanished after duplicate create", ref.ID)
		}
		return existing, nil
	}
	if err != nil {
		return nil, err
	}

	slog.Info("identity created",
		slog.String("identity_id", id.ID),
		slog.String("kind", string(id.Kind)),
	)
	return id, nil
}

// Find は既存のIdentityを取得する。作成は行わない。
// 見つからない場合はIDENTITY_NOT_FOUNDを返す。期限切れトライアルは降格して永続化する。
func (r *Resolver) Find(ctx context.Context, ref model.IdentityRef) (*model.Identity, error) {
	id, err := r.find(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("Identityの取得に失敗しました: %w", err)
	}
	if id == nil {
		return nil, model.NewIdentityNotFoundError()
	}
	return r.evaluateTrial(ctx, id), nil
}

func (r *Resolver) find(ctx context.Context, ref model.IdentityRef) (*model.Identity, error) {
	switch ref.Kind {
	case model.IdentityAuthenticated:
		return r.repo.FindProfile(ctx, ref.ID)
	case model.IdentityAnonymous:
		return r.repo.FindDevice(ctx, ref.ID)
	}
	return nil, fmt.Errorf("unknown identity kind: %q", ref.Kind)
}

// evaluateTrial は期限切れトライアルを降格し、変更があれば永続化する。
// 永続化に失敗しても降格後の値を返す。
func (r *Resolver) evaluateTrial(ctx context.Context, id *model.Identity) *model.Identity {
	out, changed := trial.Evaluate(id, r.now())
	if !changed {
		return id
	}

	if err := r.repo.UpdatePlan(ctx, out); err != nil {
		slog.Error("failed to persist trial expiry",
			slog.String("identity_id", out.ID),
			slog.String("error", err.Error()),
		)
		return out
	}
	slog.Info("trial expired",
		slog.String("identity_id", out.ID),
		slog.String("previous_tier", string(id.Tier)),
	)
	return out
}

func (r *Resolver) applyOnboarding(ctx context.Context, id *model.Identity, req Request) *model.Identity {
	updated := id.Clone()
	if req.Name != "" {
		updated.Name = req.Name
	}
	if req.Country != "" {
		updated.Country = req.Country
	}
	if req.Feeling != "" {
		updated.Feeling = req.Feeling
	}

	if err := r.repo.UpdateOnboarding(ctx, updated); err != nil {
		slog.Warn("failed to update onboarding answers",
			slog.String("identity_id", id.ID),
			slog.String("error", err.Error()),
		)
		return id
	}
	return updated
}

func (r *Resolver) newIdentity(ref model.IdentityRef, req Request, degraded bool) *model.Identity {
	now := r.now().UTC()
	id := &model.Identity{
		ID:            ref.ID,
		Kind:          ref.Kind,
		Name:          req.Name,
		Country:       req.Country,
		Feeling:       req.Feeling,
		Tier:          model.TierFreemium,
		LastResetDate: model.DateOnly(now),
		Degraded:      degraded,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if ref.Kind == model.IdentityAuthenticated {
		id.Email = req.Email
	}
	return id
}

// refFor はリクエストから参照先を決める。認証済みユーザーを優先する。
func refFor(req Request) (model.IdentityRef, error) {
	if req.UserID != "" {
		return model.IdentityRef{ID: req.UserID, Kind: model.IdentityAuthenticated}, nil
	}
	return DeviceRef(req.DeviceID)
}

// DeviceRef は匿名デバイスIDを検証して参照を返す。
func DeviceRef(deviceID string) (model.IdentityRef, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return model.IdentityRef{}, model.NewMissingIdentityError()
	}
	if len(deviceID) > maxDeviceIDLength {
		return model.IdentityRef{}, model.NewInvalidRequestError("deviceId is too long")
	}
	return model.IdentityRef{ID: deviceID, Kind: model.IdentityAnonymous}, nil
}

func hasOnboarding(req Request) bool {
	return req.Name != "" || req.Country != "" || req.Feeling != ""
}
