// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/Dezzy-dev/amara/internal/model"
)

var (
	// ErrDuplicate は一意制約違反で作成できなかったことを示す。
	ErrDuplicate = errors.New("duplicate key")
	// ErrNotFound は更新対象の行が存在しないことを示す。
	ErrNotFound = errors.New("not found")
)

// IdentityRepository はIdentity（認証済みプロフィール・匿名デバイス）の永続化インターフェース。
type IdentityRepository interface {
	// FindProfile は認証済みユーザーのプロフィールを取得する。見つからない場合はnilを返す。
	FindProfile(ctx context.Context, userID string) (*model.Identity, error)

	// FindDevice は匿名デバイスを取得する。見つからない場合はnilを返す。
	FindDevice(ctx context.Context, deviceID string) (*model.Identity, error)

	// Create はIdentityを作成する。既に存在する場合はErrDuplicateを返す。
	Create(ctx context.Context, identity *model.Identity) error

	// UpdatePlan はプラン区分とトライアル状態を更新する。
	UpdatePlan(ctx context.Context, identity *model.Identity) error

	// UpdateOnboarding は名前・国・気分を更新する。空の値は変更しない。
	UpdateOnboarding(ctx context.Context, identity *model.Identity) error
}

// UsageRepository は日次利用カウンタのアトミックな操作を提供する。
type UsageRepository interface {
	// Reserve はロールオーバー・上限判定・加算を1つのUPDATE文で行う。
	Reserve(ctx context.Context, ref model.IdentityRef, kind model.UsageKind, max int, today time.Time) (model.Usage, bool, error)

	// Release は同日内の予約を1件取り消す。
	Release(ctx context.Context, ref model.IdentityRef, kind model.UsageKind, today time.Time) error
}

// SessionRepository は会話セッションの永続化インターフェース。
// すべての操作は所有者で絞り込まれる。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error

	// FindOwned は所有者が一致するセッションを取得する。見つからない場合はnilを返す。
	FindOwned(ctx context.Context, id string, owner model.IdentityRef) (*model.Session, error)

	// Latest は所有者の最新セッションを取得する。無い場合はnilを返す。
	Latest(ctx context.Context, owner model.IdentityRef) (*model.Session, error)

	// ListByOwner は所有者のセッションを新しい順に最大limit件返す。
	ListByOwner(ctx context.Context, owner model.IdentityRef, limit int) ([]*model.Session, error)
}

// Exchange は1回のチャット交換で永続化するデータ。
type Exchange struct {
	SessionID string
	Owner     model.IdentityRef
	// User は利用者の発話。挨拶の場合はnil。
	User      *model.Message
	Assistant *model.Message
}

// MessageRepository はメッセージの永続化インターフェース。
type MessageRepository interface {
	// ListBySession はセッションの全メッセージを作成順に返す。
	ListBySession(ctx context.Context, sessionID string, owner model.IdentityRef) ([]*model.Message, error)

	// ListRecent はセッションの直近limit件を作成順に返す。
	ListRecent(ctx context.Context, sessionID string, owner model.IdentityRef, limit int) ([]*model.Message, error)

	// SaveExchange は発話・応答・セッションカウンタを同一トランザクションで保存する。
	SaveExchange(ctx context.Context, ex Exchange) error
}

// BillingRepository は決済プロバイダとの紐付けを永続化する。
type BillingRepository interface {
	// StripeCustomerID はユーザーのStripe顧客IDを返す。未設定の場合は空文字列。
	StripeCustomerID(ctx context.Context, userID string) (string, error)

	// SetStripeCustomerID はユーザーにStripe顧客IDを紐付ける。
	SetStripeCustomerID(ctx context.Context, userID, customerID string) error

	// SetTierByCustomer はStripe顧客IDに紐付くユーザーのプランを変更し、トライアル日時をクリアする。
	// 該当ユーザーがいない場合はErrNotFoundを返す。
	SetTierByCustomer(ctx context.Context, customerID string, tier model.Tier) error
}
