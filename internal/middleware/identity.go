// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/Dezzy-dev/amara/internal/auth"
	"github.com/Dezzy-dev/amara/internal/model"
)

// DeviceIDHeader は匿名デバイスIDを運ぶリクエストヘッダー。
const DeviceIDHeader = "X-Device-ID"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// principalContextKey はリクエストコンテキストにPrincipalを格納するためのキー。
	principalContextKey = contextKey("principal")
	// holderContextKey はロギングミドルウェアへ送信者を返すための入れ物のキー。
	holderContextKey = contextKey("principal_holder")
)

// principalHolder は後段で判明した送信者を前段のミドルウェアに渡す。
type principalHolder struct {
	principal Principal
}

func withPrincipalHolder(ctx context.Context, h *principalHolder) context.Context {
	return context.WithValue(ctx, holderContextKey, h)
}

// Principal はリクエストの送信者。
// UserIDは検証済みトークンからのみ設定される。トークンが無い場合は匿名として扱う。
type Principal struct {
	UserID   string
	Email    string
	Name     string
	DeviceID string
}

// Authenticated は認証済みユーザーかどうかを返す。
func (p Principal) Authenticated() bool {
	return p.UserID != ""
}

// Key はログに使う送信者のキーを返す。いずれのIDも無い場合は空文字。
func (p Principal) Key() string {
	if p.UserID != "" {
		return string(model.IdentityAuthenticated) + ":" + p.UserID
	}
	if p.DeviceID != "" {
		return string(model.IdentityAnonymous) + ":" + p.DeviceID
	}
	return ""
}

// TokenVerifier はアクセストークンの検証に必要なインターフェース。
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// NewIdentityMiddleware はAuthorizationヘッダーのBearerトークンを検証し、
// 送信者をリクエストコンテキストに注入するミドルウェアを返す。
// トークンが無いリクエストは匿名として通し、X-Device-IDヘッダーの値を使う。
// 不正なトークンには401 Unauthorizedを返す。
func NewIdentityMiddleware(verifier TokenVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := Principal{DeviceID: strings.TrimSpace(r.Header.Get(DeviceIDHeader))}

			token, ok, err := auth.BearerToken(r.Header.Get("Authorization"))
			if err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			if ok {
				claims, err := verifier.Verify(token)
				if err != nil {
					slog.Warn("invalid access token",
						slog.String("path", r.URL.Path),
						slog.String("error", err.Error()),
					)
					WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
					return
				}
				p.UserID = claims.Subject
				p.Email = claims.Email
				p.Name = claims.Name
			}

			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), p)))
		})
	}
}

// RequireAuthenticated は認証済みユーザー以外に401を返すミドルウェア。
func RequireAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := PrincipalFromContext(r.Context())
		if !p.Authenticated() {
			WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// PrincipalFromContext はリクエストコンテキストから送信者を取得する。
// Identityミドルウェアを通過したリクエストでのみ有効。
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok
}

// ContextWithPrincipal はコンテキストに送信者を注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	if h, ok := ctx.Value(holderContextKey).(*principalHolder); ok {
		h.principal = p
	}
	return context.WithValue(ctx, principalContextKey, p)
}

// clientKey はレート制限のキーを返す。
// X-Device-IDはクライアントが自由に変えられるため、匿名の送信者はクライアントIPで数える。
func clientKey(r *http.Request) string {
	if p, ok := PrincipalFromContext(r.Context()); ok && p.Authenticated() {
		return p.Key()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
