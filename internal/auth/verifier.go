// Package auth は認証プロバイダが発行したアクセストークンの検証を提供する。
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultLeeway = 30 * time.Second

// DefaultAudience は認証プロバイダがログイン済みユーザーのトークンに設定するaud。
const DefaultAudience = "authenticated"

var (
	// ErrInvalidToken はトークンの署名・期限・クレームのいずれかが不正であることを示す。
	ErrInvalidToken = errors.New("invalid access token")
	// ErrMissingSubject はトークンにsubが含まれないことを示す。
	ErrMissingSubject = errors.New("token missing sub")
)

// Claims は検証済みトークンから取り出したユーザー情報。
type Claims struct {
	Subject   string
	Email     string
	Name      string
	ExpiresAt time.Time
}

type userMetadata struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
}

type tokenClaims struct {
	Email        string       `json:"email"`
	UserMetadata userMetadata `json:"user_metadata"`
	jwt.RegisteredClaims
}

// Verifier はHS256で署名されたアクセストークンを検証する。
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier はVerifierを生成する。audienceが空の場合はaudを検証しない。
func NewVerifier(secret, audience string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret must be set")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithLeeway(defaultLeeway),
		jwt.WithExpirationRequired(),
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(opts...),
	}, nil
}

// Verify はトークンを検証し、クレームを返す。
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	var tc tokenClaims
	token, err := v.parser.ParseWithClaims(tokenString, &tc, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(tc.Subject) == "" {
		return nil, ErrMissingSubject
	}

	name := tc.UserMetadata.Name
	if name == "" {
		name = tc.UserMetadata.FullName
	}

	claims := &Claims{
		Subject: tc.Subject,
		Email:   tc.Email,
		Name:    name,
	}
	if tc.ExpiresAt != nil {
		claims.ExpiresAt = tc.ExpiresAt.Time
	}
	return claims, nil
}

// BearerToken はAuthorizationヘッダーからトークンを取り出す。
// ヘッダーが無い場合はok=false、形式が不正な場合はエラーを返す。
func BearerToken(header string) (token string, ok bool, err error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false, nil
	}
	scheme, rest, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(rest) == "" {
		return "", false, errors.New("malformed authorization header")
	}
	return strings.TrimSpace(rest), true, nil
}
