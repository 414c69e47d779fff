package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Dezzy-dev/amara/internal/auth"
)

// mockVerifier はTokenVerifierのモック。
type mockVerifier struct {
	verifyFn func(token string) (*auth.Claims, error)
}

func (m *mockVerifier) Verify(token string) (*auth.Claims, error) {
	return m.verifyFn(token)
}

func acceptingVerifier() *mockVerifier {
	return &mockVerifier{verifyFn: func(token string) (*auth.Claims, error) {
		if token != "good-token" {
			return nil, auth.ErrInvalidToken
		}
		return &auth.Claims{Subject: "user-1", Email: "ada@example.com", Name: "Ada"}, nil
	}}
}

func capturePrincipal(p *Principal, called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		*p, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestIdentityMiddleware_ValidToken(t *testing.T) {
	var p Principal
	var called bool
	handler := NewIdentityMiddleware(acceptingVerifier())(capturePrincipal(&p, &called))

	req := httptest.NewRequest(http.MethodPost, "/chat", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	req.Header.Set(DeviceIDHeader, "device-1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK || !called {
		t.Fatalf("status = %d, called = %v", w.Code, called)
	}
	if p.UserID != "user-1" || p.Email != "ada@example.com" || p.Name != "Ada" {
		t.Errorf("principal = %+v", p)
	}
	if !p.Authenticated() {
		t.Error("principal should be authenticated")
	}
	if p.Key() != "authenticated:user-1" {
		t.Errorf("key = %q", p.Key())
	}
}

func TestIdentityMiddleware_AnonymousDevice(t *testing.T) {
	var p Principal
	var called bool
	handler := NewIdentityMiddleware(acceptingVerifier())(capturePrincipal(&p, &called))

	req := httptest.NewRequest(http.MethodPost, "/chat", nil)
	req.Header.Set(DeviceIDHeader, "  device-42 ")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if !called {
		t.Fatal("handler should be called for anonymous requests")
	}
	if p.Authenticated() || p.DeviceID != "device-42" {
		t.Errorf("principal = %+v", p)
	}
	if p.Key() != "anonymous:device-42" {
		t.Errorf("key = %q", p.Key())
	}
}

func TestIdentityMiddleware_RejectsBadTokens(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"invalid token", "Bearer bad-token"},
		{"malformed header", "Token good-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Principal
			var called bool
			handler := NewIdentityMiddleware(acceptingVerifier())(capturePrincipal(&p, &called))

			req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
			req.Header.Set("Authorization", tt.header)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
			if called {
				t.Error("next handler should not be called")
			}
		})
	}
}

func TestIdentityMiddleware_VerifierError(t *testing.T) {
	v := &mockVerifier{verifyFn: func(string) (*auth.Claims, error) { return nil, errors.New("expired") }}
	var called bool
	var p Principal
	handler := NewIdentityMiddleware(v)(capturePrincipal(&p, &called))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer x")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestRequireAuthenticated(t *testing.T) {
	handler := RequireAuthenticated(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name string
		p    *Principal
		want int
	}{
		{"no principal", nil, http.StatusUnauthorized},
		{"anonymous", &Principal{DeviceID: "d"}, http.StatusUnauthorized},
		{"authenticated", &Principal{UserID: "u"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/trial/start", nil)
			if tt.p != nil {
				req = req.WithContext(ContextWithPrincipal(req.Context(), *tt.p))
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestClientKey_FallsBackToRemoteIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:5555"
	if got := clientKey(req); got != "ip:203.0.113.7" {
		t.Errorf("clientKey() = %q", got)
	}

	req = req.WithContext(ContextWithPrincipal(context.Background(), Principal{DeviceID: "d1"}))
	if got := clientKey(req); got != "ip:203.0.113.7" {
		t.Errorf("anonymous clientKey() = %q, want ip key", got)
	}

	req = req.WithContext(ContextWithPrincipal(context.Background(), Principal{UserID: "u1", DeviceID: "d1"}))
	if got := clientKey(req); got != "authenticated:u1" {
		t.Errorf("authenticated clientKey() = %q", got)
	}
}
