package authz

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func protectedEcho(t *testing.T, v *Validator) http.Handler {
	t.Helper()
	return v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, ok := SubjectFrom(r.Context())
		if !ok {
			t.Errorf("subject missing from context")
		}
		_, _ = w.Write([]byte(sub))
	}))
}

func TestMiddlewareAcceptsIssuedToken(t *testing.T) {
	v := NewValidator("test-secret", "keycore")
	token, err := v.IssueToken("device-1", time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	protectedEcho(t, v).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "device-1" {
		t.Fatalf("expected subject echoed, got %q", rec.Body.String())
	}
}

func TestMiddlewareRejections(t *testing.T) {
	v := NewValidator("test-secret", "keycore")

	cases := []struct {
		name  string
		token func(t *testing.T) string
	}{
		{"missing token", func(t *testing.T) string { return "" }},
		{"garbage token", func(t *testing.T) string { return "not-a-jwt" }},
		{"wrong secret", func(t *testing.T) string {
			other := NewValidator("other-secret", "keycore")
			tok, err := other.IssueToken("device-1", time.Minute)
			if err != nil {
				t.Fatalf("issue: %v", err)
			}
			return tok
		}},
		{"wrong issuer", func(t *testing.T) string {
			other := NewValidator("test-secret", "someone-else")
			tok, err := other.IssueToken("device-1", time.Minute)
			if err != nil {
				t.Fatalf("issue: %v", err)
			}
			return tok
		}},
		{"expired", func(t *testing.T) string {
			tok, err := v.IssueToken("device-1", -time.Minute)
			if err != nil {
				t.Fatalf("issue: %v", err)
			}
			return tok
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tok := tc.token(t); tok != "" {
				req.Header.Set("Authorization", "Bearer "+tok)
			}
			rec := httptest.NewRecorder()
			protectedEcho(t, v).ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
		})
	}
}
