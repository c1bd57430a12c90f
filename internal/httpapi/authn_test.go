package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tesoro.app/internal/auth"
)

func authAPI(t *testing.T) (*API, *auth.Tokens) {
	t.Helper()
	tokens, err := auth.NewTokens("authn-secret", "")
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	return &API{tokens: tokens}, tokens
}

func TestWithAuthSetsCaller(t *testing.T) {
	a, tokens := authAPI(t)
	var user string
	handler := a.withAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _ = auth.UserIDFromContext(r.Context())
		if _, ok := auth.TokenFromContext(r.Context()); !ok {
			t.Error("expected raw token in context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	token, _, err := tokens.Generate("user-1", time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/workspaces/1", nil)
	req.Header.Set("Authorization", "bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK || user != "user-1" {
		t.Fatalf("expected 200 for user-1, got %d (%q)", rr.Code, user)
	}
}

func TestWithAuthRejects(t *testing.T) {
	a, _ := authAPI(t)
	other, _ := auth.NewTokens("other-secret", "")
	foreign, _, _ := other.Generate("user-1", time.Minute)

	handler := a.withAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	cases := map[string]string{
		"missing":      "",
		"basic scheme": "Basic dXNlcjpwYXNz",
		"empty bearer": "Bearer ",
		"bad token":    "Bearer not-a-jwt",
		"wrong secret": "Bearer " + foreign,
	}
	for name, header := range cases {
		req := httptest.NewRequest(http.MethodGet, "/v1/workspaces/1", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, rr.Code)
		}
		if rr.Header().Get("WWW-Authenticate") == "" {
			t.Fatalf("%s: expected WWW-Authenticate header set", name)
		}
	}
}

func TestWithAuthSkipsPublicPaths(t *testing.T) {
	a, _ := authAPI(t)
	handler := a.withAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/v1/info", "/v1/auth/token"} {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rr.Code)
		}
	}
}

func TestExtractBearerToken(t *testing.T) {
	if tok, err := extractBearerToken("  Bearer abc.def  "); err != nil || tok != "abc.def" {
		t.Fatalf("unexpected result: %q %v", tok, err)
	}
	if _, err := extractBearerToken("Bear"); err == nil {
		t.Fatal("expected error for short header")
	}
}
