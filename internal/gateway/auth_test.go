package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/taskpilot/internal/gateway"
)

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		path   string
		header string
		want   int
	}{
		{name: "valid bearer", token: "k1", path: "/api/runs", header: "Bearer k1", want: http.StatusOK},
		{name: "invalid bearer", token: "k1", path: "/api/runs", header: "Bearer nope", want: http.StatusForbidden},
		{name: "missing", token: "k1", path: "/api/runs", want: http.StatusUnauthorized},
		{name: "query token", token: "k1", path: "/events?token=k1", want: http.StatusOK},
		{name: "healthz open", token: "k1", path: "/healthz", want: http.StatusOK},
		{name: "disabled", token: "", path: "/api/runs", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := gateway.NewAuthMiddleware(tt.token).Wrap(okHandler())
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestExtractToken_PrefersHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/events?token=from-query", nil)
	req.Header.Set("Authorization", "Bearer from-header")
	if got := gateway.ExtractToken(req); got != "from-header" {
		t.Fatalf("token = %q", got)
	}
	req.Header.Del("Authorization")
	if got := gateway.ExtractToken(req); got != "from-query" {
		t.Fatalf("token = %q", got)
	}
}
