package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/taskpilot/internal/gateway"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORS_PreflightHeaders(t *testing.T) {
	wrap := gateway.NewCORSMiddleware([]string{"https://example.com"})

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("inner handler should not be called for OPTIONS preflight")
	})
	handler := wrap(inner)

	req := httptest.NewRequest(http.MethodOptions, "/api/runs", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if origin := rec.Header().Get("Access-Control-Allow-Origin"); origin != "https://example.com" {
		t.Fatalf("expected origin https://example.com, got %q", origin)
	}
	if methods := rec.Header().Get("Access-Control-Allow-Methods"); methods != "GET, OPTIONS" {
		t.Fatalf("expected methods 'GET, OPTIONS', got %q", methods)
	}
	if maxAge := rec.Header().Get("Access-Control-Max-Age"); maxAge != "3600" {
		t.Fatalf("expected max-age 3600, got %q", maxAge)
	}
}

func TestCORS_Origins(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    string
	}{
		{name: "allowed", allowed: []string{"https://allowed.com"}, origin: "https://allowed.com", want: "https://allowed.com"},
		{name: "disallowed", allowed: []string{"https://allowed.com"}, origin: "https://evil.com", want: ""},
		{name: "wildcard", allowed: []string{"*"}, origin: "https://anything.io", want: "https://anything.io"},
		{name: "disabled", allowed: nil, origin: "https://allowed.com", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := gateway.NewCORSMiddleware(tt.allowed)(okHandler())
			req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
				t.Fatalf("allow-origin = %q, want %q", got, tt.want)
			}
		})
	}
}
