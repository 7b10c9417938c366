package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"stream-orchestrator/internal/observability/logging"
)

func testRoutes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func TestNewRequiresRoutes(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Fatal("expected error without routes")
	}
}

func TestServerChainAppliesMiddleware(t *testing.T) {
	origins, err := NewOriginPolicy([]string{"https://ops.example.com"})
	if err != nil {
		t.Fatalf("NewOriginPolicy error: %v", err)
	}
	srv, err := New(testRoutes(), Config{
		Addr:    "127.0.0.1:0",
		Logger:  logging.Discard(),
		Origins: origins,
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if srv.ReadHeaderTimeout != defaultReadHeaderTimeout || srv.IdleTimeout != defaultIdleTimeout {
		t.Fatalf("unexpected timeouts %s %s", srv.ReadHeaderTimeout, srv.IdleTimeout)
	}
	if srv.WriteTimeout != 0 {
		t.Fatalf("write timeout must stay unset for signaling, got %s", srv.WriteTimeout)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected health check success, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected request id header")
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://ops.example.com" {
		t.Fatalf("unexpected allow origin header: %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != defaultFrameOptions {
		t.Fatalf("expected security headers, got %q", got)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	srv.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for disallowed origin, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("blocked responses still carry a request id")
	}
}
