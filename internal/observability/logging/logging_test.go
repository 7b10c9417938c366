package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode log entry %q: %v", buf.String(), err)
	}
	return payload
}

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{" DeBuG ", slog.LevelDebug},
		{"verbose", slog.LevelInfo},
	}
	for _, tc := range testCases {
		if got := ParseLevel(tc.input); got != tc.expected {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tc.input, got, tc.expected)
		}
	}
}

func TestNewSelectsFormat(t *testing.T) {
	var text bytes.Buffer
	New(Config{Writer: &text, Format: "TEXT"}).Info("plain")
	if !strings.Contains(text.String(), "msg=plain") {
		t.Fatalf("expected text handler output, got %q", text.String())
	}

	var js bytes.Buffer
	New(Config{Writer: &js}).Info("structured")
	if decodeLine(t, &js)["msg"] != "structured" {
		t.Fatalf("expected json handler output")
	}
}

func TestNewFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Level: "warn"})
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %q", buf.String())
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	WithComponent(logger, "registry").Info("component set")

	if got := decodeLine(t, &buf)["component"]; got != "registry" {
		t.Fatalf("expected component registry, got %v", got)
	}
	if WithComponent(nil, "fallback") == nil {
		t.Fatalf("expected default logger fallback")
	}
}

func TestWithContextAnnotatesLogger(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithStreamKey(ctx, "validkey123456")
	ctx = ContextWithStreamKey(ctx, "   ")

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	WithContext(ctx, logger).Info("hello")

	payload := decodeLine(t, &buf)
	if payload["request_id"] != "req-1" {
		t.Fatalf("expected request_id, got %v", payload["request_id"])
	}
	if payload["stream_key"] != "validkey123456" {
		t.Fatalf("expected stream_key, got %v", payload["stream_key"])
	}
}

func TestContextScopeDoesNotLeakToParent(t *testing.T) {
	parent := ContextWithRequestID(context.Background(), "req-1")
	child := ContextWithStreamKey(parent, "validkey123456")

	if _, ok := StreamKeyFromContext(parent); ok {
		t.Fatal("parent context must not see the child's stream key")
	}
	if id, ok := RequestIDFromContext(child); !ok || id != "req-1" {
		t.Fatalf("child lost request id, got %q", id)
	}
}

func TestRequestLoggerRecordsRoute(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	router := chi.NewRouter()
	router.Use(RequestLogger(RequestLoggerConfig{Logger: logger, DisableRemoteAddr: true}))
	router.Get("/v1/sessions/{streamKey}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/sessions/validkey123456", nil))

	payload := decodeLine(t, &buf)
	if payload["route"] != "/v1/sessions/{streamKey}" {
		t.Fatalf("expected route pattern, got %v", payload["route"])
	}
	if payload["level"] != "WARN" {
		t.Fatalf("expected warn for server error, got %v", payload["level"])
	}
}

func TestContextWithLogger(t *testing.T) {
	logger := Discard()
	ctx := ContextWithLogger(context.Background(), logger)
	if LoggerFromContext(ctx) != logger {
		t.Fatalf("expected stored logger")
	}
	if LoggerFromContext(context.Background()) != nil {
		t.Fatalf("expected nil logger on empty context")
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	middleware := RequestLogger(RequestLoggerConfig{Logger: logger})

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})).ServeHTTP(httptest.NewRecorder(), req)

	payload := decodeLine(t, &buf)
	if payload["status"] != float64(http.StatusAccepted) {
		t.Fatalf("expected status %d, got %v", http.StatusAccepted, payload["status"])
	}
	if payload["bytes"] != float64(11) {
		t.Fatalf("expected 11 bytes, got %v", payload["bytes"])
	}
	if payload["remote_addr"] != "127.0.0.1:1234" {
		t.Fatalf("expected remote_addr, got %v", payload["remote_addr"])
	}
	if payload["level"] != "INFO" {
		t.Fatalf("expected info level, got %v", payload["level"])
	}
}

func TestRequestLoggerQuietPaths(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	middleware := RequestLogger(RequestLoggerConfig{Logger: logger, SkipPaths: []string{"/healthz"}, DisableRemoteAddr: true})

	middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	payload := decodeLine(t, &buf)
	if payload["level"] != "DEBUG" {
		t.Fatalf("expected debug level for probe, got %v", payload["level"])
	}
	if _, ok := payload["remote_addr"]; ok {
		t.Fatalf("expected remote_addr to be omitted")
	}
}
