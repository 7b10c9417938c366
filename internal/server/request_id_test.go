package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"stream-orchestrator/internal/observability/logging"
)

type taggedRequest struct {
	requestID string
	streamKey string
	header    string
}

func tagRequest(req *http.Request) taggedRequest {
	var got taggedRequest
	tagger := requestTagger{logger: logging.Discard(), newID: func() string { return "generated" }}
	rec := httptest.NewRecorder()
	tagger.wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.requestID, _ = logging.RequestIDFromContext(r.Context())
		got.streamKey, _ = logging.StreamKeyFromContext(r.Context())
	})).ServeHTTP(rec, req)
	got.header = rec.Header().Get("X-Request-Id")
	return got
}

func TestRequestTagging(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		target     string
		headers    map[string]string
		wantID     string
		wantStream string
	}{
		{name: "keeps incoming id", target: "/healthz", headers: map[string]string{"X-Request-Id": "incoming"}, wantID: "incoming"},
		{name: "generates when missing", target: "/healthz", wantID: "generated"},
		{name: "replaces id with spaces", target: "/healthz", headers: map[string]string{"X-Request-Id": "two words"}, wantID: "generated"},
		{name: "replaces oversized id", target: "/healthz", headers: map[string]string{"X-Request-Id": strings.Repeat("a", maxRequestIDLen+1)}, wantID: "generated"},
		{name: "stream key header", target: "/v1/ingest/publish", headers: map[string]string{"X-Stream-Key": "stream-key-123"}, wantID: "generated", wantStream: "stream-key-123"},
		{name: "stream key query", target: "/v1/signal?streamKey=abc-stream-1", wantID: "generated", wantStream: "abc-stream-1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			got := tagRequest(req)
			if got.requestID != tc.wantID || got.header != tc.wantID {
				t.Fatalf("expected request id %q in context and header, got %q / %q", tc.wantID, got.requestID, got.header)
			}
			if got.streamKey != tc.wantStream {
				t.Fatalf("expected stream key %q, got %q", tc.wantStream, got.streamKey)
			}
		})
	}
}

func TestRequestIDMiddlewareUsesUUIDs(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	requestIDMiddleware(nil, http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	if got := rec.Header().Get("X-Request-Id"); len(got) != 36 {
		t.Fatalf("expected uuid request id, got %q", got)
	}
}

func TestCompletedRequestLogCarriesTags(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	srv, err := New(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}), Config{Addr: "127.0.0.1:0", Logger: slog.New(slog.NewJSONHandler(&buf, nil))})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/abc-stream-1/stop", nil)
	req.Header.Set("X-Request-Id", "req-1")
	req.Header.Set("X-Stream-Key", "abc-stream-1")
	srv.Handler.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	want := map[string]any{
		"msg":        "request completed",
		"request_id": "req-1",
		"stream_key": "abc-stream-1",
		"status":     float64(http.StatusAccepted),
		"component":  "http",
	}
	for k, v := range want {
		if line[k] != v {
			t.Fatalf("expected %s=%v, got %v", k, v, line[k])
		}
	}
}
