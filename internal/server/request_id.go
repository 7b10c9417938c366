package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"stream-orchestrator/internal/observability/logging"
)

const maxRequestIDLen = 128

// acceptRequestID reports whether a caller-supplied id is safe to echo back
// and log: bounded length, visible ASCII only.
func acceptRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] <= ' ' || id[i] > '~' {
			return false
		}
	}
	return true
}

// streamKeyHint finds the stream key a request is about before routing. Media
// server hooks send X-Stream-Key; signaling clients pass ?streamKey=.
func streamKeyHint(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-Stream-Key")); key != "" {
		return key
	}
	return strings.TrimSpace(r.URL.Query().Get("streamKey"))
}

type requestTagger struct {
	logger *slog.Logger
	newID  func() string
}

func requestIDMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return requestTagger{logger: logger, newID: uuid.NewString}.wrap(next)
}

func (t requestTagger) wrap(next http.Handler) http.Handler {
	if t.logger == nil {
		t.logger = slog.Default()
	}
	if t.newID == nil {
		t.newID = uuid.NewString
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if !acceptRequestID(id) {
			id = t.newID()
		}
		w.Header().Set("X-Request-Id", id)

		ctx := logging.ContextWithRequestID(r.Context(), id)
		if key := streamKeyHint(r); key != "" {
			ctx = logging.ContextWithStreamKey(ctx, key)
		}
		ctx = logging.ContextWithLogger(ctx, logging.WithContext(ctx, t.logger))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
