package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

func constantTimeEqual(expected, provided string) bool {
	if expected == "" || provided == "" {
		return false
	}
	if len(expected) != len(provided) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// requireToken rejects requests without the expected bearer token. An empty
// expected token disables the check. allowQuery also accepts ?token=.
func (h *Handler) requireToken(expected string, allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if expected == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if constantTimeEqual(expected, bearerToken(r)) {
				next.ServeHTTP(w, r)
				return
			}
			if allowQuery && constantTimeEqual(expected, strings.TrimSpace(r.URL.Query().Get("token"))) {
				next.ServeHTTP(w, r)
				return
			}
			h.requestLogger(r).Warn("request rejected token", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeErrorStatus(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
		})
	}
}
