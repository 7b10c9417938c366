package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

const (
	corsAllowMethods = "GET, POST, DELETE, OPTIONS"
	corsAllowHeaders = "Content-Type, Authorization, X-Request-Id, X-Stream-Key"
	corsMaxAge       = "600"
)

// OriginPolicy decides which browser origins may call the API and open the
// signaling socket. Requests without an Origin header come from media servers
// and tooling and are always allowed, as are same-origin requests.
type OriginPolicy struct {
	any     bool
	origins map[string]bool
}

// NewOriginPolicy parses a list of origins such as "https://player.example".
// A single "*" allows every origin.
func NewOriginPolicy(origins []string) (*OriginPolicy, error) {
	p := &OriginPolicy{origins: make(map[string]bool, len(origins))}
	for _, raw := range origins {
		raw = strings.TrimSpace(raw)
		switch raw {
		case "":
			continue
		case "*":
			p.any = true
			continue
		}
		origin, ok := canonicalOrigin(raw)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q: want scheme://host[:port]", raw)
		}
		p.origins[origin] = true
	}
	return p, nil
}

// Allows reports whether r may proceed. It matches the signature of
// websocket.Upgrader.CheckOrigin.
func (p *OriginPolicy) Allows(r *http.Request) bool {
	raw := r.Header.Get("Origin")
	if raw == "" {
		return true
	}
	origin, ok := canonicalOrigin(raw)
	if !ok {
		return false
	}
	if origin == requestOrigin(r) {
		return true
	}
	if p == nil {
		return false
	}
	return p.any || p.origins[origin]
}

func (p *OriginPolicy) middleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !p.Allows(r) {
			logger.Warn("rejected cross-origin request", "origin", origin, "method", r.Method, "path", r.URL.Path)
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
		h.Set("Access-Control-Expose-Headers", "X-Request-Id")

		preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
		if !preflight {
			next.ServeHTTP(w, r)
			return
		}
		h.Set("Access-Control-Allow-Methods", corsAllowMethods)
		h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
		h.Set("Access-Control-Max-Age", corsMaxAge)
		w.WriteHeader(http.StatusNoContent)
	})
}

func canonicalOrigin(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	return scheme + "://" + strings.ToLower(u.Host), true
}

func requestOrigin(r *http.Request) string {
	if r.Host == "" {
		return ""
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + strings.ToLower(r.Host)
}
