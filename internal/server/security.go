package server

import (
	"net/http"
	"strconv"
	"time"
)

const (
	defaultContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'"
	defaultFrameOptions          = "DENY"
	defaultReferrerPolicy        = "no-referrer"
	defaultCacheControl          = "no-store"
	defaultHSTSMaxAge            = 365 * 24 * time.Hour
)

// SecurityConfig sets the hardening headers added to every response. The
// orchestrator serves JSON and WebSocket upgrades only, so the defaults deny
// all embedding and content loading. Empty fields use the defaults.
type SecurityConfig struct {
	ContentSecurityPolicy string
	FrameOptions          string
	ReferrerPolicy        string
	CacheControl          string
	// HSTSMaxAge is advertised on TLS responses. Negative disables the header.
	HSTSMaxAge time.Duration
}

type header struct{ name, value string }

// headers resolves cfg into the fixed header set. Cache-Control is handled
// separately because Prometheus scrapes may be cached by proxies.
func (cfg SecurityConfig) headers() []header {
	pick := func(v, def string) string {
		if v == "" {
			return def
		}
		return v
	}
	return []header{
		{"Content-Security-Policy", pick(cfg.ContentSecurityPolicy, defaultContentSecurityPolicy)},
		{"X-Frame-Options", pick(cfg.FrameOptions, defaultFrameOptions)},
		{"X-Content-Type-Options", "nosniff"},
		{"Referrer-Policy", pick(cfg.ReferrerPolicy, defaultReferrerPolicy)},
	}
}

func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	fixed := cfg.headers()
	cache := cfg.CacheControl
	if cache == "" {
		cache = defaultCacheControl
	}
	hsts := ""
	switch {
	case cfg.HSTSMaxAge == 0:
		hsts = "max-age=" + strconv.Itoa(int(defaultHSTSMaxAge.Seconds()))
	case cfg.HSTSMaxAge > 0:
		hsts = "max-age=" + strconv.Itoa(int(cfg.HSTSMaxAge.Seconds()))
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for _, hd := range fixed {
			h.Set(hd.name, hd.value)
		}
		if r.URL.Path != "/metrics" {
			h.Set("Cache-Control", cache)
		}
		if r.TLS != nil && hsts != "" {
			h.Set("Strict-Transport-Security", hsts)
		}
		next.ServeHTTP(w, r)
	})
}
