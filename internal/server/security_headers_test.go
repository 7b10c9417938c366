package server

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func serveSecurity(cfg SecurityConfig, req *http.Request) http.Header {
	rec := httptest.NewRecorder()
	securityHeadersMiddleware(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})).ServeHTTP(rec, req)
	return rec.Result().Header
}

func TestSecurityHeaders(t *testing.T) {
	t.Parallel()

	tlsRequest := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	tlsRequest.TLS = &tls.ConnectionState{}
	custom := SecurityConfig{
		ContentSecurityPolicy: "default-src 'self'",
		FrameOptions:          "SAMEORIGIN",
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		CacheControl:          "private",
		HSTSMaxAge:            time.Hour,
	}

	cases := []struct {
		name string
		cfg  SecurityConfig
		req  *http.Request
		want map[string]string
	}{
		{
			name: "defaults over plain http",
			req:  httptest.NewRequest(http.MethodGet, "/v1/sessions", nil),
			want: map[string]string{
				"Content-Security-Policy":   defaultContentSecurityPolicy,
				"X-Frame-Options":           defaultFrameOptions,
				"Referrer-Policy":           defaultReferrerPolicy,
				"X-Content-Type-Options":    "nosniff",
				"Cache-Control":             defaultCacheControl,
				"Strict-Transport-Security": "",
			},
		},
		{
			name: "defaults over tls",
			req:  tlsRequest,
			want: map[string]string{"Strict-Transport-Security": "max-age=31536000"},
		},
		{
			name: "overrides",
			cfg:  custom,
			req:  tlsRequest,
			want: map[string]string{
				"Content-Security-Policy":   custom.ContentSecurityPolicy,
				"X-Frame-Options":           custom.FrameOptions,
				"Referrer-Policy":           custom.ReferrerPolicy,
				"Cache-Control":             custom.CacheControl,
				"Strict-Transport-Security": "max-age=3600",
			},
		},
		{
			name: "hsts disabled",
			cfg:  SecurityConfig{HSTSMaxAge: -1},
			req:  tlsRequest,
			want: map[string]string{"Strict-Transport-Security": ""},
		},
		{
			name: "metrics stay cacheable",
			req:  httptest.NewRequest(http.MethodGet, "/metrics", nil),
			want: map[string]string{"Cache-Control": "", "X-Frame-Options": defaultFrameOptions},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := serveSecurity(tc.cfg, tc.req)
			for key, want := range tc.want {
				if v := got.Get(key); v != want {
					t.Fatalf("expected %s=%q, got %q", key, want, v)
				}
			}
		})
	}
}
