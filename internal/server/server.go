package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"stream-orchestrator/internal/observability/logging"
)

type Config struct {
	Addr   string
	Logger *slog.Logger
	// Origins is the cross-origin policy. Nil allows same-origin browsers only.
	Origins  *OriginPolicy
	Security SecurityConfig

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
}

const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultIdleTimeout       = 60 * time.Second
)

// quietPaths are logged at debug level.
var quietPaths = []string{"/healthz", "/metrics"}

// New wraps routes in the middleware chain. ReadTimeout and WriteTimeout
// stay unset because signaling connections are long lived; handlers bound
// their own bodies and the socket sets per-message deadlines.
func New(routes http.Handler, cfg Config) (*http.Server, error) {
	if routes == nil {
		return nil, fmt.Errorf("routes are required")
	}
	logger := logging.WithComponent(cfg.Logger, "http")

	handler := logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:    logger,
		SkipPaths: quietPaths,
	})(routes)
	handler = cfg.Origins.middleware(logger, handler)
	handler = securityHeadersMiddleware(cfg.Security, handler)
	handler = requestIDMiddleware(logger, handler)

	readHeader := cfg.ReadHeaderTimeout
	if readHeader <= 0 {
		readHeader = defaultReadHeaderTimeout
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeader,
		IdleTimeout:       idle,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}, nil
}
