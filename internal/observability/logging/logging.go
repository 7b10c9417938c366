package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"stream-orchestrator/internal/observability/metrics"
)

type Config struct {
	Level     string
	Writer    io.Writer
	Format    string
	AddSource bool
}

type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Init creates a logger from cfg and installs it as the process default.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// New creates a structured logger writing to cfg.Writer, or stdout.
func New(cfg Config) *slog.Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}
	options := &slog.HandlerOptions{Level: ParseLevel(cfg.Level), AddSource: cfg.AddSource}
	var handler slog.Handler
	switch LogFormat(strings.ToLower(strings.TrimSpace(cfg.Format))) {
	case FormatText:
		handler = slog.NewTextHandler(writer, options)
	default:
		handler = slog.NewJSONHandler(writer, options)
	}
	return slog.New(handler)
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// WithComponent returns a logger annotated with the component field. A nil
// logger falls back to the process default.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", component)
}

type scopeKey struct{}

// scope is the per-request logging context. Each With* helper stores a
// modified copy, so parent contexts are never mutated.
type scope struct {
	requestID string
	streamKey string
	logger    *slog.Logger
}

func scopeFrom(ctx context.Context) scope {
	if ctx == nil {
		return scope{}
	}
	sc, _ := ctx.Value(scopeKey{}).(scope)
	return sc
}

func withScope(ctx context.Context, update func(*scope)) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	sc := scopeFrom(ctx)
	update(&sc)
	return context.WithValue(ctx, scopeKey{}, sc)
}

// ContextWithRequestID stores a non-empty request ID on the context.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return withScope(ctx, func(sc *scope) { sc.requestID = id })
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	id := scopeFrom(ctx).requestID
	return id, id != ""
}

// ContextWithStreamKey stores a non-empty stream key on the context.
func ContextWithStreamKey(ctx context.Context, key string) context.Context {
	key = strings.TrimSpace(key)
	if key == "" {
		return ctx
	}
	return withScope(ctx, func(sc *scope) { sc.streamKey = key })
}

func StreamKeyFromContext(ctx context.Context) (string, bool) {
	key := scopeFrom(ctx).streamKey
	return key, key != ""
}

// ContextWithLogger attaches a request-scoped logger to the context.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return withScope(ctx, func(sc *scope) { sc.logger = logger })
}

// LoggerFromContext returns the logger attached to ctx, or nil.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	return scopeFrom(ctx).logger
}

// WithContext annotates logger with the request ID and stream key held in ctx.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	sc := scopeFrom(ctx)
	if sc.requestID != "" {
		logger = logger.With("request_id", sc.requestID)
	}
	if sc.streamKey != "" {
		logger = logger.With("stream_key", sc.streamKey)
	}
	return logger
}

// RequestLoggerConfig configures the HTTP request logging middleware.
type RequestLoggerConfig struct {
	Logger            *slog.Logger
	DisableRemoteAddr bool
	// SkipPaths are logged at debug level instead of info, e.g. probes.
	SkipPaths        []string
	AdditionalFields func(*http.Request, int, time.Duration) []any
}

// RequestLogger logs one line per request. Server errors are logged at warn
// and upgraded signaling sockets once the connection closes.
func RequestLogger(cfg RequestLoggerConfig) func(http.Handler) http.Handler {
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}
	quiet := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		quiet[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := metrics.NewResponseRecorder(w)
			start := time.Now()
			next.ServeHTTP(rec, r)
			elapsed := time.Since(start)
			status := rec.Status()

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", rec.BytesWritten(),
				"duration_ms", elapsed.Milliseconds(),
			}
			if route := metrics.RoutePattern(r); route != "" && route != r.URL.Path {
				attrs = append(attrs, "route", route)
			}
			if !cfg.DisableRemoteAddr {
				attrs = append(attrs, "remote_addr", r.RemoteAddr)
			}
			if cfg.AdditionalFields != nil {
				attrs = append(attrs, cfg.AdditionalFields(r, status, elapsed)...)
			}

			level := slog.LevelInfo
			switch {
			case quiet[r.URL.Path]:
				level = slog.LevelDebug
			case status >= http.StatusInternalServerError:
				level = slog.LevelWarn
			}
			WithContext(r.Context(), base).Log(r.Context(), level, "request completed", attrs...)
		})
	}
}
