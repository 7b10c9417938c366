// Package ingest translates media-server callbacks into session registry
// operations. RTMP publish webhooks and SRS HTTP callbacks go through the
// Gateway; peer transports from the negotiator go through the PeerBridge.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"stream-orchestrator/internal/models"
	"stream-orchestrator/internal/observability/logging"
	"stream-orchestrator/internal/session"
)

type GatewayConfig struct {
	Sessions Sessions
	// App is the accepted application name. Empty means DefaultApp.
	App string
	// Quality, when set, caps the ladder of every webhook session. Empty lets
	// the source width pick the ladder.
	Quality string
	Logger  *slog.Logger
}

// Gateway handles ingest notifications for RTMP sources.
type Gateway struct {
	sessions Sessions
	app      string
	quality  string
	logger   *slog.Logger
	viewers  *viewerTracker
}

func NewGateway(cfg GatewayConfig) *Gateway {
	app := strings.TrimSpace(cfg.App)
	if app == "" {
		app = DefaultApp
	}
	return &Gateway{
		sessions: cfg.Sessions,
		app:      app,
		quality:  strings.TrimSpace(cfg.Quality),
		logger:   logging.WithComponent(cfg.Logger, "ingest"),
		viewers:  newViewerTracker(),
	}
}

// Handle applies n and returns the resulting session snapshot.
//
// A publish for a key without a session begins one and marks it live. A
// publish for a Starting session that was created through the API only marks
// it live. Terminal sessions still awaiting cleanup reject publish with
// ErrAlreadyActive; they must be restarted explicitly.
func (g *Gateway) Handle(ctx context.Context, n Notification) (models.StreamSession, error) {
	app := strings.TrimSpace(n.App)
	if app == "" {
		app = g.app
	}
	if app != g.app {
		return models.StreamSession{}, models.Errorf(models.ErrInvalidRequest, "invalid app %q", n.App)
	}
	key := strings.TrimSpace(n.StreamKey)
	if err := models.ValidateStreamKey(key); err != nil {
		return models.StreamSession{}, err
	}
	logger := g.logger.With("stream_key", key, "action", n.Action)

	switch n.Action {
	case ActionPublish:
		return g.publish(ctx, key, n, logger)
	case ActionUnpublish:
		g.viewers.clear(key)
		if err := g.sessions.NotifyIngestEnded(key); err != nil {
			return models.StreamSession{}, err
		}
		logger.Info("ingest ended")
		return g.sessions.GetSession(key)
	case ActionPlay:
		return g.sessions.Heartbeat(key, g.viewers.increment(key))
	case ActionStop:
		return g.sessions.Heartbeat(key, g.viewers.decrement(key))
	default:
		return models.StreamSession{}, models.Errorf(models.ErrInvalidRequest, "unknown action %q", n.Action)
	}
}

func (g *Gateway) publish(ctx context.Context, key string, n Notification, logger *slog.Logger) (models.StreamSession, error) {
	quality := strings.TrimSpace(n.Quality)
	if quality == "" {
		quality = g.quality
	}
	_, err := g.sessions.BeginSession(ctx, session.BeginRequest{
		StreamKey:        key,
		RequestedQuality: quality,
		SourceWidth:      n.SourceWidth,
		Source:           models.SourceRTMP,
	})
	if err != nil {
		if !errors.Is(err, models.ErrAlreadyActive) {
			logger.Warn("ingest rejected", "error", err)
			return models.StreamSession{}, err
		}
		current, getErr := g.sessions.GetSession(key)
		if getErr != nil {
			return models.StreamSession{}, getErr
		}
		if current.State.Terminal() {
			logger.Warn("publish for ended session", "state", current.State)
			return models.StreamSession{}, err
		}
	}
	if err := g.sessions.NotifyIngestLive(key); err != nil {
		return models.StreamSession{}, err
	}
	logger.Info("ingest live")
	return g.sessions.GetSession(key)
}

// Viewers returns the tracked viewer count for key.
func (g *Gateway) Viewers(key string) int {
	return g.viewers.current(key)
}

type viewerTracker struct {
	mu      sync.Mutex
	entries map[string]int
}

func newViewerTracker() *viewerTracker {
	return &viewerTracker{entries: make(map[string]int)}
}

func (t *viewerTracker) increment(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[key]++
	return t.entries[key]
}

func (t *viewerTracker) decrement(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries[key] > 0 {
		t.entries[key]--
	}
	return t.entries[key]
}

func (t *viewerTracker) current(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[key]
}

func (t *viewerTracker) clear(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}
