package ingest

import (
	"context"
	"strings"

	"stream-orchestrator/internal/models"
	"stream-orchestrator/internal/session"
)

// Action is a normalized ingest notification verb.
type Action string

const (
	ActionPublish   Action = "publish"
	ActionUnpublish Action = "unpublish"
	// ActionPlay and ActionStop are viewer join and leave callbacks.
	ActionPlay Action = "play"
	ActionStop Action = "stop"
)

// DefaultApp is the RTMP application name ingest is accepted on.
const DefaultApp = "live"

// NormalizeAction maps RTMP webhook and SRS callback verbs onto Action.
// "publish_done", "on_unpublish" and "unpublish" are equivalent.
func NormalizeAction(raw string) (Action, bool) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.TrimPrefix(normalized, "on_")
	switch normalized {
	case "publish":
		return ActionPublish, true
	case "publish_done", "unpublish":
		return ActionUnpublish, true
	case "play":
		return ActionPlay, true
	case "stop":
		return ActionStop, true
	default:
		return "", false
	}
}

// Notification is one callback from the media server.
type Notification struct {
	App       string
	StreamKey string
	Action    Action
	// ClientID identifies the viewer connection for play and stop.
	ClientID string
	// SourceWidth, when the media server reports it, bounds the ladder.
	SourceWidth int
	// Quality is an explicit cap requested by the publisher.
	Quality string
}

// Sessions is the slice of the session registry the gateway drives.
type Sessions interface {
	BeginSession(ctx context.Context, req session.BeginRequest) (models.StreamSession, error)
	GetSession(key string) (models.StreamSession, error)
	NotifyIngestLive(key string) error
	NotifyIngestEnded(key string) error
	Heartbeat(key string, viewerCount int) (models.StreamSession, error)
}
