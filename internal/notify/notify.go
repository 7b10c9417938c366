// Package notify fans session state changes out to WebSocket subscribers
// and external consumers such as a Redis stream.
package notify

import (
	"context"
	"errors"
	"time"

	"stream-orchestrator/internal/models"
)

const (
	TypeSessionState  = "session.state"
	TypePlaybackReady = "session.playback_ready"
)

// Event is one session notification.
type Event struct {
	Type      string              `json:"type"`
	StreamKey string              `json:"streamKey"`
	State     models.SessionState `json:"state"`
	Previous  models.SessionState `json:"previous,omitempty"`
	Source    models.IngestSource `json:"source,omitempty"`
	At        time.Time           `json:"at"`
	Error     string              `json:"error,omitempty"`
}

// Publisher delivers events. Implementations must not block for long since
// the registry publishes inline with state transitions.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event Event) error

func (f PublisherFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Multi publishes to every member and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
