package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"stream-orchestrator/internal/models"
	"stream-orchestrator/internal/negotiator"
	"stream-orchestrator/internal/observability/logging"
	"stream-orchestrator/internal/session"
)

// PeerBridge turns negotiator events into session lifecycle calls. The first
// video producer on a producer transport starts a webrtc session for the
// transport's stream key; closing the last such transport ends it.
type PeerBridge struct {
	sessions Sessions
	quality  string
	logger   *slog.Logger

	mu         sync.Mutex
	transports map[string]map[string]struct{}
}

// NewPeerBridge builds a bridge over sessions. A non-empty quality caps every
// peer ladder; peers do not report a source width, so empty means the
// planner's default quality.
func NewPeerBridge(sessions Sessions, quality string, logger *slog.Logger) *PeerBridge {
	return &PeerBridge{
		sessions:   sessions,
		quality:    quality,
		logger:     logging.WithComponent(logger, "ingest.peer"),
		transports: make(map[string]map[string]struct{}),
	}
}

// Run consumes events until ctx ends or the channel closes. Each event is
// handled and then passed to every sink in order.
func (b *PeerBridge) Run(ctx context.Context, events <-chan negotiator.Event, sinks ...func(negotiator.Event)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			b.Handle(ctx, ev)
			for _, sink := range sinks {
				if sink != nil {
					sink(ev)
				}
			}
		}
	}
}

// Handle applies one negotiator event. Failures are logged; they belong to
// the peer's key only.
func (b *PeerBridge) Handle(ctx context.Context, ev negotiator.Event) {
	if ev.Role != negotiator.RoleProducer {
		return
	}
	logger := b.logger.With("stream_key", ev.StreamKey, "transport_id", ev.TransportID)
	switch ev.Type {
	case negotiator.EventProducerCreated:
		if ev.Kind != negotiator.KindVideo {
			return
		}
		first := b.track(ev.StreamKey, ev.TransportID)
		if !first {
			return
		}
		if err := b.begin(ctx, ev.StreamKey); err != nil {
			b.untrack(ev.StreamKey, ev.TransportID)
			logger.Warn("peer ingest rejected", "error", err)
			return
		}
		logger.Info("peer ingest live", "producer_id", ev.ProducerID)
	case negotiator.EventTransportClosed:
		last, tracked := b.untrack(ev.StreamKey, ev.TransportID)
		if !tracked || !last {
			return
		}
		if err := b.sessions.NotifyIngestEnded(ev.StreamKey); err != nil && !errors.Is(err, models.ErrSessionNotFound) {
			logger.Warn("peer ingest end failed", "error", err)
			return
		}
		logger.Info("peer ingest ended", "reason", ev.Reason)
	}
}

func (b *PeerBridge) begin(ctx context.Context, key string) error {
	_, err := b.sessions.BeginSession(ctx, session.BeginRequest{
		StreamKey:        key,
		RequestedQuality: b.quality,
		Source:           models.SourceWebRTC,
	})
	if err != nil {
		if !errors.Is(err, models.ErrAlreadyActive) {
			return err
		}
		current, getErr := b.sessions.GetSession(key)
		if getErr != nil {
			return getErr
		}
		if current.State.Terminal() {
			return err
		}
	}
	return b.sessions.NotifyIngestLive(key)
}

// track records transportID and reports whether it is the first producer
// transport of key.
func (b *PeerBridge) track(key, transportID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.transports[key]
	if !ok {
		set = make(map[string]struct{})
		b.transports[key] = set
	}
	if _, dup := set[transportID]; dup {
		return false
	}
	set[transportID] = struct{}{}
	return len(set) == 1
}

func (b *PeerBridge) untrack(key, transportID string) (last, tracked bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.transports[key]
	if !ok {
		return false, false
	}
	if _, tracked = set[transportID]; !tracked {
		return false, false
	}
	delete(set, transportID)
	if len(set) == 0 {
		delete(b.transports, key)
		return true, true
	}
	return false, true
}
