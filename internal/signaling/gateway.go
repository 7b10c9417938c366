// Package signaling serves the WebSocket request/response channel that
// browsers use to negotiate peer transports. Each connection is bound to one
// stream key, owns the transports it creates and receives that key's session
// notifications.
package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"stream-orchestrator/internal/negotiator"
	"stream-orchestrator/internal/notify"
	"stream-orchestrator/internal/observability/logging"
	"stream-orchestrator/internal/observability/metrics"
)

const (
	DefaultPingInterval = 20 * time.Second
	DefaultPongWait     = 45 * time.Second
	DefaultWriteTimeout = 5 * time.Second
	DefaultReadLimit    = 64 << 10
	DefaultSendBuffer   = 64
)

// Negotiator is the subset of the transport negotiator used by signaling.
type Negotiator interface {
	RouterCapabilities() negotiator.RTPCapabilities
	CreateTransport(ctx context.Context, streamKey string, role negotiator.Role) (negotiator.TransportParams, error)
	ConnectTransport(ctx context.Context, transportID string, remote negotiator.DTLSParameters) error
	Produce(ctx context.Context, transportID string, kind negotiator.MediaKind, rtp negotiator.RTPParameters) (string, error)
	Consume(ctx context.Context, req negotiator.ConsumeRequest) (negotiator.ConsumerParams, error)
	Resume(ctx context.Context, consumerID string) error
	CloseTransport(transportID string) error
	AddRemoteCandidate(transportID string, candidate webrtc.ICECandidateInit) error
}

type Config struct {
	Negotiator Negotiator
	// Hub supplies sessionState notifications. Optional.
	Hub     *notify.Hub
	Logger  *slog.Logger
	Metrics *metrics.Recorder

	PingInterval time.Duration
	PongWait     time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
	SendBuffer   int
	// CheckOrigin overrides the same-origin check of the upgrader.
	CheckOrigin func(*http.Request) bool
}

// Gateway tracks signaling connections and routes negotiator events to the
// connection that owns the transport.
type Gateway struct {
	negotiator Negotiator
	hub        *notify.Hub
	logger     *slog.Logger
	metrics    *metrics.Recorder
	upgrader   websocket.Upgrader

	pingInterval time.Duration
	pongWait     time.Duration
	writeTimeout time.Duration
	readLimit    int64
	sendBuffer   int

	mu      sync.RWMutex
	clients map[*client]struct{}
	owners  map[string]*client
}

func NewGateway(cfg Config) *Gateway {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = DefaultPongWait
	}
	// a pong must be able to arrive before the read deadline lapses
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	return &Gateway{
		negotiator: cfg.Negotiator,
		hub:        cfg.Hub,
		logger:     logging.WithComponent(cfg.Logger, "signaling"),
		metrics:    cfg.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
		pingInterval: cfg.PingInterval,
		pongWait:     cfg.PongWait,
		writeTimeout: cfg.WriteTimeout,
		readLimit:    cfg.ReadLimit,
		sendBuffer:   cfg.SendBuffer,
		clients:      make(map[*client]struct{}),
		owners:       make(map[string]*client),
	}
}

// HandleConnection upgrades the request and serves the connection for
// streamKey until either side closes it. The caller validates streamKey.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request, streamKey string) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		gateway:    g,
		conn:       conn,
		key:        streamKey,
		send:       make(chan []byte, g.sendBuffer),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		transports: make(map[string]struct{}),
		consumers:  make(map[string]struct{}),
		logger:     g.logger.With("stream_key", streamKey, "remote_addr", r.RemoteAddr),
	}
	g.register(c)
	if g.hub != nil {
		c.sub = g.hub.Subscribe(streamKey)
		go c.forwardSessionEvents()
	}
	c.logger.Info("signaling connection opened")

	go c.writeLoop()
	c.readLoop()
}

// Dispatch routes a negotiator event to the owning connection. It never
// blocks; a connection that is behind misses pushes.
func (g *Gateway) Dispatch(ev negotiator.Event) {
	switch ev.Type {
	case negotiator.EventICECandidate:
		if ev.Candidate == nil {
			return
		}
		if c := g.owner(ev.TransportID); c != nil {
			c.push(MethodICECandidate, candidatePush{TransportID: ev.TransportID, Candidate: *ev.Candidate})
		}
	case negotiator.EventTransportConnected:
		if c := g.owner(ev.TransportID); c != nil {
			c.push(MethodTransportConnected, transportPush{TransportID: ev.TransportID})
		}
	case negotiator.EventTransportClosed:
		g.mu.Lock()
		c := g.owners[ev.TransportID]
		delete(g.owners, ev.TransportID)
		g.mu.Unlock()
		if c != nil {
			c.forget(ev.TransportID)
			c.push(MethodTransportClosed, transportPush{TransportID: ev.TransportID, Reason: ev.Reason})
		}
	}
}

// Connections returns the number of open connections.
func (g *Gateway) Connections() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// Close closes every connection and the transports they own.
func (g *Gateway) Close() {
	g.mu.RLock()
	clients := make([]*client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.RUnlock()
	for _, c := range clients {
		c.close()
	}
}

func (g *Gateway) register(c *client) {
	g.mu.Lock()
	g.clients[c] = struct{}{}
	n := len(g.clients)
	g.mu.Unlock()
	g.metrics.SetSignalingConnections(n)
}

func (g *Gateway) unregister(c *client) {
	g.mu.Lock()
	delete(g.clients, c)
	for id, owner := range g.owners {
		if owner == c {
			delete(g.owners, id)
		}
	}
	n := len(g.clients)
	g.mu.Unlock()
	g.metrics.SetSignalingConnections(n)
}

func (g *Gateway) claim(transportID string, c *client) {
	g.mu.Lock()
	g.owners[transportID] = c
	g.mu.Unlock()
}

func (g *Gateway) owner(transportID string) *client {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.owners[transportID]
}

// encode marshals v, logging failures instead of returning them.
func (g *Gateway) encode(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		g.logger.Error("encode signaling message", "error", err)
		return nil
	}
	return payload
}
