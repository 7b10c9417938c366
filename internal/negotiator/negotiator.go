// Package negotiator implements the WebRTC signaling state machine for peer
// ingest: transports, producers and consumers, with codec negotiation
// against the router capabilities.
package negotiator

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"stream-orchestrator/internal/models"
	"stream-orchestrator/internal/observability/logging"
	"stream-orchestrator/internal/observability/metrics"
)

const (
	DefaultListenIP         = "0.0.0.0"
	DefaultAnnouncedIP      = "127.0.0.1"
	DefaultMinPort          = 10000
	DefaultMaxPort          = 10100
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultEventBuffer      = 256
)

// Handshaker completes the DTLS handshake for a transport.
type Handshaker interface {
	Handshake(ctx context.Context, transportID string, local, remote DTLSParameters) error
}

// HandshakeFunc adapts a function to Handshaker.
type HandshakeFunc func(ctx context.Context, transportID string, local, remote DTLSParameters) error

func (f HandshakeFunc) Handshake(ctx context.Context, transportID string, local, remote DTLSParameters) error {
	return f(ctx, transportID, local, remote)
}

type Config struct {
	ListenIP         string
	AnnouncedIP      string
	MinPort          int
	MaxPort          int
	HandshakeTimeout time.Duration
	RouterCodecs     []RTPCodecCapability
	Handshaker       Handshaker
	EventBuffer      int
	Logger           *slog.Logger
	Metrics          *metrics.Recorder
	Now              func() time.Time
}

type transport struct {
	id          string
	key         string
	role        Role
	state       TransportState
	params      TransportParams
	port        int
	createdAt   time.Time
	connectedAt *time.Time
	remote      DTLSParameters
	remoteICE   []webrtc.ICECandidateInit
	producers   map[string]struct{}
	consumers   map[string]struct{}
	// nextMID only grows, so closed consumers never free a MID for reuse.
	nextMID     int
}

type producer struct {
	id          string
	transportID string
	key         string
	kind        MediaKind
	rtp         RTPParameters
	paused      bool
}

type consumer struct {
	id          string
	transportID string
	producerID  string
	kind        MediaKind
	rtp         RTPParameters
	paused      bool
}

// Negotiator owns every transport, producer and consumer.
type Negotiator struct {
	candidateIP      string
	handshakeTimeout time.Duration
	router           []RTPCodecCapability
	handshaker       Handshaker
	fingerprints     []webrtc.DTLSFingerprint
	logger           *slog.Logger
	metrics          *metrics.Recorder
	now              func() time.Time
	events           chan Event
	closed           chan struct{}
	closeOnce        sync.Once

	mu         sync.Mutex
	ports      *portPool
	transports map[string]*transport
	producers  map[string]*producer
	consumers  map[string]*consumer
}

// New generates the DTLS certificate and returns a ready Negotiator.
func New(cfg Config) (*Negotiator, error) {
	if cfg.ListenIP == "" {
		cfg.ListenIP = DefaultListenIP
	}
	if cfg.MinPort <= 0 {
		cfg.MinPort = DefaultMinPort
	}
	if cfg.MaxPort <= 0 {
		cfg.MaxPort = DefaultMaxPort
	}
	if cfg.MinPort > cfg.MaxPort {
		return nil, fmt.Errorf("rtc port range %d-%d is empty", cfg.MinPort, cfg.MaxPort)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if len(cfg.RouterCodecs) == 0 {
		cfg.RouterCodecs = DefaultRouterCodecs()
	}
	if cfg.Handshaker == nil {
		cfg.Handshaker = HandshakeFunc(verifyFingerprints)
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate dtls key: %w", err)
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, fmt.Errorf("generate dtls certificate: %w", err)
	}
	fingerprints, err := cert.GetFingerprints()
	if err != nil {
		return nil, fmt.Errorf("dtls fingerprints: %w", err)
	}

	candidateIP := cfg.AnnouncedIP
	if candidateIP == "" {
		candidateIP = cfg.ListenIP
	}
	return &Negotiator{
		candidateIP:      candidateIP,
		handshakeTimeout: cfg.HandshakeTimeout,
		router:           cfg.RouterCodecs,
		handshaker:       cfg.Handshaker,
		fingerprints:     fingerprints,
		logger:           logging.WithComponent(cfg.Logger, "negotiator"),
		metrics:          cfg.Metrics,
		now:              cfg.Now,
		events:           make(chan Event, cfg.EventBuffer),
		closed:           make(chan struct{}),
		ports:            newPortPool(cfg.MinPort, cfg.MaxPort),
		transports:       make(map[string]*transport),
		producers:        make(map[string]*producer),
		consumers:        make(map[string]*consumer),
	}, nil
}

// Events delivers transport lifecycle notifications.
func (n *Negotiator) Events() <-chan Event {
	return n.events
}

// RouterCapabilities returns the codecs clients may produce and consume.
func (n *Negotiator) RouterCapabilities() RTPCapabilities {
	codecs := make([]RTPCodecCapability, len(n.router))
	copy(codecs, n.router)
	return RTPCapabilities{Codecs: codecs}
}

// CreateTransport allocates a transport for streamKey.
func (n *Negotiator) CreateTransport(ctx context.Context, streamKey string, role Role) (TransportParams, error) {
	if err := models.ValidateStreamKey(streamKey); err != nil {
		return TransportParams{}, err
	}
	if !role.Valid() {
		return TransportParams{}, models.Errorf(models.ErrInvalidRequest, "role must be producer or consumer, got %q", role)
	}
	if err := ctx.Err(); err != nil {
		return TransportParams{}, err
	}
	ice, err := newICEParameters()
	if err != nil {
		return TransportParams{}, fmt.Errorf("ice credentials: %w", err)
	}

	n.mu.Lock()
	port, ok := n.ports.acquire()
	if !ok {
		n.mu.Unlock()
		return TransportParams{}, models.Errorf(models.ErrCapacityExceeded, "no free rtc ports")
	}
	fingerprints := make([]webrtc.DTLSFingerprint, len(n.fingerprints))
	copy(fingerprints, n.fingerprints)
	t := &transport{
		id:        uuid.NewString(),
		key:       streamKey,
		role:      role,
		state:     StateNew,
		port:      port,
		createdAt: n.now(),
		producers: make(map[string]struct{}),
		consumers: make(map[string]struct{}),
	}
	t.params = TransportParams{
		ID:             t.id,
		ICEParameters:  ice,
		ICECandidates:  hostCandidates(n.candidateIP, port),
		DTLSParameters: DTLSParameters{Role: "auto", Fingerprints: fingerprints},
	}
	n.transports[t.id] = t
	params := cloneParams(t.params)
	n.mu.Unlock()

	n.logger.Info("transport created", "transport_id", t.id, "stream_key", streamKey, "role", role, "port", port)
	return params, nil
}

// ConnectTransport runs the DTLS handshake with the remote parameters.
func (n *Negotiator) ConnectTransport(ctx context.Context, transportID string, remote DTLSParameters) error {
	if err := validateRemoteDTLS(remote); err != nil {
		return err
	}

	n.mu.Lock()
	t, ok := n.transports[transportID]
	if !ok {
		n.mu.Unlock()
		return models.Errorf(models.ErrUnknownTransport, "transport %s", transportID)
	}
	if t.state != StateNew {
		state := t.state
		n.mu.Unlock()
		return models.Errorf(models.ErrAlreadyConnected, "transport %s is %s", transportID, state)
	}
	t.state = StateConnecting
	t.remote = remote
	local := cloneParams(t.params).DTLSParameters
	n.mu.Unlock()

	hsCtx, cancel := context.WithTimeout(ctx, n.handshakeTimeout)
	err := n.handshaker.Handshake(hsCtx, transportID, local, remote)
	cancel()

	n.mu.Lock()
	if current, ok := n.transports[transportID]; !ok || current != t || t.state != StateConnecting {
		n.mu.Unlock()
		return models.Errorf(models.ErrHandshake, "transport %s closed during handshake", transportID)
	}
	if err != nil {
		events := n.closeLocked(t, "handshake failed")
		n.mu.Unlock()
		n.emit(events...)
		n.logger.Warn("dtls handshake failed", "transport_id", transportID, "stream_key", t.key, "error", err)
		return models.Wrap(models.ErrHandshake, err)
	}
	now := n.now()
	t.state = StateConnected
	t.connectedAt = &now
	ev := Event{Type: EventTransportConnected, TransportID: t.id, StreamKey: t.key, Role: t.role, At: now}
	n.mu.Unlock()

	n.emit(ev)
	n.logger.Info("transport connected", "transport_id", transportID, "stream_key", t.key)
	return nil
}

// Produce registers an incoming media track on a connected producer
// transport and returns the producer ID.
func (n *Negotiator) Produce(ctx context.Context, transportID string, kind MediaKind, rtp RTPParameters) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	n.mu.Lock()
	t, err := n.connectedTransportLocked(transportID)
	if err != nil {
		n.mu.Unlock()
		return "", err
	}
	if t.role != RoleProducer {
		n.mu.Unlock()
		return "", models.Errorf(models.ErrInvalidRequest, "transport %s is not a producer transport", transportID)
	}
	if !kind.Valid() {
		n.mu.Unlock()
		return "", models.Errorf(models.ErrInvalidRequest, "kind must be audio or video, got %q", kind)
	}
	if err := checkProducerCodecs(n.router, kind, rtp); err != nil {
		n.mu.Unlock()
		return "", err
	}
	p := &producer{
		id:          uuid.NewString(),
		transportID: t.id,
		key:         t.key,
		kind:        kind,
		rtp:         cloneRTP(rtp),
	}
	n.producers[p.id] = p
	t.producers[p.id] = struct{}{}
	ev := Event{Type: EventProducerCreated, TransportID: t.id, StreamKey: t.key, Role: t.role, ProducerID: p.id, Kind: kind, At: n.now()}
	n.mu.Unlock()

	n.emit(ev)
	n.logger.Info("producer created", "producer_id", p.id, "transport_id", t.id, "stream_key", t.key, "kind", kind)
	return p.id, nil
}

// Consume creates a paused consumer of a producer on a connected consumer
// transport.
func (n *Negotiator) Consume(ctx context.Context, req ConsumeRequest) (ConsumerParams, error) {
	if err := ctx.Err(); err != nil {
		return ConsumerParams{}, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	t, ok := n.transports[req.TransportID]
	if !ok {
		return ConsumerParams{}, models.Errorf(models.ErrUnknownTransport, "transport %s", req.TransportID)
	}
	p, ok := n.producers[req.ProducerID]
	if !ok {
		return ConsumerParams{}, models.Errorf(models.ErrUnknownProducer, "producer %s", req.ProducerID)
	}
	if t.role != RoleConsumer {
		return ConsumerParams{}, models.Errorf(models.ErrInvalidRequest, "transport %s is not a consumer transport", t.id)
	}
	if t.state != StateConnected {
		return ConsumerParams{}, models.Errorf(models.ErrTransportNotConnected, "consumer transport %s is %s", t.id, t.state)
	}
	if pt, ok := n.transports[p.transportID]; !ok || pt.state != StateConnected {
		return ConsumerParams{}, models.Errorf(models.ErrTransportNotConnected, "producer transport %s is not connected", p.transportID)
	}
	codecs := matchConsumerCodecs(p.rtp.Codecs, req.RTPCapabilities)
	if len(codecs) == 0 {
		return ConsumerParams{}, models.Errorf(models.ErrIncompatibleCapabilities, "no common codec for producer %s", p.id)
	}
	ssrc, err := randomSSRC()
	if err != nil {
		return ConsumerParams{}, fmt.Errorf("consumer ssrc: %w", err)
	}
	c := &consumer{
		id:          uuid.NewString(),
		transportID: t.id,
		producerID:  p.id,
		kind:        p.kind,
		rtp: RTPParameters{
			MID:       strconv.Itoa(t.nextMID),
			Codecs:    codecs,
			Encodings: []RTPEncoding{{SSRC: ssrc}},
		},
		paused: true,
	}
	t.nextMID++
	n.consumers[c.id] = c
	t.consumers[c.id] = struct{}{}
	n.logger.Info("consumer created", "consumer_id", c.id, "producer_id", p.id, "transport_id", t.id)

	return ConsumerParams{
		ProducerID:     p.id,
		ID:             c.id,
		Kind:           c.kind,
		RTPParameters:  cloneRTP(c.rtp),
		Type:           "simple",
		ProducerPaused: p.paused,
	}, nil
}

// Resume starts media flow on a consumer.
func (n *Negotiator) Resume(ctx context.Context, consumerID string) error {
	return n.setConsumerPaused(ctx, consumerID, false)
}

// PauseConsumer stops media flow on a consumer.
func (n *Negotiator) PauseConsumer(ctx context.Context, consumerID string) error {
	return n.setConsumerPaused(ctx, consumerID, true)
}

func (n *Negotiator) setConsumerPaused(ctx context.Context, consumerID string, paused bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.consumers[consumerID]
	if !ok {
		return models.Errorf(models.ErrUnknownConsumer, "consumer %s", consumerID)
	}
	c.paused = paused
	return nil
}

func (n *Negotiator) PauseProducer(ctx context.Context, producerID string) error {
	return n.setProducerPaused(ctx, producerID, true)
}

func (n *Negotiator) ResumeProducer(ctx context.Context, producerID string) error {
	return n.setProducerPaused(ctx, producerID, false)
}

func (n *Negotiator) setProducerPaused(ctx context.Context, producerID string, paused bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.producers[producerID]
	if !ok {
		return models.Errorf(models.ErrUnknownProducer, "producer %s", producerID)
	}
	p.paused = paused
	return nil
}

// ConsumerPaused reports the paused flag of a consumer.
func (n *Negotiator) ConsumerPaused(consumerID string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.consumers[consumerID]
	if !ok {
		return false, models.Errorf(models.ErrUnknownConsumer, "consumer %s", consumerID)
	}
	return c.paused, nil
}

// CloseTransport closes a transport with its producers and consumers.
func (n *Negotiator) CloseTransport(transportID string) error {
	n.mu.Lock()
	t, ok := n.transports[transportID]
	if !ok {
		n.mu.Unlock()
		return models.Errorf(models.ErrUnknownTransport, "transport %s", transportID)
	}
	events := n.closeLocked(t, "closed")
	n.mu.Unlock()
	n.emit(events...)
	n.logger.Info("transport closed", "transport_id", transportID, "stream_key", t.key)
	return nil
}

// AddLocalCandidate appends a candidate discovered after creation and
// emits it as a single ice-candidate event.
func (n *Negotiator) AddLocalCandidate(transportID string, candidate ICECandidate) error {
	n.mu.Lock()
	t, ok := n.transports[transportID]
	if !ok {
		n.mu.Unlock()
		return models.Errorf(models.ErrUnknownTransport, "transport %s", transportID)
	}
	t.params.ICECandidates = append(t.params.ICECandidates, candidate)
	cand := candidateInit(candidate)
	ev := Event{Type: EventICECandidate, TransportID: t.id, StreamKey: t.key, Role: t.role, Candidate: &cand, At: n.now()}
	n.mu.Unlock()
	n.emit(ev)
	return nil
}

// AddRemoteCandidate records a trickled candidate from the client.
func (n *Negotiator) AddRemoteCandidate(transportID string, candidate webrtc.ICECandidateInit) error {
	if strings.TrimSpace(candidate.Candidate) == "" {
		return models.Errorf(models.ErrInvalidRequest, "candidate is empty")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.transports[transportID]
	if !ok {
		return models.Errorf(models.ErrUnknownTransport, "transport %s", transportID)
	}
	t.remoteICE = append(t.remoteICE, candidate)
	return nil
}

// Transport returns a snapshot of one transport.
func (n *Negotiator) Transport(transportID string) (TransportInfo, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.transports[transportID]
	if !ok {
		return TransportInfo{}, models.Errorf(models.ErrUnknownTransport, "transport %s", transportID)
	}
	return t.info(), nil
}

// Transports lists the transports of streamKey, or all when it is empty.
func (n *Negotiator) Transports(streamKey string) []TransportInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]TransportInfo, 0, len(n.transports))
	for _, t := range n.transports {
		if streamKey == "" || t.key == streamKey {
			out = append(out, t.info())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// CloseStale closes transports that have not connected within the handshake
// timeout and returns how many were closed.
func (n *Negotiator) CloseStale(now time.Time) int {
	n.mu.Lock()
	var events []Event
	closed := 0
	for _, t := range n.transports {
		if t.state == StateConnected {
			continue
		}
		if now.Sub(t.createdAt) < n.handshakeTimeout {
			continue
		}
		events = append(events, n.closeLocked(t, "handshake timeout")...)
		closed++
	}
	n.mu.Unlock()
	n.emit(events...)
	if closed > 0 {
		n.logger.Info("closed stale transports", "count", closed)
	}
	return closed
}

// ReapStale adapts CloseStale to a periodic task.
func (n *Negotiator) ReapStale(_ context.Context, now time.Time) error {
	n.CloseStale(now)
	return nil
}

// Close closes every transport.
func (n *Negotiator) Close() {
	n.mu.Lock()
	var events []Event
	for _, t := range n.transports {
		events = append(events, n.closeLocked(t, "shutdown")...)
	}
	n.mu.Unlock()
	n.closeOnce.Do(func() { close(n.closed) })
	n.emit(events...)
}

func (n *Negotiator) connectedTransportLocked(id string) (*transport, error) {
	t, ok := n.transports[id]
	if !ok {
		return nil, models.Errorf(models.ErrUnknownTransport, "transport %s", id)
	}
	if t.state != StateConnected {
		return nil, models.Errorf(models.ErrTransportNotConnected, "transport %s is %s", id, t.state)
	}
	return t, nil
}

// closeLocked tears t down. Consumers of its producers on other transports
// are closed too.
func (n *Negotiator) closeLocked(t *transport, reason string) []Event {
	now := n.now()
	var events []Event
	for pid := range t.producers {
		p := n.producers[pid]
		for cid, c := range n.consumers {
			if c.producerID == pid {
				if ct, ok := n.transports[c.transportID]; ok {
					delete(ct.consumers, cid)
				}
				delete(n.consumers, cid)
			}
		}
		delete(n.producers, pid)
		kind := MediaKind("")
		if p != nil {
			kind = p.kind
		}
		events = append(events, Event{Type: EventProducerClosed, TransportID: t.id, StreamKey: t.key, Role: t.role, ProducerID: pid, Kind: kind, Reason: reason, At: now})
	}
	for cid := range t.consumers {
		delete(n.consumers, cid)
	}
	t.state = StateClosed
	n.ports.release(t.port)
	delete(n.transports, t.id)
	events = append(events, Event{Type: EventTransportClosed, TransportID: t.id, StreamKey: t.key, Role: t.role, Reason: reason, At: now})
	return events
}

// emit delivers events in order. Lifecycle events wait for the consumer,
// since session teardown depends on them; late ICE candidates are dropped
// when the buffer is full. After Close nothing waits.
func (n *Negotiator) emit(events ...Event) {
	for _, ev := range events {
		select {
		case n.events <- ev:
			n.metrics.TransportEvent(string(ev.Type))
			continue
		default:
		}
		if ev.Type == EventICECandidate {
			n.drop(ev)
			continue
		}
		select {
		case n.events <- ev:
			n.metrics.TransportEvent(string(ev.Type))
		case <-n.closed:
			n.drop(ev)
		}
	}
}

func (n *Negotiator) drop(ev Event) {
	n.metrics.TransportEvent("dropped")
	n.logger.Warn("transport event dropped", "type", ev.Type, "transport_id", ev.TransportID)
}

func (t *transport) info() TransportInfo {
	info := TransportInfo{
		ID:        t.id,
		StreamKey: t.key,
		Role:      t.role,
		State:     t.state,
		CreatedAt: t.createdAt,
	}
	if t.connectedAt != nil {
		at := *t.connectedAt
		info.ConnectedAt = &at
	}
	for id := range t.producers {
		info.Producers = append(info.Producers, id)
	}
	for id := range t.consumers {
		info.Consumers = append(info.Consumers, id)
	}
	sort.Strings(info.Producers)
	sort.Strings(info.Consumers)
	return info
}

var dtlsRoles = map[string]bool{"auto": true, "client": true, "server": true}

func validateRemoteDTLS(remote DTLSParameters) error {
	if !dtlsRoles[remote.Role] {
		return models.Errorf(models.ErrInvalidRequest, "dtls role must be auto, client or server, got %q", remote.Role)
	}
	if len(remote.Fingerprints) == 0 {
		return models.Errorf(models.ErrInvalidRequest, "dtls fingerprints are required")
	}
	return nil
}

var fingerprintAlgorithms = map[string]bool{
	"sha-1": true, "sha-224": true, "sha-256": true, "sha-384": true, "sha-512": true,
}

// verifyFingerprints is the default handshake: the remote fingerprints must
// use a known hash and be colon separated hex.
func verifyFingerprints(ctx context.Context, _ string, _, remote DTLSParameters) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, fp := range remote.Fingerprints {
		if !fingerprintAlgorithms[strings.ToLower(fp.Algorithm)] {
			return fmt.Errorf("unsupported fingerprint algorithm %q", fp.Algorithm)
		}
		for _, part := range strings.Split(fp.Value, ":") {
			if len(part) != 2 || strings.Trim(strings.ToLower(part), "0123456789abcdef") != "" {
				return fmt.Errorf("malformed fingerprint %q", fp.Value)
			}
		}
	}
	return nil
}

func cloneParams(p TransportParams) TransportParams {
	out := p
	out.ICECandidates = append([]ICECandidate(nil), p.ICECandidates...)
	out.DTLSParameters.Fingerprints = append([]webrtc.DTLSFingerprint(nil), p.DTLSParameters.Fingerprints...)
	return out
}

func cloneRTP(p RTPParameters) RTPParameters {
	out := p
	out.Codecs = append([]RTPCodecParameters(nil), p.Codecs...)
	out.Encodings = append([]RTPEncoding(nil), p.Encodings...)
	return out
}

func randomSSRC() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3]), nil
}
