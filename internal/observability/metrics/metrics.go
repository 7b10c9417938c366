package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "orchestrator"

// Recorder owns a private Prometheus registry with the orchestrator's
// instruments. A nil *Recorder is valid and records nothing, so components
// can take one optionally.
type Recorder struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	sessionsStarted    *prometheus.CounterVec
	sessionTransitions *prometheus.CounterVec
	activeSessions     prometheus.Gauge

	jobEvents       *prometheus.CounterVec
	activeJobs      prometheus.Gauge
	progressDropped prometheus.Counter

	cleanupEvents *prometheus.CounterVec

	transportEvents   *prometheus.CounterVec
	signalingSessions prometheus.Gauge
}

var defaultRecorder = New()

// Default returns the process-wide recorder.
func Default() *Recorder {
	return defaultRecorder
}

// New builds a recorder with its own registry, including Go runtime and
// process collectors.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	r := &Recorder{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		sessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Stream sessions accepted by ingest source.",
		}, []string{"source"}),
		sessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session state transitions.",
		}, []string{"from", "to"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions holding a registry entry.",
		}),
		jobEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcode_jobs_total",
			Help:      "Transcode job lifecycle events by outcome.",
		}, []string{"outcome"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_transcode_jobs",
			Help:      "Running transcode processes.",
		}),
		progressDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_events_dropped_total",
			Help:      "Progress events dropped because the subscriber was behind.",
		}),
		cleanupEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_tasks_total",
			Help:      "Artifact cleanup tasks by outcome.",
		}, []string{"outcome"}),
		transportEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_events_total",
			Help:      "Peer transport lifecycle events.",
		}, []string{"event"}),
		signalingSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "signaling_connections",
			Help:      "Open signaling WebSocket connections.",
		}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.httpRequests,
		r.httpDuration,
		r.sessionsStarted,
		r.sessionTransitions,
		r.activeSessions,
		r.jobEvents,
		r.activeJobs,
		r.progressDropped,
		r.cleanupEvents,
		r.transportEvents,
		r.signalingSessions,
	)
	return r
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one HTTP request. path should be a route pattern;
// raw paths are normalized so stream keys and ids do not explode cardinality.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	method = strings.ToUpper(method)
	path = normalizePath(path)
	r.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (r *Recorder) SessionStarted(source string) {
	if r == nil {
		return
	}
	r.sessionsStarted.WithLabelValues(normalizeName(source)).Inc()
}

func (r *Recorder) SessionTransition(from, to string) {
	if r == nil {
		return
	}
	r.sessionTransitions.WithLabelValues(normalizeName(from), normalizeName(to)).Inc()
}

func (r *Recorder) SetActiveSessions(n int) {
	if r == nil {
		return
	}
	r.activeSessions.Set(float64(n))
}

func (r *Recorder) JobStarted() {
	if r == nil {
		return
	}
	r.jobEvents.WithLabelValues("started").Inc()
	r.activeJobs.Inc()
}

// JobFinished records the end of a running job with outcome "completed",
// "stopped" or "failed".
func (r *Recorder) JobFinished(outcome string) {
	if r == nil {
		return
	}
	r.jobEvents.WithLabelValues(normalizeName(outcome)).Inc()
	r.activeJobs.Dec()
}

func (r *Recorder) JobLaunchFailed() {
	if r == nil {
		return
	}
	r.jobEvents.WithLabelValues("launch_failed").Inc()
}

func (r *Recorder) ProgressDropped() {
	if r == nil {
		return
	}
	r.progressDropped.Inc()
}

// CleanupEvent records a cleanup outcome: "completed", "failed", "retried"
// or "cancelled".
func (r *Recorder) CleanupEvent(outcome string) {
	if r == nil {
		return
	}
	r.cleanupEvents.WithLabelValues(normalizeName(outcome)).Inc()
}

// TransportEvent records a transport lifecycle event such as "created",
// "connected", "handshake_failed", "closed" or "reaped".
func (r *Recorder) TransportEvent(event string) {
	if r == nil {
		return
	}
	r.transportEvents.WithLabelValues(normalizeName(event)).Inc()
}

// SetSignalingConnections reports the number of open signaling sockets.
func (r *Recorder) SetSignalingConnections(n int) {
	if r == nil {
		return
	}
	r.signalingSessions.Set(float64(n))
}

// RegisterGaugeFunc exposes a value read from fn at scrape time.
func (r *Recorder) RegisterGaugeFunc(name, help string, fn func() float64) error {
	if r == nil {
		return nil
	}
	return r.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	if strings.Contains(path, "{") {
		return strings.TrimSuffix(path, "/")
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

var staticSegments = func() map[string]struct{} {
	words := []string{
		"v1", "healthz", "metrics", "sessions", "stop", "restart", "heartbeat",
		"history", "ingest", "rtmp", "srs", "on_publish", "on_unpublish",
		"transports", "connect", "produce", "consume", "consumers", "producers",
		"resume", "pause", "router", "capabilities", "signal", "candidates",
		"on_play", "on_stop",
	}
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}()

// looksLikeIdentifier treats every segment that is not a known route word as
// an id, so stream keys and uuids never become label values.
func looksLikeIdentifier(segment string) bool {
	_, static := staticSegments[segment]
	return !static
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
