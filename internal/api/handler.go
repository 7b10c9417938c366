// Package api exposes the orchestrator over HTTP: session control, ingest
// webhooks, peer transport negotiation and the signaling socket.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pion/webrtc/v4"

	"stream-orchestrator/internal/artifacts"
	"stream-orchestrator/internal/history"
	"stream-orchestrator/internal/ingest"
	"stream-orchestrator/internal/models"
	"stream-orchestrator/internal/negotiator"
	"stream-orchestrator/internal/observability/logging"
	"stream-orchestrator/internal/observability/metrics"
	"stream-orchestrator/internal/session"
	"stream-orchestrator/internal/supervisor"
)

// Sessions is the registry surface used by the handlers.
type Sessions interface {
	BeginSession(ctx context.Context, req session.BeginRequest) (models.StreamSession, error)
	RestartSession(ctx context.Context, key string) (models.StreamSession, error)
	RequestStop(key string) error
	Heartbeat(key string, viewerCount int) (models.StreamSession, error)
	GetSession(key string) (models.StreamSession, error)
	ListActive() []models.StreamSession
	List() []models.StreamSession
}

// Ingest applies media-server notifications.
type Ingest interface {
	Handle(ctx context.Context, n ingest.Notification) (models.StreamSession, error)
}

// Transports is the negotiator surface used by the REST transport routes.
type Transports interface {
	RouterCapabilities() negotiator.RTPCapabilities
	CreateTransport(ctx context.Context, streamKey string, role negotiator.Role) (negotiator.TransportParams, error)
	ConnectTransport(ctx context.Context, transportID string, remote negotiator.DTLSParameters) error
	Produce(ctx context.Context, transportID string, kind negotiator.MediaKind, rtp negotiator.RTPParameters) (string, error)
	Consume(ctx context.Context, req negotiator.ConsumeRequest) (negotiator.ConsumerParams, error)
	Resume(ctx context.Context, consumerID string) error
	PauseConsumer(ctx context.Context, consumerID string) error
	PauseProducer(ctx context.Context, producerID string) error
	ResumeProducer(ctx context.Context, producerID string) error
	CloseTransport(transportID string) error
	AddRemoteCandidate(transportID string, candidate webrtc.ICECandidateInit) error
	AddLocalCandidate(transportID string, candidate negotiator.ICECandidate) error
	Transport(transportID string) (negotiator.TransportInfo, error)
	Transports(streamKey string) []negotiator.TransportInfo
}

// Jobs lists the running transcode jobs.
type Jobs interface {
	List() []supervisor.TranscodeJob
}

// Artifacts lists the files a session has written.
type Artifacts interface {
	List(key string) ([]artifacts.Entry, error)
}

// Signaling serves one WebSocket connection bound to a stream key.
type Signaling interface {
	HandleConnection(w http.ResponseWriter, r *http.Request, streamKey string)
}

// HealthCheck is one component reported by /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Config struct {
	Sessions   Sessions
	Ingest     Ingest
	Transports Transports
	Signaling  Signaling
	Jobs       Jobs
	Artifacts  Artifacts
	// History is optional; without it the history route answers 404.
	History history.Store
	Health  []HealthCheck
	Metrics *metrics.Recorder
	Logger  *slog.Logger

	// APIToken guards operator routes when set.
	APIToken string
	// IngestToken guards the webhook routes when set. It is also accepted
	// as a ?token= query parameter since media servers cannot set headers.
	IngestToken string
}

type Handler struct {
	sessions    Sessions
	ingest      Ingest
	transports  Transports
	signaling   Signaling
	jobs        Jobs
	artifacts   Artifacts
	history     history.Store
	health      []HealthCheck
	metrics     *metrics.Recorder
	logger      *slog.Logger
	apiToken    string
	ingestToken string
}

func NewHandler(cfg Config) *Handler {
	return &Handler{
		sessions:    cfg.Sessions,
		ingest:      cfg.Ingest,
		transports:  cfg.Transports,
		signaling:   cfg.Signaling,
		jobs:        cfg.Jobs,
		artifacts:   cfg.Artifacts,
		history:     cfg.History,
		health:      cfg.Health,
		metrics:     cfg.Metrics,
		logger:      logging.WithComponent(cfg.Logger, "api"),
		apiToken:    strings.TrimSpace(cfg.APIToken),
		ingestToken: strings.TrimSpace(cfg.IngestToken),
	}
}

// Routes builds the chi router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(metrics.HTTPMiddleware(h.metrics))
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErrorStatus(w, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeErrorStatus(w, http.StatusMethodNotAllowed, "method_not_allowed", "method "+r.Method+" not allowed")
	})

	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.requireToken(h.ingestToken, true))
			r.Post("/ingest/rtmp", h.RTMPHook)
			r.Post("/ingest/srs/{action}", h.SRSHook)
			r.Post("/engine/transports/{transportID}/candidates", h.EngineCandidate)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.requireToken(h.apiToken, true))
			r.Get("/signal", h.Signal)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.requireToken(h.apiToken, false))

			r.Route("/sessions", func(r chi.Router) {
				r.Post("/", h.BeginSession)
				r.Get("/", h.ListSessions)
				r.Route("/{streamKey}", func(r chi.Router) {
					r.Get("/", h.GetSession)
					r.Post("/stop", h.StopSession)
					r.Post("/restart", h.RestartSession)
					r.Post("/heartbeat", h.Heartbeat)
					r.Get("/history", h.SessionHistory)
					r.Get("/artifacts", h.SessionArtifacts)
				})
			})

			r.Get("/jobs", h.ListJobs)
			r.Get("/transports", h.ListTransports)
			r.Post("/transports", h.CreateTransport)
			r.Route("/transports/{transportID}", func(r chi.Router) {
				r.Get("/", h.GetTransport)
				r.Delete("/", h.CloseTransport)
				r.Post("/connect", h.ConnectTransport)
				r.Post("/produce", h.Produce)
				r.Post("/consume", h.Consume)
				r.Post("/candidates", h.AddCandidate)
			})
			r.Post("/consumers/{consumerID}/resume", h.ResumeConsumer)
			r.Post("/consumers/{consumerID}/pause", h.PauseConsumer)
			r.Post("/producers/{producerID}/pause", h.PauseProducer)
			r.Post("/producers/{producerID}/resume", h.ResumeProducer)
			r.Get("/router/capabilities", h.RouterCapabilities)
		})
	})
	return r
}

func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	if logger := logging.LoggerFromContext(r.Context()); logger != nil {
		return logging.WithComponent(logger, "api")
	}
	return logging.WithContext(r.Context(), h.logger)
}
