package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"stream-orchestrator/internal/api"
	"stream-orchestrator/internal/artifacts"
	"stream-orchestrator/internal/cleanup"
	"stream-orchestrator/internal/config"
	"stream-orchestrator/internal/history"
	"stream-orchestrator/internal/ingest"
	"stream-orchestrator/internal/ladder"
	"stream-orchestrator/internal/negotiator"
	"stream-orchestrator/internal/notify"
	"stream-orchestrator/internal/observability/metrics"
	"stream-orchestrator/internal/server"
	"stream-orchestrator/internal/serverutil"
	"stream-orchestrator/internal/session"
	"stream-orchestrator/internal/signaling"
	"stream-orchestrator/internal/supervisor"
	"stream-orchestrator/internal/worker"
)

const (
	drainTimeout     = 20 * time.Second
	watchdogInterval = 30 * time.Second
	hubBuffer        = 32
)

type app struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Recorder

	server     *http.Server
	registry   *session.Registry
	supervisor *supervisor.Supervisor
	cleanup    *cleanup.Scheduler
	negotiator *negotiator.Negotiator
	bridge     *ingest.PeerBridge
	signaling  *signaling.Gateway
	history    history.Store
	redis      *notify.RedisPublisher
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.closeStores()
		}
	}()

	store, err := artifacts.NewStore(cfg.OutputRoot, logger)
	if err != nil {
		return nil, fmt.Errorf("open output root: %w", err)
	}
	planner, err := buildPlanner(cfg)
	if err != nil {
		return nil, err
	}
	origins, err := server.NewOriginPolicy(cfg.CORSOrigins)
	if err != nil {
		return nil, fmt.Errorf("parse allowed origins: %w", err)
	}

	hub := notify.NewHub(hubBuffer)
	publishers := notify.Multi{hub}
	if cfg.Redis.Enabled() {
		a.redis, err = notify.NewRedisPublisher(ctx, notify.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			Stream:   cfg.Redis.Stream,
			TLS: notify.RedisTLSConfig{
				CAFile:   cfg.Redis.TLSCA,
				CertFile: cfg.Redis.TLSCert,
				KeyFile:  cfg.Redis.TLSKey,
			},
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		publishers = append(publishers, a.redis)
	}

	if a.history, err = openHistory(ctx, cfg); err != nil {
		return nil, err
	}

	a.supervisor = supervisor.New(supervisor.Config{
		Binary:    cfg.FFmpegPath,
		KillGrace: cfg.KillGrace,
		Logger:    logger,
		Metrics:   a.metrics,
	})
	a.cleanup = cleanup.New(cleanup.Config{
		Remover: store,
		Backoff: cfg.CleanupBackoff,
		Logger:  logger,
		Metrics: a.metrics,
	})
	if err := a.sweepOrphans(store); err != nil {
		return nil, err
	}

	var thumbnail *ladder.ThumbnailOptions
	if cfg.Thumbnails {
		opts := ladder.DefaultThumbnail()
		opts.Interval = cfg.ThumbnailInterval
		thumbnail = &opts
	}
	a.registry = session.NewRegistry(session.Config{
		Jobs:                  a.supervisor,
		Cleanup:               a.cleanup,
		Store:                 store,
		Planner:               planner,
		Publisher:             publishers,
		History:               a.history,
		Metrics:               a.metrics,
		Logger:                logger,
		MaxSessions:           cfg.MaxSessions,
		CleanupDelay:          cfg.CleanupDelay,
		MaxDuration:           cfg.MaxDuration,
		PlaybackWait:          cfg.PlaylistWait,
		IngestURLTemplate:     cfg.IngestURL,
		PeerIngestURLTemplate: cfg.PeerIngest,
		Thumbnail:             thumbnail,
	})

	a.negotiator, err = negotiator.New(negotiator.Config{
		ListenIP:         cfg.RTC.ListenIP,
		AnnouncedIP:      cfg.RTC.AnnouncedIP,
		MinPort:          cfg.RTC.MinPort,
		MaxPort:          cfg.RTC.MaxPort,
		HandshakeTimeout: cfg.RTC.HandshakeTimeout,
		Logger:           logger,
		Metrics:          a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create negotiator: %w", err)
	}
	a.bridge = ingest.NewPeerBridge(a.registry, "", logger)
	a.signaling = signaling.NewGateway(signaling.Config{
		Negotiator:  a.negotiator,
		Hub:         hub,
		Logger:      logger,
		Metrics:     a.metrics,
		CheckOrigin: origins.Allows,
	})

	if err := a.registerGauges(hub); err != nil {
		return nil, fmt.Errorf("register gauges: %w", err)
	}

	handler := api.NewHandler(api.Config{
		Sessions:    a.registry,
		Ingest:      ingest.NewGateway(ingest.GatewayConfig{Sessions: a.registry, Logger: logger}),
		Transports:  a.negotiator,
		Signaling:   a.signaling,
		Jobs:        a.supervisor,
		Artifacts:   store,
		History:     a.history,
		Health:      a.healthChecks(),
		Metrics:     a.metrics,
		Logger:      logger,
		APIToken:    cfg.APIToken,
		IngestToken: cfg.IngestToken,
	})
	a.server, err = server.New(handler.Routes(), server.Config{
		Addr:    cfg.Addr,
		Logger:  logger,
		Origins: origins,
	})
	if err != nil {
		return nil, fmt.Errorf("build http server: %w", err)
	}
	return a, nil
}

func buildPlanner(cfg config.Config) (*ladder.Planner, error) {
	pc := ladder.Config{
		DefaultQuality: cfg.DefaultQuality,
		SegmentSeconds: cfg.SegmentSeconds,
		WindowSize:     cfg.ListSize,
	}
	if cfg.LadderFile != "" {
		table, err := ladder.LoadTable(cfg.LadderFile)
		if err != nil {
			return nil, fmt.Errorf("load ladder file: %w", err)
		}
		pc.Table = table
	}
	planner, err := ladder.NewPlanner(pc)
	if err != nil {
		return nil, fmt.Errorf("build ladder planner: %w", err)
	}
	return planner, nil
}

func openHistory(ctx context.Context, cfg config.Config) (history.Store, error) {
	if !cfg.Postgres.Enabled() {
		return history.NewMemoryStore(), nil
	}
	store, err := history.NewPostgresStore(ctx, history.PostgresConfig{
		DSN:             cfg.Postgres.DSN,
		MaxConns:        int32(cfg.Postgres.MaxConns),
		ApplicationName: "stream-orchestrator",
	})
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = store.Close(ctx)
		return nil, fmt.Errorf("ensure history schema: %w", err)
	}
	return store, nil
}

// sweepOrphans queues every stream directory left by a previous process for
// deletion after the usual cleanup delay. Nothing is live at startup, and a
// new session for the same key cancels the task.
func (a *app) sweepOrphans(store *artifacts.Store) error {
	keys, err := store.Keys()
	if err != nil {
		return fmt.Errorf("scan output root: %w", err)
	}
	for _, key := range keys {
		dir, err := store.Dir(key)
		if err != nil {
			continue
		}
		a.cleanup.Schedule(key, dir, a.cfg.CleanupDelay)
	}
	if len(keys) > 0 {
		a.logger.Info("scheduled cleanup of leftover stream directories", "count", len(keys), "root", store.Root())
	}
	return nil
}

func (a *app) registerGauges(hub *notify.Hub) error {
	return errors.Join(
		a.metrics.RegisterGaugeFunc("notify_subscribers", "Open session-state subscriptions.", func() float64 {
			return float64(hub.Subscribers())
		}),
		a.metrics.RegisterGaugeFunc("notify_dropped_events", "Session-state events dropped for slow subscribers.", func() float64 {
			return float64(hub.Dropped())
		}),
		a.metrics.RegisterGaugeFunc("tracked_sessions", "Registry entries including sessions awaiting cleanup.", func() float64 {
			return float64(len(a.registry.List()))
		}),
	)
}

func (a *app) healthChecks() []api.HealthCheck {
	checks := []api.HealthCheck{{Name: "history", Check: a.history.Ping}}
	if a.redis != nil {
		checks = append(checks, api.HealthCheck{Name: "redis", Check: a.redis.Ping})
	}
	return checks
}

func (a *app) workers() []worker.Periodic {
	return []worker.Periodic{
		{Name: "transport-reaper", Interval: a.cfg.RTC.ReapInterval, Task: a.negotiator.ReapStale, Logger: a.logger},
		{Name: "history-purge", Interval: a.cfg.HistoryPurgeInterval, Task: history.PurgeTask(a.history, a.cfg.HistoryRetention, a.logger), Logger: a.logger},
		{Name: "max-duration", Interval: watchdogInterval, Task: a.registry.WatchdogTask, Logger: a.logger},
	}
}

// run serves until ctx ends, then stops sessions and drains every component.
// The registry loop keeps consuming job exits until the drain is done.
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()

	g.Go(func() error {
		return serverutil.Run(gctx, serverutil.Config{
			Server: a.server,
			TLS:    serverutil.TLSConfig{CertFile: a.cfg.TLSCertFile, KeyFile: a.cfg.TLSKeyFile},
			Logger: a.logger,
		})
	})
	g.Go(func() error { return a.registry.Run(loopCtx) })
	// the bridge outlives gctx so transports closed during drain still end their sessions
	g.Go(func() error { return a.bridge.Run(loopCtx, a.negotiator.Events(), a.signaling.Dispatch) })
	for _, w := range a.workers() {
		if a.cfg.MaxDuration <= 0 && w.Name == "max-duration" {
			continue
		}
		g.Go(func() error { return w.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		err := a.drain()
		stopLoop()
		return err
	})

	err := g.Wait()
	a.closeStores()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *app) drain() error {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	a.logger.Info("draining", "active_sessions", a.registry.ActiveCount())

	a.signaling.Close()
	var errs []error
	if err := a.registry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("registry shutdown: %w", err))
	}
	if err := a.supervisor.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("supervisor shutdown: %w", err))
	}
	a.cleanup.Stop()
	a.negotiator.Close()
	return errors.Join(errs...)
}

func (a *app) closeStores() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.history != nil {
		if err := a.history.Close(ctx); err != nil {
			a.logger.Warn("close history store", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("close redis publisher", "error", err)
		}
	}
}
