// Package session owns the lifecycle of stream sessions. The Registry is the
// only component that mutates session state; it reacts to ingest
// notifications, supervisor job events and cleanup completions.
package session

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"stream-orchestrator/internal/artifacts"
	"stream-orchestrator/internal/cleanup"
	"stream-orchestrator/internal/history"
	"stream-orchestrator/internal/ladder"
	"stream-orchestrator/internal/models"
	"stream-orchestrator/internal/notify"
	"stream-orchestrator/internal/observability/logging"
	"stream-orchestrator/internal/observability/metrics"
	"stream-orchestrator/internal/supervisor"
)

const (
	DefaultMaxSessions       = 10
	DefaultPlaybackWait      = 30 * time.Second
	DefaultIngestURLTemplate = "rtmp://localhost:1935/live/{streamKey}"
	DefaultPeerIngestURL     = "rtsp://127.0.0.1:8554/{streamKey}"

	streamKeyPlaceholder = "{streamKey}"
	sideEffectTimeout    = 5 * time.Second
)

// JobRunner starts and stops transcode jobs.
type JobRunner interface {
	StartJob(ctx context.Context, spec supervisor.JobSpec) (supervisor.JobHandle, error)
	KillJob(key string) error
	Events() <-chan supervisor.Event
}

// CleanupScheduler deletes stream directories after a delay.
type CleanupScheduler interface {
	Schedule(key, dir string, delay time.Duration)
	Cancel(key string) bool
	Pending(key string) bool
	Events() <-chan cleanup.Event
}

type Config struct {
	Jobs      JobRunner
	Cleanup   CleanupScheduler
	Store     *artifacts.Store
	Planner   *ladder.Planner
	Publisher notify.Publisher
	History   history.Store
	Metrics   *metrics.Recorder
	Logger    *slog.Logger

	MaxSessions  int
	CleanupDelay time.Duration
	// MaxDuration stops live sessions older than this. Zero disables it.
	MaxDuration time.Duration
	// PlaybackWait bounds the wait for the first variant playlist. A
	// negative value disables the watch.
	PlaybackWait          time.Duration
	IngestURLTemplate     string
	PeerIngestURLTemplate string
	Thumbnail             *ladder.ThumbnailOptions
	Now                   func() time.Time
}

// BeginRequest starts a session.
type BeginRequest struct {
	StreamKey        string
	OwnerID          string
	RequestedQuality string
	SourceWidth      int
	Source           models.IngestSource
}

type entry struct {
	mu      sync.Mutex
	session models.StreamSession

	// jobID is reserved before launch so supervisor events can be matched
	// before StartJob returns.
	jobID         string
	job           supervisor.JobHandle
	launching     bool
	// jobExited is set when the terminal event for jobID arrives, which can
	// happen before StartJob has returned to the launch goroutine.
	jobExited     bool
	stopRequested bool
	killIssued    bool
	slotHeld      bool
	cancelWatch   context.CancelFunc
}

// Registry maps stream keys to sessions.
type Registry struct {
	jobs      JobRunner
	cleanup   CleanupScheduler
	store     *artifacts.Store
	planner   *ladder.Planner
	publisher notify.Publisher
	history   history.Store
	metrics   *metrics.Recorder
	logger    *slog.Logger

	cleanupDelay  time.Duration
	maxDuration   time.Duration
	playbackWait  time.Duration
	ingestURL     string
	peerIngestURL string
	thumbnail     *ladder.ThumbnailOptions
	now           func() time.Time

	slots  *semaphore.Weighted
	active atomic.Int64

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry wires the registry to its collaborators.
func NewRegistry(cfg Config) *Registry {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.CleanupDelay <= 0 {
		cfg.CleanupDelay = cleanup.DefaultDelay
	}
	if cfg.PlaybackWait == 0 {
		cfg.PlaybackWait = DefaultPlaybackWait
	}
	if cfg.IngestURLTemplate == "" {
		cfg.IngestURLTemplate = DefaultIngestURLTemplate
	}
	if cfg.PeerIngestURLTemplate == "" {
		cfg.PeerIngestURLTemplate = DefaultPeerIngestURL
	}
	if cfg.Publisher == nil {
		cfg.Publisher = notify.Nop{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		jobs:          cfg.Jobs,
		cleanup:       cfg.Cleanup,
		store:         cfg.Store,
		planner:       cfg.Planner,
		publisher:     cfg.Publisher,
		history:       cfg.History,
		metrics:       cfg.Metrics,
		logger:        logging.WithComponent(cfg.Logger, "session"),
		cleanupDelay:  cfg.CleanupDelay,
		maxDuration:   cfg.MaxDuration,
		playbackWait:  cfg.PlaybackWait,
		ingestURL:     cfg.IngestURLTemplate,
		peerIngestURL: cfg.PeerIngestURLTemplate,
		thumbnail:     cfg.Thumbnail,
		now:           cfg.Now,
		slots:         semaphore.NewWeighted(int64(cfg.MaxSessions)),
		baseCtx:       ctx,
		cancel:        cancel,
		entries:       make(map[string]*entry),
	}
}

// effects are collected under an entry lock and applied after it is
// released.
type effects struct {
	events  []notify.Event
	record  *models.StreamSession
	kill    supervisor.JobHandle
	cleanup *cleanupRequest
}

type cleanupRequest struct {
	key string
	dir string
}

// BeginSession creates a Starting session and launches its job in the
// background.
func (r *Registry) BeginSession(ctx context.Context, req BeginRequest) (models.StreamSession, error) {
	if err := models.ValidateStreamKey(req.StreamKey); err != nil {
		return models.StreamSession{}, err
	}
	source := req.Source
	if source == "" {
		source = models.SourceRTMP
	}
	if source != models.SourceRTMP && source != models.SourceWebRTC {
		return models.StreamSession{}, models.Errorf(models.ErrInvalidRequest, "unknown ingest source %q", source)
	}
	if req.SourceWidth < 0 {
		return models.StreamSession{}, models.Errorf(models.ErrInvalidRequest, "sourceWidth must not be negative")
	}
	plan, err := r.planner.Plan(req.SourceWidth, req.RequestedQuality)
	if err != nil {
		return models.StreamSession{}, err
	}
	dir, err := r.store.Dir(req.StreamKey)
	if err != nil {
		return models.StreamSession{}, err
	}

	r.mu.Lock()
	if _, exists := r.entries[req.StreamKey]; exists {
		r.mu.Unlock()
		return models.StreamSession{}, models.Errorf(models.ErrAlreadyActive, "session %s already exists", req.StreamKey)
	}
	// a leftover directory from a previous run may still be queued for removal
	if !r.cleanup.Cancel(req.StreamKey) && r.cleanup.Pending(req.StreamKey) {
		r.mu.Unlock()
		return models.StreamSession{}, models.Errorf(models.ErrCleanupInProgress, "cleanup of %s is running", req.StreamKey)
	}
	if !r.slots.TryAcquire(1) {
		r.mu.Unlock()
		return models.StreamSession{}, models.Errorf(models.ErrCapacityExceeded, "cannot start %s", req.StreamKey)
	}
	e := &entry{
		session: models.StreamSession{
			StreamKey:  req.StreamKey,
			State:      models.StateStarting,
			Source:     source,
			OwnerID:    req.OwnerID,
			StartedAt:  r.now().UTC(),
			Ladder:     plan,
			OutputDir:  dir,
			MasterPath: filepath.Join(dir, ladder.MasterPlaylistName),
		},
		slotHeld: true,
	}
	r.entries[req.StreamKey] = e
	r.mu.Unlock()

	r.active.Add(1)
	r.metrics.SessionStarted(string(source))
	r.metrics.SetActiveSessions(int(r.active.Load()))

	e.mu.Lock()
	r.prepareLaunchLocked(e)
	snapshot := cloneSession(e.session)
	e.mu.Unlock()

	r.logger.Info("session starting", "stream_key", req.StreamKey, "source", source, "variants", len(plan))
	r.publish(notify.Event{Type: notify.TypeSessionState, StreamKey: req.StreamKey, State: models.StateStarting, Source: source, At: snapshot.StartedAt})
	r.startLaunch(e, snapshot)
	return snapshot, nil
}

// RestartSession starts a new job for a session that is Ended or Error and
// still awaiting cleanup. The pending cleanup is cancelled so the output
// directory survives.
func (r *Registry) RestartSession(ctx context.Context, key string) (models.StreamSession, error) {
	e, err := r.lookup(key)
	if err != nil {
		return models.StreamSession{}, err
	}
	e.mu.Lock()
	if !e.session.State.Terminal() || e.session.State == models.StateRemoved {
		state := e.session.State
		e.mu.Unlock()
		return models.StreamSession{}, models.Errorf(models.ErrNotRestartable, "session %s is %s", key, state)
	}
	if e.job != nil || e.launching {
		e.mu.Unlock()
		return models.StreamSession{}, models.Errorf(models.ErrNotRestartable, "job for %s is still stopping", key)
	}
	if !r.slots.TryAcquire(1) {
		e.mu.Unlock()
		return models.StreamSession{}, models.Errorf(models.ErrCapacityExceeded, "cannot restart %s", key)
	}
	if !r.cleanup.Cancel(key) && r.cleanup.Pending(key) {
		r.slots.Release(1)
		e.mu.Unlock()
		return models.StreamSession{}, models.Errorf(models.ErrCleanupInProgress, "cleanup of %s is running", key)
	}

	previous := e.session.State
	now := r.now().UTC()
	e.session.State = models.StateStarting
	e.session.StartedAt = now
	e.session.LiveAt = nil
	e.session.EndedAt = nil
	e.session.Error = ""
	e.session.PlaybackReady = false
	e.session.LastProgress = nil
	e.session.ViewerCount = 0
	e.session.PeakViewers = 0
	e.session.LastHeartbeat = nil
	e.session.ActiveJobID = ""
	e.stopRequested = false
	e.killIssued = false
	e.slotHeld = true
	r.prepareLaunchLocked(e)
	snapshot := cloneSession(e.session)
	e.mu.Unlock()

	r.active.Add(1)
	r.metrics.SessionTransition(string(previous), string(models.StateStarting))
	r.metrics.SetActiveSessions(int(r.active.Load()))
	r.logger.Info("session restarting", "stream_key", key, "previous", previous)
	r.publish(notify.Event{Type: notify.TypeSessionState, StreamKey: key, State: models.StateStarting, Previous: previous, Source: snapshot.Source, At: now})
	r.startLaunch(e, snapshot)
	return snapshot, nil
}

func (r *Registry) prepareLaunchLocked(e *entry) {
	e.jobID = uuid.NewString()
	e.launching = true
	e.jobExited = false
	e.job = nil
}

func (r *Registry) startLaunch(e *entry, snapshot models.StreamSession) {
	e.mu.Lock()
	jobID := e.jobID
	e.mu.Unlock()
	r.wg.Add(1)
	go r.launch(e, jobID, snapshot)
}

// launch runs outside the entry lock: directory creation, manifest write
// and process spawn.
func (r *Registry) launch(e *entry, jobID string, s models.StreamSession) {
	defer r.wg.Done()
	logger := r.logger.With("stream_key", s.StreamKey, "job_id", jobID)

	suffixes := make([]string, 0, len(s.Ladder))
	for _, v := range s.Ladder {
		suffixes = append(suffixes, v.Suffix)
	}
	dir, err := r.store.Prepare(s.StreamKey, suffixes)
	if err == nil {
		_, err = ladder.WriteMaster(dir, s.Ladder)
	}
	var job supervisor.JobHandle
	if err == nil {
		job, err = r.jobs.StartJob(r.baseCtx, supervisor.JobSpec{
			JobID:     jobID,
			StreamKey: s.StreamKey,
			IngestURL: r.ingestURLFor(s),
			OutputDir: s.OutputDir,
			Ladder:    s.Ladder,
			Thumbnail: r.thumbnail,
		})
	}

	var fx effects
	e.mu.Lock()
	if e.jobID != jobID {
		// superseded by a restart, after this launch failed or its job exited
		e.mu.Unlock()
		if job != nil {
			select {
			case <-job.Done():
			default:
				job.Terminate(true)
			}
		}
		return
	}
	if e.jobExited {
		// the job exited and was handled before StartJob returned
		e.mu.Unlock()
		logger.Warn("transcode job exited during launch")
		return
	}
	e.launching = false
	if err != nil {
		logger.Error("session launch failed", "error", err)
		if !e.session.State.Terminal() {
			r.transitionLocked(e, models.StateError, err.Error(), &fx)
		}
		fx.cleanup = &cleanupRequest{key: s.StreamKey, dir: e.session.OutputDir}
		e.mu.Unlock()
		r.apply(fx)
		return
	}
	e.job = job
	e.session.ActiveJobID = job.ID()
	if e.stopRequested && !e.killIssued {
		e.killIssued = true
		fx.kill = job
	}
	watch := fx.kill == nil
	var watchCtx context.Context
	if watch && r.playbackWait > 0 && len(s.Ladder) > 0 {
		var cancel context.CancelFunc
		watchCtx, cancel = context.WithTimeout(r.baseCtx, r.playbackWait)
		e.cancelWatch = cancel
	}
	e.mu.Unlock()

	logger.Info("transcode job launched", "pid", job.PID())
	r.apply(fx)
	if watchCtx != nil {
		playlist := filepath.Join(s.OutputDir, filepath.FromSlash(s.Ladder[0].PlaylistPath()))
		r.wg.Add(1)
		go r.watchPlayback(watchCtx, e, jobID, playlist)
	}
}

func (r *Registry) watchPlayback(ctx context.Context, e *entry, jobID, playlist string) {
	defer r.wg.Done()
	err := artifacts.WaitForFile(ctx, playlist)

	e.mu.Lock()
	if e.cancelWatch != nil && e.jobID == jobID {
		e.cancelWatch()
		e.cancelWatch = nil
	}
	if err != nil || e.jobID != jobID || e.session.State.Terminal() {
		key := e.session.StreamKey
		e.mu.Unlock()
		if err != nil && ctx.Err() == context.DeadlineExceeded {
			r.logger.Warn("playlist not ready before timeout", "stream_key", key, "playlist", playlist, "wait", r.playbackWait)
		}
		return
	}
	e.session.PlaybackReady = true
	ev := notify.Event{Type: notify.TypePlaybackReady, StreamKey: e.session.StreamKey, State: e.session.State, Source: e.session.Source, At: r.now().UTC()}
	e.mu.Unlock()

	r.logger.Info("playback ready", "stream_key", ev.StreamKey)
	r.publish(ev)
}

func (r *Registry) ingestURLFor(s models.StreamSession) string {
	tmpl := r.ingestURL
	if s.Source == models.SourceWebRTC {
		tmpl = r.peerIngestURL
	}
	return strings.ReplaceAll(tmpl, streamKeyPlaceholder, s.StreamKey)
}

// NotifyIngestLive marks a Starting session Live. Repeats are no-ops.
func (r *Registry) NotifyIngestLive(key string) error {
	e, err := r.lookup(key)
	if err != nil {
		return err
	}
	var fx effects
	e.mu.Lock()
	if e.session.State == models.StateStarting {
		now := r.now().UTC()
		e.session.LiveAt = &now
		r.transitionLocked(e, models.StateLive, "", &fx)
	}
	e.mu.Unlock()
	r.apply(fx)
	return nil
}

// NotifyIngestEnded ends the session because the ingest source went away.
func (r *Registry) NotifyIngestEnded(key string) error {
	return r.stop(key, "ingest ended")
}

// RequestStop ends the session on operator request. During Starting the
// launch completes and the job is then killed exactly once.
func (r *Registry) RequestStop(key string) error {
	return r.stop(key, "stop requested")
}

func (r *Registry) stop(key, reason string) error {
	e, err := r.lookup(key)
	if err != nil {
		return err
	}
	var fx effects
	e.mu.Lock()
	switch e.session.State {
	case models.StateStarting, models.StateLive:
		e.stopRequested = true
		r.transitionLocked(e, models.StateEnded, "", &fx)
		if e.job != nil && !e.killIssued {
			e.killIssued = true
			fx.kill = e.job
		}
		r.logger.Info("session stopping", "stream_key", key, "reason", reason, "launching", e.launching)
	}
	e.mu.Unlock()
	r.apply(fx)
	return nil
}

// Heartbeat records the current viewer count.
func (r *Registry) Heartbeat(key string, viewerCount int) (models.StreamSession, error) {
	if viewerCount < 0 {
		return models.StreamSession{}, models.Errorf(models.ErrInvalidRequest, "viewerCount must not be negative")
	}
	e, err := r.lookup(key)
	if err != nil {
		return models.StreamSession{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := r.now().UTC()
	e.session.ViewerCount = viewerCount
	if viewerCount > e.session.PeakViewers {
		e.session.PeakViewers = viewerCount
	}
	e.session.LastHeartbeat = &now
	return cloneSession(e.session), nil
}

// GetSession returns a snapshot of the session for key.
func (r *Registry) GetSession(key string) (models.StreamSession, error) {
	e, err := r.lookup(key)
	if err != nil {
		return models.StreamSession{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneSession(e.session), nil
}

// ListActive returns snapshots of Starting and Live sessions.
func (r *Registry) ListActive() []models.StreamSession {
	return r.list(func(s models.SessionState) bool { return !s.Terminal() })
}

// List returns snapshots of every tracked session, including terminal ones
// awaiting cleanup.
func (r *Registry) List() []models.StreamSession {
	return r.list(func(models.SessionState) bool { return true })
}

func (r *Registry) list(keep func(models.SessionState) bool) []models.StreamSession {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	out := make([]models.StreamSession, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if keep(e.session.State) {
			out = append(out, cloneSession(e.session))
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamKey < out[j].StreamKey })
	return out
}

// ActiveCount returns the number of sessions holding a slot.
func (r *Registry) ActiveCount() int {
	return int(r.active.Load())
}

// EnforceMaxDuration stops live sessions that exceeded the configured
// maximum and returns how many were stopped.
func (r *Registry) EnforceMaxDuration(now time.Time) int {
	if r.maxDuration <= 0 {
		return 0
	}
	var expired []string
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()
	for _, e := range entries {
		e.mu.Lock()
		if e.session.State == models.StateLive {
			since := e.session.StartedAt
			if e.session.LiveAt != nil {
				since = *e.session.LiveAt
			}
			if now.Sub(since) >= r.maxDuration {
				expired = append(expired, e.session.StreamKey)
			}
		}
		e.mu.Unlock()
	}
	for _, key := range expired {
		if err := r.stop(key, "max duration reached"); err == nil {
			r.logger.Warn("session exceeded max duration", "stream_key", key, "max", r.maxDuration)
		}
	}
	return len(expired)
}

// WatchdogTask adapts EnforceMaxDuration to a periodic task.
func (r *Registry) WatchdogTask(_ context.Context, now time.Time) error {
	r.EnforceMaxDuration(now)
	return nil
}

// Run consumes supervisor and cleanup events until ctx ends.
func (r *Registry) Run(ctx context.Context) error {
	jobEvents := r.jobs.Events()
	cleanupEvents := r.cleanup.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-jobEvents:
			r.HandleJobEvent(ev)
		case ev := <-cleanupEvents:
			r.HandleCleanupEvent(ev)
		}
	}
}

// HandleJobEvent applies one supervisor event.
func (r *Registry) HandleJobEvent(ev supervisor.Event) {
	r.mu.Lock()
	e, ok := r.entries[ev.StreamKey]
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("job event for unknown session", "stream_key", ev.StreamKey, "type", ev.Type)
		return
	}

	var fx effects
	e.mu.Lock()
	if e.jobID != ev.JobID {
		e.mu.Unlock()
		r.logger.Debug("stale job event", "stream_key", ev.StreamKey, "job_id", ev.JobID, "type", ev.Type)
		return
	}
	switch ev.Type {
	case supervisor.EventStarted:
		r.logger.Debug("transcode job running", "stream_key", ev.StreamKey, "job_id", ev.JobID)
	case supervisor.EventProgress:
		if ev.Metrics != nil {
			m := *ev.Metrics
			e.session.LastProgress = &m
		}
	case supervisor.EventError:
		cause := "transcode job failed"
		if ev.Err != nil {
			cause = ev.Err.Error()
		}
		if !e.session.State.Terminal() {
			r.transitionLocked(e, models.StateError, cause, &fx)
		}
		r.jobTerminatedLocked(e, &fx)
	case supervisor.EventEnded:
		if !e.session.State.Terminal() {
			r.transitionLocked(e, models.StateEnded, "", &fx)
		}
		r.jobTerminatedLocked(e, &fx)
	}
	e.mu.Unlock()
	r.apply(fx)
}

func (r *Registry) jobTerminatedLocked(e *entry, fx *effects) {
	e.job = nil
	e.jobExited = true
	e.launching = false
	e.session.ActiveJobID = ""
	if e.cancelWatch != nil {
		e.cancelWatch()
		e.cancelWatch = nil
	}
	fx.cleanup = &cleanupRequest{key: e.session.StreamKey, dir: e.session.OutputDir}
}

// HandleCleanupEvent removes a terminal session once its directory is gone
// or deletion has given up.
func (r *Registry) HandleCleanupEvent(ev cleanup.Event) {
	r.mu.Lock()
	e, ok := r.entries[ev.StreamKey]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.mu.Lock()
	if !e.session.State.Terminal() || e.launching || e.job != nil {
		// restarted after the deletion finished
		e.mu.Unlock()
		r.mu.Unlock()
		r.logger.Debug("ignoring cleanup event for restarted session", "stream_key", ev.StreamKey)
		return
	}
	var fx effects
	r.transitionLocked(e, models.StateRemoved, "", &fx)
	delete(r.entries, ev.StreamKey)
	e.mu.Unlock()
	r.mu.Unlock()

	if ev.Type == cleanup.EventFailed {
		r.logger.Error("session removed after cleanup failure", "stream_key", ev.StreamKey, "dir", ev.Dir, "error", ev.Err)
	} else {
		r.logger.Info("session removed", "stream_key", ev.StreamKey)
	}
	r.apply(fx)
}

// transitionLocked moves e to state and queues the notification. The first
// terminal transition releases the session slot and queues a history
// record.
func (r *Registry) transitionLocked(e *entry, to models.SessionState, cause string, fx *effects) {
	from := e.session.State
	if from == to {
		return
	}
	now := r.now().UTC()
	e.session.State = to
	if cause != "" {
		e.session.Error = cause
	}
	if to.Terminal() && e.session.EndedAt == nil {
		e.session.EndedAt = &now
	}
	if to.Terminal() && e.slotHeld {
		e.slotHeld = false
		r.slots.Release(1)
		r.active.Add(-1)
		r.metrics.SetActiveSessions(int(r.active.Load()))
		if to != models.StateRemoved {
			snapshot := cloneSession(e.session)
			fx.record = &snapshot
		}
	}
	r.metrics.SessionTransition(string(from), string(to))
	fx.events = append(fx.events, notify.Event{
		Type:      notify.TypeSessionState,
		StreamKey: e.session.StreamKey,
		State:     to,
		Previous:  from,
		Source:    e.session.Source,
		At:        now,
		Error:     cause,
	})
	r.logger.Info("session transition", "stream_key", e.session.StreamKey, "from", from, "to", to)
}

func (r *Registry) apply(fx effects) {
	if fx.kill != nil {
		fx.kill.Terminate(true)
	}
	if fx.cleanup != nil {
		r.cleanup.Schedule(fx.cleanup.key, fx.cleanup.dir, r.cleanupDelay)
	}
	for _, ev := range fx.events {
		r.publish(ev)
	}
	if fx.record != nil && r.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		if err := r.history.Record(ctx, history.NewRecord(*fx.record)); err != nil {
			r.logger.Error("record session history", "stream_key", fx.record.StreamKey, "error", err)
		}
		cancel()
	}
}

func (r *Registry) publish(ev notify.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	if err := r.publisher.Publish(ctx, ev); err != nil {
		r.logger.Warn("publish session event", "stream_key", ev.StreamKey, "type", ev.Type, "error", err)
	}
}

func (r *Registry) lookup(key string) (*entry, error) {
	if err := models.ValidateStreamKey(key); err != nil {
		return nil, err
	}
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()
	if !ok {
		return nil, models.Errorf(models.ErrSessionNotFound, "session %s", key)
	}
	return e, nil
}

// Shutdown stops every live session and waits for launch and watch
// goroutines to finish, or for ctx to end.
func (r *Registry) Shutdown(ctx context.Context) error {
	for _, s := range r.ListActive() {
		_ = r.RequestStop(s.StreamKey)
	}
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func cloneSession(s models.StreamSession) models.StreamSession {
	out := s
	out.Ladder = models.CloneLadder(s.Ladder)
	if s.LiveAt != nil {
		t := *s.LiveAt
		out.LiveAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	if s.LastHeartbeat != nil {
		t := *s.LastHeartbeat
		out.LastHeartbeat = &t
	}
	if s.LastProgress != nil {
		m := *s.LastProgress
		out.LastProgress = &m
	}
	return out
}
