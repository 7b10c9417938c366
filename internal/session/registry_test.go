package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stream-orchestrator/internal/artifacts"
	"stream-orchestrator/internal/history"
	"stream-orchestrator/internal/ladder"
	"stream-orchestrator/internal/models"
	"stream-orchestrator/internal/notify"
	"stream-orchestrator/internal/observability/logging"
	"stream-orchestrator/internal/supervisor"
	"stream-orchestrator/internal/testsupport"
)

const (
	eventually = 2 * time.Second
	tick       = 5 * time.Millisecond
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev notify.Event) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) states(key string) []models.SessionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.SessionState
	for _, ev := range p.events {
		if ev.StreamKey == key && ev.Type == notify.TypeSessionState {
			out = append(out, ev.State)
		}
	}
	return out
}

func (p *recordingPublisher) has(key, typ string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ev := range p.events {
		if ev.StreamKey == key && ev.Type == typ {
			return true
		}
	}
	return false
}

type fixture struct {
	reg       *Registry
	jobs      *testsupport.JobRunnerStub
	cleanup   *testsupport.CleanupStub
	publisher *recordingPublisher
	history   *history.MemoryStore
	store     *artifacts.Store
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	store, err := artifacts.NewStore(t.TempDir(), logging.Discard())
	require.NoError(t, err)
	planner, err := ladder.NewPlanner(ladder.Config{})
	require.NoError(t, err)
	f := &fixture{
		jobs:      testsupport.NewJobRunnerStub(),
		cleanup:   testsupport.NewCleanupStub(),
		publisher: &recordingPublisher{},
		history:   history.NewMemoryStore(),
		store:     store,
	}
	cfg := Config{
		Jobs:         f.jobs,
		Cleanup:      f.cleanup,
		Store:        store,
		Planner:      planner,
		Publisher:    f.publisher,
		History:      f.history,
		Logger:       logging.Discard(),
		MaxSessions:  4,
		CleanupDelay: time.Minute,
		PlaybackWait: -1,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.reg = NewRegistry(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.reg.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		shutdownCtx, stop := context.WithTimeout(context.Background(), time.Second)
		defer stop()
		_ = f.reg.Shutdown(shutdownCtx)
	})
	return f
}

func (f *fixture) begin(t *testing.T, key string) models.StreamSession {
	t.Helper()
	s, err := f.reg.BeginSession(context.Background(), BeginRequest{StreamKey: key, SourceWidth: 1280})
	require.NoError(t, err)
	return s
}

// waitLaunched blocks until the launch goroutine has recorded the job.
func (f *fixture) waitLaunched(t *testing.T, key string) models.StreamSession {
	t.Helper()
	var s models.StreamSession
	require.Eventually(t, func() bool {
		var err error
		s, err = f.reg.GetSession(key)
		return err == nil && s.ActiveJobID != ""
	}, eventually, tick)
	return s
}

func (f *fixture) waitState(t *testing.T, key string, state models.SessionState) models.StreamSession {
	t.Helper()
	var s models.StreamSession
	require.Eventually(t, func() bool {
		var err error
		s, err = f.reg.GetSession(key)
		return err == nil && s.State == state
	}, eventually, tick)
	return s
}

func (f *fixture) waitCleanupPending(t *testing.T, key string) {
	t.Helper()
	require.Eventually(t, func() bool { return f.cleanup.Pending(key) }, eventually, tick)
}

func TestBeginSessionLaunchesJob(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.IngestURLTemplate = "rtmp://ingest.local/live/{streamKey}"
	})

	s := f.begin(t, "launch-key-01")
	assert.Equal(t, models.StateStarting, s.State)
	assert.Equal(t, models.SourceRTMP, s.Source)
	require.Len(t, s.Ladder, 3)
	assert.Equal(t, "720p", s.Ladder[0].Suffix)

	launched := f.waitLaunched(t, "launch-key-01")
	specs := f.jobs.Started()
	require.Len(t, specs, 1)
	assert.Equal(t, launched.ActiveJobID, specs[0].JobID)
	assert.Equal(t, "rtmp://ingest.local/live/launch-key-01", specs[0].IngestURL)
	assert.Equal(t, s.OutputDir, specs[0].OutputDir)

	master, err := os.ReadFile(s.MasterPath)
	require.NoError(t, err)
	assert.Equal(t, ladder.MasterPlaylist(s.Ladder), master)
	assert.DirExists(t, filepath.Join(s.OutputDir, "480p"))

	assert.Equal(t, []models.SessionState{models.StateStarting}, f.publisher.states("launch-key-01"))
	assert.Equal(t, 1, f.reg.ActiveCount())
	assert.Len(t, f.reg.ListActive(), 1)
}

func TestBeginSessionPeerIngestURL(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.reg.BeginSession(context.Background(), BeginRequest{StreamKey: "peer-key-01", Source: models.SourceWebRTC})
	require.NoError(t, err)
	f.waitLaunched(t, "peer-key-01")
	assert.Equal(t, "rtsp://127.0.0.1:8554/peer-key-01", f.jobs.Started()[0].IngestURL)
}

func TestBeginSessionValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.reg.BeginSession(ctx, BeginRequest{StreamKey: "bad key"})
	assert.ErrorIs(t, err, models.ErrInvalidKey)

	_, err = f.reg.BeginSession(ctx, BeginRequest{StreamKey: "quality-key", RequestedQuality: "potato"})
	assert.Equal(t, models.KindValidation, models.KindOf(err))

	_, err = f.reg.BeginSession(ctx, BeginRequest{StreamKey: "source-key", Source: "carrier-pigeon"})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	_, err = f.reg.GetSession("quality-key")
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
	assert.Empty(t, f.jobs.Started())
}

func TestBeginSessionRejectsExistingEntry(t *testing.T) {
	f := newFixture(t, nil)
	f.begin(t, "dup-key-0001")
	_, err := f.reg.BeginSession(context.Background(), BeginRequest{StreamKey: "dup-key-0001"})
	assert.ErrorIs(t, err, models.ErrAlreadyActive)

	f.waitLaunched(t, "dup-key-0001")
	require.NoError(t, f.reg.RequestStop("dup-key-0001"))
	_, err = f.reg.BeginSession(context.Background(), BeginRequest{StreamKey: "dup-key-0001"})
	assert.ErrorIs(t, err, models.ErrAlreadyActive, "ended entries still occupy the key")
}

func TestCapacityReleasedOnTerminalTransition(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.MaxSessions = 1 })
	f.begin(t, "first-key-01")

	_, err := f.reg.BeginSession(context.Background(), BeginRequest{StreamKey: "second-key-01"})
	assert.ErrorIs(t, err, models.ErrCapacityExceeded)

	require.NoError(t, f.reg.RequestStop("first-key-01"))
	assert.Equal(t, 0, f.reg.ActiveCount())
	f.begin(t, "second-key-01")
	assert.Equal(t, 1, f.reg.ActiveCount())
}

func TestNotifyIngestLiveIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.begin(t, "live-key-001")

	require.NoError(t, f.reg.NotifyIngestLive("live-key-001"))
	require.NoError(t, f.reg.NotifyIngestLive("live-key-001"))

	s, err := f.reg.GetSession("live-key-001")
	require.NoError(t, err)
	assert.Equal(t, models.StateLive, s.State)
	require.NotNil(t, s.LiveAt)
	assert.Equal(t, []models.SessionState{models.StateStarting, models.StateLive}, f.publisher.states("live-key-001"))

	assert.ErrorIs(t, f.reg.NotifyIngestLive("missing-key-1"), models.ErrSessionNotFound)
}

func TestIngestEndedKillsJobAndSchedulesCleanup(t *testing.T) {
	f := newFixture(t, nil)
	s := f.begin(t, "ended-key-01")
	f.waitLaunched(t, "ended-key-01")
	require.NoError(t, f.reg.NotifyIngestLive("ended-key-01"))

	require.NoError(t, f.reg.NotifyIngestEnded("ended-key-01"))
	require.NoError(t, f.reg.NotifyIngestEnded("ended-key-01"))

	f.waitCleanupPending(t, "ended-key-01")
	scheduled := f.cleanup.Scheduled()
	require.Len(t, scheduled, 1)
	assert.Equal(t, s.OutputDir, scheduled[0].Dir)
	assert.Equal(t, time.Minute, scheduled[0].Delay)

	got, err := f.reg.GetSession("ended-key-01")
	require.NoError(t, err)
	assert.Equal(t, models.StateEnded, got.State)
	assert.Empty(t, got.ActiveJobID)
	require.NotNil(t, got.EndedAt)
	assert.Empty(t, f.reg.ListActive())
	assert.Len(t, f.reg.List(), 1)
}

func TestStopDuringLaunchKillsExactlyOnce(t *testing.T) {
	f := newFixture(t, nil)
	release := f.jobs.HoldStarts()
	f.begin(t, "early-stop-01")

	require.NoError(t, f.reg.RequestStop("early-stop-01"))
	require.NoError(t, f.reg.RequestStop("early-stop-01"))
	s, err := f.reg.GetSession("early-stop-01")
	require.NoError(t, err)
	assert.Equal(t, models.StateEnded, s.State)

	release()
	f.waitCleanupPending(t, "early-stop-01")
	require.Len(t, f.jobs.Started(), 1)

	handles := f.jobs.Handles()
	require.Len(t, handles, 1)
	assert.Equal(t, 1, handles[0].Terminations())
	_, tracked := f.jobs.Job("early-stop-01")
	assert.False(t, tracked)

	got, err := f.reg.GetSession("early-stop-01")
	require.NoError(t, err)
	assert.Equal(t, models.StateEnded, got.State)
	assert.Equal(t, []models.SessionState{models.StateStarting, models.StateEnded}, f.publisher.states("early-stop-01"))
}

func TestJobErrorMovesToError(t *testing.T) {
	f := newFixture(t, nil)
	f.begin(t, "error-key-01")
	f.waitLaunched(t, "error-key-01")
	require.NoError(t, f.reg.NotifyIngestLive("error-key-01"))

	f.jobs.Finish("error-key-01", supervisor.EventError, func(ev *supervisor.Event) {
		ev.Err = models.Wrap(models.ErrJobFailed, errors.New("exit status 1: Connection refused"))
	})

	s := f.waitState(t, "error-key-01", models.StateError)
	assert.Contains(t, s.Error, "Connection refused")
	f.waitCleanupPending(t, "error-key-01")
	assert.Equal(t, 0, f.reg.ActiveCount())
}

func TestJobCompletedMovesToEnded(t *testing.T) {
	f := newFixture(t, nil)
	f.begin(t, "complete-key")
	f.waitLaunched(t, "complete-key")

	f.jobs.Emit("complete-key", supervisor.EventProgress, func(ev *supervisor.Event) {
		ev.Metrics = &models.JobMetrics{Frames: 120, CurrentFPS: 30}
	})
	require.Eventually(t, func() bool {
		s, err := f.reg.GetSession("complete-key")
		return err == nil && s.LastProgress != nil && s.LastProgress.Frames == 120
	}, eventually, tick)

	f.jobs.Finish("complete-key", supervisor.EventEnded, func(ev *supervisor.Event) {
		ev.Reason = supervisor.ReasonCompleted
	})
	f.waitState(t, "complete-key", models.StateEnded)
	f.waitCleanupPending(t, "complete-key")
}

func TestStaleJobEventsAreIgnored(t *testing.T) {
	f := newFixture(t, nil)
	f.begin(t, "stale-key-01")
	f.waitLaunched(t, "stale-key-01")

	f.jobs.Emit("stale-key-01", supervisor.EventError, func(ev *supervisor.Event) {
		ev.JobID = "some-older-job"
		ev.Err = errors.New("old failure")
	})
	f.jobs.Emit("stale-key-01", supervisor.EventProgress, func(ev *supervisor.Event) {
		ev.Metrics = &models.JobMetrics{Frames: 1}
	})
	require.Eventually(t, func() bool {
		s, _ := f.reg.GetSession("stale-key-01")
		return s.LastProgress != nil
	}, eventually, tick)

	s, err := f.reg.GetSession("stale-key-01")
	require.NoError(t, err)
	assert.Equal(t, models.StateStarting, s.State)
}

func TestLaunchFailureSchedulesCleanup(t *testing.T) {
	f := newFixture(t, nil)
	f.jobs.FailStarts(errors.New("exec: \"ffmpeg\": executable file not found"))
	f.begin(t, "launch-fail-1")

	s := f.waitState(t, "launch-fail-1", models.StateError)
	assert.Contains(t, s.Error, "executable file not found")
	f.waitCleanupPending(t, "launch-fail-1")
	assert.Equal(t, 0, f.reg.ActiveCount())
}

func TestCleanupCompletionRemovesEntry(t *testing.T) {
	for _, failed := range []bool{false, true} {
		name := "completed"
		if failed {
			name = "failed"
		}
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.begin(t, "removal-key-1")
			f.waitLaunched(t, "removal-key-1")
			require.NoError(t, f.reg.RequestStop("removal-key-1"))
			f.waitCleanupPending(t, "removal-key-1")

			if failed {
				require.True(t, f.cleanup.Fail("removal-key-1", errors.New("permission denied")))
			} else {
				require.True(t, f.cleanup.Complete("removal-key-1"))
			}
			require.Eventually(t, func() bool {
				_, err := f.reg.GetSession("removal-key-1")
				return errors.Is(err, models.ErrSessionNotFound)
			}, eventually, tick)
			assert.Equal(t,
				[]models.SessionState{models.StateStarting, models.StateEnded, models.StateRemoved},
				f.publisher.states("removal-key-1"))

			// the key is free again
			f.begin(t, "removal-key-1")
		})
	}
}

func TestRestartCancelsPendingCleanup(t *testing.T) {
	f := newFixture(t, nil)
	f.begin(t, "restart-key-1")
	first := f.waitLaunched(t, "restart-key-1")
	require.NoError(t, f.reg.RequestStop("restart-key-1"))
	f.waitCleanupPending(t, "restart-key-1")

	s, err := f.reg.RestartSession(context.Background(), "restart-key-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateStarting, s.State)
	assert.Nil(t, s.EndedAt)
	assert.Equal(t, []string{"restart-key-1"}, f.cleanup.Cancelled())
	assert.False(t, f.cleanup.Pending("restart-key-1"))

	second := f.waitLaunched(t, "restart-key-1")
	assert.NotEqual(t, first.ActiveJobID, second.ActiveJobID)
	assert.Equal(t, first.Ladder, second.Ladder)
	assert.FileExists(t, second.MasterPath)
	assert.Equal(t, 1, f.reg.ActiveCount())
}

func TestRestartRejections(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.reg.RestartSession(context.Background(), "unknown-key-1")
	assert.ErrorIs(t, err, models.ErrSessionNotFound)

	f.begin(t, "running-key-1")
	_, err = f.reg.RestartSession(context.Background(), "running-key-1")
	assert.ErrorIs(t, err, models.ErrNotRestartable)

	f.waitLaunched(t, "running-key-1")
	require.NoError(t, f.reg.RequestStop("running-key-1"))
	f.waitCleanupPending(t, "running-key-1")
	require.True(t, f.cleanup.Begin("running-key-1"))

	_, err = f.reg.RestartSession(context.Background(), "running-key-1")
	assert.ErrorIs(t, err, models.ErrCleanupInProgress)
	assert.Equal(t, 0, f.reg.ActiveCount(), "slot returned after rejection")
}

func TestHeartbeatTracksPeak(t *testing.T) {
	f := newFixture(t, nil)
	f.begin(t, "viewers-key-1")

	_, err := f.reg.Heartbeat("viewers-key-1", 12)
	require.NoError(t, err)
	s, err := f.reg.Heartbeat("viewers-key-1", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, s.ViewerCount)
	assert.Equal(t, 12, s.PeakViewers)
	require.NotNil(t, s.LastHeartbeat)

	_, err = f.reg.Heartbeat("viewers-key-1", -1)
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}

func TestEnforceMaxDuration(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := base
	f := newFixture(t, func(cfg *Config) {
		cfg.MaxDuration = time.Hour
		cfg.Now = func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		}
	})
	f.begin(t, "long-key-001")
	f.begin(t, "short-key-01")
	f.waitLaunched(t, "long-key-001")
	require.NoError(t, f.reg.NotifyIngestLive("long-key-001"))

	assert.Equal(t, 0, f.reg.EnforceMaxDuration(base.Add(30*time.Minute)))
	assert.Equal(t, 1, f.reg.EnforceMaxDuration(base.Add(2*time.Hour)))

	s, err := f.reg.GetSession("long-key-001")
	require.NoError(t, err)
	assert.Equal(t, models.StateEnded, s.State)
	s, err = f.reg.GetSession("short-key-01")
	require.NoError(t, err)
	assert.Equal(t, models.StateStarting, s.State, "starting sessions are not timed out")
}

func TestTerminalTransitionRecordsHistory(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.reg.BeginSession(context.Background(), BeginRequest{StreamKey: "history-key-1", OwnerID: "owner-7", SourceWidth: 1920})
	require.NoError(t, err)
	f.waitLaunched(t, "history-key-1")
	_, err = f.reg.Heartbeat("history-key-1", 40)
	require.NoError(t, err)
	require.NoError(t, f.reg.RequestStop("history-key-1"))

	records, err := f.history.List(context.Background(), "history-key-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.StateEnded, records[0].State)
	assert.Equal(t, "owner-7", records[0].OwnerID)
	assert.Equal(t, 40, records[0].PeakViewers)
	assert.Equal(t, []string{"1080p", "720p", "480p"}, records[0].Variants)
}

func TestPlaybackReadyWhenFirstPlaylistAppears(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.PlaybackWait = eventually })
	s := f.begin(t, "playback-key1")
	f.waitLaunched(t, "playback-key1")

	playlist := filepath.Join(s.OutputDir, filepath.FromSlash(s.Ladder[0].PlaylistPath()))
	require.NoError(t, os.WriteFile(playlist, []byte("#EXTM3U\n"), 0o644))

	require.Eventually(t, func() bool {
		got, err := f.reg.GetSession("playback-key1")
		return err == nil && got.PlaybackReady
	}, eventually, tick)
	assert.True(t, f.publisher.has("playback-key1", notify.TypePlaybackReady))
}

func TestBeginSessionAfterOrphanSweep(t *testing.T) {
	f := newFixture(t, nil)
	f.cleanup.Schedule("orphan-key-1", filepath.Join(f.store.Root(), "orphan-key-1"), time.Minute)
	f.begin(t, "orphan-key-1")
	assert.Equal(t, []string{"orphan-key-1"}, f.cleanup.Cancelled())

	f.cleanup.Schedule("orphan-key-2", filepath.Join(f.store.Root(), "orphan-key-2"), time.Minute)
	require.True(t, f.cleanup.Begin("orphan-key-2"))
	_, err := f.reg.BeginSession(context.Background(), BeginRequest{StreamKey: "orphan-key-2"})
	assert.ErrorIs(t, err, models.ErrCleanupInProgress)
	assert.Equal(t, 1, f.reg.ActiveCount())
	_, err = f.reg.GetSession("orphan-key-2")
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
}

// exitOnStartRunner fails every job before StartJob returns, and waits until
// the registry has applied the error so launch sees an already-dead job.
type exitOnStartRunner struct {
	*testsupport.JobRunnerStub
	reg *Registry
}

func (r *exitOnStartRunner) StartJob(ctx context.Context, spec supervisor.JobSpec) (supervisor.JobHandle, error) {
	job, err := r.JobRunnerStub.StartJob(ctx, spec)
	if err != nil {
		return nil, err
	}
	r.Emit(spec.StreamKey, supervisor.EventStarted, nil)
	r.Finish(spec.StreamKey, supervisor.EventError, func(ev *supervisor.Event) {
		ev.Err = errors.New("rtmp://ingest/live: Input/output error")
	})
	deadline := time.Now().Add(eventually)
	for time.Now().Before(deadline) {
		if s, err := r.reg.GetSession(spec.StreamKey); err == nil && s.State == models.StateError {
			break
		}
		time.Sleep(tick)
	}
	return job, nil
}

func TestJobExitDuringLaunchIsRemoved(t *testing.T) {
	runner := &exitOnStartRunner{}
	f := newFixture(t, func(cfg *Config) {
		runner.JobRunnerStub = cfg.Jobs.(*testsupport.JobRunnerStub)
		cfg.Jobs = runner
	})
	runner.reg = f.reg
	const key = "fast-exit-key-1"

	f.begin(t, key)
	s := f.waitState(t, key, models.StateError)
	assert.Contains(t, s.Error, "Input/output error")
	f.waitCleanupPending(t, key)

	require.True(t, f.cleanup.Complete(key))
	require.Eventually(t, func() bool {
		_, err := f.reg.GetSession(key)
		return errors.Is(err, models.ErrSessionNotFound)
	}, eventually, tick)
	assert.Equal(t, 0, f.reg.ActiveCount())

	_, err := f.reg.BeginSession(context.Background(), BeginRequest{StreamKey: key, SourceWidth: 1280})
	require.NoError(t, err, "the key is free once the dead job's directory is gone")
	f.waitState(t, key, models.StateError)

	handles := f.jobs.Handles()
	require.Len(t, handles, 2)
	assert.Zero(t, handles[0].Terminations(), "an exited job is not killed")
}

func TestJobExitDuringLaunchAllowsRestart(t *testing.T) {
	runner := &exitOnStartRunner{}
	f := newFixture(t, func(cfg *Config) {
		runner.JobRunnerStub = cfg.Jobs.(*testsupport.JobRunnerStub)
		cfg.Jobs = runner
	})
	runner.reg = f.reg
	const key = "fast-exit-key-2"

	f.begin(t, key)
	f.waitState(t, key, models.StateError)
	f.waitCleanupPending(t, key)

	require.Eventually(t, func() bool {
		_, err := f.reg.RestartSession(context.Background(), key)
		return err == nil
	}, eventually, tick)
	require.Eventually(t, func() bool { return len(f.jobs.Started()) == 2 }, eventually, tick)
	f.waitState(t, key, models.StateError)
}

func TestConcurrentBeginAdmitsOneSession(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.MaxSessions = 32 })
	const (
		key     = "contended-key-1"
		callers = 16
	)

	start := make(chan struct{})
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.reg.BeginSession(context.Background(), BeginRequest{StreamKey: key, SourceWidth: 1920})
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	var admitted, rejected int
	for err := range errs {
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, models.ErrAlreadyActive):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, admitted)
	assert.Equal(t, callers-1, rejected)

	f.waitLaunched(t, key)
	assert.Len(t, f.jobs.Started(), 1)
	assert.Equal(t, 1, f.reg.ActiveCount())
	assert.Len(t, f.reg.ListActive(), 1)
}
