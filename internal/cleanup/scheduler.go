// Package cleanup deletes stream output directories after a delay, so
// players can finish fetching the tail of a broadcast.
package cleanup

import (
	"log/slog"
	"sync"
	"time"

	"stream-orchestrator/internal/models"
	"stream-orchestrator/internal/observability/logging"
	"stream-orchestrator/internal/observability/metrics"
)

const (
	DefaultDelay   = 5 * time.Minute
	DefaultBackoff = 5 * time.Second
)

type EventType string

const (
	EventCompleted EventType = "cleanup_completed"
	EventFailed    EventType = "cleanup_failed"
)

// Event reports the outcome of one scheduled deletion.
type Event struct {
	Type      EventType
	StreamKey string
	Dir       string
	Err       error
	At        time.Time
}

// Remover deletes one stream directory.
type Remover interface {
	RemoveDir(dir string) error
}

// Timer is the part of *time.Timer the scheduler uses.
type Timer interface {
	Stop() bool
}

// AfterFunc matches time.AfterFunc.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type Config struct {
	Remover     Remover
	Backoff     time.Duration
	EventBuffer int
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
	AfterFunc   AfterFunc
}

type task struct {
	key     string
	dir     string
	timer   Timer
	running bool
}

// Scheduler tracks at most one pending deletion per stream key.
type Scheduler struct {
	remover   Remover
	backoff   time.Duration
	logger    *slog.Logger
	metrics   *metrics.Recorder
	afterFunc AfterFunc

	events chan Event
	done   chan struct{}

	mu      sync.Mutex
	tasks   map[string]*task
	stopped bool
}

func New(cfg Config) *Scheduler {
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = realAfterFunc
	}
	return &Scheduler{
		remover:   cfg.Remover,
		backoff:   cfg.Backoff,
		logger:    logging.WithComponent(cfg.Logger, "cleanup"),
		metrics:   cfg.Metrics,
		afterFunc: cfg.AfterFunc,
		events:    make(chan Event, cfg.EventBuffer),
		done:      make(chan struct{}),
		tasks:     make(map[string]*task),
	}
}

// Events delivers completion and failure notifications.
func (s *Scheduler) Events() <-chan Event {
	return s.events
}

// Schedule deletes dir after delay. A pending task for the same key is
// replaced.
func (s *Scheduler) Schedule(key, dir string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if prev, ok := s.tasks[key]; ok && !prev.running {
		prev.timer.Stop()
	}
	t := &task{key: key, dir: dir}
	s.tasks[key] = t
	t.timer = s.afterFunc(delay, func() { s.fire(t) })
	s.metrics.CleanupEvent("scheduled")
	s.logger.Info("cleanup scheduled", "stream_key", key, "dir", dir, "delay", delay)
}

// Cancel drops the pending task for key. It reports false when nothing is
// pending or the deletion has already started.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[key]
	if !ok || t.running {
		return false
	}
	t.timer.Stop()
	delete(s.tasks, key)
	s.metrics.CleanupEvent("cancelled")
	s.logger.Info("cleanup cancelled", "stream_key", key)
	return true
}

// Pending reports whether a task exists for key, running or not.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

// Stop cancels every pending task. Deletions already running finish but
// their events are discarded if nobody is reading.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	for key, t := range s.tasks {
		if !t.running {
			t.timer.Stop()
			delete(s.tasks, key)
		}
	}
	close(s.done)
}

func (s *Scheduler) fire(t *task) {
	s.mu.Lock()
	if s.stopped || s.tasks[t.key] != t {
		s.mu.Unlock()
		return
	}
	t.running = true
	s.mu.Unlock()

	err := s.remover.RemoveDir(t.dir)
	if err == nil {
		s.finish(t, nil)
		return
	}
	s.logger.Warn("cleanup failed, retrying", "stream_key", t.key, "dir", t.dir, "backoff", s.backoff, "error", err)
	s.afterFunc(s.backoff, func() {
		s.finish(t, s.remover.RemoveDir(t.dir))
	})
}

func (s *Scheduler) finish(t *task, err error) {
	s.mu.Lock()
	if s.tasks[t.key] == t {
		delete(s.tasks, t.key)
	}
	s.mu.Unlock()

	ev := Event{Type: EventCompleted, StreamKey: t.key, Dir: t.dir, At: time.Now().UTC()}
	if err != nil {
		ev.Type = EventFailed
		ev.Err = models.Wrap(models.ErrCleanup, err)
		s.metrics.CleanupEvent("failed")
		s.logger.Error("cleanup failed", "stream_key", t.key, "dir", t.dir, "error", err)
	} else {
		s.metrics.CleanupEvent("completed")
		s.logger.Info("cleanup completed", "stream_key", t.key, "dir", t.dir)
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
