package testsupport

import (
	"sync"
	"time"

	"stream-orchestrator/internal/cleanup"
)

// ScheduledCleanup records one Schedule call.
type ScheduledCleanup struct {
	StreamKey string
	Dir       string
	Delay     time.Duration
}

// CleanupStub is an in-memory session.CleanupScheduler. Nothing is deleted;
// tests call Complete or Fail to emit the outcome of a pending task.
type CleanupStub struct {
	events chan cleanup.Event

	mu        sync.Mutex
	pending   map[string]ScheduledCleanup
	running   map[string]bool
	scheduled []ScheduledCleanup
	cancelled []string
}

func NewCleanupStub() *CleanupStub {
	return &CleanupStub{
		events:  make(chan cleanup.Event, 64),
		pending: make(map[string]ScheduledCleanup),
		running: make(map[string]bool),
	}
}

func (c *CleanupStub) Schedule(key, dir string, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task := ScheduledCleanup{StreamKey: key, Dir: dir, Delay: delay}
	c.scheduled = append(c.scheduled, task)
	if !c.running[key] {
		c.pending[key] = task
	}
}

func (c *CleanupStub) Cancel(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running[key] {
		return false
	}
	if _, ok := c.pending[key]; !ok {
		return false
	}
	delete(c.pending, key)
	c.cancelled = append(c.cancelled, key)
	return true
}

func (c *CleanupStub) Pending(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[key]
	return ok || c.running[key]
}

func (c *CleanupStub) Events() <-chan cleanup.Event {
	return c.events
}

// Begin marks the pending task for key as running, so Cancel loses.
func (c *CleanupStub) Begin(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[key]; !ok {
		return false
	}
	c.running[key] = true
	return true
}

// Complete finishes the task for key and emits cleanup_completed.
func (c *CleanupStub) Complete(key string) bool {
	return c.finish(key, cleanup.EventCompleted, nil)
}

// Fail finishes the task for key and emits cleanup_failed with err.
func (c *CleanupStub) Fail(key string, err error) bool {
	return c.finish(key, cleanup.EventFailed, err)
}

func (c *CleanupStub) finish(key string, typ cleanup.EventType, err error) bool {
	c.mu.Lock()
	task, ok := c.pending[key]
	delete(c.pending, key)
	delete(c.running, key)
	c.mu.Unlock()
	if !ok {
		return false
	}
	c.events <- cleanup.Event{Type: typ, StreamKey: key, Dir: task.Dir, Err: err, At: time.Now().UTC()}
	return true
}

// Scheduled returns every Schedule call in order.
func (c *CleanupStub) Scheduled() []ScheduledCleanup {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ScheduledCleanup, len(c.scheduled))
	copy(out, c.scheduled)
	return out
}

// Cancelled returns the keys whose pending task was cancelled.
func (c *CleanupStub) Cancelled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cancelled...)
}
