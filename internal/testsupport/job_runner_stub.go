package testsupport

import (
	"context"
	"sync"
	"time"

	"stream-orchestrator/internal/models"
	"stream-orchestrator/internal/supervisor"
)

// JobRunnerStub is an in-memory session.JobRunner. Jobs never run; tests
// drive their lifecycle by calling Emit or Finish.
type JobRunnerStub struct {
	events chan supervisor.Event

	mu       sync.Mutex
	jobs     map[string]*StubJob
	started  []supervisor.JobSpec
	handles  []*StubJob
	startErr error
	// Gate, when set, blocks StartJob until it is closed.
	gate chan struct{}
}

// NewJobRunnerStub constructs a stub with a buffered event channel.
func NewJobRunnerStub() *JobRunnerStub {
	return &JobRunnerStub{
		events: make(chan supervisor.Event, 64),
		jobs:   make(map[string]*StubJob),
	}
}

// FailStarts makes subsequent StartJob calls return err.
func (s *JobRunnerStub) FailStarts(err error) {
	s.mu.Lock()
	s.startErr = err
	s.mu.Unlock()
}

// HoldStarts blocks StartJob until the returned release func is called.
func (s *JobRunnerStub) HoldStarts() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (s *JobRunnerStub) StartJob(ctx context.Context, spec supervisor.JobSpec) (supervisor.JobHandle, error) {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, spec)
	if s.startErr != nil {
		return nil, models.Wrap(models.ErrLaunch, s.startErr)
	}
	if _, exists := s.jobs[spec.StreamKey]; exists {
		return nil, models.Errorf(models.ErrDuplicateJob, "job for %s", spec.StreamKey)
	}
	job := &StubJob{runner: s, id: spec.JobID, key: spec.StreamKey, done: make(chan struct{})}
	s.jobs[spec.StreamKey] = job
	s.handles = append(s.handles, job)
	return job, nil
}

func (s *JobRunnerStub) KillJob(key string) error {
	s.mu.Lock()
	job, ok := s.jobs[key]
	s.mu.Unlock()
	if !ok {
		return models.Errorf(models.ErrJobNotFound, "no job for %s", key)
	}
	job.Terminate(true)
	return nil
}

func (s *JobRunnerStub) Events() <-chan supervisor.Event {
	return s.events
}

// Job returns the tracked job for key.
func (s *JobRunnerStub) Job(key string) (*StubJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[key]
	return job, ok
}

// Started returns every spec passed to StartJob, in call order.
func (s *JobRunnerStub) Started() []supervisor.JobSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]supervisor.JobSpec, len(s.started))
	copy(out, s.started)
	return out
}

// Handles returns every job handed out, including finished ones.
func (s *JobRunnerStub) Handles() []*StubJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*StubJob(nil), s.handles...)
}

// Emit sends an event for the tracked job of key.
func (s *JobRunnerStub) Emit(key string, typ supervisor.EventType, mutate func(*supervisor.Event)) {
	s.mu.Lock()
	job := s.jobs[key]
	s.mu.Unlock()
	ev := supervisor.Event{Type: typ, StreamKey: key, At: time.Now().UTC()}
	if job != nil {
		ev.JobID = job.id
	}
	if mutate != nil {
		mutate(&ev)
	}
	s.events <- ev
}

// Finish untracks the job for key and emits its terminal event, mirroring
// the supervisor's ordering.
func (s *JobRunnerStub) Finish(key string, typ supervisor.EventType, mutate func(*supervisor.Event)) {
	s.mu.Lock()
	job := s.jobs[key]
	delete(s.jobs, key)
	s.mu.Unlock()
	ev := supervisor.Event{Type: typ, StreamKey: key, At: time.Now().UTC()}
	if job != nil {
		ev.JobID = job.id
		job.markDone()
	}
	if mutate != nil {
		mutate(&ev)
	}
	s.events <- ev
}

// StubJob is the handle returned by JobRunnerStub.
type StubJob struct {
	runner *JobRunnerStub
	id     string
	key    string

	mu         sync.Mutex
	terminates int
	done       chan struct{}
	doneOnce   sync.Once
}

func (j *StubJob) ID() string        { return j.id }
func (j *StubJob) StreamKey() string { return j.key }
func (j *StubJob) PID() int          { return 4242 }

func (j *StubJob) Done() <-chan struct{} { return j.done }

// Terminate counts the call and finishes the job with reason stopped.
func (j *StubJob) Terminate(bool) {
	j.mu.Lock()
	j.terminates++
	first := j.terminates == 1
	j.mu.Unlock()
	if first {
		j.runner.Finish(j.key, supervisor.EventEnded, func(ev *supervisor.Event) {
			ev.Reason = supervisor.ReasonStopped
		})
	}
}

// Terminations reports how often Terminate was called.
func (j *StubJob) Terminations() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.terminates
}

func (j *StubJob) markDone() {
	j.doneOnce.Do(func() { close(j.done) })
}
