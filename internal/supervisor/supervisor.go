package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"stream-orchestrator/internal/ladder"
	"stream-orchestrator/internal/models"
	"stream-orchestrator/internal/observability/logging"
	"stream-orchestrator/internal/observability/metrics"
)

const (
	DefaultBinary      = "ffmpeg"
	DefaultKillGrace   = 5 * time.Second
	DefaultEventBuffer = 256
)

// Config controls how engine processes are spawned.
type Config struct {
	// Binary is the engine executable, resolved through PATH.
	Binary string
	// ArgsPrefix is inserted before the generated arguments.
	ArgsPrefix []string
	// Env is appended to the parent environment for every job.
	Env []string
	// KillGrace is the delay between SIGTERM and SIGKILL.
	KillGrace   time.Duration
	EventBuffer int
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
	// Sampler enriches progress with CPU and RSS. Defaults to gopsutil.
	Sampler ResourceSampler
}

// JobSpec describes one transcoding job. JobID is generated when empty.
type JobSpec struct {
	JobID     string
	StreamKey string
	IngestURL string
	OutputDir string
	Ladder    []models.QualityVariant
	Thumbnail *ladder.ThumbnailOptions
}

// JobHandle is the caller's view of a running job.
type JobHandle interface {
	ID() string
	StreamKey() string
	PID() int
	Terminate(graceful bool)
	Done() <-chan struct{}
}

// TranscodeJob is a snapshot of a tracked job.
type TranscodeJob struct {
	ID              string                  `json:"id"`
	StreamKey       string                  `json:"streamKey"`
	PID             int                     `json:"pid"`
	OutputDirectory string                  `json:"outputDirectory"`
	Ladder          []models.QualityVariant `json:"ladder"`
	StartedAt       time.Time               `json:"startedAt"`
	LastProgress    *models.JobMetrics      `json:"lastProgress,omitempty"`
}

// Supervisor spawns engine processes and reports their lifecycle on a
// single event channel.
type Supervisor struct {
	binary     string
	argsPrefix []string
	env        []string
	grace      time.Duration
	logger     *slog.Logger
	metrics    *metrics.Recorder
	sampler    ResourceSampler

	events chan Event
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	jobs     map[string]*Job
	reserved map[string]struct{}
}

// New constructs a Supervisor.
func New(cfg Config) *Supervisor {
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	if cfg.Sampler == nil {
		cfg.Sampler = newProcessSampler()
	}
	return &Supervisor{
		binary:     cfg.Binary,
		argsPrefix: append([]string(nil), cfg.ArgsPrefix...),
		env:        append([]string(nil), cfg.Env...),
		grace:      cfg.KillGrace,
		logger:     logging.WithComponent(cfg.Logger, "supervisor"),
		metrics:    cfg.Metrics,
		sampler:    cfg.Sampler,
		events:     make(chan Event, cfg.EventBuffer),
		closed:     make(chan struct{}),
		jobs:       make(map[string]*Job),
		reserved:   make(map[string]struct{}),
	}
}

// Events returns the lifecycle channel. It has exactly one consumer.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// StartJob spawns the engine for spec. It returns once the process is
// running; the started event follows on Events.
func (s *Supervisor) StartJob(ctx context.Context, spec JobSpec) (JobHandle, error) {
	if err := models.ValidateStreamKey(spec.StreamKey); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, models.Wrap(models.ErrLaunch, err)
	}
	args, err := ladder.BuildArgs(ladder.JobInput{
		IngestURL: spec.IngestURL,
		OutputDir: spec.OutputDir,
		Ladder:    spec.Ladder,
		Thumbnail: spec.Thumbnail,
	})
	if err != nil {
		return nil, models.Wrap(models.ErrInvalidRequest, err)
	}

	s.mu.Lock()
	if _, ok := s.jobs[spec.StreamKey]; ok {
		s.mu.Unlock()
		return nil, models.Errorf(models.ErrDuplicateJob, "job already running for %s", spec.StreamKey)
	}
	if _, ok := s.reserved[spec.StreamKey]; ok {
		s.mu.Unlock()
		return nil, models.Errorf(models.ErrDuplicateJob, "job already starting for %s", spec.StreamKey)
	}
	s.reserved[spec.StreamKey] = struct{}{}
	s.mu.Unlock()

	job, stdout, err := s.spawn(spec, args)

	s.mu.Lock()
	delete(s.reserved, spec.StreamKey)
	if err == nil {
		s.jobs[spec.StreamKey] = job
	}
	s.mu.Unlock()

	if err != nil {
		s.metrics.JobLaunchFailed()
		s.logger.Error("ffmpeg launch failed", "stream_key", spec.StreamKey, "error", err)
		return nil, models.Wrap(models.ErrLaunch, err)
	}

	s.metrics.JobStarted()
	job.logger.Info("transcode job started", "pid", job.pid, "variants", len(spec.Ladder))
	go s.monitor(job, stdout)
	return job, nil
}

func (s *Supervisor) spawn(spec JobSpec, args []string) (*Job, io.ReadCloser, error) {
	full := append(append([]string(nil), s.argsPrefix...), args...)
	cmd := exec.Command(s.binary, full...)
	setProcessGroup(cmd)
	if len(s.env) > 0 {
		cmd.Env = append(os.Environ(), s.env...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}

	id := spec.JobID
	if id == "" {
		id = uuid.NewString()
	}
	logger := s.logger.With("stream_key", spec.StreamKey, "job_id", id)
	stderr := newLogWriter(logger)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}

	return &Job{
		id:        id,
		key:       spec.StreamKey,
		pid:       cmd.Process.Pid,
		outputDir: spec.OutputDir,
		ladder:    models.CloneLadder(spec.Ladder),
		startedAt: time.Now().UTC(),
		cmd:       cmd,
		stderr:    stderr,
		grace:     s.grace,
		logger:    logger,
		done:      make(chan struct{}),
	}, stdout, nil
}

func (s *Supervisor) monitor(job *Job, stdout io.ReadCloser) {
	s.emit(Event{Type: EventStarted, StreamKey: job.key, JobID: job.id, At: job.startedAt})

	if err := scanProgress(stdout, func(m models.JobMetrics) { s.progress(job, m) }); err != nil {
		job.logger.Debug("progress stream closed", "error", err)
	}
	waitErr := job.cmd.Wait()
	job.stderr.Flush()
	s.sampler.Forget(job.pid)

	s.mu.Lock()
	if current, ok := s.jobs[job.key]; ok && current == job {
		delete(s.jobs, job.key)
	}
	s.mu.Unlock()
	close(job.done)

	ev := Event{StreamKey: job.key, JobID: job.id, At: time.Now().UTC()}
	switch {
	case job.stopRequested.Load():
		ev.Type = EventEnded
		ev.Reason = ReasonStopped
		s.metrics.JobFinished(string(ReasonStopped))
		job.logger.Info("transcode job stopped")
	case waitErr == nil:
		ev.Type = EventEnded
		ev.Reason = ReasonCompleted
		s.metrics.JobFinished(string(ReasonCompleted))
		job.logger.Info("transcode job completed")
	default:
		cause := waitErr
		if tail := job.stderr.Tail(); tail != "" {
			cause = fmt.Errorf("%w: %s", waitErr, tail)
		}
		ev.Type = EventError
		ev.Err = models.Wrap(models.ErrJobFailed, cause)
		s.metrics.JobFinished("failed")
		job.logger.Warn("transcode job failed", "error", cause)
	}
	s.emit(ev)
}

func (s *Supervisor) progress(job *Job, m models.JobMetrics) {
	if cpu, rss, err := s.sampler.Sample(job.pid); err == nil {
		m.CPUPercent = cpu
		m.RSSBytes = rss
	}
	job.setProgress(m)
	ev := Event{Type: EventProgress, StreamKey: job.key, JobID: job.id, At: m.UpdatedAt, Metrics: &m}
	select {
	case s.events <- ev:
	default:
		s.metrics.ProgressDropped()
	}
}

// emit delivers a lifecycle event, blocking until the consumer accepts it or
// the supervisor is closed.
func (s *Supervisor) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.closed:
	}
}

// KillJob terminates the job for key gracefully.
func (s *Supervisor) KillJob(key string) error {
	s.mu.Lock()
	job, ok := s.jobs[key]
	s.mu.Unlock()
	if !ok {
		return models.Errorf(models.ErrJobNotFound, "no job for %s", key)
	}
	job.Terminate(true)
	return nil
}

// Get returns a snapshot of the job tracked for key.
func (s *Supervisor) Get(key string) (TranscodeJob, bool) {
	s.mu.Lock()
	job, ok := s.jobs[key]
	s.mu.Unlock()
	if !ok {
		return TranscodeJob{}, false
	}
	return job.info(), true
}

// List returns snapshots of all tracked jobs ordered by stream key.
func (s *Supervisor) List() []TranscodeJob {
	s.mu.Lock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	s.mu.Unlock()
	out := make([]TranscodeJob, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, job.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamKey < out[j].StreamKey })
	return out
}

// Shutdown terminates every job and waits for them to exit or ctx to end.
// Events still in flight after ctx ends are discarded.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	s.mu.Unlock()

	for _, job := range jobs {
		job.Terminate(true)
	}
	var err error
	for _, job := range jobs {
		select {
		case <-job.Done():
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			break
		}
	}
	s.once.Do(func() { close(s.closed) })
	return err
}

// Job is the handle for one running engine process.
type Job struct {
	id        string
	key       string
	pid       int
	outputDir string
	ladder    []models.QualityVariant
	startedAt time.Time

	cmd    *exec.Cmd
	stderr *logWriter
	grace  time.Duration
	logger *slog.Logger
	done   chan struct{}

	stopRequested atomic.Bool
	termOnce      sync.Once

	mu           sync.Mutex
	lastProgress *models.JobMetrics
}

func (j *Job) ID() string        { return j.id }
func (j *Job) StreamKey() string { return j.key }
func (j *Job) PID() int          { return j.pid }

// Done is closed once the process has exited and is no longer tracked.
func (j *Job) Done() <-chan struct{} { return j.done }

// Terminate stops the process. A graceful stop sends SIGTERM to the process
// group and escalates to SIGKILL after the grace period.
func (j *Job) Terminate(graceful bool) {
	j.stopRequested.Store(true)
	if j.exited() {
		return
	}
	if !graceful {
		j.signal(syscall.SIGKILL)
		return
	}
	j.termOnce.Do(func() {
		j.signal(syscall.SIGTERM)
		go func() {
			timer := time.NewTimer(j.grace)
			defer timer.Stop()
			select {
			case <-j.done:
			case <-timer.C:
				j.logger.Warn("ffmpeg ignored SIGTERM, sending SIGKILL", "grace", j.grace)
				j.signal(syscall.SIGKILL)
			}
		}()
	})
}

func (j *Job) exited() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

func (j *Job) signal(sig syscall.Signal) {
	if err := signalGroup(j.cmd.Process, sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		j.logger.Debug("signal ffmpeg", "signal", sig.String(), "error", err)
	}
}

func (j *Job) setProgress(m models.JobMetrics) {
	j.mu.Lock()
	j.lastProgress = &m
	j.mu.Unlock()
}

func (j *Job) info() TranscodeJob {
	j.mu.Lock()
	defer j.mu.Unlock()
	info := TranscodeJob{
		ID:              j.id,
		StreamKey:       j.key,
		PID:             j.pid,
		OutputDirectory: j.outputDir,
		Ladder:          models.CloneLadder(j.ladder),
		StartedAt:       j.startedAt,
	}
	if j.lastProgress != nil {
		m := *j.lastProgress
		info.LastProgress = &m
	}
	return info
}
