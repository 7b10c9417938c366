package supervisor

import (
	"time"

	"stream-orchestrator/internal/models"
)

type EventType string

const (
	EventStarted  EventType = "started"
	EventProgress EventType = "progress"
	EventError    EventType = "error"
	EventEnded    EventType = "ended"
)

// EndReason explains an ended event.
type EndReason string

const (
	// ReasonCompleted means the engine exited on its own with status zero,
	// normally because the ingest stream finished.
	ReasonCompleted EndReason = "completed"
	// ReasonStopped means the job was terminated through KillJob or Terminate.
	ReasonStopped EndReason = "stopped"
)

// Event is one lifecycle notification for a job. For a given stream key the
// order is started, zero or more progress, then exactly one error or ended.
type Event struct {
	Type      EventType
	StreamKey string
	JobID     string
	At        time.Time
	Metrics   *models.JobMetrics
	Err       error
	Reason    EndReason
}
