// Package history keeps a record of finished stream sessions. Stream keys
// are publish credentials, so records only carry a digest of the key.
package history

import (
	"context"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"stream-orchestrator/internal/models"
	"stream-orchestrator/internal/worker"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Record summarises one session that reached a terminal state.
type Record struct {
	ID          string              `json:"id"`
	KeyDigest   string              `json:"keyDigest"`
	OwnerID     string              `json:"ownerId,omitempty"`
	Source      models.IngestSource `json:"source"`
	State       models.SessionState `json:"state"`
	StartedAt   time.Time           `json:"startedAt"`
	EndedAt     time.Time           `json:"endedAt"`
	Variants    []string            `json:"variants"`
	Error       string              `json:"error,omitempty"`
	PeakViewers int                 `json:"peakViewers"`
}

// Store persists history records.
type Store interface {
	Record(ctx context.Context, record Record) error
	List(ctx context.Context, streamKey string, limit int) ([]Record, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Digest returns the hex BLAKE2b-256 of a stream key.
func Digest(streamKey string) string {
	sum := blake2b.Sum256([]byte(streamKey))
	return hex.EncodeToString(sum[:])
}

// NewRecord builds a record from a terminal session snapshot.
func NewRecord(session models.StreamSession) Record {
	ended := time.Now().UTC()
	if session.EndedAt != nil {
		ended = session.EndedAt.UTC()
	}
	variants := make([]string, 0, len(session.Ladder))
	for _, v := range session.Ladder {
		variants = append(variants, v.Suffix)
	}
	return Record{
		ID:          uuid.NewString(),
		KeyDigest:   Digest(session.StreamKey),
		OwnerID:     session.OwnerID,
		Source:      session.Source,
		State:       session.State,
		StartedAt:   session.StartedAt.UTC(),
		EndedAt:     ended,
		Variants:    variants,
		Error:       session.Error,
		PeakViewers: session.PeakViewers,
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// PurgeTask returns a periodic task deleting records that ended more than
// retention ago.
func PurgeTask(store Store, retention time.Duration, logger *slog.Logger) worker.Task {
	return func(ctx context.Context, now time.Time) error {
		removed, err := store.PurgeBefore(ctx, now.Add(-retention))
		if err != nil {
			return err
		}
		if removed > 0 && logger != nil {
			logger.Info("purged session history", "removed", removed, "retention", retention)
		}
		return nil
	}
}
