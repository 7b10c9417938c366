package history

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps records in process. It is intended for development and
// single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Record(_ context.Context, record Record) error {
	record.Variants = append([]string(nil), record.Variants...)
	s.mu.Lock()
	s.records = append(s.records, record)
	s.mu.Unlock()
	return nil
}

// List returns the newest records for streamKey first.
func (s *MemoryStore) List(_ context.Context, streamKey string, limit int) ([]Record, error) {
	digest := Digest(streamKey)
	s.mu.RLock()
	var out []Record
	for _, r := range s.records {
		if r.KeyDigest == digest {
			r.Variants = append([]string(nil), r.Variants...)
			out = append(out, r)
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[:0]
	var removed int64
	for _, r := range s.records {
		if r.EndedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return removed, nil
}

// Ping always reports success for the in-memory store.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) Close(context.Context) error {
	return nil
}
