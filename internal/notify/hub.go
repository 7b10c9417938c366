package notify

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultSubscriberBuffer = 32

// Hub is an in-memory Publisher with per stream key subscriptions. Slow
// subscribers miss events rather than blocking publishers.
type Hub struct {
	buffer  int
	dropped atomic.Int64

	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{buffer: buffer, subs: make(map[*Subscription]struct{})}
}

// Subscription receives events for one stream key, or for all keys when
// the key is empty.
type Subscription struct {
	hub    *Hub
	key    string
	ch     chan Event
	once   sync.Once
	closed bool
}

// C returns the delivery channel. It is closed by Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close unsubscribes and closes the channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.closed = true
		close(s.ch)
		s.hub.mu.Unlock()
	})
}

func (h *Hub) Subscribe(streamKey string) *Subscription {
	sub := &Subscription{hub: h, key: streamKey, ch: make(chan Event, h.buffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) Publish(_ context.Context, event Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if sub.closed || (sub.key != "" && sub.key != event.StreamKey) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped for full subscribers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
