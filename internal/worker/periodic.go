// Package worker runs periodic background tasks until their context ends.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Ticker is the part of *time.Ticker a periodic task needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

// TickerFactory builds a Ticker for an interval.
type TickerFactory func(time.Duration) Ticker

// NewTimeTicker is the production TickerFactory.
func NewTimeTicker(d time.Duration) Ticker {
	return timeTicker{ticker: time.NewTicker(d)}
}

// Task is invoked on every tick with the tick time.
type Task func(ctx context.Context, now time.Time) error

// Periodic runs task every interval.
type Periodic struct {
	Name      string
	Interval  time.Duration
	Task      Task
	Logger    *slog.Logger
	NewTicker TickerFactory
}

// Start launches the loop and returns an idempotent stop function that
// waits for the loop to exit. A nil task or non-positive interval starts
// nothing.
func (p Periodic) Start(ctx context.Context) func() {
	if p.Task == nil || p.Interval <= 0 {
		return func() {}
	}
	newTicker := p.NewTicker
	if newTicker == nil {
		newTicker = NewTimeTicker
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(p.Interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case now := <-ticker.C():
				if err := p.Task(workerCtx, now); err != nil && p.Logger != nil {
					p.Logger.Error("periodic task failed", "task", p.Name, "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// Run is Start for use under an errgroup: it blocks until ctx ends.
func (p Periodic) Run(ctx context.Context) error {
	stop := p.Start(ctx)
	<-ctx.Done()
	stop()
	return nil
}
