// Package scheduler runs the background promotion loops: due retries,
// due scheduled tasks, and cron firings.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/taskrelay/taskrelay/internal/dispatch"
)

// Scheduler runs background loops for the Taskrelay server.
type Scheduler struct {
	dispatcher *dispatch.Dispatcher
	stop       chan struct{}
	stopOnce   sync.Once
	logger     *slog.Logger
}

// New creates a scheduler.
func New(dispatcher *dispatch.Dispatcher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		dispatcher: dispatcher,
		stop:       make(chan struct{}),
		logger:     logger,
	}
}

// Start begins all background goroutines.
func (s *Scheduler) Start() {
	// Retries are latency-sensitive: a short backoff should not sit in
	// the due set much longer than its computed delay.
	go s.runLoop("retry-promoter", 200*time.Millisecond, s.dispatcher.PromoteRetries)

	// Scheduled tasks tolerate a coarser sweep
	go s.runLoop("scheduled-promoter", 1*time.Second, s.dispatcher.PromoteScheduled)

	// Cron resolution is one minute; a 10s sweep keeps firings close
	// to their slot without hammering the store
	go s.runLoop("cron-scheduler", 10*time.Second, s.dispatcher.FireCrons)

	go s.runLoop("queue-depth-sampler", 15*time.Second, s.dispatcher.SampleQueueDepths)
}

// Stop signals all background goroutines to stop.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

func (s *Scheduler) runLoop(name string, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := fn(ctx); err != nil {
				s.logger.Error("scheduler loop error", "loop", name, "error", err)
			}
			cancel()
		}
	}
}
