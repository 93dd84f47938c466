// internal/monitoring/scheduler.go - fixed-interval cycle trigger
package monitoring

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Scheduler triggers one engine cycle per interval. A tick that arrives while
// the previous cycle still runs is skipped, never queued.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
}

func NewScheduler(engine *Engine, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Scheduler{
		engine:   engine,
		interval: interval,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	logrus.WithField("interval", s.interval).Info("Starting scheduler")

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop cancels the loop and waits for an in-flight cycle to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	logrus.Info("Stopping scheduler")
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.fire(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx)
		}
	}
}

// fire runs a cycle in its own goroutine so a slow cycle never delays the
// ticker; the engine's cycle lock turns overlapping ticks into skips.
func (s *Scheduler) fire(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		_, err := s.engine.RunCycle(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrCycleInProgress):
			logrus.Debug("Previous cycle still running, skipping tick")
		default:
			logrus.WithError(err).Warn("Poll cycle failed")
		}
	}()
}
