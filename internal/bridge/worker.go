package bridge

import (
	"context"
	"time"

	"go.uber.org/zap"

	"spark/internal/logging"
)

// Interval bounds for the cycle timer.
const (
	DefaultInterval = 60 * time.Second
	minInterval     = 10 * time.Second
	maxInterval     = 600 * time.Second
)

// Worker drives the cycle on a timer plus an on-demand fast path. Cycles
// never overlap: one goroutine owns the loop, and triggers arriving while a
// cycle runs coalesce into a single follow-up pass.
type Worker struct {
	cycle    *Cycle
	interval time.Duration
	trigger  chan struct{}
	log      *zap.Logger
}

// NewWorker clamps the interval into [10s, 600s] and wires the worker.
func NewWorker(cycle *Cycle, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if interval < minInterval {
		interval = minInterval
	}
	if interval > maxInterval {
		interval = maxInterval
	}
	return &Worker{
		cycle:    cycle,
		interval: interval,
		trigger:  make(chan struct{}, 1),
		log:      logging.Named("bridge"),
	}
}

// Trigger requests a cycle ahead of the timer. Never blocks; a pending
// trigger absorbs further ones.
func (w *Worker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled. Blocking call; run it under the
// process supervisor.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-w.trigger:
		}

		hb := w.cycle.Run(ctx)
		if hb.Degraded {
			w.log.Warn("cycle degraded",
				zap.Int64("cycle", hb.Cycle),
				zap.Int("events", hb.Events),
				zap.Int64("duration_ms", hb.DurationMS))
		} else {
			w.log.Debug("cycle complete",
				zap.Int64("cycle", hb.Cycle),
				zap.Int("events", hb.Events),
				zap.Int64("duration_ms", hb.DurationMS))
		}
	}
}
