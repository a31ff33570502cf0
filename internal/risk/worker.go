package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Worker runs the batch on an interval.
type Worker struct {
	runner   *Runner
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewWorker creates a risk batch worker.
// interval is typically 24 hours in production, shorter in demo mode.
func NewWorker(runner *Runner, interval time.Duration, logger *slog.Logger) *Worker {
	return &Worker{
		runner:   runner,
		interval: interval,
		now:      time.Now,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the worker loop is actively running.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Start begins the batch loop. Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run once immediately on start
	w.safeRun(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeRun(ctx)
		}
	}
}

// Stop signals the worker to stop.
func (w *Worker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Worker) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in risk worker", "panic", fmt.Sprint(r))
		}
	}()
	_, err := w.runner.Run(ctx, w.now())
	if errors.Is(err, ErrRunInProgress) {
		w.logger.Info("risk run skipped, previous run still active")
	}
}
