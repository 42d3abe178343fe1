// Package sweeper runs the active chat stale sweep on a fixed cadence.
// The time of the last completed sweep is kept in operational state so
// a restart neither skips a sweep nor runs one early.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/gitNoodler/wankr-sub000/internal/active"
	"github.com/gitNoodler/wankr-sub000/internal/opstate"
)

// Operational state keys.
const (
	StateNamespace  = "sweep"
	KeyLastRun      = "last_run"
	KeyLastRemoved  = "last_removed"
	DefaultInterval = time.Hour
)

// Sweeper is the work being scheduled. *active.Store satisfies it.
type Sweeper interface {
	Sweep() (active.SweepReport, error)
}

// Config controls the worker.
type Config struct {
	// Interval between sweeps. Default: 1 hour.
	Interval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
}

// Worker sweeps periodically. The state store is optional; without
// it every start sweeps immediately.
type Worker struct {
	target Sweeper
	state  *opstate.Store
	logger *slog.Logger
	config Config
	now    func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a sweeper worker. Call Start to begin, or RunOnce for a
// single sweep.
func New(target Sweeper, state *opstate.Store, logger *slog.Logger, cfg Config) *Worker {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		target: target,
		state:  state,
		logger: logger.With("component", "sweeper"),
		config: cfg,
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

// Start runs the worker in the background until ctx is cancelled or
// Stop is called.
func (w *Worker) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.run(workerCtx)
}

// Stop cancels the worker and waits for its goroutine to exit.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}

// RunOnce sweeps now and records the outcome.
func (w *Worker) RunOnce() (active.SweepReport, error) {
	report, err := w.target.Sweep()
	if err != nil {
		w.logger.Error("sweep failed", "error", err)
		return report, err
	}

	if w.state != nil {
		if err := w.state.SetTime(StateNamespace, KeyLastRun, w.now()); err != nil {
			w.logger.Warn("failed to persist sweep time", "error", err)
		}
		if err := w.state.SetInt(StateNamespace, KeyLastRemoved, report.Removed); err != nil {
			w.logger.Warn("failed to persist sweep result", "error", err)
		}
	}
	return report, nil
}

// LastRun returns when the last recorded sweep completed, or the zero
// time if none has been recorded.
func (w *Worker) LastRun() time.Time {
	if w.state == nil {
		return time.Time{}
	}
	t, err := w.state.GetTime(StateNamespace, KeyLastRun)
	if err != nil {
		w.logger.Warn("failed to read last sweep time", "error", err)
		return time.Time{}
	}
	return t
}

// initialDelay is how long to wait before the first sweep: zero when
// a sweep is overdue, otherwise the rest of the interval.
func (w *Worker) initialDelay() time.Duration {
	last := w.LastRun()
	if last.IsZero() {
		return 0
	}
	elapsed := w.now().Sub(last)
	if elapsed < 0 || elapsed >= w.config.Interval {
		return 0
	}
	return w.config.Interval - elapsed
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	delay := w.initialDelay()
	if delay > 0 {
		w.logger.Info("sweeper starting, next sweep scheduled", "in", delay.Truncate(time.Second))
	} else {
		w.logger.Info("sweeper starting, sweeping now")
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("sweeper stopped")
			return
		case <-timer.C:
			w.RunOnce()
			timer.Reset(w.config.Interval)
		}
	}
}
