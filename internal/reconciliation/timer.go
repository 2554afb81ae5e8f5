package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically runs reconciliation checks.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a reconciliation timer that runs every interval.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs one reconciliation immediately, then every interval until ctx
// is done or Stop is called. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	t.safeRun(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, t.interval)
	defer cancel()
	if _, err := t.runner.RunAll(runCtx); err != nil {
		t.logger.Warn("reconciliation run incomplete", "error", err)
	}
}
