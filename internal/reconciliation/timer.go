package reconciliation

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tmarsden/skillvault/internal/logging"
)

// Timer periodically runs the reconciliation sweep.
type Timer struct {
	runner   *Runner
	interval time.Duration
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a reconciliation timer with a 5 minute interval.
func NewTimer(runner *Runner) *Timer {
	return &Timer{
		runner:   runner,
		interval: 5 * time.Minute,
		stop:     make(chan struct{}),
	}
}

// WithInterval overrides the sweep interval.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the periodic sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

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
			logging.L(ctx).Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := t.runner.RunAll(ctx); err != nil {
		logging.L(ctx).Warn("reconciliation run failed", "error", err)
	}
}
