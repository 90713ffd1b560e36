package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// sweepBatch caps how many expired workflows one sweep pass transitions.
const sweepBatch = 100

// Timer periodically sweeps PENDING workflows past their deadline and
// transitions them to EXPIRED. Expiry is also detected lazily on reads and
// approval attempts; the sweep covers workflows nobody touches again.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

func NewTimer(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
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
			t.safeSweep(ctx)
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

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in workflow expiry sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	now := t.service.now()
	expired, err := t.store.ListExpired(ctx, now, sweepBatch)
	if err != nil {
		t.logger.Warn("failed to list expired workflows", "error", err)
		return
	}

	for _, w := range expired {
		if err := t.service.Expire(ctx, w.ID); err != nil {
			t.logger.Warn("failed to expire workflow",
				"workflow_id", w.ID, "error", err)
			continue
		}
		t.logger.Info("expired workflow via sweep",
			"workflow_id", w.ID, "expires_at", w.ExpiresAt)
	}
}
