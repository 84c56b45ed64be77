package escrow

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/lucytrasero/ROBOX-sub001/internal/logging"
)

// Sweeper periodically expires overdue escrows.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a sweeper that runs every interval.
func NewSweeper(svc *Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		svc:      svc,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. Calling Start twice is a no-op.
func (w *Sweeper) Start(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	go w.loop(ctx)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (w *Sweeper) Stop() {
	if !w.running.CompareAndSwap(true, false) {
		return
	}
	close(w.stop)
	<-w.done
}

func (w *Sweeper) loop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Sweeper) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logging.L(ctx).Error("escrow sweep panicked", "panic", fmt.Sprint(r))
		}
	}()

	n, err := w.svc.ExpireDue(ctx, time.Now())
	if err != nil {
		logging.L(ctx).Error("escrow sweep failed", "error", err)
		return
	}
	if n > 0 {
		logging.L(ctx).Info("expired escrows", "count", n)
	}
}
