package queue

import (
	"context"
	"log"
	"sync"
	"time"
)

// RecoveryWorker periodically returns tasks with expired leases to pending.
// A lease only expires when its worker died mid-send, so every reclaim is an
// anomaly worth logging.
type RecoveryWorker struct {
	store        Store
	interval     time.Duration
	leaseTimeout time.Duration

	reclaimed int64
	mu        sync.Mutex

	stop chan struct{}
	done chan struct{}
}

// NewRecoveryWorker creates a recovery worker. interval controls how often
// leases are swept; leaseTimeout is how stale a lease must be to reclaim.
func NewRecoveryWorker(store Store, interval, leaseTimeout time.Duration) *RecoveryWorker {
	return &RecoveryWorker{
		store:        store,
		interval:     interval,
		leaseTimeout: leaseTimeout,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called.
func (w *RecoveryWorker) Start(ctx context.Context) {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		log.Printf("[Recovery] started (interval=%s lease_timeout=%s)", w.interval, w.leaseTimeout)
		for {
			select {
			case <-w.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.sweep(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for the current sweep to finish.
func (w *RecoveryWorker) Stop() {
	close(w.stop)
	<-w.done
}

// Reclaimed returns the total tasks reclaimed since start.
func (w *RecoveryWorker) Reclaimed() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reclaimed
}

func (w *RecoveryWorker) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-w.leaseTimeout)
	n, err := w.store.ReclaimExpired(ctx, cutoff)
	if err != nil {
		log.Printf("[Recovery] sweep failed: %v", err)
		return
	}
	if n > 0 {
		w.mu.Lock()
		w.reclaimed += int64(n)
		total := w.reclaimed
		w.mu.Unlock()
		log.Printf("[Recovery] reclaimed %d expired leases (total=%d) - a worker likely died mid-send", n, total)
	}
}
