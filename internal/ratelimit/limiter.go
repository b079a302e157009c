// Package ratelimit implements the per-campaign outbound send budget as a
// token bucket: capacity equal to the configured messages-per-minute rate
// (one minute of burst), refilled continuously at rate/60 tokens per second.
//
// Callers never block. TryAcquire either removes one token or returns the
// time until the next token becomes available, which workers sleep on and
// operators see as "next batch in Ns". All workers of a campaign share one
// bucket; there is no per-worker token caching.
package ratelimit

import (
	"context"
	"sync/atomic"
	"time"
)

// Decision is the outcome of a single TryAcquire call.
type Decision struct {
	// Allowed is true when a token was removed and the caller may send now.
	Allowed bool
	// Wait is the hint until the next token when Allowed is false.
	Wait time.Duration
}

// Limiter answers "may I send now" for one campaign.
type Limiter interface {
	// TryAcquire atomically removes one token if available. Never blocks.
	TryAcquire(ctx context.Context) (Decision, error)

	// LastWait returns the wait hint from the most recent denied acquire,
	// or zero if the last acquire was allowed. Reported verbatim in
	// progress snapshots.
	LastWait() time.Duration

	// Rate returns the configured budget in messages per minute.
	Rate() int
}

// lastWait records the most recent decision for progress reporting.
// Shared by both limiter implementations.
type lastWait struct {
	ms atomic.Int64
}

func (l *lastWait) record(d Decision) {
	if d.Allowed {
		l.ms.Store(0)
		return
	}
	l.ms.Store(d.Wait.Milliseconds())
}

func (l *lastWait) LastWait() time.Duration {
	return time.Duration(l.ms.Load()) * time.Millisecond
}
