package ratelimit

import (
	"context"
	"sync"
	"time"
)

// LocalLimiter is the in-process token bucket, used when no Redis is
// configured (single-node deployments) and in tests. Same contract as
// RedisLimiter: shared bucket, atomic check-and-decrement, wait hints.
type LocalLimiter struct {
	mu     sync.Mutex
	rate   int
	tokens float64
	last   time.Time
	now    func() time.Time
	lastWait
}

// NewLocalLimiter creates an in-process limiter at ratePerMinute. The
// bucket starts full (one minute of burst budget).
func NewLocalLimiter(ratePerMinute int) *LocalLimiter {
	now := time.Now()
	return &LocalLimiter{
		rate:   ratePerMinute,
		tokens: float64(ratePerMinute),
		last:   now,
		now:    time.Now,
	}
}

// TryAcquire removes one token if available, otherwise returns the time
// until the next token.
func (l *LocalLimiter) TryAcquire(_ context.Context) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(l.last)
	if elapsed > 0 {
		l.tokens += elapsed.Seconds() * float64(l.rate) / 60
		if l.tokens > float64(l.rate) {
			l.tokens = float64(l.rate)
		}
	}
	l.last = now

	if l.tokens >= 1 {
		l.tokens--
		d := Decision{Allowed: true}
		l.record(d)
		return d, nil
	}

	perToken := 60 * float64(time.Second) / float64(l.rate)
	wait := time.Duration((1 - l.tokens) * perToken)
	d := Decision{Allowed: false, Wait: wait}
	l.record(d)
	return d, nil
}

// Rate returns the configured messages-per-minute budget.
func (l *LocalLimiter) Rate() int { return l.rate }
