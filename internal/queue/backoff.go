package queue

import (
	"math/rand"
	"time"

	"github.com/ignite/dispatch/internal/sender"
)

// Outcome is what Nack decided to do with a failed task.
type Outcome string

const (
	// OutcomeRetry: the task was rescheduled with backoff.
	OutcomeRetry Outcome = "retry"
	// OutcomeDeadLetter: the task is terminal; no further attempts.
	OutcomeDeadLetter Outcome = "dead_letter"
)

// Policy decides whether a failed attempt is retried and when. Attempts are
// counted in total: with MaxAttempts=5 a task gets one initial attempt and
// four retries.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

// DefaultPolicy matches the engine defaults: 5 total attempts, exponential
// backoff from 30s capped at 10m.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, Base: 30 * time.Second, Max: 10 * time.Minute}
}

// Decide classifies the failure after the given attempt number (1-based).
// Permanent failures and exhausted budgets dead-letter; everything else
// retries.
func (p Policy) Decide(attempt int, cause error) Outcome {
	if sender.IsPermanent(cause) {
		return OutcomeDeadLetter
	}
	if attempt >= p.MaxAttempts {
		return OutcomeDeadLetter
	}
	return OutcomeRetry
}

// NextDelay returns the backoff before retry number attempt (1-based on the
// attempt that just failed): base * 2^(attempt-1), capped at Max, plus up to
// 20% jitter so synchronized failures don't retry in lockstep.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			d = p.Max
			break
		}
	}
	if d > p.Max {
		d = p.Max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	return d + jitter
}
