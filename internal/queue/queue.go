// Package queue implements the durable send queue: bulk enqueue, lease-based
// claiming, acknowledgement, retry scheduling and dead-lettering. Both the
// Postgres store and the in-memory store satisfy Store with the same
// semantics; the worker pool never knows which one it is driving.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/dispatch/internal/domain"
)

// ErrLeaseLost is returned by Ack and Nack when the caller's lease on a task
// has been revoked — the recovery worker reclaimed it, or a pause released
// it. The caller must drop the task without retrying the call.
var ErrLeaseLost = errors.New("queue: task lease lost")

// Store is the durable queue contract.
//
// Lease grants exclusive ownership of up to limit pending-and-due tasks to
// workerID. Ownership lasts until Ack, Nack, Release, or lease expiry —
// whichever comes first. Ack and Nack verify ownership and fail with
// ErrLeaseLost if the task was reclaimed in the meantime, so a slow worker
// can never overwrite the outcome of the task's new owner.
type Store interface {
	// Enqueue inserts tasks in bulk. Tasks start pending and due immediately.
	Enqueue(ctx context.Context, tasks []*domain.SendTask) error

	// Lease atomically claims up to limit due tasks of one campaign for
	// workerID and marks them processing. Two concurrent calls never
	// receive the same task.
	Lease(ctx context.Context, campaignID, workerID string, limit int) ([]*domain.SendTask, error)

	// Ack records a successful send: the task becomes sent (terminal), an
	// EmailSend row keyed by trackingID is created, a 'sent' event is
	// appended and the campaign's sent_count is incremented — all in one
	// transaction. The tracking ID is generated by the caller before the
	// send because the rendered body embeds it.
	Ack(ctx context.Context, task *domain.SendTask, messageID, trackingID string) (*domain.EmailSend, error)

	// Nack records a failed attempt. Transient failures are rescheduled
	// with backoff; permanent failures and exhausted retry budgets go to
	// the dead letter state.
	Nack(ctx context.Context, task *domain.SendTask, cause error) (Outcome, error)

	// Release returns a leased task to pending without consuming an
	// attempt. Used when the rate limiter denies a send.
	Release(ctx context.Context, task *domain.SendTask) error

	// ReleaseCampaign returns every processing task of a campaign to
	// pending. Used on pause and cancel.
	ReleaseCampaign(ctx context.Context, campaignID string) (int, error)

	// ReclaimExpired returns tasks whose lease is older than the cutoff to
	// pending, without consuming an attempt. Reports how many were
	// reclaimed.
	ReclaimExpired(ctx context.Context, cutoff time.Time) (int, error)

	// PurgeCampaign deletes every undelivered task of a campaign. Sent
	// tasks are kept for the audit trail. Used when a crashed start left
	// a partial batch behind and the queue must be rebuilt.
	PurgeCampaign(ctx context.Context, campaignID string) (int, error)

	// Counts tallies tasks per state for one campaign.
	Counts(ctx context.Context, campaignID string) (domain.QueueCounts, error)

	// Depth reports the number of live (pending/processing/failed_retry)
	// tasks across all campaigns, for backpressure checks.
	Depth(ctx context.Context) (int, error)

	// ThroughputPerMinute reports sends recorded for the campaign in the
	// trailing 60 seconds.
	ThroughputPerMinute(ctx context.Context, campaignID string) (int, error)
}

// NewTask builds a pending task for one recipient, due immediately.
func NewTask(campaignID string, sub *domain.Subscriber) *domain.SendTask {
	now := time.Now().UTC()
	return &domain.SendTask{
		ID:            uuid.New().String(),
		CampaignID:    campaignID,
		SubscriberID:  sub.ID,
		Email:         sub.Email,
		State:         domain.TaskPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
}
