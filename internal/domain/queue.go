package domain

import "time"

// TaskState enumerates the observable states of a send task.
type TaskState string

const (
	TaskPending     TaskState = "pending"
	TaskProcessing  TaskState = "processing"
	TaskFailedRetry TaskState = "failed_retry"
	TaskDeadLetter  TaskState = "dead_letter"
	TaskSent        TaskState = "sent"
)

// SendTask is one unit of work: deliver one campaign email to one recipient.
// A task is leased exclusively by a single worker while processing; the
// lease expires if the worker crashes, returning the task to pending.
type SendTask struct {
	ID           string    `json:"id" db:"id"`
	CampaignID   string    `json:"campaign_id" db:"campaign_id"`
	SubscriberID string    `json:"subscriber_id" db:"subscriber_id"`
	Email        string    `json:"email" db:"email"`
	State        TaskState `json:"state" db:"state"`
	Priority     int       `json:"priority" db:"priority"`

	Attempts      int        `json:"attempts" db:"attempts"`
	NextAttemptAt time.Time  `json:"next_attempt_at" db:"next_attempt_at"`
	LastError     string     `json:"last_error" db:"last_error"`
	WorkerID      string     `json:"worker_id" db:"worker_id"`
	LeasedAt      *time.Time `json:"leased_at" db:"leased_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// QueueCounts is a point-in-time tally of tasks per state for one campaign.
// At every observation point
// Sent+DeadLetter+Pending+Processing+FailedRetry == TotalRecipients.
type QueueCounts struct {
	Pending     int `json:"pending"`
	Processing  int `json:"processing"`
	FailedRetry int `json:"failed_retry"`
	DeadLetter  int `json:"dlq"`
	Sent        int `json:"sent"`
}

// Remaining returns how many tasks can still reach a terminal state.
func (q QueueCounts) Remaining() int {
	return q.Pending + q.Processing + q.FailedRetry
}
