package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/dispatch/internal/domain"
)

// PostgresStore is the durable queue backed by the campaign_send_queue
// table. Claiming uses FOR UPDATE SKIP LOCKED so concurrent workers never
// contend on the same rows, and every outcome write carries the claim token
// (worker_id) so a stale lease holder cannot clobber a reclaimed task.
type PostgresStore struct {
	db     *sql.DB
	policy Policy
}

// NewPostgresStore creates a queue store over db with the given retry policy.
func NewPostgresStore(db *sql.DB, policy Policy) *PostgresStore {
	return &PostgresStore{db: db, policy: policy}
}

// Enqueue bulk-inserts tasks with COPY. A campaign's full recipient list can
// be hundreds of thousands of rows; row-at-a-time INSERT does not keep up.
func (s *PostgresStore) Enqueue(ctx context.Context, tasks []*domain.SendTask) error {
	if len(tasks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("campaign_send_queue",
		"id", "campaign_id", "subscriber_id", "email", "state", "priority",
		"attempts", "next_attempt_at", "created_at"))
	if err != nil {
		return fmt.Errorf("prepare copy: %w", err)
	}

	for _, t := range tasks {
		if _, err := stmt.ExecContext(ctx, t.ID, t.CampaignID, t.SubscriberID,
			t.Email, string(t.State), t.Priority, t.Attempts, t.NextAttemptAt, t.CreatedAt); err != nil {
			stmt.Close()
			return fmt.Errorf("copy task %s: %w", t.ID, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close copy: %w", err)
	}

	return tx.Commit()
}

const leaseQuery = `
	UPDATE campaign_send_queue
	SET state = 'processing', worker_id = $2, leased_at = NOW()
	WHERE id IN (
		SELECT id FROM campaign_send_queue
		WHERE campaign_id = $1
		  AND state IN ('pending', 'failed_retry')
		  AND next_attempt_at <= NOW()
		ORDER BY priority DESC, next_attempt_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $3
	)
	RETURNING id, campaign_id, subscriber_id, email, state, priority,
	          attempts, next_attempt_at, last_error, worker_id, leased_at, created_at`

// Lease claims up to limit due tasks for workerID.
func (s *PostgresStore) Lease(ctx context.Context, campaignID, workerID string, limit int) ([]*domain.SendTask, error) {
	rows, err := s.db.QueryContext(ctx, leaseQuery, campaignID, workerID, limit)
	if err != nil {
		return nil, fmt.Errorf("lease tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.SendTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan leased task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Ack finalizes a successful send in one transaction: task terminal, send
// record with a fresh tracking ID, audit event, campaign counter.
func (s *PostgresStore) Ack(ctx context.Context, task *domain.SendTask, messageID, trackingID string) (*domain.EmailSend, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin ack: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE campaign_send_queue
		SET state = 'sent', last_error = '', leased_at = NULL
		WHERE id = $1 AND state = 'processing' AND worker_id = $2`,
		task.ID, task.WorkerID)
	if err != nil {
		return nil, fmt.Errorf("mark sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrLeaseLost
	}

	send := &domain.EmailSend{
		ID:           uuid.New().String(),
		CampaignID:   task.CampaignID,
		SubscriberID: task.SubscriberID,
		Email:        task.Email,
		TrackingID:   trackingID,
		MessageID:    messageID,
		SentAt:       time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO email_sends (id, campaign_id, subscriber_id, email, tracking_id, message_id, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		send.ID, send.CampaignID, send.SubscriberID, send.Email,
		send.TrackingID, send.MessageID, send.SentAt); err != nil {
		return nil, fmt.Errorf("insert send record: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO email_events (id, send_id, campaign_id, event_type, created_at)
		VALUES ($1, $2, $3, 'sent', NOW())`,
		uuid.New().String(), send.ID, send.CampaignID); err != nil {
		return nil, fmt.Errorf("insert sent event: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE campaigns SET sent_count = sent_count + 1, updated_at = NOW()
		WHERE id = $1`, task.CampaignID); err != nil {
		return nil, fmt.Errorf("increment sent_count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ack: %w", err)
	}
	return send, nil
}

// Nack records a failed attempt and either reschedules with backoff or
// dead-letters the task.
func (s *PostgresStore) Nack(ctx context.Context, task *domain.SendTask, cause error) (Outcome, error) {
	attempt := task.Attempts + 1
	outcome := s.policy.Decide(attempt, cause)
	lastErr := truncateError(cause)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin nack: %w", err)
	}
	defer tx.Rollback()

	var res sql.Result
	if outcome == OutcomeRetry {
		res, err = tx.ExecContext(ctx, `
			UPDATE campaign_send_queue
			SET state = 'failed_retry', attempts = $3, next_attempt_at = $4,
			    last_error = $5, worker_id = '', leased_at = NULL
			WHERE id = $1 AND state = 'processing' AND worker_id = $2`,
			task.ID, task.WorkerID, attempt,
			time.Now().UTC().Add(s.policy.NextDelay(attempt)), lastErr)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE campaign_send_queue
			SET state = 'dead_letter', attempts = $3,
			    last_error = $4, worker_id = '', leased_at = NULL
			WHERE id = $1 AND state = 'processing' AND worker_id = $2`,
			task.ID, task.WorkerID, attempt, lastErr)
	}
	if err != nil {
		return "", fmt.Errorf("record failure: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrLeaseLost
	}

	if outcome == OutcomeDeadLetter {
		// No send record exists for a failed task, so the bounce event
		// stands alone against the campaign.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO email_events (id, send_id, campaign_id, event_type, metadata, created_at)
			VALUES ($1, NULL, $2, 'bounced', $3, NOW())`,
			uuid.New().String(), task.CampaignID, lastErr); err != nil {
			return "", fmt.Errorf("insert bounce event: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE campaigns SET bounce_count = bounce_count + 1, updated_at = NOW()
			WHERE id = $1`, task.CampaignID); err != nil {
			return "", fmt.Errorf("increment bounce_count: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit nack: %w", err)
	}
	return outcome, nil
}

// Release returns a leased task to pending without consuming an attempt.
func (s *PostgresStore) Release(ctx context.Context, task *domain.SendTask) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaign_send_queue
		SET state = 'pending', worker_id = '', leased_at = NULL
		WHERE id = $1 AND state = 'processing' AND worker_id = $2`,
		task.ID, task.WorkerID)
	if err != nil {
		return fmt.Errorf("release task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ReleaseCampaign returns every processing task of a campaign to pending.
func (s *PostgresStore) ReleaseCampaign(ctx context.Context, campaignID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaign_send_queue
		SET state = 'pending', worker_id = '', leased_at = NULL
		WHERE campaign_id = $1 AND state = 'processing'`, campaignID)
	if err != nil {
		return 0, fmt.Errorf("release campaign tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ReclaimExpired returns tasks with a lease older than cutoff to pending.
func (s *PostgresStore) ReclaimExpired(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaign_send_queue
		SET state = 'pending', worker_id = '', leased_at = NULL
		WHERE state = 'processing' AND leased_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim expired leases: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) PurgeCampaign(ctx context.Context, campaignID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM campaign_send_queue
		WHERE campaign_id = $1 AND state != 'sent'`, campaignID)
	if err != nil {
		return 0, fmt.Errorf("purge campaign queue: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Counts tallies tasks per state for one campaign.
func (s *PostgresStore) Counts(ctx context.Context, campaignID string) (domain.QueueCounts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM campaign_send_queue
		WHERE campaign_id = $1 GROUP BY state`, campaignID)
	if err != nil {
		return domain.QueueCounts{}, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	var counts domain.QueueCounts
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return domain.QueueCounts{}, fmt.Errorf("scan count: %w", err)
		}
		switch domain.TaskState(state) {
		case domain.TaskPending:
			counts.Pending = n
		case domain.TaskProcessing:
			counts.Processing = n
		case domain.TaskFailedRetry:
			counts.FailedRetry = n
		case domain.TaskDeadLetter:
			counts.DeadLetter = n
		case domain.TaskSent:
			counts.Sent = n
		}
	}
	return counts, rows.Err()
}

// Depth reports live tasks across all campaigns.
func (s *PostgresStore) Depth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM campaign_send_queue
		WHERE state IN ('pending', 'processing', 'failed_retry')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// ThroughputPerMinute reports sends in the trailing 60 seconds.
func (s *PostgresStore) ThroughputPerMinute(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM email_sends
		WHERE campaign_id = $1 AND sent_at > NOW() - INTERVAL '60 seconds'`, campaignID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("campaign throughput: %w", err)
	}
	return n, nil
}

func scanTask(rows *sql.Rows) (*domain.SendTask, error) {
	var t domain.SendTask
	var leasedAt sql.NullTime
	err := rows.Scan(&t.ID, &t.CampaignID, &t.SubscriberID, &t.Email, &t.State,
		&t.Priority, &t.Attempts, &t.NextAttemptAt, &t.LastError, &t.WorkerID,
		&leasedAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if leasedAt.Valid {
		t.LeasedAt = &leasedAt.Time
	}
	return &t, nil
}

// truncateError keeps last_error bounded; provider errors can embed whole
// response bodies.
func truncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return msg
}

var _ Store = (*PostgresStore)(nil)
