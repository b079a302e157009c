// Package tracking ingests engagement events: opens, clicks and
// unsubscribes. Ingestion is idempotent end to end — duplicate pixel loads,
// link re-clicks and repeated unsubscribes converge to the same state, with
// the unique/total split decided by single compare-and-set writes.
package tracking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrUnknownTracking is returned for a tracking ID no send record carries.
// Handlers swallow it: the pixel and redirect must work regardless.
var ErrUnknownTracking = errors.New("tracking: unknown tracking id")

// Meta is the request context recorded with each event.
type Meta struct {
	IP        string
	UserAgent string
}

func (m Meta) json() string {
	return fmt.Sprintf(`{"ip":%q,"ua":%q}`, m.IP, m.UserAgent)
}

// Ingestor writes engagement events against the send records. SQL lives
// directly in this package; the statements are the semantics.
type Ingestor struct {
	db *sql.DB
}

// NewIngestor creates an ingestor over db.
func NewIngestor(db *sql.DB) *Ingestor {
	return &Ingestor{db: db}
}

// RecordOpen registers one pixel load. The first open for a send wins the
// opened_at compare-and-set and bumps both openCount and uniqueOpens; every
// later open bumps openCount only. Reports whether this open was the first.
func (i *Ingestor) RecordOpen(ctx context.Context, trackingID string, meta Meta) (bool, error) {
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin open: %w", err)
	}
	defer tx.Rollback()

	// First occurrence is decided by this single statement: exactly one
	// concurrent open can match opened_at IS NULL.
	var sendID, campaignID string
	unique := true
	err = tx.QueryRowContext(ctx, `
		UPDATE email_sends SET opened_at = NOW()
		WHERE tracking_id = $1 AND opened_at IS NULL
		RETURNING id, campaign_id`, trackingID).Scan(&sendID, &campaignID)
	if err == sql.ErrNoRows {
		unique = false
		err = tx.QueryRowContext(ctx, `
			SELECT id, campaign_id FROM email_sends WHERE tracking_id = $1`,
			trackingID).Scan(&sendID, &campaignID)
		if err == sql.ErrNoRows {
			return false, ErrUnknownTracking
		}
	}
	if err != nil {
		return false, fmt.Errorf("resolve open: %w", err)
	}

	if unique {
		_, err = tx.ExecContext(ctx, `
			UPDATE campaigns
			SET open_count = open_count + 1, unique_opens = unique_opens + 1, updated_at = NOW()
			WHERE id = $1`, campaignID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE campaigns SET open_count = open_count + 1, updated_at = NOW()
			WHERE id = $1`, campaignID)
	}
	if err != nil {
		return false, fmt.Errorf("increment open counters: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO email_events (id, send_id, campaign_id, event_type, metadata, created_at)
		VALUES ($1, $2, $3, 'opened', $4, NOW())`,
		uuid.New().String(), sendID, campaignID, meta.json()); err != nil {
		return false, fmt.Errorf("insert open event: %w", err)
	}

	return unique, tx.Commit()
}

// RecordClick registers one link click, symmetric to RecordOpen on
// clicked_at / clickCount / uniqueClicks. The clicked URL is kept in the
// event metadata.
func (i *Ingestor) RecordClick(ctx context.Context, trackingID, targetURL string, meta Meta) (bool, error) {
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin click: %w", err)
	}
	defer tx.Rollback()

	var sendID, campaignID string
	unique := true
	err = tx.QueryRowContext(ctx, `
		UPDATE email_sends SET clicked_at = NOW()
		WHERE tracking_id = $1 AND clicked_at IS NULL
		RETURNING id, campaign_id`, trackingID).Scan(&sendID, &campaignID)
	if err == sql.ErrNoRows {
		unique = false
		err = tx.QueryRowContext(ctx, `
			SELECT id, campaign_id FROM email_sends WHERE tracking_id = $1`,
			trackingID).Scan(&sendID, &campaignID)
		if err == sql.ErrNoRows {
			return false, ErrUnknownTracking
		}
	}
	if err != nil {
		return false, fmt.Errorf("resolve click: %w", err)
	}

	if unique {
		_, err = tx.ExecContext(ctx, `
			UPDATE campaigns
			SET click_count = click_count + 1, unique_clicks = unique_clicks + 1, updated_at = NOW()
			WHERE id = $1`, campaignID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE campaigns SET click_count = click_count + 1, updated_at = NOW()
			WHERE id = $1`, campaignID)
	}
	if err != nil {
		return false, fmt.Errorf("increment click counters: %w", err)
	}

	metadata := fmt.Sprintf(`{"url":%q,"ip":%q,"ua":%q}`, targetURL, meta.IP, meta.UserAgent)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO email_events (id, send_id, campaign_id, event_type, metadata, created_at)
		VALUES ($1, $2, $3, 'clicked', $4, NOW())`,
		uuid.New().String(), sendID, campaignID, metadata); err != nil {
		return false, fmt.Errorf("insert click event: %w", err)
	}

	return unique, tx.Commit()
}

// Unsubscribe flags the address and, when a send record exists for it,
// appends exactly one UNSUBSCRIBED event per send. Unknown addresses
// succeed silently so the endpoint reveals nothing about list membership.
func (i *Ingestor) Unsubscribe(ctx context.Context, email string) error {
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin unsubscribe: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE subscribers SET unsubscribed = TRUE, updated_at = NOW()
		WHERE email = $1`, email); err != nil {
		return fmt.Errorf("flag subscriber: %w", err)
	}

	var sendID, campaignID string
	err = tx.QueryRowContext(ctx, `
		SELECT id, campaign_id FROM email_sends
		WHERE email = $1 ORDER BY sent_at DESC LIMIT 1`, email).Scan(&sendID, &campaignID)
	if err == sql.ErrNoRows {
		// Nothing was ever sent here; the flag alone is the outcome.
		return tx.Commit()
	}
	if err != nil {
		return fmt.Errorf("resolve last send: %w", err)
	}

	if err := i.appendUnsubscribe(ctx, tx, sendID, campaignID); err != nil {
		return err
	}
	return tx.Commit()
}

// UnsubscribeByTracking is the footer-link variant, keyed by the send the
// email came from.
func (i *Ingestor) UnsubscribeByTracking(ctx context.Context, trackingID string) error {
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin unsubscribe: %w", err)
	}
	defer tx.Rollback()

	var sendID, campaignID, email string
	err = tx.QueryRowContext(ctx, `
		SELECT id, campaign_id, email FROM email_sends WHERE tracking_id = $1`,
		trackingID).Scan(&sendID, &campaignID, &email)
	if err == sql.ErrNoRows {
		return ErrUnknownTracking
	}
	if err != nil {
		return fmt.Errorf("resolve tracking id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE subscribers SET unsubscribed = TRUE, updated_at = NOW()
		WHERE email = $1`, email); err != nil {
		return fmt.Errorf("flag subscriber: %w", err)
	}
	if err := i.appendUnsubscribe(ctx, tx, sendID, campaignID); err != nil {
		return err
	}
	return tx.Commit()
}

// appendUnsubscribe inserts the UNSUBSCRIBED event for one send. The
// partial unique index on email_events (send_id where
// event_type='unsubscribed') makes the insert a no-op on repeat, and the
// campaign counter only moves when the insert landed.
func (i *Ingestor) appendUnsubscribe(ctx context.Context, tx *sql.Tx, sendID, campaignID string) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO email_events (id, send_id, campaign_id, event_type, created_at)
		VALUES ($1, $2, $3, 'unsubscribed', NOW())
		ON CONFLICT DO NOTHING`,
		uuid.New().String(), sendID, campaignID)
	if err != nil {
		return fmt.Errorf("insert unsubscribe event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE campaigns SET unsubscribe_count = unsubscribe_count + 1, updated_at = NOW()
			WHERE id = $1`, campaignID); err != nil {
			return fmt.Errorf("increment unsubscribe_count: %w", err)
		}
	}
	return nil
}
