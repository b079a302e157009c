// Package postgres holds the Postgres-backed repositories.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/dispatch/internal/domain"
	"github.com/ignite/dispatch/internal/service/campaign"
)

// CampaignRepo implements campaign.Repository against PostgreSQL.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

const campaignColumns = `id, name, subject, from_name, from_email, COALESCE(html_content,''),
	       status, send_rate, total_recipients,
	       sent_count, delivered_count, open_count, unique_opens,
	       click_count, unique_clicks, bounce_count, unsubscribe_count,
	       started_at, completed_at, created_at, updated_at`

func scanCampaign(row interface{ Scan(...any) error }) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	var startedAt, completedAt sql.NullTime
	err := row.Scan(
		&c.ID, &c.Name, &c.Subject, &c.FromName, &c.FromEmail, &c.HTMLContent,
		&c.Status, &c.SendRate, &c.TotalRecipients,
		&c.SentCount, &c.DeliveredCount, &c.OpenCount, &c.UniqueOpens,
		&c.ClickCount, &c.UniqueClicks, &c.BounceCount, &c.UnsubscribeCount,
		&startedAt, &completedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		c.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}
	return c, nil
}

func (r *CampaignRepo) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (r *CampaignRepo) List(ctx context.Context, f campaign.ListFilter) ([]domain.Campaign, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT ` + campaignColumns + ` FROM campaigns`
	args := []any{}
	if f.Status != "" {
		q += ` WHERE status = $1`
		args = append(args, f.Status)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *CampaignRepo) Create(ctx context.Context, c *domain.Campaign) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, name, subject, from_name, from_email, html_content,
		                       status, send_rate, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())`,
		c.ID, c.Name, c.Subject, c.FromName, c.FromEmail, c.HTMLContent,
		c.Status, c.SendRate)
	if err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

// Transition is the compare-and-swap behind every status change. The WHERE
// clause carries the allowed source states; zero rows means the campaign
// moved (or never existed) and the caller's transition is invalid.
func (r *CampaignRepo) Transition(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus) error {
	states := make([]string, len(from))
	for i, st := range from {
		states[i] = string(st)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)`,
		id, to, pq.Array(states))
	if err != nil {
		return fmt.Errorf("transition campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return campaign.ErrInvalidTransition
	}
	return nil
}

func (r *CampaignRepo) SetTotals(ctx context.Context, id string, totalRecipients int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET total_recipients = $2, updated_at = NOW() WHERE id = $1`,
		id, totalRecipients)
	if err != nil {
		return fmt.Errorf("set totals: %w", err)
	}
	return nil
}

func (r *CampaignRepo) MarkStarted(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET started_at = COALESCE(started_at, NOW()), updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark started: %w", err)
	}
	return nil
}

func (r *CampaignRepo) MarkCompleted(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET completed_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

func (r *CampaignRepo) ActiveSubscribers(ctx context.Context) ([]*domain.Subscriber, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, email, unsubscribed, created_at
		FROM subscribers WHERE unsubscribed = FALSE`)
	if err != nil {
		return nil, fmt.Errorf("active subscribers: %w", err)
	}
	defer rows.Close()

	var out []*domain.Subscriber
	for rows.Next() {
		s := &domain.Subscriber{}
		if err := rows.Scan(&s.ID, &s.Email, &s.Unsubscribed, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

var _ campaign.Repository = (*CampaignRepo)(nil)
