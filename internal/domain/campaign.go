package domain

import "time"

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignQueued    CampaignStatus = "queued"
	CampaignSending   CampaignStatus = "sending"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
)

// Campaign is an email campaign with its delivery configuration and
// engagement counters. Once the status leaves draft the engine owns the
// record exclusively: counters only move through atomic increments and the
// status only moves through state-machine transitions, never by overwrite.
type Campaign struct {
	ID          string         `json:"id" db:"id"`
	Name        string         `json:"name" db:"name"`
	Subject     string         `json:"subject" db:"subject"`
	FromName    string         `json:"from_name" db:"from_name"`
	FromEmail   string         `json:"from_email" db:"from_email"`
	HTMLContent string         `json:"html_content" db:"html_content"`
	Status      CampaignStatus `json:"status" db:"status"`

	// SendRate is the outbound budget in messages per rolling 60s window.
	SendRate int `json:"send_rate" db:"send_rate"`

	TotalRecipients int `json:"total_recipients" db:"total_recipients"`

	// Monotonic counters. uniqueOpens <= openCount and
	// uniqueClicks <= clickCount always hold.
	SentCount        int `json:"sent_count" db:"sent_count"`
	DeliveredCount   int `json:"delivered_count" db:"delivered_count"`
	OpenCount        int `json:"open_count" db:"open_count"`
	UniqueOpens      int `json:"unique_opens" db:"unique_opens"`
	ClickCount       int `json:"click_count" db:"click_count"`
	UniqueClicks     int `json:"unique_clicks" db:"unique_clicks"`
	BounceCount      int `json:"bounce_count" db:"bounce_count"`
	UnsubscribeCount int `json:"unsubscribe_count" db:"unsubscribe_count"`

	StartedAt   *time.Time `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignCompleted || c.Status == CampaignFailed
}

// IsActive returns true while the engine may still dispatch for the campaign.
func (c *Campaign) IsActive() bool {
	return c.Status == CampaignSending || c.Status == CampaignPaused || c.Status == CampaignQueued
}

// Subscriber is a recipient known to the engine. Only the fields the
// dispatch and unsubscribe paths need; profile data lives elsewhere.
type Subscriber struct {
	ID           string     `json:"id" db:"id"`
	Email        string     `json:"email" db:"email"`
	Unsubscribed bool       `json:"unsubscribed" db:"unsubscribed"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    *time.Time `json:"updated_at" db:"updated_at"`
}
