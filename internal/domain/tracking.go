package domain

import "time"

// EmailSend is the record of one successfully dispatched task. It carries
// the unguessable tracking ID that keys the open/click endpoints. The
// nullable timestamps are first-write-wins: once OpenedAt or ClickedAt is
// set it is never rewritten by a later event.
type EmailSend struct {
	ID           string     `json:"id" db:"id"`
	CampaignID   string     `json:"campaign_id" db:"campaign_id"`
	SubscriberID string     `json:"subscriber_id" db:"subscriber_id"`
	Email        string     `json:"email" db:"email"`
	TrackingID   string     `json:"tracking_id" db:"tracking_id"`
	MessageID    string     `json:"message_id" db:"message_id"`
	SentAt       time.Time  `json:"sent_at" db:"sent_at"`
	OpenedAt     *time.Time `json:"opened_at" db:"opened_at"`
	ClickedAt    *time.Time `json:"clicked_at" db:"clicked_at"`
}

// EventType enumerates the append-only email event log entries.
type EventType string

const (
	EventSent         EventType = "sent"
	EventOpened       EventType = "opened"
	EventClicked      EventType = "clicked"
	EventBounced      EventType = "bounced"
	EventUnsubscribed EventType = "unsubscribed"
)

// EmailEvent is one entry in the append-only audit log backing counter
// reconciliation. Events are never mutated or deleted.
type EmailEvent struct {
	ID         string    `json:"id" db:"id"`
	SendID     string    `json:"send_id" db:"send_id"`
	CampaignID string    `json:"campaign_id" db:"campaign_id"`
	EventType  EventType `json:"event_type" db:"event_type"`
	Metadata   string    `json:"metadata" db:"metadata"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
