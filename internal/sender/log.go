package sender

import (
	"context"
	"log"

	"github.com/google/uuid"

	"github.com/ignite/dispatch/internal/pkg/logger"
)

// LogSender is the development transport: every send succeeds and is only
// logged. Used when no SES credentials are configured.
type LogSender struct{}

// NewLogSender creates a log-only sender.
func NewLogSender() *LogSender { return &LogSender{} }

func (s *LogSender) Send(_ context.Context, msg *Message) (*Result, error) {
	id := "dev-" + uuid.New().String()
	log.Printf("[LogSender] would send campaign=%s to=%s subject=%q msg_id=%s",
		msg.CampaignID, logger.RedactEmail(msg.Email), msg.Subject, id)
	return &Result{MessageID: id}, nil
}

var _ Sender = (*LogSender)(nil)
