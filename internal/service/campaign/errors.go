package campaign

import "errors"

// Sentinel errors for the campaign service layer.
var (
	ErrNotFound          = errors.New("campaign not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNoRecipients      = errors.New("campaign has no eligible recipients")
	// ErrQueueSaturated is retryable: the global queue is over its depth
	// threshold and the start should be attempted again later.
	ErrQueueSaturated = errors.New("send queue saturated, try again later")
)
