// Package sender defines the outbound transport boundary. The engine only
// sees the Sender interface and the typed error classes; everything
// provider-specific stays behind an adapter.
package sender

import (
	"context"
	"errors"
	"fmt"
)

// Message is the fully-resolved email handed to the transport. Rendering
// and personalization happen upstream; by this point the content is final.
type Message struct {
	TaskID     string
	CampaignID string
	Email      string
	FromName   string
	FromEmail  string
	Subject    string
	HTMLBody   string
	TextBody   string
}

// Result is returned by a successful send.
type Result struct {
	// MessageID is the provider's identifier for the accepted message.
	MessageID string
}

// Sender delivers a single email. Implementations must be safe for
// concurrent use; the worker pool calls Send from many goroutines.
type Sender interface {
	Send(ctx context.Context, msg *Message) (*Result, error)
}

// ErrorClass categorizes a send failure for the retry policy.
type ErrorClass string

const (
	// ErrInvalidRecipient: the address can never be delivered to.
	ErrInvalidRecipient ErrorClass = "invalid_recipient"
	// ErrThrottled: the provider pushed back; retry after a delay.
	ErrThrottled ErrorClass = "throttled"
	// ErrTransient: timeouts, 5xx, connection failures; retry.
	ErrTransient ErrorClass = "transient_failure"
	// ErrPermanent: policy rejection or other unrecoverable failure.
	ErrPermanent ErrorClass = "permanent_failure"
)

// SendError is the typed failure returned by transport adapters.
type SendError struct {
	Class ErrorClass
	Err   error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed (%s): %v", e.Class, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// NewError wraps err with a class.
func NewError(class ErrorClass, err error) *SendError {
	return &SendError{Class: class, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(class ErrorClass, format string, args ...any) *SendError {
	return &SendError{Class: class, Err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err should never be retried. Unclassified
// errors are treated as transient: retrying a hopeless send wastes
// attempts, but dropping a recoverable one loses mail.
func IsPermanent(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Class == ErrInvalidRecipient || se.Class == ErrPermanent
	}
	return false
}

// ClassOf returns the error class, defaulting to transient for
// unclassified errors.
func ClassOf(err error) ErrorClass {
	var se *SendError
	if errors.As(err, &se) {
		return se.Class
	}
	return ErrTransient
}
