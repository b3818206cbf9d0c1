// Package channel holds the transport adapters that put a rendered
// notification on the wire.
//
// A Sender is pure I/O: it never retries and never looks at preferences.
// Failures are returned as errors; a failure that will not improve on retry
// (invalid address, revoked webhook, blocked bot) is wrapped with Permanent.
package channel

import (
	"context"
	"errors"
	"fmt"

	"changenotify/internal/domain"
)

var (
	ErrNoRecipient = errors.New("channel: empty recipient")
	ErrUnavailable = errors.New("channel: not configured")
)

// Message is rendered content addressed to one recipient.
type Message struct {
	Recipient string
	Subject   string
	Body      string
	Severity  domain.Severity
	// Metadata carries optional context (event id, record id) for adapters
	// that can attach it to the outbound payload.
	Metadata map[string]string
}

// Receipt is what the transport told us about an accepted message.
type Receipt struct {
	MessageID string
	Response  []byte
}

// Sender delivers messages on one channel.
type Sender interface {
	Channel() domain.Channel
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// SenderFunc adapts a function into a Sender.
type SenderFunc struct {
	Ch domain.Channel
	Fn func(ctx context.Context, msg Message) (Receipt, error)
}

func (f SenderFunc) Channel() domain.Channel { return f.Ch }
func (f SenderFunc) Send(ctx context.Context, msg Message) (Receipt, error) {
	return f.Fn(ctx, msg)
}

// Permanent marks an error as non-retryable.
//
// Senders wrap bounces and invalid-address failures so the delivery tracker
// can stop immediately instead of spending the retry budget.
//
//	return channel.Permanent(fmt.Errorf("smtp 550: %w", err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }
