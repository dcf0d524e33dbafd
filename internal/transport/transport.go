// Package transport abstracts the outbound mail provider. The dispatcher only
// cares about two things: the provider message id of an accepted send, and
// whether a failure is worth retrying.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Message is a fully rendered email ready for handoff to a provider.
type Message struct {
	To        string
	ToName    string
	FromEmail string
	FromName  string
	Subject   string
	HTML      string

	// Tagged onto the provider send so engagement webhooks can be
	// correlated back to the step that produced the message.
	CampaignID   uuid.UUID
	EnrollmentID uuid.UUID
	StepID       string
}

// State is the delivery state reported at send time. Providers that only
// confirm acceptance report StateSent; delivery confirmation arrives later
// through engagement webhooks.
type State string

const (
	StateSent      State = "sent"
	StateDelivered State = "delivered"
)

// Result is a successful provider handoff.
type Result struct {
	ProviderMessageID string
	State             State
}

// TransientError marks a failure the dispatcher should retry: throttling,
// provider 5xx, network timeouts.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient send failure: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure retrying cannot fix: rejected recipient,
// suspended sending account, malformed content.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent send failure: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether the dispatcher should retry the send.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Transport hands a rendered message to a mail provider.
type Transport interface {
	Send(ctx context.Context, msg *Message) (*Result, error)
	Name() string
}
