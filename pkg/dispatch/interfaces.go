package dispatch

import (
	"context"
)

// Dispatcher is the engine contract consumed by the HTTP API, the Pub/Sub
// pipeline and the CLI.
type Dispatcher interface {
	// SendOne delivers to a single recipient. Delivery failures are reported
	// both in the Outcome and as the returned error.
	SendOne(ctx context.Context, r Recipient, p Payload) (Outcome, error)

	// SendMany delivers to every recipient independently. A non-nil error
	// means the call aborted (auth, validation) or was cancelled; in the
	// cancelled case the partial BatchResult is still returned.
	SendMany(ctx context.Context, rs []Recipient, p Payload) (*BatchResult, error)

	// SendTopic is SendOne with a Topic recipient.
	SendTopic(ctx context.Context, topic string, p Payload) (Outcome, error)
}

// CredentialSource hands out provider credentials that are valid at return time.
type CredentialSource interface {
	Token(ctx context.Context) (Credential, error)
}

// ReceiptStore keeps the outcome summary of past dispatch calls.
type ReceiptStore interface {
	Save(ctx context.Context, receipt *Receipt) error
	// Get returns ErrReceiptNotFound when no receipt exists for id.
	Get(ctx context.Context, id string) (*Receipt, error)
	// List returns up to limit receipts, newest first.
	List(ctx context.Context, limit int) ([]*Receipt, error)
}
