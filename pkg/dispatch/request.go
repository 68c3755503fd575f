package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// RequestKind selects the send mode of a Request.
type RequestKind string

const (
	RequestDevice     RequestKind = "device"
	RequestDeviceList RequestKind = "deviceList"
	RequestTopic      RequestKind = "topic"
)

// Request is the generic dispatch request accepted by the /dispatch route and
// carried on the ingestion subscription.
type Request struct {
	RecipientKind RequestKind       `json:"recipientKind"`
	Recipients    RecipientList     `json:"recipients"`
	Title         string            `json:"title"`
	Body          string            `json:"body"`
	Data          map[string]string `json:"data,omitempty"`
}

// RecipientList is the raw recipients field. On the wire it is either a
// single string or a list of strings.
type RecipientList []string

func (l *RecipientList) UnmarshalJSON(raw []byte) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var one string
		if err := json.Unmarshal(raw, &one); err != nil {
			return err
		}
		*l = RecipientList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return fmt.Errorf("recipients must be a string or a list of strings: %w", err)
	}
	*l = many
	return nil
}

// Payload returns the request content as an immutable Payload.
func (r *Request) Payload() Payload {
	return NewPayload(r.Title, r.Body, r.Data)
}

// Targets converts the raw recipient strings. Single and topic requests must
// name exactly one recipient.
func (r *Request) Targets() ([]Recipient, error) {
	switch r.RecipientKind {
	case RequestDevice, RequestTopic:
		if len(r.Recipients) != 1 {
			return nil, WrapValidation(fmt.Errorf("%s request needs exactly one recipient, got %d", r.RecipientKind, len(r.Recipients)))
		}
		if r.RecipientKind == RequestTopic {
			return []Recipient{Topic(r.Recipients[0])}, nil
		}
		return []Recipient{Device(r.Recipients[0])}, nil
	case RequestDeviceList:
		if len(r.Recipients) == 0 {
			return nil, WrapValidation(fmt.Errorf("deviceList request has no recipients"))
		}
		out := make([]Recipient, len(r.Recipients))
		for i, tok := range r.Recipients {
			out[i] = Device(tok)
		}
		return out, nil
	default:
		return nil, WrapValidation(fmt.Errorf("unknown recipientKind %q", r.RecipientKind))
	}
}

// Execute runs the request against d. Single and topic sends come back as a
// one-outcome BatchResult so callers can treat all kinds alike.
func (r *Request) Execute(ctx context.Context, d Dispatcher) (*BatchResult, error) {
	targets, err := r.Targets()
	if err != nil {
		return nil, err
	}
	p := r.Payload()
	if r.RecipientKind == RequestDeviceList {
		return d.SendMany(ctx, targets, p)
	}
	out, err := d.SendOne(ctx, targets[0], p)
	switch CodeOf(err) {
	case CodeAuth, CodeValidation:
		return nil, err
	}
	return &BatchResult{Outcomes: []Outcome{out}}, err
}
