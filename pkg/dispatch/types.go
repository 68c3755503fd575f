// Package dispatch contains the public domain model shared by the dispatch
// engine and the surfaces that feed it (HTTP API, Pub/Sub pipeline, CLI).
package dispatch

import (
	"maps"
	"time"
)

// Credential is a bearer token minted for the push provider.
type Credential struct {
	Token     string
	ExpiresAt time.Time
	Scope     string
}

// ValidFor reports whether the credential is still usable margin from now.
func (c Credential) ValidFor(now time.Time, margin time.Duration) bool {
	return c.Token != "" && c.ExpiresAt.After(now.Add(margin))
}

// RecipientKind identifies how a Recipient is addressed.
type RecipientKind string

const (
	KindDevice RecipientKind = "device"
	KindTopic  RecipientKind = "topic"
)

// Recipient identifies exactly one send target.
type Recipient struct {
	Kind  RecipientKind `json:"kind"`
	Value string        `json:"value"`
}

// Device addresses a single registration token.
func Device(token string) Recipient {
	return Recipient{Kind: KindDevice, Value: token}
}

// Topic addresses every subscriber of a named topic.
func Topic(name string) Recipient {
	return Recipient{Kind: KindTopic, Value: name}
}

func (r Recipient) String() string {
	return string(r.Kind) + ":" + r.Value
}

// Short renders the recipient with long device tokens truncated, for logs.
func (r Recipient) Short() string {
	v := r.Value
	if r.Kind == KindDevice && len(v) > 12 {
		v = v[:6] + "..." + v[len(v)-4:]
	}
	return string(r.Kind) + ":" + v
}

// Payload is the caller supplied notification content.
type Payload struct {
	Title string
	Body  string
	data  map[string]string
}

// NewPayload copies data so later changes by the caller do not leak into
// messages already being built.
func NewPayload(title, body string, data map[string]string) Payload {
	var cp map[string]string
	if len(data) > 0 {
		cp = maps.Clone(data)
	}
	return Payload{Title: title, Body: body, data: cp}
}

// Data returns a copy of the custom key/value data.
func (p Payload) Data() map[string]string {
	if len(p.data) == 0 {
		return map[string]string{}
	}
	return maps.Clone(p.data)
}

// Validate rejects payloads the provider would refuse anyway.
func (p Payload) Validate() error {
	var missing []string
	if p.Title == "" {
		missing = append(missing, "title")
	}
	if p.Body == "" {
		missing = append(missing, "body")
	}
	if len(missing) > 0 {
		return WrapValidation(errMissing(missing))
	}
	return nil
}

// Outcome is the result of one delivery attempt for one recipient.
type Outcome struct {
	Recipient   Recipient `json:"recipient"`
	Success     bool      `json:"success"`
	MessageID   string    `json:"messageId,omitempty"`
	ErrorCode   ErrorCode `json:"errorCode,omitempty"`
	ErrorDetail string    `json:"errorDetail,omitempty"`
	Err         error     `json:"-"`
}

// Succeeded builds a success outcome.
func Succeeded(r Recipient, messageID string) Outcome {
	return Outcome{Recipient: r, Success: true, MessageID: messageID}
}

// Failed builds a failure outcome classified from err.
func Failed(r Recipient, err error) Outcome {
	return Outcome{
		Recipient:   r,
		ErrorCode:   CodeOf(err),
		ErrorDetail: err.Error(),
		Err:         err,
	}
}

// NotAttempted marks a recipient that was never sent to because the call was
// cancelled first.
func NotAttempted(r Recipient, cause error) Outcome {
	o := Outcome{Recipient: r, ErrorCode: CodeNotAttempted, Err: cause}
	if cause != nil {
		o.ErrorDetail = cause.Error()
	}
	return o
}

// BatchResult holds one outcome per input recipient, in input order.
// Duplicate recipients are dispatched once per occurrence and each occurrence
// keeps its own outcome.
type BatchResult struct {
	Outcomes []Outcome
}

func (b *BatchResult) TotalCount() int {
	return len(b.Outcomes)
}

func (b *BatchResult) SuccessCount() int {
	n := 0
	for _, o := range b.Outcomes {
		if o.Success {
			n++
		}
	}
	return n
}

func (b *BatchResult) FailureCount() int {
	return b.TotalCount() - b.SuccessCount()
}

// ByToken collapses the outcomes into recipient value -> success. When a
// recipient occurs more than once, the last occurrence wins.
func (b *BatchResult) ByToken() map[string]bool {
	out := make(map[string]bool, len(b.Outcomes))
	for _, o := range b.Outcomes {
		out[o.Recipient.Value] = o.Success
	}
	return out
}

// Receipt is the stored summary of one dispatch call.
type Receipt struct {
	ID           string         `json:"id" firestore:"id"`
	Kind         string         `json:"kind" firestore:"kind"`
	Title        string         `json:"title" firestore:"title"`
	TotalCount   int            `json:"totalCount" firestore:"total_count"`
	SuccessCount int            `json:"successCount" firestore:"success_count"`
	Results      []ReceiptEntry `json:"results" firestore:"results"`
	CreatedAt    time.Time      `json:"createdAt" firestore:"created_at"`
}

// ReceiptEntry is the stored form of an Outcome.
type ReceiptEntry struct {
	Recipient string    `json:"recipient" firestore:"recipient"`
	Success   bool      `json:"success" firestore:"success"`
	MessageID string    `json:"messageId,omitempty" firestore:"message_id,omitempty"`
	ErrorCode ErrorCode `json:"errorCode,omitempty" firestore:"error_code,omitempty"`
}

// NewReceipt summarises outcomes under the given id.
func NewReceipt(id, kind, title string, outcomes []Outcome, at time.Time) *Receipt {
	r := &Receipt{
		ID:         id,
		Kind:       kind,
		Title:      title,
		TotalCount: len(outcomes),
		Results:    make([]ReceiptEntry, 0, len(outcomes)),
		CreatedAt:  at.UTC(),
	}
	for _, o := range outcomes {
		if o.Success {
			r.SuccessCount++
		}
		r.Results = append(r.Results, ReceiptEntry{
			Recipient: o.Recipient.Short(),
			Success:   o.Success,
			MessageID: o.MessageID,
			ErrorCode: o.ErrorCode,
		})
	}
	return r
}
