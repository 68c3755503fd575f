package dispatch

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels for the dispatch error taxonomy. Use errors.Is to classify.
var (
	// ErrAuth means no credential could be obtained; the whole call aborts.
	ErrAuth = errors.New("auth error")
	// ErrValidation means the request was malformed; nothing was sent.
	ErrValidation = errors.New("validation error")
	// ErrPermanentDelivery means the provider rejected this recipient.
	ErrPermanentDelivery = errors.New("permanent delivery error")
	// ErrTransientDelivery means a network or provider side failure; the
	// caller may retry the whole call later.
	ErrTransientDelivery = errors.New("transient delivery error")
)

// ErrorCode is the serialisable form of the taxonomy.
type ErrorCode string

const (
	CodeNone         ErrorCode = ""
	CodeAuth         ErrorCode = "auth"
	CodeValidation   ErrorCode = "validation"
	CodePermanent    ErrorCode = "permanent"
	CodeTransient    ErrorCode = "transient"
	CodeNotAttempted ErrorCode = "not_attempted"
)

func wrap(sentinel, err error) error {
	if err == nil {
		return sentinel
	}
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

func WrapAuth(err error) error       { return wrap(ErrAuth, err) }
func WrapValidation(err error) error { return wrap(ErrValidation, err) }
func WrapPermanent(err error) error  { return wrap(ErrPermanentDelivery, err) }
func WrapTransient(err error) error  { return wrap(ErrTransientDelivery, err) }

// CodeOf maps an error onto its ErrorCode. Unclassified errors count as
// transient since nothing proves the recipient is bad.
func CodeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return CodeNone
	case errors.Is(err, ErrAuth):
		return CodeAuth
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrPermanentDelivery):
		return CodePermanent
	default:
		return CodeTransient
	}
}

// AsError converts an outcome back into an error, nil on success.
func (o Outcome) AsError() error {
	if o.Success {
		return nil
	}
	if o.Err != nil {
		return o.Err
	}
	switch o.ErrorCode {
	case CodePermanent:
		return WrapPermanent(errors.New(o.ErrorDetail))
	case CodeValidation:
		return WrapValidation(errors.New(o.ErrorDetail))
	case CodeAuth:
		return WrapAuth(errors.New(o.ErrorDetail))
	default:
		return WrapTransient(errors.New(o.ErrorDetail))
	}
}

func errMissing(fields []string) error {
	return fmt.Errorf("missing required fields: %s", strings.Join(fields, ", "))
}

// ErrReceiptNotFound is returned by ReceiptStore.Get for unknown ids.
var ErrReceiptNotFound = errors.New("receipt not found")
