// Package apperr holds the error kinds shared by the fulfillment and asset
// coordinators. Callers test kinds with errors.Is.
package apperr

import "github.com/pkg/errors"

var (
	ErrValidation          = errors.New("validation error")
	ErrAlreadyOwned        = errors.New("item already owned")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrNotFound            = errors.New("not found")
	ErrUploadFailure       = errors.New("upload failure")
	ErrTransactionConflict = errors.New("transaction conflict")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrOrderClosed         = errors.New("order already closed")
)

type kindError struct {
	kind  error
	cause error
	msg   string
}

func (e *kindError) Error() string {
	switch {
	case e.cause == nil:
		return e.msg + ": " + e.kind.Error()
	case e.msg == "":
		return e.kind.Error() + ": " + e.cause.Error()
	default:
		return e.msg + ": " + e.kind.Error() + ": " + e.cause.Error()
	}
}

func (e *kindError) Is(target error) bool { return target == e.kind }

func (e *kindError) Unwrap() error { return e.cause }

// Wrap tags cause with kind. The result matches kind through errors.Is and
// still unwraps to cause.
func Wrap(kind, cause error, msg string) error {
	return &kindError{kind: kind, cause: cause, msg: msg}
}

// Validation reports malformed input.
func Validation(format string, args ...any) error {
	return errors.Wrapf(ErrValidation, format, args...)
}

// NotFound reports a missing order or item.
func NotFound(format string, args ...any) error {
	return errors.Wrapf(ErrNotFound, format, args...)
}

// Upstream tags a failed call to the gateway or one of the stores.
func Upstream(cause error, msg string) error {
	return Wrap(ErrUpstreamUnavailable, cause, msg)
}
