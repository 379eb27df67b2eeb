package errs

import (
	"context"
	"errors"
	"fmt"
)

// Error is a classified failure with user-facing text.
// errors.Is matches Kind, errors.Unwrap returns the cause.
type Error struct {
	Kind  error  // one of the kind sentinels
	Msg   string // actionable text safe to show to the user
	Field string // offending input field, optional
	Err   error  // underlying cause, optional
}

// Error implements error.
func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return e.Msg + ": " + e.Err.Error()
}

// Is reports whether target is the kind of e.
func (e *Error) Is(target error) bool { return target == e.Kind }

// Unwrap returns the cause.
func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error without a cause.
func New(kind error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap classifies cause under kind.
func Wrap(kind error, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// Validation builds an ErrValidation for field with a formatted message.
func Validation(field, format string, args ...any) *Error {
	return &Error{Kind: ErrValidation, Field: field, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind sentinel err belongs to, or nil if it is unclassified.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Classify returns err unchanged when it already belongs to the closed set,
// otherwise wraps it under fallback. Context cancellation and deadlines are
// reported as connection failures.
func Classify(err error, fallback error, msg string) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != nil {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Wrap(ErrConnection, msg, err)
	}
	return Wrap(fallback, msg, err)
}

// Permanent reports whether err must not be retried automatically.
func Permanent(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrAuthentication)
}
