// Package apperr defines the error taxonomy shared by the engine packages.
//
// Three kinds cover every caller-visible failure:
//   - NotFound: a referenced user, escrow or withdrawal row does not exist
//   - Validation: a precondition was violated (insufficient balance, wrong
//     state for the requested transition, missing required field)
//   - Internal: the atomic unit of work could not commit (store unavailable,
//     conflict after the retry budget is exhausted)
//
// Guard violations are expected outcomes, not exceptions: they are returned
// as typed errors and never leave partial state behind.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the stable machine-readable error category.
type Kind string

const (
	KindNotFound   Kind = "not_found"
	KindValidation Kind = "validation_error"
	KindInternal   Kind = "internal_error"
)

// Error carries a kind plus a human-readable message. It supports
// errors.Is against other *Error values of the same kind and message,
// and unwrapping of a wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets sentinel errors built with NotFound/Validation match wrapped
// copies of themselves created by Wrapf.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Message == t.Message
}

// NotFound creates a not-found sentinel.
func NotFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

// Validation creates a precondition-violation sentinel.
func Validation(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

// Internal wraps an infrastructure failure.
func Internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

// Wrapf returns a copy of sentinel with formatted detail appended to the
// message. errors.Is(result, sentinel) still holds.
func Wrapf(sentinel *Error, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    sentinel.Kind,
		Message: sentinel.Message,
		Err:     fmt.Errorf(format, args...),
	}
}

// KindOf classifies an arbitrary error. Unrecognized errors are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsValidation reports whether err is a precondition violation.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }
