// Package apperr enumerates the job lifecycle's error kinds as comparable
// sentinels, so callers branch with errors.Is instead of string matching.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a closed set of error categories a job operation can fail with.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindAlreadyExists      Kind = "already_exists"
	KindInvalidTransition Kind = "invalid_transition"
	KindTimeout           Kind = "timeout"
	KindCancelled         Kind = "cancelled"
	KindFetchFailed       Kind = "fetch_failed"
	KindModelCallFailed   Kind = "model_call_failed"
	KindInternal          Kind = "internal"
)

// Error wraps a Kind with a message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, apperr.ErrTimeout) match against any *Error of the
// same Kind, regardless of message or cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around an existing error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Sentinel values usable with errors.Is; the Message/Cause fields are
// ignored by Is, only Kind is compared.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrAlreadyExists     = &Error{Kind: KindAlreadyExists}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrCancelled         = &Error{Kind: KindCancelled}
	ErrFetchFailed       = &Error{Kind: KindFetchFailed}
	ErrModelCallFailed   = &Error{Kind: KindModelCallFailed}
	ErrInternal          = &Error{Kind: KindInternal}
)

// KindOf extracts the Kind from err, if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
