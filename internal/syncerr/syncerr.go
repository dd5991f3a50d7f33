// Package syncerr classifies errors the sync engine can receive from the
// planner HTTP surface and the token endpoint, per spec.md §7, so callers
// can switch on Kind instead of re-parsing status codes at every call site.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind is one error classification from spec.md §7's policy table.
type Kind string

const (
	Throttled          Kind = "throttled"
	PreconditionFailed Kind = "precondition_failed"
	NotFound           Kind = "not_found"
	Forbidden          Kind = "forbidden"
	CapacityExhausted  Kind = "capacity_exhausted"
	BadRequest         Kind = "bad_request"
	Transient          Kind = "transient"
	ConsentRequired    Kind = "consent_required"
	BadCredentials     Kind = "bad_credentials"
	ValidationFailed   Kind = "validation_failed"
)

// Error wraps an underlying cause with a Kind and optional Retry-After hint.
type Error struct {
	Kind       Kind
	RetryAfter float64 // seconds; zero if not provided
	cause      error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a classified Error.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, cause: cause}
}

// WithRetryAfter attaches a Retry-After duration (seconds) to a Throttled
// error, per spec.md §4.2.
func WithRetryAfter(kind Kind, cause error, retryAfterSeconds float64) *Error {
	return &Error{Kind: kind, cause: cause, RetryAfter: retryAfterSeconds}
}

// Is reports whether err (or something it wraps) is a classified Error of
// the given Kind.
func Is(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, returning ("", false) if err is not a
// classified Error.
func KindOf(err error) (Kind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}

// Terminal reports whether the error kind should never be retried for the
// same op (spec.md §7: CapacityExhausted, BadRequest are terminal).
func (k Kind) Terminal() bool {
	switch k {
	case CapacityExhausted, BadRequest:
		return true
	default:
		return false
	}
}

// HaltsWrites reports whether the error kind should halt planner writes and
// surface in sync:health (spec.md §7: ConsentRequired, BadCredentials).
func (k Kind) HaltsWrites() bool {
	switch k {
	case ConsentRequired, BadCredentials:
		return true
	default:
		return false
	}
}
