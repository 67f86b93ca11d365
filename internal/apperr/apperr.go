// Package apperr defines the closed set of error kinds that cross the
// tile-serving hot path, replacing exception-driven upstream control flow
// with a tagged result the retry policy can switch on exhaustively.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind is one of the error kinds the system distinguishes on its hot path.
type Kind string

const (
	BadRequest        Kind = "bad_request"
	NotFound          Kind = "not_found"
	Throttled         Kind = "throttled"
	Unauthorized      Kind = "unauthorized"
	Forbidden         Kind = "forbidden"
	UpstreamTransient Kind = "upstream_transient"
	UpstreamPermanent Kind = "upstream_permanent"
	Timeout           Kind = "timeout"
	Internal          Kind = "internal"
)

// Error wraps an underlying cause with a Kind and, for Throttled, a
// Retry-After hint.
type Error struct {
	Kind       Kind
	Err        error
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err (which may be nil) in an *Error of the given kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf formats a message and wraps it as the given kind.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Throttle builds a Throttled error carrying a Retry-After duration.
func Throttle(retryAfter time.Duration, err error) *Error {
	return &Error{Kind: Throttled, Err: err, RetryAfter: retryAfter}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind carried by err, defaulting to Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// HTTPStatus maps a Kind to the wire-level status code from spec §7.
func HTTPStatus(kind Kind) int {
	switch kind {
	case BadRequest:
		return 400
	case NotFound:
		return 404
	case Throttled:
		return 429
	case Unauthorized:
		return 401
	case Forbidden:
		return 403
	case UpstreamTransient, UpstreamPermanent:
		return 502
	case Timeout:
		return 504
	default:
		return 500
	}
}
