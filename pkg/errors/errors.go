// Package errors implements the error taxonomy shared by every Lithium
// component: a single Kind enum, a structured Error type carrying
// caller-facing context, and helpers for wrapping and classifying causes.
package errors

import (
	"errors"
	"fmt"
)

// Kind is one of the fixed error kinds a caller-facing operation may return.
// Kinds are never silently converted to success.
type Kind string

const (
	InvalidArgument  Kind = "invalid-argument"
	NotFound         Kind = "not-found"
	Conflict         Kind = "conflict"
	NotSupported     Kind = "not-supported"
	Timeout          Kind = "timeout"
	Cancelled        Kind = "cancelled"
	Transport        Kind = "transport"
	Disconnected     Kind = "disconnected"
	Faulted          Kind = "faulted"
	CyclicDependency Kind = "cyclic-dependency"
	StaleHandle      Kind = "stale-handle"
	TypeLocked       Kind = "type-locked"
	Internal         Kind = "internal"
)

// Error is the structured error every public Lithium operation returns.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// With attaches a context key/value and returns the same *Error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an *Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error of the given kind, preserving cause as the
// wrapped error. kind is used as given, even when cause is itself a *Error
// with a different Kind.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to Internal if err does not
// carry one of our structured errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err (or any error it wraps) has the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
