// Package apperr defines the error kinds the HTTP layer maps to status codes.
// Core components return errors wrapped around one of these sentinels so
// handlers can classify them with errors.Is without knowing the source.
package apperr

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Wrap with fmt.Errorf("context: %w", kind) or use the
// helper constructors below.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrValidation      = errors.New("validation failed")
	ErrPathTraversal   = errors.New("invalid file path")
	ErrRateLimited     = errors.New("rate limited")
	ErrTransient       = errors.New("transient failure")
	ErrInternal        = errors.New("internal error")
)

// Error carries a display-safe message alongside its kind. The message is
// what the HTTP layer returns to clients; the wrapped cause stays server-side.
type Error struct {
	Kind    error
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e.cause != nil {
		return e.cause
	}
	return e.Kind
}

// Is reports whether target matches this error's kind.
func (e *Error) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// New creates an Error of the given kind with a display-safe message.
func New(kind error, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted display-safe message.
func Newf(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a kinded error. The cause is never shown to
// clients outside development mode.
func Wrap(kind error, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// NotFound is shorthand for a NotFound error naming the missing thing.
func NotFound(what string) *Error {
	return Newf(ErrNotFound, "%s not found", what)
}

// Validation is shorthand for a Validation error.
func Validation(message string) *Error {
	return New(ErrValidation, message)
}

// Message returns the display-safe message for err. Unrecognized errors get
// a generic message so internal details never leak into responses.
func Message(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "Unauthorized"
	case errors.Is(err, ErrUnauthorized):
		return "Forbidden"
	case errors.Is(err, ErrNotFound):
		return "Not found"
	case errors.Is(err, ErrConflict):
		return "Conflict"
	case errors.Is(err, ErrValidation):
		return "Validation failed"
	case errors.Is(err, ErrPathTraversal):
		return "Invalid file path"
	case errors.Is(err, ErrRateLimited):
		return "Too many requests"
	}
	return "Internal server error"
}
