// Package errs defines the typed error taxonomy shared by the access,
// workspace and billing layers.
//
// Storage and provider failures are translated into these kinds at the
// service boundary so that HTTP handlers can map them to status codes
// without inspecting driver-specific errors.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers.
type Kind string

const (
	KindInternal         Kind = "internal"
	KindUnauthenticated  Kind = "unauthenticated"
	KindForbidden        Kind = "forbidden"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindValidation       Kind = "validation"
	KindExternalProvider Kind = "external_provider"
	KindNotConfigured    Kind = "not_configured"
	KindUpgradeRequired  Kind = "upgrade_required"
)

// Error is a classified error with a caller-safe message.
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

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind and message, so sentinels survive wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind && e.Message == t.Message
}

// Sentinel errors raised by the workspace lifecycle service.
var (
	ErrTooManyConflicts      = &Error{Kind: KindConflict, Message: "too many slug conflicts"}
	ErrAlreadyMember         = &Error{Kind: KindConflict, Message: "user is already a member of this workspace"}
	ErrCannotRemoveOwner     = &Error{Kind: KindValidation, Message: "cannot remove workspace owner"}
	ErrCannotChangeOwnerRole = &Error{Kind: KindValidation, Message: "cannot change workspace owner role"}
	ErrInvalidRole           = &Error{Kind: KindValidation, Message: "invalid role"}
)

func newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Unauthenticated(format string, args ...interface{}) *Error {
	return newf(KindUnauthenticated, format, args...)
}

func Forbidden(format string, args ...interface{}) *Error {
	return newf(KindForbidden, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return newf(KindNotFound, format, args...)
}

func Conflict(format string, args ...interface{}) *Error {
	return newf(KindConflict, format, args...)
}

func Validation(format string, args ...interface{}) *Error {
	return newf(KindValidation, format, args...)
}

func NotConfigured(format string, args ...interface{}) *Error {
	return newf(KindNotConfigured, format, args...)
}

// ExternalProvider wraps a failure talking to the payment provider.
func ExternalProvider(err error, format string, args ...interface{}) *Error {
	e := newf(KindExternalProvider, format, args...)
	e.Err = err
	return e
}

// Internal wraps an unexpected failure, typically persistence.
func Internal(err error, format string, args ...interface{}) *Error {
	e := newf(KindInternal, format, args...)
	e.Err = err
	return e
}

// Wrap attaches a cause to a classified error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message returns the caller-safe message of a classified error. Unclassified
// errors produce a generic message so internal details never leak.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindInternal {
			return "internal server error"
		}
		return e.Message
	}
	return "internal server error"
}
