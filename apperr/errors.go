// Package apperr defines the error taxonomy shared by every command of the
// engine. Each error carries a stable machine-readable Kind and a human
// message; callers branch on the kind, never on the message text.
//
// Checking errors:
//
//	if errors.Is(err, apperr.ErrConflict) { ... }
//	if apperr.KindOf(err) == apperr.KindOrder { ... }
//
// OrderError and AlreadySignedError are specializations of StateError, so
// errors.Is(err, apperr.ErrState) also matches them.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the stable classification of an engine error.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindState         Kind = "state"
	KindOrder         Kind = "order"
	KindAlreadySigned Kind = "already_signed"
	KindConflict      Kind = "conflict"
	KindProvider      Kind = "provider"
	KindNotFound      Kind = "not_found"
	KindInternal      Kind = "internal"
)

// Error is the single error type surfaced by commands.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors of the same kind. A sentinel has no message and
// no cause; KindState sentinels also match the order and already-signed kinds.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Message != "" || t.Err != nil {
		return false
	}
	if t.Kind == e.Kind {
		return true
	}
	return t.Kind == KindState && (e.Kind == KindOrder || e.Kind == KindAlreadySigned)
}

// Sentinels for errors.Is checks.
var (
	ErrValidation    = &Error{Kind: KindValidation}
	ErrAuthorization = &Error{Kind: KindAuthorization}
	ErrState         = &Error{Kind: KindState}
	ErrOrder         = &Error{Kind: KindOrder}
	ErrAlreadySigned = &Error{Kind: KindAlreadySigned}
	ErrConflict      = &Error{Kind: KindConflict}
	ErrProvider      = &Error{Kind: KindProvider}
	ErrNotFound      = &Error{Kind: KindNotFound}
)

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return newf(KindValidation, format, args...)
}

func Authorization(format string, args ...any) *Error {
	return newf(KindAuthorization, format, args...)
}

func State(format string, args ...any) *Error {
	return newf(KindState, format, args...)
}

func Order(format string, args ...any) *Error {
	return newf(KindOrder, format, args...)
}

func AlreadySigned(format string, args ...any) *Error {
	return newf(KindAlreadySigned, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return newf(KindConflict, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, format, args...)
}

// Provider wraps a failure returned by an external provider call.
func Provider(err error, format string, args ...any) *Error {
	e := newf(KindProvider, format, args...)
	e.Err = err
	return e
}

// KindOf reports the kind of err, or KindInternal for errors that did not
// originate from this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the human message for err. Internal errors are reported
// with a generic message so infrastructure details do not leak to callers.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
		return string(e.Kind)
	}
	return "internal error"
}
