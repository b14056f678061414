package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies ledger failures so callers can map them to responses.
type ErrorKind string

const (
	KindInvalidArgument    ErrorKind = "InvalidArgument"
	KindNotFound           ErrorKind = "NotFound"
	KindAccountNotFound    ErrorKind = "AccountNotFound"
	KindAccountUnavailable ErrorKind = "AccountUnavailable"
	KindInsufficientFunds  ErrorKind = "InsufficientFunds"
	KindInvalidState       ErrorKind = "InvalidState"
	KindForbidden          ErrorKind = "Forbidden"
	KindStorage            ErrorKind = "StorageError"
)

// Error is the single error type returned by the ledger engine.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Message == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInvalidArgument    = &Error{Kind: KindInvalidArgument}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrAccountNotFound    = &Error{Kind: KindAccountNotFound}
	ErrAccountUnavailable = &Error{Kind: KindAccountUnavailable}
	ErrInsufficientFunds  = &Error{Kind: KindInsufficientFunds}
	ErrInvalidState       = &Error{Kind: KindInvalidState}
	ErrForbidden          = &Error{Kind: KindForbidden}
	ErrStorage            = &Error{Kind: KindStorage}
)

// NewError builds an error of the given kind with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// StorageError wraps an infrastructure failure. Errors that already carry a
// kind are returned unchanged.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return err
	}
	return &Error{Kind: KindStorage, Message: op, Err: err}
}

// KindOf reports the kind of err. Errors outside the taxonomy are storage errors.
func KindOf(err error) ErrorKind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindStorage
}

// IsClientError reports whether err was caused by the request rather than the system.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindStorage:
		return false
	default:
		return true
	}
}
