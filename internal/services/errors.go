package services

import (
	"context"
	"errors"
	"fmt"
	"net"

	"empathy-ledger/backend/internal/repository"
)

// ErrorKind classifies a service failure for callers.
type ErrorKind string

const (
	KindInvalidInput ErrorKind = "invalid_input"
	KindNotFound     ErrorKind = "not_found"
	KindConflict     ErrorKind = "conflict"
	KindUnavailable  ErrorKind = "unavailable"
	KindInternal     ErrorKind = "internal"
)

// Client-facing text for failures whose detail stays server-side.
const (
	MessageUnavailable = "service temporarily unavailable"
	MessageInternal    = "internal server error"
)

// Error is the error type returned by the workflow and analytics services.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or KindInternal when err is not a service error.
func KindOf(err error) ErrorKind {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err is a service error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// ClientMessage returns the text of err that may be shown to a caller.
// Unavailable and internal failures collapse to a generic message.
func ClientMessage(err error) string {
	switch KindOf(err) {
	case KindUnavailable:
		return MessageUnavailable
	case KindInternal:
		return MessageInternal
	default:
		return err.Error()
	}
}

func invalidInput(op, message string) error {
	return &Error{Kind: KindInvalidInput, Op: op, Message: message}
}

// classify wraps a store error with the matching kind.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return err
	}

	kind := KindInternal
	var netErr net.Error
	switch {
	case errors.Is(err, repository.ErrNotFound):
		kind = KindNotFound
	case errors.Is(err, repository.ErrConflict):
		kind = KindConflict
	case errors.Is(err, repository.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.As(err, &netErr):
		kind = KindUnavailable
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
