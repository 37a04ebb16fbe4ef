package bookingsync

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a sync failure.
type ErrorKind string

const (
	KindInvalidTransition      ErrorKind = "invalid-transition"
	KindUnauthorizedTransition ErrorKind = "unauthorized-transition"
	KindTerminalState          ErrorKind = "terminal-state"
	KindConflict               ErrorKind = "conflict"
	KindRejected               ErrorKind = "rejected"
	KindTransient              ErrorKind = "transient"
	KindExhausted              ErrorKind = "exhausted"
)

// Sentinels for errors.Is matching against a *SyncError of the same kind.
var (
	ErrInvalidTransition      = &SyncError{Kind: KindInvalidTransition}
	ErrUnauthorizedTransition = &SyncError{Kind: KindUnauthorizedTransition}
	ErrTerminalState          = &SyncError{Kind: KindTerminalState}
	ErrConflict               = &SyncError{Kind: KindConflict}
	ErrRejected               = &SyncError{Kind: KindRejected}
	ErrTransient              = &SyncError{Kind: KindTransient}
	ErrExhausted              = &SyncError{Kind: KindExhausted}
)

// ErrUnknownBooking is returned when a booking is not in the local cache.
var ErrUnknownBooking = errors.New("booking not cached")

// SyncError describes why a transition or a sync attempt failed.
type SyncError struct {
	Kind      ErrorKind
	BookingID string
	Message   string
	Err       error

	// Current is the server's state when Kind is KindConflict.
	Current *StatusRecord
}

func (e *SyncError) Error() string {
	msg := string(e.Kind)
	if e.BookingID != "" {
		msg += " (booking " + e.BookingID + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SyncError) Unwrap() error { return e.Err }

// Is matches on Kind so callers can compare against the sentinels.
func (e *SyncError) Is(target error) bool {
	t, ok := target.(*SyncError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether the failure may succeed on a later attempt.
func (e *SyncError) Retryable() bool {
	return e.Kind == KindTransient
}

// Local reports whether the failure was decided without the server.
func (e *SyncError) Local() bool {
	switch e.Kind {
	case KindInvalidTransition, KindUnauthorizedTransition, KindTerminalState:
		return true
	}
	return false
}

// KindOf returns the kind of err, or "" when err is not a *SyncError.
func KindOf(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsTransient reports whether err should be retried with backoff. Errors that
// are not *SyncError values are treated as network failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}

func transientError(bookingID string, err error) *SyncError {
	return &SyncError{Kind: KindTransient, BookingID: bookingID, Err: err}
}

func newSyncError(kind ErrorKind, bookingID, format string, args ...any) *SyncError {
	return &SyncError{Kind: kind, BookingID: bookingID, Message: fmt.Sprintf(format, args...)}
}
