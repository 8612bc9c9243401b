// Package errors carries the orchestrator error taxonomy shared by the
// event log, queue, broker, worker, and API layers. It stays free of
// internal imports so every layer can depend on it.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for routing and HTTP mapping.
type Kind string

const (
	KindInvalidResource  Kind = "InvalidResource"
	KindInvalidEvent     Kind = "InvalidEvent"
	KindNotFound         Kind = "NotFound"
	KindConflict         Kind = "Conflict"
	KindTransientStorage Kind = "TransientStorage"
	KindPluginFailure    Kind = "PluginFailure"
	KindTimeout          Kind = "Timeout"
	KindCancelled        Kind = "Cancelled"
	KindPoison           Kind = "Poison"
)

// Sentinel errors for hot paths where allocation-free matching matters.
var (
	ErrNotFound   = errors.New("not found")
	ErrInvalidArg = errors.New("invalid argument")
	ErrNoJob      = errors.New("no job available")
	ErrLeaseLost  = errors.New("lease lost")
	ErrDuplicate  = errors.New("duplicate")
	ErrTerminal   = errors.New("execution already terminal")
)

// Error is a classified error. Retryable is meaningful for
// KindPluginFailure and KindTransientStorage only.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error without a cause.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithCause builds a classified error wrapping err.
func WithCause(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Plugin builds a plugin failure; retryable ones feed the step retry policy.
func Plugin(retryable bool, format string, args ...interface{}) *Error {
	return &Error{Kind: KindPluginFailure, Message: fmt.Sprintf(format, args...), Retryable: retryable}
}

// KindOf extracts the Kind of err, or "" when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err should be retried by the caller.
// Transient storage errors are always retryable; plugin failures carry
// an explicit flag; everything else is terminal.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	if e.Kind == KindTransientStorage {
		return true
	}
	return e.Retryable
}

// Is and As re-export the stdlib helpers so callers need one import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target interface{}) bool { return errors.As(err, target) }

// Wrap annotates err with a message, preserving the chain.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf is Wrap with formatting.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
