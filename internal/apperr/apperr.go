// Package apperr defines the error kinds shared across the orchestrator.
//
// Errors are classified by wrapping one of the sentinel kinds below, so
// callers can branch with errors.Is without inspecting messages.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks bad input. Caller-visible, never logged as a system error.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks a missing resource.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a held lock, duplicate name, or per-template guard rejection.
	ErrConflict = errors.New("conflict")

	// ErrTransientStore marks a DB timeout, connection loss, or buffer anomaly.
	// Operations wrapping this kind are retried with bounded backoff.
	ErrTransientStore = errors.New("transient store error")

	// ErrTape marks a tape device failure.
	ErrTape = errors.New("tape error")

	// ErrCompression marks a codec failure on a specific archive.
	ErrCompression = errors.New("compression error")

	// ErrInternal marks anything uncaught.
	ErrInternal = errors.New("internal error")
)

// Validationf returns a validation error with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundf returns a not-found error with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Conflictf returns a conflict error with a formatted message.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// Transient wraps err as a transient store error, preserving the cause chain.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransientStore, err)
}

// IsRetriable reports whether err should be retried by the persistence layer.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTransientStore)
}
