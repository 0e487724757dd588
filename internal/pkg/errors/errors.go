package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed ingestion input. The whole batch is
	// rejected before any write.
	ErrValidation = errors.New("validation failed")
	// ErrStoreUnavailable marks a transient infrastructure failure. It is
	// surfaced to the caller, not retried internally: re-submission with the
	// same event ids is safe.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrBatchTooLarge marks an ingest batch over the configured size cap.
	ErrBatchTooLarge = errors.New("batch too large")
	// ErrInsufficientData is an empty-result outcome, not a failure: the
	// window held too few events to clear a detection threshold.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrReconcileConflict marks two same-cycle candidates matching one
	// existing pattern. Resolved by keeping the higher-confidence candidate;
	// never fatal.
	ErrReconcileConflict = errors.New("reconciliation conflict")
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
)

// ValidationError names the first invalid event in a rejected batch.
type ValidationError struct {
	Index  int
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("event %d: field %q: %s", e.Index, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func NewValidation(index int, field, reason string) error {
	return &ValidationError{Index: index, Field: field, Reason: reason}
}
