package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed taxonomy of sync failures. Each kind carries a
// fixed retry classification: per-record kinds (Validation, Conflict) are
// logged and skipped, per-run kinds abort the current run.
type ErrorKind string

const (
	// ErrRateLimitExceeded is non-fatal and informs the delay before retry.
	ErrRateLimitExceeded ErrorKind = "rate_limit_exceeded"
	// ErrTokenRefresh is fatal to the current run; the next scheduled
	// attempt may succeed if the credential recovers.
	ErrTokenRefresh ErrorKind = "token_refresh"
	// ErrConnection is a transient network or HTTP failure.
	ErrConnection ErrorKind = "connection"
	// ErrValidation is a data-shape mismatch from the source; the record is
	// skipped and the run continues.
	ErrValidation ErrorKind = "validation"
	// ErrConflict marks two records mapping to the same external ID;
	// first wins and the run continues.
	ErrConflict ErrorKind = "conflict"
)

// SyncError carries the taxonomy kind plus the adapter/entity context the
// failure occurred in.
type SyncError struct {
	Kind       ErrorKind
	Adapter    string
	EntityType string
	Err        error
}

// NewSyncError builds a SyncError wrapping cause.
func NewSyncError(kind ErrorKind, adapter, entityType string, cause error) *SyncError {
	return &SyncError{Kind: kind, Adapter: adapter, EntityType: entityType, Err: cause}
}

func (e *SyncError) Error() string {
	msg := fmt.Sprintf("%s error", e.Kind)
	if e.Adapter != "" {
		msg += " (adapter=" + e.Adapter
		if e.EntityType != "" {
			msg += ", entity=" + e.EntityType
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Retryable reports whether a retry of the whole run can be expected to
// help. Token refresh exhaustion is retryable on the next scheduled attempt
// by the workflow collaborator; validation and conflict failures are not,
// they are per-record conditions already handled in place.
func (e *SyncError) Retryable() bool {
	switch e.Kind {
	case ErrRateLimitExceeded, ErrConnection, ErrTokenRefresh:
		return true
	default:
		return false
	}
}

// KindOf extracts the taxonomy kind from err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsRetryable classifies an arbitrary error for workflow-level retry.
// Unknown errors are treated as retryable so only the taxonomy can declare
// a failure fatal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}
