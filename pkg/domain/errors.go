package domain

import (
	"errors"
	"strings"
)

var (
	// ErrValidation is returned for missing or invalid projectId, projectPath or mode.
	ErrValidation = errors.New("validation failed")

	// ErrSessionNotFound is returned when a session ID cannot be found in the store.
	ErrSessionNotFound = errors.New("session not found")

	// ErrCapacityExceeded is returned when a store is full and nothing can be evicted.
	ErrCapacityExceeded = errors.New("session capacity exceeded")

	// ErrProtectedState is returned when deleting an active, connecting or focused session.
	ErrProtectedState = errors.New("session is protected")

	// ErrSyncConflict is returned when tiers disagree and the resolution policy could not be applied.
	ErrSyncConflict = errors.New("sync conflict")

	// ErrStorageUnavailable is returned when the durable tier stays unreachable after retries.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrRateLimited is returned when a project creates sessions too quickly.
	ErrRateLimited = errors.New("session creation rate limit exceeded")

	// ErrInvalidTransition is returned when suspend or resume is requested from the wrong state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrUnreadable is returned when a stored row cannot be decoded or decrypted.
	ErrUnreadable = errors.New("stored session is unreadable")
)

// StorageError carries the operation context of a failure.
// errors.Is matches both its Kind and its wrapped cause.
type StorageError struct {
	Kind      error
	Op        string
	SessionID string
	ProjectID string
	Detail    string
	Err       error
}

func (e *StorageError) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	} else {
		b.WriteString("storage error")
	}
	if e.SessionID != "" {
		b.WriteString(" (session ")
		b.WriteString(e.SessionID)
		b.WriteString(")")
	} else if e.ProjectID != "" {
		b.WriteString(" (project ")
		b.WriteString(e.ProjectID)
		b.WriteString(")")
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *StorageError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NotFound builds the error returned for unknown session ids.
func NotFound(op, id string) error {
	return &StorageError{Kind: ErrSessionNotFound, Op: op, SessionID: id}
}

// IsRetryable reports whether err may succeed on a later attempt. Domain
// errors describe the request, not the backend, and are never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	for _, kind := range []error{
		ErrValidation, ErrSessionNotFound, ErrCapacityExceeded, ErrProtectedState,
		ErrRateLimited, ErrInvalidTransition, ErrUnreadable,
	} {
		if errors.Is(err, kind) {
			return false
		}
	}
	return true
}
