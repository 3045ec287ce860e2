package errors

import (
	"errors"
	"fmt"
)

var (
	// Inbox errors
	ErrEventNotFound     = errors.New("inbox event not found")
	ErrDuplicateEvent    = errors.New("duplicate inbox event")
	ErrInvalidEvent      = errors.New("inbox event failed validation")
	ErrAlreadyEnqueued   = errors.New("inbox event already moved to queue")
	ErrUnknownEntityType = errors.New("unknown entity type")
	ErrUnknownEventType  = errors.New("unknown source event type")

	// Queue errors
	ErrItemNotFound           = errors.New("queue item not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrMaxAttemptsExceeded    = errors.New("max attempts exceeded")

	// Lock errors
	ErrLockNotHeld = errors.New("lock not held")

	// Rate limit errors
	ErrDailyLimitExceeded = errors.New("daily request limit exceeded")

	// Remote system errors
	ErrRemoteUnavailable = errors.New("remote system unavailable")
	ErrRemoteThrottled   = errors.New("remote system is rate limiting")
	ErrRemoteRejected    = errors.New("request rejected by remote system")
	ErrRemoteTimeout     = errors.New("remote request timeout")

	// Auth errors
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// Validation errors
	ErrValidationFailed = errors.New("validation failed")
	ErrInvalidInput     = errors.New("invalid input")
)

// Error codes attached to SyncError. The queue's retry decision keys off
// these, so workers report a code whenever one is known.
const (
	CodeValidation = "validation_error"
	CodeAuth       = "auth_error"
	CodeNotFound   = "not_found"
	CodeConflict   = "conflict"
	CodeTimeout    = "timeout"
	CodeNetwork    = "network_error"
	CodeThrottled  = "throttled"
	CodeLockLost   = "lock_lost"
	CodeRemote     = "remote_error"
	CodeInternal   = "internal_error"
)

// SyncError wraps a failure during sync processing with a structured code.
type SyncError struct {
	Code    string
	Message string
	Err     error
}

func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewSyncError creates a new sync error with a structured code.
func NewSyncError(code, message string, err error) *SyncError {
	return &SyncError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// CodeOf extracts the structured code from err, or "" if none is attached.
func CodeOf(err error) string {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// ValidationError represents a structural validation failure on one field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}
