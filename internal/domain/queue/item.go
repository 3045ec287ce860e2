package queue

import (
	"time"

	"github.com/google/uuid"
	"github.com/ledgersync/ledgersync/internal/domain/entity"
	"github.com/ledgersync/ledgersync/internal/domain/errors"
)

// Status represents the queue item status in the state machine.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusRetry      Status = "retry"
	StatusDeadLetter Status = "dead_letter"
)

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter
}

// DefaultMaxAttempts applies when the per-entity override table has no entry.
const DefaultMaxAttempts = 3

// Item represents one durable unit of sync work, derived from exactly one
// inbox event or produced by an internal scheduler (nil InboxEventID).
type Item struct {
	ID             uuid.UUID
	InboxEventID   *uuid.UUID
	BatchID        *uuid.UUID
	EntityType     entity.Type
	SourceEntityID string
	Operation      entity.Operation
	Payload        map[string]any
	Status         Status
	Priority       int
	AttemptCount   int
	MaxAttempts    int
	NextRetryAt    *time.Time
	LastError      *string
	LastErrorCode  *string
	LockOwner      *string
	LockExpiresAt  *time.Time
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	TargetEntityID *string
	Result         map[string]any
}

// NewItem creates a pending queue item.
func NewItem(
	inboxEventID *uuid.UUID,
	entityType entity.Type,
	sourceEntityID string,
	op entity.Operation,
	payload map[string]any,
	priority int,
	maxAttempts int,
) (*Item, error) {
	if !entityType.Valid() {
		return nil, errors.ErrUnknownEntityType
	}
	if !op.Valid() {
		return nil, errors.ErrInvalidInput
	}
	if sourceEntityID == "" {
		return nil, errors.ErrInvalidInput
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	return &Item{
		ID:             uuid.New(),
		InboxEventID:   inboxEventID,
		EntityType:     entityType,
		SourceEntityID: sourceEntityID,
		Operation:      op,
		Payload:        payload,
		Status:         StatusPending,
		Priority:       priority,
		AttemptCount:   0,
		MaxAttempts:    maxAttempts,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusRetry, StatusDeadLetter},
	StatusRetry:      {StatusProcessing},
	StatusCompleted:  {},
	StatusDeadLetter: {},
}

// CanTransitionTo checks whether the item may move to newStatus.
func (i *Item) CanTransitionTo(newStatus Status) bool {
	for _, allowed := range transitions[i.Status] {
		if allowed == newStatus {
			return true
		}
	}
	return false
}

// MarkProcessing transitions the item into processing. The caller must hold
// the item's lock; the lock fields themselves are managed by the lock manager.
func (i *Item) MarkProcessing() error {
	if !i.CanTransitionTo(StatusProcessing) {
		return errors.ErrInvalidStateTransition
	}
	now := time.Now().UTC()
	i.Status = StatusProcessing
	i.StartedAt = &now
	i.NextRetryAt = nil
	return nil
}

// MarkCompleted transitions the item into completed. Calling it on an
// already-completed item is a no-op success.
func (i *Item) MarkCompleted(targetEntityID *string, result map[string]any) error {
	if i.Status == StatusCompleted {
		return nil
	}
	if !i.CanTransitionTo(StatusCompleted) {
		return errors.ErrInvalidStateTransition
	}
	now := time.Now().UTC()
	i.Status = StatusCompleted
	i.CompletedAt = &now
	i.TargetEntityID = targetEntityID
	i.Result = result
	i.LockOwner = nil
	i.LockExpiresAt = nil
	i.NextRetryAt = nil
	return nil
}

// MarkRetry schedules the item for another attempt at nextRetryAt.
func (i *Item) MarkRetry(errMsg string, errCode *string, nextRetryAt time.Time) error {
	if !i.CanTransitionTo(StatusRetry) {
		return errors.ErrInvalidStateTransition
	}
	i.Status = StatusRetry
	i.AttemptCount++
	i.LastError = &errMsg
	i.LastErrorCode = errCode
	i.NextRetryAt = &nextRetryAt
	i.LockOwner = nil
	i.LockExpiresAt = nil
	return nil
}

// MarkDeadLetter terminates the item after exhaustion or a non-retryable error.
func (i *Item) MarkDeadLetter(errMsg string, errCode *string) error {
	if !i.CanTransitionTo(StatusDeadLetter) {
		return errors.ErrInvalidStateTransition
	}
	now := time.Now().UTC()
	i.Status = StatusDeadLetter
	i.AttemptCount++
	i.LastError = &errMsg
	i.LastErrorCode = errCode
	i.CompletedAt = &now
	i.NextRetryAt = nil
	i.LockOwner = nil
	i.LockExpiresAt = nil
	return nil
}

// Locked reports whether the item carries an unexpired lock.
func (i *Item) Locked(now time.Time) bool {
	return i.LockOwner != nil && i.LockExpiresAt != nil && i.LockExpiresAt.After(now)
}
