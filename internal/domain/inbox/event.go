package inbox

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/ledgersync/ledgersync/internal/domain/entity"
	"github.com/ledgersync/ledgersync/internal/domain/errors"
)

// Event represents one raw webhook delivery from the remote platform.
// Every admitted delivery is recorded, valid or not, so the inbox doubles
// as the idempotency ledger and the audit trail.
type Event struct {
	ID              uuid.UUID
	IdempotencyKey  string
	EntityType      entity.Type
	SourceEntityID  string
	RawPayload      map[string]any
	ReceivedAt      time.Time
	IsValid         bool
	ValidationErrs  []string
	MovedToQueue    bool
	DuplicateCount  int
}

// IdempotencyKey derives the stable identity of a delivery from its logical
// coordinates. Two deliveries of the same logical event always produce the
// same key, regardless of delivery order or timing.
func IdempotencyKey(sourceEventType, sourceEntityID, nonce string) string {
	h := sha256.New()
	h.Write([]byte(sourceEventType))
	h.Write([]byte{'|'})
	h.Write([]byte(sourceEntityID))
	h.Write([]byte{'|'})
	h.Write([]byte(nonce))
	return hex.EncodeToString(h.Sum(nil))
}

// NewEvent creates an inbox event for a delivery that has not been seen before.
func NewEvent(sourceEventType, sourceEntityID, nonce string, payload map[string]any) (*Event, error) {
	if sourceEntityID == "" || nonce == "" {
		return nil, errors.ErrInvalidInput
	}

	entityType, _, err := entity.ParseEventType(sourceEventType)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:             uuid.New(),
		IdempotencyKey: IdempotencyKey(sourceEventType, sourceEntityID, nonce),
		EntityType:     entityType,
		SourceEntityID: sourceEntityID,
		RawPayload:     payload,
		ReceivedAt:     time.Now().UTC(),
		IsValid:        true,
	}, nil
}

// MarkInvalid records structural validation failures. Invalid events are
// terminal at the inbox layer and are never enqueued.
func (e *Event) MarkInvalid(errs []string) {
	e.IsValid = false
	e.ValidationErrs = errs
}

// MarkMoved flags the event as handed to the sync queue. This transition
// happens at most once per event.
func (e *Event) MarkMoved() error {
	if !e.IsValid {
		return errors.ErrInvalidEvent
	}
	if e.MovedToQueue {
		return errors.ErrAlreadyEnqueued
	}
	e.MovedToQueue = true
	return nil
}
