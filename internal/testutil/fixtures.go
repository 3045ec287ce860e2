package testutil

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ledgersync/ledgersync/internal/domain/entity"
	"github.com/ledgersync/ledgersync/internal/domain/inbox"
	"github.com/ledgersync/ledgersync/internal/domain/queue"
)

// NopLogger returns a logger that discards everything.
func NopLogger() zerolog.Logger {
	return zerolog.Nop()
}

// NewTestEvent returns a valid inbox event for the given entity type.
func NewTestEvent(entityType entity.Type, sourceEntityID string) *inbox.Event {
	return &inbox.Event{
		ID:             uuid.New(),
		IdempotencyKey: inbox.IdempotencyKey(string(entityType)+".created", sourceEntityID, uuid.New().String()),
		EntityType:     entityType,
		SourceEntityID: sourceEntityID,
		RawPayload:     ValidPayload(entityType),
		ReceivedAt:     time.Now().UTC(),
		IsValid:        true,
	}
}

// NewTestItem returns a pending queue item.
func NewTestItem(entityType entity.Type, priority int) *queue.Item {
	item, err := queue.NewItem(nil, entityType, uuid.New().String(), entity.OpCreate, ValidPayload(entityType), priority, queue.DefaultMaxAttempts)
	if err != nil {
		panic(err)
	}
	return item
}

// ValidPayload returns a payload that passes structural validation for the
// given entity type.
func ValidPayload(entityType entity.Type) map[string]any {
	switch entityType {
	case entity.TypeItem:
		return map[string]any{"sku": "SKU-001", "name": "Widget"}
	case entity.TypeInvoice:
		return map[string]any{"number": "INV-1001", "currency": "USD", "total": 249.90}
	case entity.TypeCustomer:
		return map[string]any{"name": "Acme Corp", "email": "billing@acme.example"}
	case entity.TypeOrder:
		return map[string]any{
			"number": "ORD-2001",
			"lines":  []map[string]any{{"sku": "SKU-001", "quantity": 2.0}},
		}
	default:
		return map[string]any{}
	}
}
