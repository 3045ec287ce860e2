package inbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ledgersync/ledgersync/internal/domain/entity"
)

// WindowStats aggregates inbox activity over a trailing window for the
// health monitor.
type WindowStats struct {
	Total      int
	Valid      int
	Invalid    int
	Duplicates int
	ByEntity   map[entity.Type]int
}

// Repository persists inbox events.
type Repository interface {
	// Insert stores a new event. If an event with the same idempotency key
	// already exists, it returns the existing event with duplicate=true and
	// records the duplicate delivery; no new row is created.
	Insert(ctx context.Context, e *Event) (existing *Event, duplicate bool, err error)

	GetByID(ctx context.Context, id uuid.UUID) (*Event, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Event, error)

	// MarkMoved sets moved_to_queue on the stored row.
	MarkMoved(ctx context.Context, id uuid.UUID) error

	// Stats aggregates events received since the window start.
	Stats(ctx context.Context, since time.Time) (*WindowStats, error)

	// PurgeDuplicates removes duplicate-delivery bookkeeping older than the
	// cutoff, keeping the earliest occurrence per idempotency key. Returns
	// the number of duplicate deliveries forgotten.
	PurgeDuplicates(ctx context.Context, olderThan time.Time) (int64, error)
}
