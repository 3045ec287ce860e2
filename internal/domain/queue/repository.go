package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ledgersync/ledgersync/internal/domain/entity"
)

// Stats aggregates queue contents for the health monitor and the metrics
// endpoint.
type Stats struct {
	ByStatus      map[Status]int
	ByEntity      map[entity.Type]int
	ByPriority    map[int]int
	OldestPending *time.Time
	AvgLatency    time.Duration // completed_at - created_at over completed items
}

// DequeueFilter narrows a pending dequeue.
type DequeueFilter struct {
	EntityType  *entity.Type
	MinPriority *int
}

// Repository persists queue items. All lock mutations are single conditional
// updates so that concurrent workers coordinating through this store never
// both win the same item.
type Repository interface {
	Insert(ctx context.Context, item *Item) error
	GetByID(ctx context.Context, id uuid.UUID) (*Item, error)
	GetByInboxEventID(ctx context.Context, inboxEventID uuid.UUID) (*Item, error)
	Update(ctx context.Context, item *Item) error

	// DequeuePending returns pending items with no active lock, ordered by
	// (priority ASC, created_at ASC).
	DequeuePending(ctx context.Context, limit int, filter DequeueFilter) ([]*Item, error)

	// DequeueRetryReady returns retry items whose next_retry_at has passed
	// and which carry no active lock, ordered by next_retry_at ASC.
	DequeueRetryReady(ctx context.Context, limit int) ([]*Item, error)

	// TryLock atomically sets (owner, expiry) iff the row is unlocked or its
	// current lock has expired. Returns false when someone else holds it.
	TryLock(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) (bool, error)

	// Unlock clears the lock iff owner matches. Returns false on mismatch.
	Unlock(ctx context.Context, id uuid.UUID, owner string) (bool, error)

	// ExtendLock pushes the expiry out iff owner still validly holds the lock.
	ExtendLock(ctx context.Context, id uuid.UUID, owner string, extra time.Duration) (bool, error)

	// GetLock reports the current lock fields for the row.
	GetLock(ctx context.Context, id uuid.UUID) (owner *string, expiresAt *time.Time, err error)

	// ClearExpiredLocks sweeps lock fields off rows whose expiry has passed.
	ClearExpiredLocks(ctx context.Context) (int64, error)

	Stats(ctx context.Context, since time.Time) (*Stats, error)

	// DeleteCompleted removes completed rows older than the cutoff. Other
	// statuses are never touched.
	DeleteCompleted(ctx context.Context, olderThan time.Time) (int64, error)

	// ResetDeadLetters moves dead-letter rows back to pending with zero
	// attempts. Used only by explicit operator request.
	ResetDeadLetters(ctx context.Context, ids []uuid.UUID) (int64, error)
}
