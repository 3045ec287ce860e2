package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store is the conditional-update surface the manager coordinates through.
// The queue repository implements it directly on the queue item rows; there
// is no separate lock table.
type Store interface {
	TryLock(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, id uuid.UUID, owner string) (bool, error)
	ExtendLock(ctx context.Context, id uuid.UUID, owner string, extra time.Duration) (bool, error)
	GetLock(ctx context.Context, id uuid.UUID) (owner *string, expiresAt *time.Time, err error)
	ClearExpiredLocks(ctx context.Context) (int64, error)
}

// Manager provides advisory-but-enforced mutual exclusion over queue items.
// Contention is never an error: a false return means "skip this item this
// round".
type Manager struct {
	store  Store
	ttl    time.Duration
	logger zerolog.Logger
}

// NewManager creates a lock manager with the given default TTL.
func NewManager(store Store, ttl time.Duration, logger zerolog.Logger) *Manager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Manager{
		store:  store,
		ttl:    ttl,
		logger: logger.With().Str("component", "lock_manager").Logger(),
	}
}

// NewOwnerID returns a fresh opaque worker identity.
func NewOwnerID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.New().String())
}

// Acquire attempts to take the item's lock for owner. It succeeds when the
// item is unlocked or the current lock has expired (stale takeover). The
// store performs the check-and-set as one atomic conditional update.
func (m *Manager) Acquire(ctx context.Context, id uuid.UUID, owner string) (bool, error) {
	return m.AcquireTTL(ctx, id, owner, m.ttl)
}

// AcquireTTL is Acquire with an explicit TTL.
func (m *Manager) AcquireTTL(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) (bool, error) {
	ok, err := m.store.TryLock(ctx, id, owner, ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", id, err)
	}
	return ok, nil
}

// Release clears the lock only when owner still holds it. Releasing a lock
// taken over by someone else is a no-op.
func (m *Manager) Release(ctx context.Context, id uuid.UUID, owner string) error {
	ok, err := m.store.Unlock(ctx, id, owner)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", id, err)
	}
	if !ok {
		m.logger.Debug().
			Str("item_id", id.String()).
			Str("owner", owner).
			Msg("release skipped, lock no longer held")
	}
	return nil
}

// IsValid reports whether owner currently holds an unexpired lock on the item.
// A long-running worker must check this before any side effect that follows a
// time gap.
func (m *Manager) IsValid(ctx context.Context, id uuid.UUID, owner string) (bool, error) {
	current, expiresAt, err := m.store.GetLock(ctx, id)
	if err != nil {
		return false, fmt.Errorf("inspect lock %s: %w", id, err)
	}
	if current == nil || expiresAt == nil {
		return false, nil
	}
	return *current == owner && expiresAt.After(time.Now()), nil
}

// Extend pushes the lock expiry out by extra, requiring current valid
// ownership.
func (m *Manager) Extend(ctx context.Context, id uuid.UUID, owner string, extra time.Duration) (bool, error) {
	ok, err := m.store.ExtendLock(ctx, id, owner, extra)
	if err != nil {
		return false, fmt.Errorf("extend lock %s: %w", id, err)
	}
	return ok, nil
}

// CleanupExpired sweeps lock fields off rows whose TTL has lapsed. Acquire's
// stale takeover already handles the common case; this is the safety net for
// rows nothing is contending for.
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := m.store.ClearExpiredLocks(ctx)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired locks: %w", err)
	}
	if n > 0 {
		m.logger.Info().Int64("cleared", n).Msg("cleared expired locks")
	}
	return n, nil
}
