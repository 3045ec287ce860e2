package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ledgersync/ledgersync/internal/domain/entity"
	domainErrors "github.com/ledgersync/ledgersync/internal/domain/errors"
	"github.com/ledgersync/ledgersync/internal/domain/inbox"
	"github.com/ledgersync/ledgersync/internal/domain/queue"
)

// --- Inbox Repository Mock ---

// MockInboxRepository is an in-memory implementation of inbox.Repository.
type MockInboxRepository struct {
	mu     sync.Mutex
	events map[uuid.UUID]*inbox.Event
	byKey  map[string]*inbox.Event

	InsertFunc          func(ctx context.Context, e *inbox.Event) (*inbox.Event, bool, error)
	MarkMovedFunc       func(ctx context.Context, id uuid.UUID) error
	StatsFunc           func(ctx context.Context, since time.Time) (*inbox.WindowStats, error)
	PurgeDuplicatesFunc func(ctx context.Context, olderThan time.Time) (int64, error)
}

func NewMockInboxRepository() *MockInboxRepository {
	return &MockInboxRepository{
		events: make(map[uuid.UUID]*inbox.Event),
		byKey:  make(map[string]*inbox.Event),
	}
}

func (m *MockInboxRepository) Insert(ctx context.Context, e *inbox.Event) (*inbox.Event, bool, error) {
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, e)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byKey[e.IdempotencyKey]; ok {
		existing.DuplicateCount++
		return existing, true, nil
	}
	m.events[e.ID] = e
	m.byKey[e.IdempotencyKey] = e
	return e, false, nil
}

func (m *MockInboxRepository) GetByID(ctx context.Context, id uuid.UUID) (*inbox.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return nil, domainErrors.ErrEventNotFound
	}
	return e, nil
}

func (m *MockInboxRepository) GetByIdempotencyKey(ctx context.Context, key string) (*inbox.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byKey[key]
	if !ok {
		return nil, domainErrors.ErrEventNotFound
	}
	return e, nil
}

func (m *MockInboxRepository) MarkMoved(ctx context.Context, id uuid.UUID) error {
	if m.MarkMovedFunc != nil {
		return m.MarkMovedFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return domainErrors.ErrEventNotFound
	}
	if e.MovedToQueue {
		return domainErrors.ErrAlreadyEnqueued
	}
	e.MovedToQueue = true
	return nil
}

func (m *MockInboxRepository) Stats(ctx context.Context, since time.Time) (*inbox.WindowStats, error) {
	if m.StatsFunc != nil {
		return m.StatsFunc(ctx, since)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &inbox.WindowStats{ByEntity: make(map[entity.Type]int)}
	for _, e := range m.events {
		if e.ReceivedAt.Before(since) {
			continue
		}
		stats.Total++
		if e.IsValid {
			stats.Valid++
		} else {
			stats.Invalid++
		}
		stats.Duplicates += e.DuplicateCount
		stats.ByEntity[e.EntityType]++
	}
	return stats, nil
}

func (m *MockInboxRepository) PurgeDuplicates(ctx context.Context, olderThan time.Time) (int64, error) {
	if m.PurgeDuplicatesFunc != nil {
		return m.PurgeDuplicatesFunc(ctx, olderThan)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for _, e := range m.events {
		if e.ReceivedAt.Before(olderThan) && e.DuplicateCount > 0 {
			purged += int64(e.DuplicateCount)
			e.DuplicateCount = 0
		}
	}
	return purged, nil
}

// --- Queue Repository Mock ---

// MockQueueRepository is an in-memory implementation of queue.Repository,
// including the conditional-update lock primitives.
type MockQueueRepository struct {
	mu      sync.Mutex
	items   map[uuid.UUID]*queue.Item
	byInbox map[uuid.UUID]*queue.Item

	InsertFunc  func(ctx context.Context, item *queue.Item) error
	GetByIDFunc func(ctx context.Context, id uuid.UUID) (*queue.Item, error)
	UpdateFunc  func(ctx context.Context, item *queue.Item) error
	TryLockFunc func(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) (bool, error)
}

func NewMockQueueRepository() *MockQueueRepository {
	return &MockQueueRepository{
		items:   make(map[uuid.UUID]*queue.Item),
		byInbox: make(map[uuid.UUID]*queue.Item),
	}
}

func (m *MockQueueRepository) Insert(ctx context.Context, item *queue.Item) error {
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, item)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = item
	if item.InboxEventID != nil {
		m.byInbox[*item.InboxEventID] = item
	}
	return nil
}

func (m *MockQueueRepository) GetByID(ctx context.Context, id uuid.UUID) (*queue.Item, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil, domainErrors.ErrItemNotFound
	}
	return item, nil
}

func (m *MockQueueRepository) GetByInboxEventID(ctx context.Context, inboxEventID uuid.UUID) (*queue.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.byInbox[inboxEventID]
	if !ok {
		return nil, domainErrors.ErrItemNotFound
	}
	return item, nil
}

func (m *MockQueueRepository) Update(ctx context.Context, item *queue.Item) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, item)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[item.ID]; !ok {
		return domainErrors.ErrItemNotFound
	}
	m.items[item.ID] = item
	return nil
}

func (m *MockQueueRepository) DequeuePending(ctx context.Context, limit int, filter queue.DequeueFilter) ([]*queue.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var ready []*queue.Item
	for _, item := range m.items {
		if item.Status != queue.StatusPending || item.Locked(now) {
			continue
		}
		if filter.EntityType != nil && item.EntityType != *filter.EntityType {
			continue
		}
		if filter.MinPriority != nil && item.Priority > *filter.MinPriority {
			continue
		}
		ready = append(ready, item)
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

func (m *MockQueueRepository) DequeueRetryReady(ctx context.Context, limit int) ([]*queue.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var ready []*queue.Item
	for _, item := range m.items {
		if item.Status != queue.StatusRetry || item.Locked(now) {
			continue
		}
		if item.NextRetryAt == nil || item.NextRetryAt.After(now) {
			continue
		}
		ready = append(ready, item)
	}
	sort.Slice(ready, func(i, j int) bool {
		return ready[i].NextRetryAt.Before(*ready[j].NextRetryAt)
	})
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

func (m *MockQueueRepository) TryLock(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) (bool, error) {
	if m.TryLockFunc != nil {
		return m.TryLockFunc(ctx, id, owner, ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return false, nil
	}
	now := time.Now()
	if item.Locked(now) && *item.LockOwner != owner {
		return false, nil
	}
	expiry := now.Add(ttl)
	item.LockOwner = &owner
	item.LockExpiresAt = &expiry
	return true, nil
}

func (m *MockQueueRepository) Unlock(ctx context.Context, id uuid.UUID, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.LockOwner == nil || *item.LockOwner != owner {
		return false, nil
	}
	item.LockOwner = nil
	item.LockExpiresAt = nil
	return true, nil
}

func (m *MockQueueRepository) ExtendLock(ctx context.Context, id uuid.UUID, owner string, extra time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || !item.Locked(time.Now()) || *item.LockOwner != owner {
		return false, nil
	}
	expiry := item.LockExpiresAt.Add(extra)
	item.LockExpiresAt = &expiry
	return true, nil
}

func (m *MockQueueRepository) GetLock(ctx context.Context, id uuid.UUID) (*string, *time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil, nil, domainErrors.ErrItemNotFound
	}
	return item.LockOwner, item.LockExpiresAt, nil
}

func (m *MockQueueRepository) ClearExpiredLocks(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var cleared int64
	for _, item := range m.items {
		if item.LockOwner == nil || item.LockExpiresAt == nil || item.LockExpiresAt.After(now) {
			continue
		}
		item.LockOwner = nil
		item.LockExpiresAt = nil
		if item.Status == queue.StatusProcessing {
			item.Status = queue.StatusRetry
			retryAt := now
			item.NextRetryAt = &retryAt
		}
		cleared++
	}
	return cleared, nil
}

func (m *MockQueueRepository) Stats(ctx context.Context, since time.Time) (*queue.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &queue.Stats{
		ByStatus:   make(map[queue.Status]int),
		ByEntity:   make(map[entity.Type]int),
		ByPriority: make(map[int]int),
	}
	var latencySum time.Duration
	var completed int
	for _, item := range m.items {
		if item.CreatedAt.Before(since) {
			continue
		}
		stats.ByStatus[item.Status]++
		stats.ByEntity[item.EntityType]++
		stats.ByPriority[item.Priority]++
		if item.Status == queue.StatusPending {
			if stats.OldestPending == nil || item.CreatedAt.Before(*stats.OldestPending) {
				createdAt := item.CreatedAt
				stats.OldestPending = &createdAt
			}
		}
		if item.Status == queue.StatusCompleted && item.CompletedAt != nil {
			latencySum += item.CompletedAt.Sub(item.CreatedAt)
			completed++
		}
	}
	if completed > 0 {
		stats.AvgLatency = latencySum / time.Duration(completed)
	}
	return stats, nil
}

func (m *MockQueueRepository) DeleteCompleted(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for id, item := range m.items {
		if item.Status != queue.StatusCompleted || item.CompletedAt == nil || item.CompletedAt.After(olderThan) {
			continue
		}
		delete(m.items, id)
		if item.InboxEventID != nil {
			delete(m.byInbox, *item.InboxEventID)
		}
		deleted++
	}
	return deleted, nil
}

func (m *MockQueueRepository) ResetDeadLetters(ctx context.Context, ids []uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var reset int64
	for _, item := range m.items {
		if item.Status != queue.StatusDeadLetter {
			continue
		}
		if len(ids) > 0 && !wanted[item.ID] {
			continue
		}
		item.Status = queue.StatusPending
		item.AttemptCount = 0
		item.NextRetryAt = nil
		item.LastError = nil
		item.LastErrorCode = nil
		item.LockOwner = nil
		item.LockExpiresAt = nil
		item.StartedAt = nil
		item.CompletedAt = nil
		reset++
	}
	return reset, nil
}
