package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ledgersync/ledgersync/internal/broadcast"
	"github.com/ledgersync/ledgersync/internal/domain/entity"
	domainErrors "github.com/ledgersync/ledgersync/internal/domain/errors"
	"github.com/ledgersync/ledgersync/internal/domain/inbox"
	"github.com/ledgersync/ledgersync/internal/domain/queue"
	"github.com/ledgersync/ledgersync/internal/infrastructure/observability"
	"github.com/ledgersync/ledgersync/pkg/backoff"
)

// SyncQueue owns the queue item lifecycle. It is the single authority for
// retry-versus-dead-letter decisions: workers only report outcome plus a
// should-retry hint.
type SyncQueue struct {
	repo    queue.Repository
	backoff *backoff.Table
	hub     *broadcast.Hub
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewSyncQueue creates the queue service.
func NewSyncQueue(
	repo queue.Repository,
	table *backoff.Table,
	hub *broadcast.Hub,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *SyncQueue {
	return &SyncQueue{
		repo:    repo,
		backoff: table,
		hub:     hub,
		metrics: metrics,
		logger:  logger.With().Str("component", "sync_queue").Logger(),
	}
}

// Enqueue creates a pending item from a validated inbox event. It refuses
// invalid events and events that already produced an item.
func (s *SyncQueue) Enqueue(ctx context.Context, ev *inbox.Event, op entity.Operation, priority int) (*queue.Item, error) {
	if !ev.IsValid {
		return nil, domainErrors.ErrInvalidEvent
	}

	if existing, err := s.repo.GetByInboxEventID(ctx, ev.ID); err == nil && existing != nil {
		return nil, domainErrors.ErrAlreadyEnqueued
	} else if err != nil && !errors.Is(err, domainErrors.ErrItemNotFound) {
		return nil, fmt.Errorf("check existing item: %w", err)
	}

	maxAttempts := s.backoff.For(ev.EntityType).MaxAttempts
	item, err := queue.NewItem(&ev.ID, ev.EntityType, ev.SourceEntityID, op, ev.RawPayload, priority, maxAttempts)
	if err != nil {
		return nil, err
	}

	if err := s.repo.Insert(ctx, item); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	if s.metrics != nil {
		s.metrics.ItemsEnqueued.WithLabelValues(string(item.EntityType), string(item.Operation)).Inc()
	}
	s.logger.Debug().
		Str("item_id", item.ID.String()).
		Str("entity_type", string(item.EntityType)).
		Str("operation", string(item.Operation)).
		Int("priority", item.Priority).
		Msg("item enqueued")

	return item, nil
}

// EnqueueInternal creates an item with no originating inbox event, for
// scheduler or batch producers.
func (s *SyncQueue) EnqueueInternal(
	ctx context.Context,
	batchID *uuid.UUID,
	entityType entity.Type,
	sourceEntityID string,
	op entity.Operation,
	payload map[string]any,
	priority int,
) (*queue.Item, error) {
	maxAttempts := s.backoff.For(entityType).MaxAttempts
	item, err := queue.NewItem(nil, entityType, sourceEntityID, op, payload, priority, maxAttempts)
	if err != nil {
		return nil, err
	}
	item.BatchID = batchID

	if err := s.repo.Insert(ctx, item); err != nil {
		return nil, fmt.Errorf("enqueue internal: %w", err)
	}
	if s.metrics != nil {
		s.metrics.ItemsEnqueued.WithLabelValues(string(item.EntityType), string(item.Operation)).Inc()
	}
	return item, nil
}

// Get returns one item by id.
func (s *SyncQueue) Get(ctx context.Context, id uuid.UUID) (*queue.Item, error) {
	return s.repo.GetByID(ctx, id)
}

// Dequeue returns ready pending items ordered by (priority, created_at).
// Lower priority numbers are served first so urgent entity types do not
// starve behind bulk catalog updates.
func (s *SyncQueue) Dequeue(ctx context.Context, limit int, filter queue.DequeueFilter) ([]*queue.Item, error) {
	return s.repo.DequeuePending(ctx, limit, filter)
}

// DequeueRetryReady returns retry items whose backoff has elapsed.
func (s *SyncQueue) DequeueRetryReady(ctx context.Context, limit int) ([]*queue.Item, error) {
	return s.repo.DequeueRetryReady(ctx, limit)
}

// MarkProcessing transitions an item into processing. The caller must
// already hold the item's lock under workerID.
func (s *SyncQueue) MarkProcessing(ctx context.Context, id uuid.UUID, workerID string) (*queue.Item, error) {
	item, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !item.Locked(time.Now()) || *item.LockOwner != workerID {
		return nil, domainErrors.ErrLockNotHeld
	}
	if err := item.MarkProcessing(); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// MarkCompleted finishes an item. Completing an already-completed item is a
// no-op success.
func (s *SyncQueue) MarkCompleted(ctx context.Context, id uuid.UUID, targetEntityID *string, result map[string]any) error {
	item, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if item.Status == queue.StatusCompleted {
		return nil
	}

	if err := item.MarkCompleted(targetEntityID, result); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, item); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.ItemsCompleted.WithLabelValues(string(item.EntityType)).Inc()
	}
	if s.hub != nil {
		s.hub.Broadcast(broadcast.EventSyncRunCompleted, map[string]any{
			"item_id":          item.ID.String(),
			"entity_type":      string(item.EntityType),
			"source_entity_id": item.SourceEntityID,
			"target_entity_id": targetEntityID,
			"attempts":         item.AttemptCount,
		})
	}
	s.logger.Info().
		Str("item_id", item.ID.String()).
		Str("entity_type", string(item.EntityType)).
		Msg("item completed")
	return nil
}

// MarkFailed records a failed attempt and decides its fate: another retry
// with backoff, or the dead letter. Non-retryable error codes dead-letter
// immediately regardless of the remaining attempt budget.
func (s *SyncQueue) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, errCode *string, shouldRetry bool) (*queue.Item, error) {
	item, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	code := ""
	if errCode != nil {
		code = *errCode
	}

	newAttempts := item.AttemptCount + 1
	if shouldRetry && backoff.ShouldRetry(newAttempts, item.MaxAttempts, code) {
		nextRetryAt := s.backoff.NextRetryAt(time.Now().UTC(), item.EntityType, newAttempts)
		if err := item.MarkRetry(errMsg, errCode, nextRetryAt); err != nil {
			return nil, err
		}
		if err := s.repo.Update(ctx, item); err != nil {
			return nil, err
		}

		if s.metrics != nil {
			s.metrics.ItemsRetried.WithLabelValues(string(item.EntityType)).Inc()
		}
		s.logger.Warn().
			Str("item_id", item.ID.String()).
			Int("attempt", item.AttemptCount).
			Int("max_attempts", item.MaxAttempts).
			Time("next_retry_at", nextRetryAt).
			Str("error", errMsg).
			Msg("item scheduled for retry")
		return item, nil
	}

	if err := item.MarkDeadLetter(errMsg, errCode); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, item); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.ItemsDeadLettered.WithLabelValues(string(item.EntityType), code).Inc()
	}
	if s.hub != nil {
		s.hub.Broadcast(broadcast.EventAlertCreated, map[string]any{
			"type":        "item_dead_lettered",
			"item_id":     item.ID.String(),
			"entity_type": string(item.EntityType),
			"error":       errMsg,
			"error_code":  code,
			"attempts":    item.AttemptCount,
		})
	}
	s.logger.Error().
		Str("item_id", item.ID.String()).
		Str("entity_type", string(item.EntityType)).
		Int("attempts", item.AttemptCount).
		Str("error", errMsg).
		Msg("item dead-lettered")
	return item, nil
}

// Stats aggregates queue contents since the window start.
func (s *SyncQueue) Stats(ctx context.Context, since time.Time) (*queue.Stats, error) {
	return s.repo.Stats(ctx, since)
}

// CleanupCompleted removes completed rows older than the retention window.
func (s *SyncQueue) CleanupCompleted(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		olderThanDays = 7
	}
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	n, err := s.repo.DeleteCompleted(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup completed: %w", err)
	}
	if n > 0 {
		s.logger.Info().Int64("deleted", n).Msg("completed items cleaned up")
	}
	return n, nil
}
