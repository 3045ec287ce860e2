package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgersync/ledgersync/internal/domain/entity"
	domainErrors "github.com/ledgersync/ledgersync/internal/domain/errors"
	"github.com/ledgersync/ledgersync/internal/domain/queue"
)

// QueueRepository persists queue items. Lock mutations are single conditional
// UPDATE statements: the WHERE clause re-checks the current lock state, so
// two workers contending for one row cannot both win.
type QueueRepository struct {
	pool *pgxpool.Pool
}

func NewQueueRepository(pool *pgxpool.Pool) *QueueRepository {
	return &QueueRepository{pool: pool}
}

func (r *QueueRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

const queueColumns = `id, inbox_event_id, batch_id, entity_type, source_entity_id, operation,
	payload, status, priority, attempt_count, max_attempts, next_retry_at,
	last_error, last_error_code, lock_owner, lock_expires_at,
	created_at, started_at, completed_at, target_entity_id, result`

func (r *QueueRepository) Insert(ctx context.Context, item *queue.Item) error {
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return fmt.Errorf("marshal queue payload: %w", err)
	}
	result, err := json.Marshal(item.Result)
	if err != nil {
		return fmt.Errorf("marshal queue result: %w", err)
	}

	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO queue_items (id, inbox_event_id, batch_id, entity_type, source_entity_id, operation,
		        payload, status, priority, attempt_count, max_attempts, next_retry_at,
		        last_error, last_error_code, lock_owner, lock_expires_at,
		        created_at, started_at, completed_at, target_entity_id, result)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		item.ID, item.InboxEventID, item.BatchID, string(item.EntityType), item.SourceEntityID, string(item.Operation),
		payload, string(item.Status), item.Priority, item.AttemptCount, item.MaxAttempts, item.NextRetryAt,
		item.LastError, item.LastErrorCode, item.LockOwner, item.LockExpiresAt,
		item.CreatedAt, item.StartedAt, item.CompletedAt, item.TargetEntityID, result,
	)
	if err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}
	return nil
}

func (r *QueueRepository) GetByID(ctx context.Context, id uuid.UUID) (*queue.Item, error) {
	return r.getOne(ctx, `SELECT `+queueColumns+` FROM queue_items WHERE id = $1`, id)
}

func (r *QueueRepository) GetByInboxEventID(ctx context.Context, inboxEventID uuid.UUID) (*queue.Item, error) {
	return r.getOne(ctx, `SELECT `+queueColumns+` FROM queue_items WHERE inbox_event_id = $1`, inboxEventID)
}

func (r *QueueRepository) getOne(ctx context.Context, query string, arg any) (*queue.Item, error) {
	item := &queue.Item{}
	err := r.db(ctx).QueryRow(ctx, query, arg).Scan(scanQueueArgs(item)...)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domainErrors.ErrItemNotFound
		}
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}

func (r *QueueRepository) Update(ctx context.Context, item *queue.Item) error {
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return fmt.Errorf("marshal queue payload: %w", err)
	}
	result, err := json.Marshal(item.Result)
	if err != nil {
		return fmt.Errorf("marshal queue result: %w", err)
	}

	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE queue_items SET
		        payload = $2, status = $3, priority = $4, attempt_count = $5, max_attempts = $6,
		        next_retry_at = $7, last_error = $8, last_error_code = $9,
		        lock_owner = $10, lock_expires_at = $11,
		        started_at = $12, completed_at = $13, target_entity_id = $14, result = $15
		 WHERE id = $1`,
		item.ID,
		payload, string(item.Status), item.Priority, item.AttemptCount, item.MaxAttempts,
		item.NextRetryAt, item.LastError, item.LastErrorCode,
		item.LockOwner, item.LockExpiresAt,
		item.StartedAt, item.CompletedAt, item.TargetEntityID, result,
	)
	if err != nil {
		return fmt.Errorf("update queue item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainErrors.ErrItemNotFound
	}
	return nil
}

func (r *QueueRepository) DequeuePending(ctx context.Context, limit int, filter queue.DequeueFilter) ([]*queue.Item, error) {
	if limit <= 0 {
		limit = 10
	}

	query := `SELECT ` + queueColumns + `
		 FROM queue_items
		 WHERE status = 'pending'
		   AND (lock_owner IS NULL OR lock_expires_at < NOW())`
	args := []any{limit}
	if filter.EntityType != nil {
		args = append(args, string(*filter.EntityType))
		query += fmt.Sprintf(" AND entity_type = $%d", len(args))
	}
	if filter.MinPriority != nil {
		args = append(args, *filter.MinPriority)
		query += fmt.Sprintf(" AND priority <= $%d", len(args))
	}
	query += ` ORDER BY priority ASC, created_at ASC LIMIT $1`

	return r.list(ctx, query, args...)
}

func (r *QueueRepository) DequeueRetryReady(ctx context.Context, limit int) ([]*queue.Item, error) {
	if limit <= 0 {
		limit = 10
	}
	return r.list(ctx,
		`SELECT `+queueColumns+`
		 FROM queue_items
		 WHERE status = 'retry'
		   AND next_retry_at <= NOW()
		   AND (lock_owner IS NULL OR lock_expires_at < NOW())
		 ORDER BY next_retry_at ASC
		 LIMIT $1`, limit,
	)
}

func (r *QueueRepository) list(ctx context.Context, query string, args ...any) ([]*queue.Item, error) {
	rows, err := r.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	defer rows.Close()

	var items []*queue.Item
	for rows.Next() {
		item := &queue.Item{}
		if err := rows.Scan(scanQueueArgs(item)...); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// TryLock performs the compare-and-set: the row is taken only when unlocked,
// already held by the same owner (re-acquire refreshes the TTL), or when the
// previous lock has expired (stale takeover).
func (r *QueueRepository) TryLock(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) (bool, error) {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE queue_items
		 SET lock_owner = $2, lock_expires_at = NOW() + $3::interval
		 WHERE id = $1
		   AND (lock_owner IS NULL OR lock_owner = $2 OR lock_expires_at < NOW())`,
		id, owner, fmt.Sprintf("%f seconds", ttl.Seconds()),
	)
	if err != nil {
		return false, fmt.Errorf("try lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *QueueRepository) Unlock(ctx context.Context, id uuid.UUID, owner string) (bool, error) {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE queue_items
		 SET lock_owner = NULL, lock_expires_at = NULL
		 WHERE id = $1 AND lock_owner = $2`,
		id, owner,
	)
	if err != nil {
		return false, fmt.Errorf("unlock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *QueueRepository) ExtendLock(ctx context.Context, id uuid.UUID, owner string, extra time.Duration) (bool, error) {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE queue_items
		 SET lock_expires_at = lock_expires_at + $3::interval
		 WHERE id = $1 AND lock_owner = $2 AND lock_expires_at > NOW()`,
		id, owner, fmt.Sprintf("%f seconds", extra.Seconds()),
	)
	if err != nil {
		return false, fmt.Errorf("extend lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *QueueRepository) GetLock(ctx context.Context, id uuid.UUID) (*string, *time.Time, error) {
	var owner *string
	var expiresAt *time.Time
	err := r.db(ctx).QueryRow(ctx,
		`SELECT lock_owner, lock_expires_at FROM queue_items WHERE id = $1`, id,
	).Scan(&owner, &expiresAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil, domainErrors.ErrItemNotFound
		}
		return nil, nil, fmt.Errorf("get lock: %w", err)
	}
	return owner, expiresAt, nil
}

// ClearExpiredLocks is the watchdog for items stuck in processing after a
// worker died without reporting: the lock fields are cleared and the item is
// put back in line for another attempt.
func (r *QueueRepository) ClearExpiredLocks(ctx context.Context) (int64, error) {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE queue_items
		 SET lock_owner = NULL, lock_expires_at = NULL,
		     status = CASE WHEN status = 'processing' THEN 'retry' ELSE status END,
		     next_retry_at = CASE WHEN status = 'processing' THEN NOW() ELSE next_retry_at END
		 WHERE lock_owner IS NOT NULL AND lock_expires_at < NOW()`,
	)
	if err != nil {
		return 0, fmt.Errorf("clear expired locks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *QueueRepository) Stats(ctx context.Context, since time.Time) (*queue.Stats, error) {
	stats := &queue.Stats{
		ByStatus:   make(map[queue.Status]int),
		ByEntity:   make(map[entity.Type]int),
		ByPriority: make(map[int]int),
	}

	rows, err := r.db(ctx).Query(ctx,
		`SELECT status, entity_type, priority, COUNT(*)
		 FROM queue_items
		 WHERE created_at >= $1
		 GROUP BY status, entity_type, priority`, since,
	)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status, entityType string
		var priority, n int
		if err := rows.Scan(&status, &entityType, &priority, &n); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		stats.ByStatus[queue.Status(status)] += n
		stats.ByEntity[entity.Type(entityType)] += n
		stats.ByPriority[priority] += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = r.db(ctx).QueryRow(ctx,
		`SELECT MIN(created_at) FROM queue_items WHERE status = 'pending'`,
	).Scan(&stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("oldest pending: %w", err)
	}

	var avgSeconds *float64
	err = r.db(ctx).QueryRow(ctx,
		`SELECT AVG(EXTRACT(EPOCH FROM (completed_at - created_at)))
		 FROM queue_items
		 WHERE status = 'completed' AND created_at >= $1`, since,
	).Scan(&avgSeconds)
	if err != nil {
		return nil, fmt.Errorf("avg latency: %w", err)
	}
	if avgSeconds != nil {
		stats.AvgLatency = time.Duration(*avgSeconds * float64(time.Second))
	}

	return stats, nil
}

func (r *QueueRepository) DeleteCompleted(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.db(ctx).Exec(ctx,
		`DELETE FROM queue_items WHERE status = 'completed' AND completed_at < $1`, olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("delete completed items: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *QueueRepository) ResetDeadLetters(ctx context.Context, ids []uuid.UUID) (int64, error) {
	query := `UPDATE queue_items
		 SET status = 'pending', attempt_count = 0, next_retry_at = NULL,
		     last_error = NULL, last_error_code = NULL,
		     started_at = NULL, completed_at = NULL,
		     lock_owner = NULL, lock_expires_at = NULL
		 WHERE status = 'dead_letter'`
	var args []any
	if len(ids) > 0 {
		args = append(args, ids)
		query += ` AND id = ANY($1)`
	}

	tag, err := r.db(ctx).Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("reset dead letters: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanQueueArgs(item *queue.Item) []any {
	return []any{
		&item.ID,
		&item.InboxEventID,
		&item.BatchID,
		(*string)(&item.EntityType),
		&item.SourceEntityID,
		(*string)(&item.Operation),
		&jsonScanner{v: &item.Payload},
		(*string)(&item.Status),
		&item.Priority,
		&item.AttemptCount,
		&item.MaxAttempts,
		&item.NextRetryAt,
		&item.LastError,
		&item.LastErrorCode,
		&item.LockOwner,
		&item.LockExpiresAt,
		&item.CreatedAt,
		&item.StartedAt,
		&item.CompletedAt,
		&item.TargetEntityID,
		&jsonScanner{v: &item.Result},
	}
}
