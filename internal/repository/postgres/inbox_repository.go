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
	"github.com/ledgersync/ledgersync/internal/domain/inbox"
)

// InboxRepository persists inbox events. The unique index on idempotency_key
// makes concurrent admits of the same delivery race-safe: exactly one insert
// wins and the loser observes the existing row.
type InboxRepository struct {
	pool *pgxpool.Pool
}

func NewInboxRepository(pool *pgxpool.Pool) *InboxRepository {
	return &InboxRepository{pool: pool}
}

func (r *InboxRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

const inboxColumns = `id, idempotency_key, entity_type, source_entity_id, raw_payload,
	received_at, is_valid, validation_errors, moved_to_queue, duplicate_count`

func (r *InboxRepository) Insert(ctx context.Context, e *inbox.Event) (*inbox.Event, bool, error) {
	payload, err := json.Marshal(e.RawPayload)
	if err != nil {
		return nil, false, fmt.Errorf("marshal inbox payload: %w", err)
	}
	validationErrs, err := json.Marshal(e.ValidationErrs)
	if err != nil {
		return nil, false, fmt.Errorf("marshal validation errors: %w", err)
	}

	tag, err := r.db(ctx).Exec(ctx,
		`INSERT INTO inbox_events (id, idempotency_key, entity_type, source_entity_id, raw_payload,
		        received_at, is_valid, validation_errors, moved_to_queue, duplicate_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		e.ID, e.IdempotencyKey, string(e.EntityType), e.SourceEntityID, payload,
		e.ReceivedAt, e.IsValid, validationErrs, e.MovedToQueue,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert inbox event: %w", err)
	}

	if tag.RowsAffected() == 1 {
		return e, false, nil
	}

	// duplicate delivery: bump the counter and hand back the original
	existing := &inbox.Event{}
	err = r.db(ctx).QueryRow(ctx,
		`UPDATE inbox_events SET duplicate_count = duplicate_count + 1, last_duplicate_at = NOW()
		 WHERE idempotency_key = $1
		 RETURNING `+inboxColumns,
		e.IdempotencyKey,
	).Scan(scanInboxArgs(existing)...)
	if err != nil {
		return nil, false, fmt.Errorf("record duplicate delivery: %w", err)
	}
	return existing, true, nil
}

func (r *InboxRepository) GetByID(ctx context.Context, id uuid.UUID) (*inbox.Event, error) {
	return r.getOne(ctx, `SELECT `+inboxColumns+` FROM inbox_events WHERE id = $1`, id)
}

func (r *InboxRepository) GetByIdempotencyKey(ctx context.Context, key string) (*inbox.Event, error) {
	return r.getOne(ctx, `SELECT `+inboxColumns+` FROM inbox_events WHERE idempotency_key = $1`, key)
}

func (r *InboxRepository) getOne(ctx context.Context, query string, arg any) (*inbox.Event, error) {
	e := &inbox.Event{}
	err := r.db(ctx).QueryRow(ctx, query, arg).Scan(scanInboxArgs(e)...)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domainErrors.ErrEventNotFound
		}
		return nil, fmt.Errorf("get inbox event: %w", err)
	}
	return e, nil
}

func (r *InboxRepository) MarkMoved(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE inbox_events SET moved_to_queue = TRUE WHERE id = $1 AND moved_to_queue = FALSE`, id,
	)
	if err != nil {
		return fmt.Errorf("mark inbox event moved: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainErrors.ErrAlreadyEnqueued
	}
	return nil
}

func (r *InboxRepository) Stats(ctx context.Context, since time.Time) (*inbox.WindowStats, error) {
	stats := &inbox.WindowStats{ByEntity: make(map[entity.Type]int)}

	rows, err := r.db(ctx).Query(ctx,
		`SELECT entity_type,
		        COUNT(*),
		        COUNT(*) FILTER (WHERE is_valid),
		        COUNT(*) FILTER (WHERE NOT is_valid),
		        COALESCE(SUM(duplicate_count), 0)
		 FROM inbox_events
		 WHERE received_at >= $1
		 GROUP BY entity_type`, since,
	)
	if err != nil {
		return nil, fmt.Errorf("inbox stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var entityType string
		var total, valid, invalid int
		var duplicates int64
		if err := rows.Scan(&entityType, &total, &valid, &invalid, &duplicates); err != nil {
			return nil, fmt.Errorf("scan inbox stats: %w", err)
		}
		stats.Total += total
		stats.Valid += valid
		stats.Invalid += invalid
		stats.Duplicates += int(duplicates)
		stats.ByEntity[entity.Type(entityType)] = total
	}
	return stats, rows.Err()
}

func (r *InboxRepository) PurgeDuplicates(ctx context.Context, olderThan time.Time) (int64, error) {
	var purged int64
	err := r.db(ctx).QueryRow(ctx,
		`WITH victims AS (
		    SELECT id, duplicate_count FROM inbox_events
		    WHERE duplicate_count > 0 AND received_at < $1
		    FOR UPDATE
		 ), reset AS (
		    UPDATE inbox_events e SET duplicate_count = 0, last_duplicate_at = NULL
		    FROM victims v WHERE e.id = v.id
		 )
		 SELECT COALESCE(SUM(duplicate_count), 0) FROM victims`, olderThan,
	).Scan(&purged)
	if err != nil {
		return 0, fmt.Errorf("purge inbox duplicates: %w", err)
	}
	return purged, nil
}

func scanInboxArgs(e *inbox.Event) []any {
	return []any{
		&e.ID,
		&e.IdempotencyKey,
		(*string)(&e.EntityType),
		&e.SourceEntityID,
		&jsonScanner{v: &e.RawPayload},
		&e.ReceivedAt,
		&e.IsValid,
		&jsonScanner{v: &e.ValidationErrs},
		&e.MovedToQueue,
		&e.DuplicateCount,
	}
}

// jsonScanner unmarshals a jsonb column into the wrapped value.
type jsonScanner struct {
	v any
}

func (s *jsonScanner) Scan(src any) error {
	switch data := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(data) == 0 {
			return nil
		}
		return json.Unmarshal(data, s.v)
	case string:
		if data == "" {
			return nil
		}
		return json.Unmarshal([]byte(data), s.v)
	default:
		return fmt.Errorf("unsupported jsonb source %T", src)
	}
}
