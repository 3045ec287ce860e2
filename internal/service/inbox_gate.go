package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ledgersync/ledgersync/internal/broadcast"
	"github.com/ledgersync/ledgersync/internal/domain/entity"
	domainErrors "github.com/ledgersync/ledgersync/internal/domain/errors"
	"github.com/ledgersync/ledgersync/internal/domain/inbox"
	"github.com/ledgersync/ledgersync/internal/domain/queue"
	"github.com/ledgersync/ledgersync/internal/infrastructure/observability"
)

// AdmitResult is the outcome of admitting one webhook delivery.
type AdmitResult struct {
	Event     *inbox.Event
	Item      *queue.Item
	Duplicate bool
}

// InboxGate is the single entry point for inbound webhook deliveries. It
// deduplicates by idempotency key, validates payload shape, records every
// delivery, and hands valid events to the sync queue.
type InboxGate struct {
	repo             inbox.Repository
	syncQueue        *SyncQueue
	tx               TransactionManager
	hub              *broadcast.Hub
	metrics          *observability.Metrics
	logger           zerolog.Logger
	validate         *validator.Validate
	defaultPriority  int
	entityPriorities map[string]int
}

// NewInboxGate creates the gate. entityPriorities maps entity type names to
// queue priorities; types not present use defaultPriority.
func NewInboxGate(
	repo inbox.Repository,
	syncQueue *SyncQueue,
	tx TransactionManager,
	hub *broadcast.Hub,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	defaultPriority int,
	entityPriorities map[string]int,
) *InboxGate {
	return &InboxGate{
		repo:             repo,
		syncQueue:        syncQueue,
		tx:               tx,
		hub:              hub,
		metrics:          metrics,
		logger:           logger.With().Str("component", "inbox_gate").Logger(),
		validate:         validator.New(),
		defaultPriority:  defaultPriority,
		entityPriorities: entityPriorities,
	}
}

// Admit records one webhook delivery. Duplicates return the previously
// stored event unchanged and never produce a second queue item. Invalid
// payloads are persisted with their validation errors and never enqueued.
func (g *InboxGate) Admit(ctx context.Context, sourceEventType, sourceEntityID, nonce string, payload map[string]any) (*AdmitResult, error) {
	if sourceEntityID == "" || nonce == "" {
		return nil, domainErrors.ErrInvalidInput
	}

	entityType, op, parseErr := entity.ParseEventType(sourceEventType)

	ev := &inbox.Event{
		ID:             uuid.New(),
		IdempotencyKey: inbox.IdempotencyKey(sourceEventType, sourceEntityID, nonce),
		EntityType:     entityType,
		SourceEntityID: sourceEntityID,
		RawPayload:     payload,
		ReceivedAt:     time.Now().UTC(),
		IsValid:        true,
	}

	switch {
	case parseErr != nil:
		// Record unknown event types as invalid deliveries so redelivery
		// storms stay visible and deduplicated.
		ev.EntityType = entity.Type(eventTypePrefix(sourceEventType))
		ev.MarkInvalid([]string{fmt.Sprintf("unknown event type %q", sourceEventType)})
	default:
		if errs := g.validatePayload(entityType, op, payload); len(errs) > 0 {
			ev.MarkInvalid(errs)
		}
	}

	stored, duplicate, err := g.repo.Insert(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("record delivery: %w", err)
	}
	if duplicate {
		if g.metrics != nil {
			g.metrics.InboxDuplicates.Inc()
		}
		g.logger.Debug().
			Str("idempotency_key", stored.IdempotencyKey).
			Int("duplicate_count", stored.DuplicateCount).
			Msg("duplicate delivery suppressed")
		return &AdmitResult{Event: stored, Duplicate: true}, nil
	}

	if g.metrics != nil {
		g.metrics.WebhooksReceived.
			WithLabelValues(string(stored.EntityType), fmt.Sprintf("%t", stored.IsValid)).Inc()
		if !stored.IsValid {
			g.metrics.InboxInvalid.WithLabelValues(string(stored.EntityType)).Inc()
		}
	}
	if g.hub != nil {
		g.hub.Broadcast(broadcast.EventWebhookReceived, map[string]any{
			"event_id":         stored.ID.String(),
			"event_type":       sourceEventType,
			"entity_type":      string(stored.EntityType),
			"source_entity_id": stored.SourceEntityID,
			"valid":            stored.IsValid,
		})
	}

	if !stored.IsValid {
		g.logger.Warn().
			Str("event_id", stored.ID.String()).
			Str("event_type", sourceEventType).
			Strs("errors", stored.ValidationErrs).
			Msg("delivery failed validation")
		return &AdmitResult{Event: stored}, nil
	}

	// Enqueue and the moved flag commit together so the inbox never lies
	// about whether an admitted event produced an item.
	var item *queue.Item
	move := func(ctx context.Context) error {
		var err error
		item, err = g.syncQueue.Enqueue(ctx, stored, op, g.priorityFor(stored.EntityType))
		if err != nil {
			return fmt.Errorf("enqueue admitted event: %w", err)
		}
		if err := g.repo.MarkMoved(ctx, stored.ID); err != nil {
			return fmt.Errorf("mark moved: %w", err)
		}
		return nil
	}
	if g.tx != nil {
		err = g.tx.WithTransaction(ctx, move)
	} else {
		err = move(ctx)
	}
	if err != nil {
		return nil, err
	}
	stored.MovedToQueue = true

	g.logger.Info().
		Str("event_id", stored.ID.String()).
		Str("item_id", item.ID.String()).
		Str("event_type", sourceEventType).
		Msg("delivery admitted and enqueued")

	return &AdmitResult{Event: stored, Item: item}, nil
}

// Stats exposes inbox aggregates for the health monitor and admin surface.
func (g *InboxGate) Stats(ctx context.Context, since time.Time) (*inbox.WindowStats, error) {
	return g.repo.Stats(ctx, since)
}

func (g *InboxGate) priorityFor(t entity.Type) int {
	if p, ok := g.entityPriorities[string(t)]; ok {
		return p
	}
	return g.defaultPriority
}

// Payload shapes by entity type. Deletes only need the entity identity the
// envelope already carries, so their payloads are not shape-checked.
type itemPayload struct {
	SKU  string `json:"sku" validate:"required"`
	Name string `json:"name" validate:"required"`
}

type invoicePayload struct {
	Number   string  `json:"number" validate:"required"`
	Currency string  `json:"currency" validate:"required,len=3"`
	Total    float64 `json:"total" validate:"gte=0"`
}

type customerPayload struct {
	Name  string `json:"name" validate:"required"`
	Email string `json:"email" validate:"omitempty,email"`
}

type orderPayload struct {
	Number string `json:"number" validate:"required"`
	Lines  []struct {
		SKU      string  `json:"sku" validate:"required"`
		Quantity float64 `json:"quantity" validate:"gt=0"`
	} `json:"lines" validate:"required,min=1,dive"`
}

func (g *InboxGate) validatePayload(t entity.Type, op entity.Operation, payload map[string]any) []string {
	if op == entity.OpDelete {
		return nil
	}
	if payload == nil {
		return []string{"payload is required"}
	}

	var target any
	switch t {
	case entity.TypeItem:
		target = &itemPayload{}
	case entity.TypeInvoice:
		target = &invoicePayload{}
	case entity.TypeCustomer:
		target = &customerPayload{}
	case entity.TypeOrder:
		target = &orderPayload{}
	default:
		return []string{fmt.Sprintf("unknown entity type %q", t)}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return []string{fmt.Sprintf("payload not serializable: %v", err)}
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return []string{fmt.Sprintf("payload shape mismatch: %v", err)}
	}

	if err := g.validate.Struct(target); err != nil {
		var verrs validator.ValidationErrors
		var out []string
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				out = append(out, fmt.Sprintf("field %s failed %s validation", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return out
		}
		return []string{err.Error()}
	}
	return nil
}

func eventTypePrefix(sourceEventType string) string {
	if i := strings.IndexByte(sourceEventType, '.'); i > 0 {
		return sourceEventType[:i]
	}
	return sourceEventType
}
