package controller

import (
	"time"

	"github.com/ledgersync/ledgersync/internal/domain/inbox"
	"github.com/ledgersync/ledgersync/internal/domain/queue"
)

// --- Request DTOs ---

// WebhookRequest is the envelope the remote platform delivers. Data carries
// the entity payload and is validated downstream by the inbox gate.
type WebhookRequest struct {
	EventType      string         `json:"eventType" validate:"required"`
	SourceEntityID string         `json:"sourceEntityId" validate:"required"`
	Nonce          string         `json:"nonce" validate:"required"`
	Data           map[string]any `json:"data"`
}

// RetryDeadLettersRequest selects dead-letter items to reset. An empty list
// resets all of them.
type RetryDeadLettersRequest struct {
	IDs []string `json:"ids" validate:"omitempty,dive,uuid"`
}

// --- Response DTOs ---

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// WebhookResponse acknowledges one admitted delivery. Invalid deliveries
// are still acknowledged so the sender does not amplify duplicates.
type WebhookResponse struct {
	EventID          string   `json:"event_id"`
	Duplicate        bool     `json:"duplicate"`
	Valid            bool     `json:"valid"`
	ValidationErrors []string `json:"validation_errors,omitempty"`
	ItemID           *string  `json:"item_id,omitempty"`
}

// ItemResponse represents a queue item in API responses.
type ItemResponse struct {
	ID             string         `json:"id"`
	InboxEventID   *string        `json:"inbox_event_id,omitempty"`
	EntityType     string         `json:"entity_type"`
	SourceEntityID string         `json:"source_entity_id"`
	Operation      string         `json:"operation"`
	Status         string         `json:"status"`
	Priority       int            `json:"priority"`
	AttemptCount   int            `json:"attempt_count"`
	MaxAttempts    int            `json:"max_attempts"`
	NextRetryAt    *time.Time     `json:"next_retry_at,omitempty"`
	LastError      *string        `json:"last_error,omitempty"`
	LastErrorCode  *string        `json:"last_error_code,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	TargetEntityID *string        `json:"target_entity_id,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
}

// QueueStatsResponse aggregates queue contents for the admin surface.
type QueueStatsResponse struct {
	ByStatus      map[string]int `json:"by_status"`
	ByEntity      map[string]int `json:"by_entity"`
	ByPriority    map[int]int    `json:"by_priority"`
	OldestPending *time.Time     `json:"oldest_pending,omitempty"`
	AvgLatencyMS  int64          `json:"avg_latency_ms"`
}

// InboxStatsResponse aggregates inbox activity.
type InboxStatsResponse struct {
	Total      int            `json:"total"`
	Valid      int            `json:"valid"`
	Invalid    int            `json:"invalid"`
	Duplicates int            `json:"duplicates"`
	ByEntity   map[string]int `json:"by_entity"`
}

// RemediationResponse reports the effect of an operator action.
type RemediationResponse struct {
	Affected int64 `json:"affected"`
}

func toItemResponse(item *queue.Item) ItemResponse {
	resp := ItemResponse{
		ID:             item.ID.String(),
		EntityType:     string(item.EntityType),
		SourceEntityID: item.SourceEntityID,
		Operation:      string(item.Operation),
		Status:         string(item.Status),
		Priority:       item.Priority,
		AttemptCount:   item.AttemptCount,
		MaxAttempts:    item.MaxAttempts,
		NextRetryAt:    item.NextRetryAt,
		LastError:      item.LastError,
		LastErrorCode:  item.LastErrorCode,
		CreatedAt:      item.CreatedAt,
		StartedAt:      item.StartedAt,
		CompletedAt:    item.CompletedAt,
		TargetEntityID: item.TargetEntityID,
		Result:         item.Result,
	}
	if item.InboxEventID != nil {
		id := item.InboxEventID.String()
		resp.InboxEventID = &id
	}
	return resp
}

func toQueueStatsResponse(stats *queue.Stats) QueueStatsResponse {
	resp := QueueStatsResponse{
		ByStatus:      make(map[string]int, len(stats.ByStatus)),
		ByEntity:      make(map[string]int, len(stats.ByEntity)),
		ByPriority:    stats.ByPriority,
		OldestPending: stats.OldestPending,
		AvgLatencyMS:  stats.AvgLatency.Milliseconds(),
	}
	for status, n := range stats.ByStatus {
		resp.ByStatus[string(status)] = n
	}
	for entityType, n := range stats.ByEntity {
		resp.ByEntity[string(entityType)] = n
	}
	return resp
}

func toInboxStatsResponse(stats *inbox.WindowStats) InboxStatsResponse {
	resp := InboxStatsResponse{
		Total:      stats.Total,
		Valid:      stats.Valid,
		Invalid:    stats.Invalid,
		Duplicates: stats.Duplicates,
		ByEntity:   make(map[string]int, len(stats.ByEntity)),
	}
	for entityType, n := range stats.ByEntity {
		resp.ByEntity[string(entityType)] = n
	}
	return resp
}
