package health

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ledgersync/ledgersync/internal/broadcast"
	"github.com/ledgersync/ledgersync/internal/domain/inbox"
	"github.com/ledgersync/ledgersync/internal/domain/queue"
	"github.com/ledgersync/ledgersync/internal/infrastructure/observability"
)

// Monitor periodically samples inbox and queue aggregates, publishes health
// transitions to the dashboard and keeps the scrape gauges current.
// Remediation actions are never part of the sampling cycle; they run only on
// explicit operator request.
type Monitor struct {
	inboxRepo  inbox.Repository
	queueRepo  queue.Repository
	hub        *broadcast.Hub
	metrics    *observability.Metrics
	logger     zerolog.Logger
	thresholds Thresholds
	window     time.Duration
	interval   time.Duration

	lastBand Band
}

// NewMonitor creates a health monitor sampling over the given trailing window.
func NewMonitor(
	inboxRepo inbox.Repository,
	queueRepo queue.Repository,
	hub *broadcast.Hub,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	thresholds Thresholds,
	window time.Duration,
	interval time.Duration,
) *Monitor {
	if window <= 0 {
		window = time.Hour
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		inboxRepo:  inboxRepo,
		queueRepo:  queueRepo,
		hub:        hub,
		metrics:    metrics,
		logger:     logger.With().Str("component", "health_monitor").Logger(),
		thresholds: thresholds,
		window:     window,
		interval:   interval,
	}
}

// Snapshot computes the current health aggregate on demand.
func (m *Monitor) Snapshot(ctx context.Context) (*Snapshot, error) {
	since := time.Now().Add(-m.window)

	inboxStats, err := m.inboxRepo.Stats(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("inbox stats: %w", err)
	}
	queueStats, err := m.queueRepo.Stats(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}

	return Compute(WindowStats{
		Inbox:  *inboxStats,
		Queue:  *queueStats,
		Window: m.window,
	}, m.thresholds), nil
}

// Run samples on a fixed interval until ctx is cancelled. Each cycle is an
// isolated unit of work: a failed sample is logged and the next tick proceeds.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		snap, err := m.Snapshot(ctx)
		if err != nil {
			m.logger.Error().Err(err).Msg("health sample failed")
			continue
		}
		m.publish(snap)
	}
}

func (m *Monitor) publish(snap *Snapshot) {
	if m.metrics != nil {
		m.metrics.HealthScore.Set(float64(snap.Score))
		for status, n := range snap.ByStatus {
			m.metrics.QueueItemsByStatus.WithLabelValues(string(status)).Set(float64(n))
		}
		for entityType, n := range snap.ByEntity {
			m.metrics.QueueItemsByEntity.WithLabelValues(string(entityType)).Set(float64(n))
		}
		m.metrics.InboxDuplicateRate.Set(snap.DuplicateRate)
	}

	if m.hub != nil {
		m.hub.Broadcast(broadcast.EventQueueStatsChanged, map[string]any{
			"by_status":      snap.ByStatus,
			"by_entity":      snap.ByEntity,
			"oldest_pending": snap.OldestPending,
		})

		if snap.Status != m.lastBand {
			m.hub.Broadcast(broadcast.EventHealthStatusChanged, map[string]any{
				"score":  snap.Score,
				"status": string(snap.Status),
				"issues": snap.Issues,
			})
		}
		for _, issue := range snap.Issues {
			if issue.Severity == SeverityCritical {
				m.hub.Broadcast(broadcast.EventAlertCreated, map[string]any{
					"type":     issue.Type,
					"severity": string(issue.Severity),
					"message":  issue.Message,
				})
			}
		}
	}

	if snap.Status != m.lastBand {
		m.logger.Info().
			Int("score", snap.Score).
			Str("from", string(m.lastBand)).
			Str("to", string(snap.Status)).
			Int("issues", len(snap.Issues)).
			Msg("health status changed")
		m.lastBand = snap.Status
	}
}

// PurgeDuplicates drops duplicate-delivery records older than 24h, keeping
// the earliest occurrence per idempotency key. Operator-triggered only.
func (m *Monitor) PurgeDuplicates(ctx context.Context) (int64, error) {
	n, err := m.inboxRepo.PurgeDuplicates(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		return 0, fmt.Errorf("purge duplicates: %w", err)
	}
	m.logger.Info().Int64("purged", n).Msg("purged inbox duplicates")
	return n, nil
}

// RetryDeadLetters resets the given dead-letter items (all of them when ids
// is empty) back to pending with a fresh attempt budget. Operator-triggered
// only.
func (m *Monitor) RetryDeadLetters(ctx context.Context, ids []uuid.UUID) (int64, error) {
	n, err := m.queueRepo.ResetDeadLetters(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("reset dead letters: %w", err)
	}
	m.logger.Info().Int64("reset", n).Msg("dead-letter items reset to pending")
	if m.hub != nil && n > 0 {
		m.hub.Broadcast(broadcast.EventQueueStatsChanged, map[string]any{
			"dead_letter_reset": n,
		})
	}
	return n, nil
}
