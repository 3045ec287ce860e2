package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	domainErrors "github.com/ledgersync/ledgersync/internal/domain/errors"
	"github.com/ledgersync/ledgersync/internal/domain/queue"
	"github.com/ledgersync/ledgersync/internal/infrastructure/observability"
	"github.com/ledgersync/ledgersync/internal/lock"
	"github.com/ledgersync/ledgersync/internal/service"
	"github.com/ledgersync/ledgersync/pkg/backoff"
)

// Worker polls the queue, locks items, runs the processor, and reports the
// outcome back. It never decides finality itself: every failure becomes a
// MarkFailed call with a should-retry hint.
type Worker struct {
	id           string
	queue        *service.SyncQueue
	locks        *lock.Manager
	processor    Processor
	metrics      *observability.Metrics
	logger       zerolog.Logger
	batchSize    int
	pollInterval time.Duration
}

// Config tunes one worker.
type Config struct {
	BatchSize    int
	PollInterval time.Duration
}

// New creates a worker with a fresh owner identity.
func New(
	q *service.SyncQueue,
	locks *lock.Manager,
	processor Processor,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	cfg Config,
) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	id := lock.NewOwnerID("worker")
	return &Worker{
		id:           id,
		queue:        q,
		locks:        locks,
		processor:    processor,
		metrics:      metrics,
		logger:       logger.With().Str("component", "worker").Str("worker_id", id).Logger(),
		batchSize:    cfg.BatchSize,
		pollInterval: cfg.PollInterval,
	}
}

// ID returns the worker's lock owner identity.
func (w *Worker) ID() string { return w.id }

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.logger.Info().Dur("poll_interval", w.pollInterval).Msg("worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("worker stopping")
			return ctx.Err()
		case <-ticker.C:
			if n := w.RunOnce(ctx); n > 0 {
				w.logger.Debug().Int("processed", n).Msg("batch processed")
			}
		}
	}
}

// RunOnce drains one batch of ready work and returns how many items it
// attempted. Retry-ready items go first so aged work is not starved by a
// steady stream of fresh events.
func (w *Worker) RunOnce(ctx context.Context) int {
	attempted := 0

	retryReady, err := w.queue.DequeueRetryReady(ctx, w.batchSize)
	if err != nil {
		w.logger.Error().Err(err).Msg("dequeue retry-ready failed")
	} else {
		for _, item := range retryReady {
			if ctx.Err() != nil {
				return attempted
			}
			if w.processOne(ctx, item) {
				attempted++
			}
		}
	}

	remaining := w.batchSize - attempted
	if remaining <= 0 {
		return attempted
	}
	pending, err := w.queue.Dequeue(ctx, remaining, queue.DequeueFilter{})
	if err != nil {
		w.logger.Error().Err(err).Msg("dequeue pending failed")
		return attempted
	}
	for _, item := range pending {
		if ctx.Err() != nil {
			return attempted
		}
		if w.processOne(ctx, item) {
			attempted++
		}
	}
	return attempted
}

// processOne runs a single item through lock, process, report, release.
// Lock contention is a normal skip, not an error. Returns whether the item
// was actually attempted.
func (w *Worker) processOne(ctx context.Context, item *queue.Item) bool {
	ok, err := w.locks.Acquire(ctx, item.ID, w.id)
	if err != nil {
		w.logger.Error().Err(err).Str("item_id", item.ID.String()).Msg("lock acquire failed")
		return false
	}
	if !ok {
		if w.metrics != nil {
			w.metrics.LockAcquisitions.WithLabelValues("contended").Inc()
		}
		return false
	}
	if w.metrics != nil {
		w.metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
	}
	defer func() {
		if err := w.locks.Release(ctx, item.ID, w.id); err != nil {
			w.logger.Warn().Err(err).Str("item_id", item.ID.String()).Msg("lock release failed")
		}
	}()

	current, err := w.queue.MarkProcessing(ctx, item.ID, w.id)
	if err != nil {
		if errors.Is(err, domainErrors.ErrLockNotHeld) || errors.Is(err, domainErrors.ErrInvalidStateTransition) {
			// someone else got to it between dequeue and lock
			return false
		}
		w.logger.Error().Err(err).Str("item_id", item.ID.String()).Msg("mark processing failed")
		return false
	}

	start := time.Now()
	outcome, procErr := w.safeProcess(ctx, current)
	elapsed := time.Since(start)

	if procErr != nil {
		w.reportFailure(ctx, current, procErr, elapsed)
		return true
	}

	var targetID *string
	var result map[string]any
	if outcome != nil {
		targetID = outcome.TargetEntityID
		result = outcome.Result
	}
	if err := w.queue.MarkCompleted(ctx, current.ID, targetID, result); err != nil {
		w.logger.Error().Err(err).Str("item_id", current.ID.String()).Msg("mark completed failed")
		return true
	}
	if w.metrics != nil {
		w.metrics.ProcessingDuration.WithLabelValues(string(current.EntityType), "success").Observe(elapsed.Seconds())
	}
	return true
}

// safeProcess invokes the processor with panic containment. A panicking
// processor must never leave an item stuck in processing.
func (w *Worker) safeProcess(ctx context.Context, item *queue.Item) (outcome *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().
				Str("item_id", item.ID.String()).
				Interface("panic", r).
				Msg("processor panicked")
			outcome = nil
			err = &domainErrors.SyncError{
				Code:    domainErrors.CodeInternal,
				Message: fmt.Sprintf("processor panic: %v", r),
			}
		}
	}()
	return w.processor.Process(ctx, item)
}

func (w *Worker) reportFailure(ctx context.Context, item *queue.Item, procErr error, elapsed time.Duration) {
	var codePtr *string
	if code := domainErrors.CodeOf(procErr); code != "" {
		codePtr = &code
	}
	hint := backoff.IsTransient(procErr)

	if _, err := w.queue.MarkFailed(ctx, item.ID, procErr.Error(), codePtr, hint); err != nil {
		w.logger.Error().Err(err).Str("item_id", item.ID.String()).Msg("mark failed errored")
		return
	}
	if w.metrics != nil {
		w.metrics.ProcessingDuration.WithLabelValues(string(item.EntityType), "failure").Observe(elapsed.Seconds())
	}
}

// Pool runs a fixed set of workers until the context is cancelled.
type Pool struct {
	workers []*Worker
	logger  zerolog.Logger
}

// NewPool creates count workers sharing the same collaborators, each with
// its own lock owner identity.
func NewPool(
	count int,
	q *service.SyncQueue,
	locks *lock.Manager,
	processor Processor,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	cfg Config,
) *Pool {
	if count <= 0 {
		count = 1
	}
	workers := make([]*Worker, count)
	for i := range workers {
		workers[i] = New(q, locks, processor, metrics, logger, cfg)
	}
	return &Pool{workers: workers, logger: logger.With().Str("component", "worker_pool").Logger()}
}

// Run blocks until ctx is cancelled, then returns the context error.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		g.Go(func() error {
			return w.Run(ctx)
		})
	}
	p.logger.Info().Int("workers", len(p.workers)).Msg("worker pool started")
	return g.Wait()
}
