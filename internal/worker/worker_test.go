package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainErrors "github.com/ledgersync/ledgersync/internal/domain/errors"
	"github.com/ledgersync/ledgersync/internal/domain/entity"
	"github.com/ledgersync/ledgersync/internal/domain/queue"
	"github.com/ledgersync/ledgersync/internal/lock"
	"github.com/ledgersync/ledgersync/internal/remote"
	"github.com/ledgersync/ledgersync/internal/service"
	"github.com/ledgersync/ledgersync/internal/testutil"
	"github.com/ledgersync/ledgersync/internal/worker"
	"github.com/ledgersync/ledgersync/pkg/backoff"
)

type harness struct {
	repo   *testutil.MockQueueRepository
	queue  *service.SyncQueue
	locks  *lock.Manager
	client *remote.MockClient
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo := testutil.NewMockQueueRepository()
	return &harness{
		repo:   repo,
		queue:  service.NewSyncQueue(repo, backoff.DefaultTable(), nil, nil, testutil.NopLogger()),
		locks:  lock.NewManager(repo, time.Minute, testutil.NopLogger()),
		client: remote.NewMockClient(remote.WithLatency(0)),
	}
}

func (h *harness) newWorker(p worker.Processor) *worker.Worker {
	return worker.New(h.queue, h.locks, p, nil, testutil.NopLogger(), worker.Config{BatchSize: 10})
}

type funcProcessor func(ctx context.Context, item *queue.Item) (*worker.Outcome, error)

func (f funcProcessor) Process(ctx context.Context, item *queue.Item) (*worker.Outcome, error) {
	return f(ctx, item)
}

func TestWorker_RunOnce_CompletesItem(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	item := testutil.NewTestItem(entity.TypeInvoice, 1)
	require.NoError(t, h.repo.Insert(ctx, item))

	w := h.newWorker(worker.NewSyncProcessor(h.client))
	n := w.RunOnce(ctx)

	assert.Equal(t, 1, n)
	got, err := h.repo.GetByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, got.Status)
	assert.NotNil(t, got.TargetEntityID)
	assert.Nil(t, got.LockOwner)
}

func TestWorker_RunOnce_TransientFailureSchedulesRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	item := testutil.NewTestItem(entity.TypeItem, 5)
	require.NoError(t, h.repo.Insert(ctx, item))

	w := h.newWorker(funcProcessor(func(ctx context.Context, item *queue.Item) (*worker.Outcome, error) {
		return nil, domainErrors.NewSyncError(domainErrors.CodeNetwork, "connection refused", nil)
	}))
	w.RunOnce(ctx)

	got, err := h.repo.GetByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusRetry, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	require.NotNil(t, got.LastErrorCode)
	assert.Equal(t, domainErrors.CodeNetwork, *got.LastErrorCode)
	assert.Nil(t, got.LockOwner)
}

func TestWorker_RunOnce_NonRetryableErrorDeadLetters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	item := testutil.NewTestItem(entity.TypeItem, 5)
	require.NoError(t, h.repo.Insert(ctx, item))

	w := h.newWorker(funcProcessor(func(ctx context.Context, item *queue.Item) (*worker.Outcome, error) {
		return nil, domainErrors.NewSyncError(domainErrors.CodeValidation, "remote rejected document", nil)
	}))
	w.RunOnce(ctx)

	got, err := h.repo.GetByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDeadLetter, got.Status)
}

func TestWorker_RunOnce_PanicIsContained(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	item := testutil.NewTestItem(entity.TypeItem, 5)
	require.NoError(t, h.repo.Insert(ctx, item))

	w := h.newWorker(funcProcessor(func(ctx context.Context, item *queue.Item) (*worker.Outcome, error) {
		panic("nil map write")
	}))

	assert.NotPanics(t, func() { w.RunOnce(ctx) })

	// the item must not be stuck in processing
	got, err := h.repo.GetByID(ctx, item.ID)
	require.NoError(t, err)
	assert.NotEqual(t, queue.StatusProcessing, got.Status)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "panic")
}

func TestWorker_RunOnce_SkipsItemsLockedByOthers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	item := testutil.NewTestItem(entity.TypeItem, 5)
	require.NoError(t, h.repo.Insert(ctx, item))
	ok, err := h.repo.TryLock(ctx, item.ID, "rival-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	w := h.newWorker(worker.NewSyncProcessor(h.client))
	n := w.RunOnce(ctx)

	assert.Equal(t, 0, n)
	got, err := h.repo.GetByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, got.Status)
}

func TestWorker_RunOnce_ProcessesRetryReadyFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var order []string
	w := h.newWorker(funcProcessor(func(ctx context.Context, item *queue.Item) (*worker.Outcome, error) {
		order = append(order, item.SourceEntityID)
		return &worker.Outcome{}, nil
	}))

	pending := testutil.NewTestItem(entity.TypeItem, 1)
	pending.SourceEntityID = "fresh"
	require.NoError(t, h.repo.Insert(ctx, pending))

	aged := testutil.NewTestItem(entity.TypeItem, 5)
	aged.SourceEntityID = "aged"
	aged.Status = queue.StatusRetry
	past := time.Now().Add(-time.Minute)
	aged.NextRetryAt = &past
	aged.AttemptCount = 1
	require.NoError(t, h.repo.Insert(ctx, aged))

	n := w.RunOnce(ctx)

	assert.Equal(t, 2, n)
	require.Len(t, order, 2)
	assert.Equal(t, "aged", order[0])
	assert.Equal(t, "fresh", order[1])
}

func TestWorker_TwoWorkersNeverShareAnItem(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const items = 20
	for i := 0; i < items; i++ {
		require.NoError(t, h.repo.Insert(ctx, testutil.NewTestItem(entity.TypeItem, 5)))
	}

	processed := make(chan string, items*2)
	makeProcessor := func(name string) worker.Processor {
		return funcProcessor(func(ctx context.Context, item *queue.Item) (*worker.Outcome, error) {
			processed <- item.ID.String()
			return &worker.Outcome{}, nil
		})
	}

	w1 := worker.New(h.queue, h.locks, makeProcessor("w1"), nil, testutil.NopLogger(), worker.Config{BatchSize: items})
	w2 := worker.New(h.queue, h.locks, makeProcessor("w2"), nil, testutil.NopLogger(), worker.Config{BatchSize: items})

	done := make(chan struct{}, 2)
	go func() { w1.RunOnce(ctx); done <- struct{}{} }()
	go func() { w2.RunOnce(ctx); done <- struct{}{} }()
	<-done
	<-done
	close(processed)

	seen := make(map[string]int)
	for id := range processed {
		total := seen[id] + 1
		seen[id] = total
		assert.Equal(t, 1, total, "item %s processed more than once", id)
	}
	assert.Len(t, seen, items)
}
