package lock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgersync/ledgersync/internal/domain/entity"
	"github.com/ledgersync/ledgersync/internal/lock"
	"github.com/ledgersync/ledgersync/internal/testutil"
)

func setup(t *testing.T, ttl time.Duration) (*lock.Manager, *testutil.MockQueueRepository) {
	t.Helper()
	repo := testutil.NewMockQueueRepository()
	return lock.NewManager(repo, ttl, testutil.NopLogger()), repo
}

func TestManager_Acquire_MutualExclusion(t *testing.T) {
	mgr, repo := setup(t, time.Minute)
	ctx := context.Background()

	item := testutil.NewTestItem(entity.TypeItem, 5)
	require.NoError(t, repo.Insert(ctx, item))

	ok, err := mgr.Acquire(ctx, item.ID, "worker-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = mgr.Acquire(ctx, item.ID, "worker-b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManager_Acquire_ConcurrentSingleWinner(t *testing.T) {
	mgr, repo := setup(t, time.Minute)
	ctx := context.Background()

	item := testutil.NewTestItem(entity.TypeItem, 5)
	require.NoError(t, repo.Insert(ctx, item))

	const contenders = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners []string

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			owner := lock.NewOwnerID("worker")
			ok, err := mgr.Acquire(ctx, item.ID, owner)
			require.NoError(t, err)
			if ok {
				mu.Lock()
				winners = append(winners, owner)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, winners, 1)
}

func TestManager_Acquire_ReentrantForSameOwner(t *testing.T) {
	mgr, repo := setup(t, time.Minute)
	ctx := context.Background()

	item := testutil.NewTestItem(entity.TypeItem, 5)
	require.NoError(t, repo.Insert(ctx, item))

	ok, err := mgr.Acquire(ctx, item.ID, "worker-a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = mgr.Acquire(ctx, item.ID, "worker-a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestManager_Acquire_StaleTakeoverAfterExpiry(t *testing.T) {
	mgr, repo := setup(t, 20*time.Millisecond)
	ctx := context.Background()

	item := testutil.NewTestItem(entity.TypeItem, 5)
	require.NoError(t, repo.Insert(ctx, item))

	ok, err := mgr.Acquire(ctx, item.ID, "crashed-worker")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = mgr.Acquire(ctx, item.ID, "worker-b")
	require.NoError(t, err)
	assert.False(t, ok, "lock still live")

	time.Sleep(30 * time.Millisecond)

	ok, err = mgr.Acquire(ctx, item.ID, "worker-b")
	require.NoError(t, err)
	assert.True(t, ok, "expired lock should be taken over")

	valid, err := mgr.IsValid(ctx, item.ID, "crashed-worker")
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestManager_Release_OwnerMismatchIsNoOp(t *testing.T) {
	mgr, repo := setup(t, time.Minute)
	ctx := context.Background()

	item := testutil.NewTestItem(entity.TypeItem, 5)
	require.NoError(t, repo.Insert(ctx, item))

	ok, err := mgr.Acquire(ctx, item.ID, "worker-a")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, mgr.Release(ctx, item.ID, "worker-b"))

	valid, err := mgr.IsValid(ctx, item.ID, "worker-a")
	require.NoError(t, err)
	assert.True(t, valid, "foreign release must not clear the lock")

	require.NoError(t, mgr.Release(ctx, item.ID, "worker-a"))
	valid, err = mgr.IsValid(ctx, item.ID, "worker-a")
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestManager_Extend(t *testing.T) {
	mgr, repo := setup(t, 50*time.Millisecond)
	ctx := context.Background()

	item := testutil.NewTestItem(entity.TypeItem, 5)
	require.NoError(t, repo.Insert(ctx, item))

	ok, err := mgr.Acquire(ctx, item.ID, "worker-a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = mgr.Extend(ctx, item.ID, "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(60 * time.Millisecond)

	valid, err := mgr.IsValid(ctx, item.ID, "worker-a")
	require.NoError(t, err)
	assert.True(t, valid, "extension should outlive the original TTL")

	ok, err = mgr.Extend(ctx, item.ID, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "non-owner cannot extend")
}

func TestManager_CleanupExpired(t *testing.T) {
	mgr, repo := setup(t, 10*time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		item := testutil.NewTestItem(entity.TypeItem, 5)
		require.NoError(t, repo.Insert(ctx, item))
		ok, err := mgr.Acquire(ctx, item.ID, lock.NewOwnerID("worker"))
		require.NoError(t, err)
		require.True(t, ok)
	}

	time.Sleep(20 * time.Millisecond)

	cleared, err := mgr.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cleared)
}
