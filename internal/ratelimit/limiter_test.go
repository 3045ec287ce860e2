package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainErrors "github.com/ledgersync/ledgersync/internal/domain/errors"
	"github.com/ledgersync/ledgersync/internal/ratelimit"
)

func newTestLimiter(cfg ratelimit.Config) *ratelimit.Limiter {
	return ratelimit.NewLimiter(cfg, ratelimit.NewMemoryStore(), zerolog.Nop())
}

func TestAcquire_UnderBudget(t *testing.T) {
	l := newTestLimiter(ratelimit.Config{
		MaxPerMinute:  10,
		MaxPerDay:     100,
		MaxConcurrent: 5,
		MinuteWindow:  time.Minute,
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire(ctx, "test"))
		l.Release()
	}
}

func TestAcquire_MinuteCapSuspendsUntilWindowRolls(t *testing.T) {
	window := 200 * time.Millisecond
	l := newTestLimiter(ratelimit.Config{
		MaxPerMinute:  2,
		MaxPerDay:     100,
		MaxConcurrent: 5,
		MinuteWindow:  window,
	})

	// align with a window boundary so the budget below spans one full window
	now := time.Now()
	time.Sleep(window - time.Duration(now.UnixNano()%int64(window)) + 5*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx, "test"))
	l.Release()
	require.NoError(t, l.Acquire(ctx, "test"))
	l.Release()

	// third call must block until the window rolls over
	start := time.Now()
	require.NoError(t, l.Acquire(ctx, "test"))
	l.Release()
	assert.GreaterOrEqual(t, time.Since(start), window/2, "expected suspension")
	assert.Less(t, time.Since(start), 3*window, "suspension should end with the window")
}

func TestAcquire_DayCapIsHardError(t *testing.T) {
	l := newTestLimiter(ratelimit.Config{
		MaxPerMinute:  100,
		MaxPerDay:     2,
		MaxConcurrent: 5,
		MinuteWindow:  time.Minute,
		DayWindow:     time.Hour,
	})

	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx, "test"))
	l.Release()
	require.NoError(t, l.Acquire(ctx, "test"))
	l.Release()

	err := l.Acquire(ctx, "test")
	assert.ErrorIs(t, err, domainErrors.ErrDailyLimitExceeded)
}

func TestAcquire_ThrottleWindowBlocks(t *testing.T) {
	l := newTestLimiter(ratelimit.Config{
		MaxPerMinute:  100,
		MaxPerDay:     100,
		MaxConcurrent: 5,
		MinuteWindow:  time.Minute,
		ThrottleBase:  50 * time.Millisecond,
	})

	ctx := context.Background()
	require.NoError(t, l.ThrottleOnError(ctx, 500))

	throttled, err := l.Throttled(ctx)
	require.NoError(t, err)
	assert.True(t, throttled)

	start := time.Now()
	require.NoError(t, l.Acquire(ctx, "test"))
	l.Release()
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestThrottleOnError_ExplicitRateLimitDoublesPause(t *testing.T) {
	store := ratelimit.NewMemoryStore()
	base := 100 * time.Millisecond
	l := ratelimit.NewLimiter(ratelimit.Config{
		MaxPerMinute:  100,
		MaxPerDay:     100,
		MaxConcurrent: 1,
		MinuteWindow:  time.Minute,
		ThrottleBase:  base,
	}, store, zerolog.Nop())

	ctx := context.Background()
	before := time.Now()
	require.NoError(t, l.ThrottleOnError(ctx, 429))

	until, err := store.GetThrottle(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, until.Sub(before), 2*base-10*time.Millisecond)
}

func TestAcquire_ConcurrencyCap(t *testing.T) {
	l := newTestLimiter(ratelimit.Config{
		MaxPerMinute:  100,
		MaxPerDay:     100,
		MaxConcurrent: 1,
		MinuteWindow:  time.Minute,
	})

	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx, "test"))

	// second slot is held up until the first is released
	released := make(chan struct{})
	go func() {
		time.Sleep(30 * time.Millisecond)
		l.Release()
		close(released)
	}()

	start := time.Now()
	require.NoError(t, l.Acquire(ctx, "test"))
	<-released
	l.Release()
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestAcquire_ContextCancelled(t *testing.T) {
	l := newTestLimiter(ratelimit.Config{
		MaxPerMinute:  1,
		MaxPerDay:     100,
		MaxConcurrent: 1,
		MinuteWindow:  time.Hour, // window will not roll during the test
	})

	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx, "test"))
	l.Release()

	cancelCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	err := l.Acquire(cancelCtx, "test")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
