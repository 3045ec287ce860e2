package backoff_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgersync/ledgersync/internal/domain/entity"
	domainErrors "github.com/ledgersync/ledgersync/internal/domain/errors"
	"github.com/ledgersync/ledgersync/pkg/backoff"
)

func TestDelay_ExponentialMonotonic(t *testing.T) {
	cfg := backoff.Config{
		BaseDelay:   1000 * time.Millisecond,
		MaxDelay:    60000 * time.Millisecond,
		Exponential: true,
		Jitter:      false,
	}

	var prev time.Duration
	for attempt := 1; attempt <= 5; attempt++ {
		d := backoff.Delay(attempt, cfg)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, cfg.MaxDelay)
		prev = d
	}
}

func TestDelay_ExponentialValues(t *testing.T) {
	cfg := backoff.Config{
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		Exponential: true,
	}

	assert.Equal(t, 1*time.Second, backoff.Delay(1, cfg))
	assert.Equal(t, 2*time.Second, backoff.Delay(2, cfg))
	assert.Equal(t, 4*time.Second, backoff.Delay(3, cfg))
	assert.Equal(t, 32*time.Second, backoff.Delay(6, cfg))
	// capped at max
	assert.Equal(t, time.Minute, backoff.Delay(10, cfg))
	assert.Equal(t, time.Minute, backoff.Delay(100, cfg))
}

func TestDelay_Linear(t *testing.T) {
	cfg := backoff.Config{
		BaseDelay: time.Second,
		MaxDelay:  5 * time.Second,
	}

	assert.Equal(t, 1*time.Second, backoff.Delay(1, cfg))
	assert.Equal(t, 2*time.Second, backoff.Delay(2, cfg))
	assert.Equal(t, 3*time.Second, backoff.Delay(3, cfg))
	assert.Equal(t, 5*time.Second, backoff.Delay(7, cfg))
}

func TestDelay_JitterStaysWithinBounds(t *testing.T) {
	cfg := backoff.Config{
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		Exponential: true,
		Jitter:      true,
	}

	for attempt := 1; attempt <= 8; attempt++ {
		for i := 0; i < 100; i++ {
			d := backoff.Delay(attempt, cfg)
			assert.GreaterOrEqual(t, d, cfg.BaseDelay)
			assert.LessOrEqual(t, d, cfg.MaxDelay)
		}
	}
}

func TestDelay_ZeroAttemptTreatedAsFirst(t *testing.T) {
	cfg := backoff.Config{BaseDelay: time.Second, MaxDelay: time.Minute, Exponential: true}
	assert.Equal(t, time.Second, backoff.Delay(0, cfg))
	assert.Equal(t, time.Second, backoff.Delay(-3, cfg))
}

func TestShouldRetry_ExhaustedBudget(t *testing.T) {
	assert.False(t, backoff.ShouldRetry(3, 3, ""))
	assert.False(t, backoff.ShouldRetry(5, 3, ""))
	assert.True(t, backoff.ShouldRetry(2, 3, ""))
}

func TestShouldRetry_NonRetryableCodes(t *testing.T) {
	for _, code := range []string{
		domainErrors.CodeValidation,
		domainErrors.CodeAuth,
		domainErrors.CodeNotFound,
		domainErrors.CodeConflict,
	} {
		assert.False(t, backoff.ShouldRetry(0, 3, code), "code %s", code)
	}

	assert.True(t, backoff.ShouldRetry(0, 3, domainErrors.CodeTimeout))
	assert.True(t, backoff.ShouldRetry(0, 3, domainErrors.CodeNetwork))
}

func TestIsTransient_StructuredCodes(t *testing.T) {
	transient := domainErrors.NewSyncError(domainErrors.CodeTimeout, "request timed out", nil)
	assert.True(t, backoff.IsTransient(transient))

	fatal := domainErrors.NewSyncError(domainErrors.CodeValidation, "bad payload", nil)
	assert.False(t, backoff.IsTransient(fatal))

	// code beats message: a validation error mentioning "timeout" is still fatal
	tricky := domainErrors.NewSyncError(domainErrors.CodeValidation, "field timeout missing", nil)
	assert.False(t, backoff.IsTransient(tricky))
}

func TestIsTransient_MessageFallback(t *testing.T) {
	assert.True(t, backoff.IsTransient(errors.New("dial tcp: connection refused")))
	assert.True(t, backoff.IsTransient(errors.New("context deadline exceeded")))
	assert.True(t, backoff.IsTransient(errors.New("429 too many requests")))
	assert.False(t, backoff.IsTransient(errors.New("duplicate key value violates unique constraint")))
	assert.False(t, backoff.IsTransient(nil))
}

func TestTable_OverridesAndFallback(t *testing.T) {
	table := backoff.DefaultTable()

	invoice := table.For(entity.TypeInvoice)
	item := table.For(entity.TypeItem)

	assert.Less(t, invoice.BaseDelay, item.BaseDelay)
	assert.Greater(t, invoice.MaxAttempts, item.MaxAttempts)
	assert.Equal(t, backoff.DefaultConfig(), item)
}

func TestTable_NextRetryAtInFuture(t *testing.T) {
	table := backoff.DefaultTable()
	now := time.Now()

	at := table.NextRetryAt(now, entity.TypeItem, 1)
	require.True(t, at.After(now))
	assert.LessOrEqual(t, at.Sub(now), table.For(entity.TypeItem).MaxDelay)
}
