package inbox_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgersync/ledgersync/internal/domain/entity"
	domainErrors "github.com/ledgersync/ledgersync/internal/domain/errors"
	"github.com/ledgersync/ledgersync/internal/domain/inbox"
)

func TestIdempotencyKey_Stable(t *testing.T) {
	a := inbox.IdempotencyKey("invoice.created", "inv-1", "nonce-1")
	b := inbox.IdempotencyKey("invoice.created", "inv-1", "nonce-1")
	assert.Equal(t, a, b)
}

func TestIdempotencyKey_SensitiveToEveryPart(t *testing.T) {
	base := inbox.IdempotencyKey("invoice.created", "inv-1", "n-1")
	assert.NotEqual(t, base, inbox.IdempotencyKey("invoice.updated", "inv-1", "n-1"))
	assert.NotEqual(t, base, inbox.IdempotencyKey("invoice.created", "inv-2", "n-1"))
	assert.NotEqual(t, base, inbox.IdempotencyKey("invoice.created", "inv-1", "n-2"))
	// concatenation must not collide across part boundaries
	assert.NotEqual(t,
		inbox.IdempotencyKey("a", "bc", "d"),
		inbox.IdempotencyKey("ab", "c", "d"),
	)
}

func TestNewEvent(t *testing.T) {
	ev, err := inbox.NewEvent("order.created", "ord-1", "n-1", map[string]any{"number": "ORD-1"})

	require.NoError(t, err)
	assert.Equal(t, entity.TypeOrder, ev.EntityType)
	assert.Equal(t, "ord-1", ev.SourceEntityID)
	assert.True(t, ev.IsValid)
	assert.False(t, ev.MovedToQueue)
}

func TestNewEvent_Invalid(t *testing.T) {
	_, err := inbox.NewEvent("order.created", "", "n-1", nil)
	assert.ErrorIs(t, err, domainErrors.ErrInvalidInput)

	_, err = inbox.NewEvent("order.created", "ord-1", "", nil)
	assert.ErrorIs(t, err, domainErrors.ErrInvalidInput)

	_, err = inbox.NewEvent("bogus.created", "ord-1", "n-1", nil)
	assert.ErrorIs(t, err, domainErrors.ErrUnknownEntityType)
}

func TestEvent_MarkMoved(t *testing.T) {
	ev, err := inbox.NewEvent("item.updated", "item-1", "n-1", nil)
	require.NoError(t, err)

	require.NoError(t, ev.MarkMoved())
	assert.True(t, ev.MovedToQueue)

	assert.ErrorIs(t, ev.MarkMoved(), domainErrors.ErrAlreadyEnqueued)
}

func TestEvent_MarkMoved_InvalidEventRefused(t *testing.T) {
	ev, err := inbox.NewEvent("item.updated", "item-1", "n-1", nil)
	require.NoError(t, err)
	ev.MarkInvalid([]string{"missing sku"})

	assert.ErrorIs(t, ev.MarkMoved(), domainErrors.ErrInvalidEvent)
	assert.False(t, ev.MovedToQueue)
}
