package entity_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgersync/ledgersync/internal/domain/entity"
	domainErrors "github.com/ledgersync/ledgersync/internal/domain/errors"
)

func TestParseEventType(t *testing.T) {
	tests := []struct {
		input    string
		wantType entity.Type
		wantOp   entity.Operation
	}{
		{"invoice.created", entity.TypeInvoice, entity.OpCreate},
		{"invoice.updated", entity.TypeInvoice, entity.OpUpdate},
		{"item.deleted", entity.TypeItem, entity.OpDelete},
		{"customer.upsert", entity.TypeCustomer, entity.OpUpsert},
		{"order.created", entity.TypeOrder, entity.OpCreate},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			typ, op, err := entity.ParseEventType(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, typ)
			assert.Equal(t, tt.wantOp, op)
		})
	}
}

func TestParseEventType_Unknown(t *testing.T) {
	for _, input := range []string{"", "invoice", "subscription.created", "invoice.exploded", "invoice.created.v2"} {
		t.Run(input, func(t *testing.T) {
			_, _, err := entity.ParseEventType(input)
			assert.Error(t, err)
		})
	}

	_, _, err := entity.ParseEventType("widget.created")
	assert.ErrorIs(t, err, domainErrors.ErrUnknownEntityType)
}

func TestTypeValid(t *testing.T) {
	for _, typ := range entity.All() {
		assert.True(t, typ.Valid())
	}
	assert.False(t, entity.Type("widget").Valid())
}
