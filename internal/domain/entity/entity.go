package entity

import (
	"strings"

	"github.com/ledgersync/ledgersync/internal/domain/errors"
)

// Type tags the kind of remote entity a sync event refers to.
type Type string

const (
	TypeItem     Type = "item"
	TypeInvoice  Type = "invoice"
	TypeCustomer Type = "customer"
	TypeOrder    Type = "order"
)

// Operation is the kind of change to apply against the local system of record.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpUpsert Operation = "upsert"
)

// All returns every known entity type.
func All() []Type {
	return []Type{TypeItem, TypeInvoice, TypeCustomer, TypeOrder}
}

// Valid reports whether t is a known entity type.
func (t Type) Valid() bool {
	switch t {
	case TypeItem, TypeInvoice, TypeCustomer, TypeOrder:
		return true
	}
	return false
}

// Valid reports whether o is a known operation kind.
func (o Operation) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete, OpUpsert:
		return true
	}
	return false
}

var suffixOps = map[string]Operation{
	"created": OpCreate,
	"updated": OpUpdate,
	"deleted": OpDelete,
	"upsert":  OpUpsert,
}

// ParseEventType splits a source event type of the form "<entity>.<change>"
// (e.g. "invoice.created") into an entity type and operation kind.
func ParseEventType(eventType string) (Type, Operation, error) {
	parts := strings.SplitN(eventType, ".", 2)
	if len(parts) != 2 {
		return "", "", errors.ErrUnknownEventType
	}

	t := Type(parts[0])
	if !t.Valid() {
		return "", "", errors.ErrUnknownEntityType
	}

	op, ok := suffixOps[parts[1]]
	if !ok {
		return "", "", errors.ErrUnknownEventType
	}
	return t, op, nil
}
