package protocol

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Table names a logical entity type that participates in synchronization.
type Table string

const (
	// TableNotes holds free-form case notes.
	TableNotes Table = "notes"
	// TableInteractions holds interaction summaries recorded during outreach.
	TableInteractions Table = "interactions"
	// TableIntakes holds program intake forms.
	TableIntakes Table = "intakes"
)

// Operation enumerates the mutation operations a client may submit.
type Operation string

const (
	// OperationInsert creates an entity.
	OperationInsert Operation = "insert"
	// OperationUpdate replaces an entity's fields.
	OperationUpdate Operation = "update"
	// OperationDelete removes an entity.
	OperationDelete Operation = "delete"
)

// SyncState tracks a mutation record through the client queue lifecycle.
type SyncState string

const (
	SyncStatePending      SyncState = "pending"
	SyncStateSubmitted    SyncState = "submitted"
	SyncStateAcknowledged SyncState = "acknowledged"
	SyncStateRejected     SyncState = "rejected"
)

// ChangeKind distinguishes live rows from tombstones in the changefeed.
type ChangeKind string

const (
	// ChangeKindUpsert carries the entity's current data.
	ChangeKindUpsert ChangeKind = "upsert"
	// ChangeKindDelete marks the entity as removed.
	ChangeKindDelete ChangeKind = "delete"
)

const maxIdentifierLength = 190

var (
	// ErrUnknownTable indicates a table outside the synchronized set.
	ErrUnknownTable = errors.New("protocol: unknown table")
	// ErrUnknownOperation indicates an operation outside insert/update/delete.
	ErrUnknownOperation = errors.New("protocol: unknown operation")
	// ErrInvalidIdentifier indicates an empty, oversized, or whitespace-bearing identifier.
	ErrInvalidIdentifier = errors.New("protocol: invalid identifier")
)

var knownTables = []Table{TableNotes, TableInteractions, TableIntakes}

// Tables returns the closed set of synchronized tables.
func Tables() []Table {
	return append([]Table(nil), knownTables...)
}

// ParseTable validates a raw table name.
func ParseTable(raw string) (Table, error) {
	for _, table := range knownTables {
		if string(table) == raw {
			return table, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTable, raw)
}

// String returns the table name.
func (t Table) String() string {
	return string(t)
}

// ParseOperation validates a raw operation name.
func ParseOperation(raw string) (Operation, error) {
	switch Operation(raw) {
	case OperationInsert, OperationUpdate, OperationDelete:
		return Operation(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOperation, raw)
	}
}

// IsUpsert reports whether the operation resolves to an upsert.
func (op Operation) IsUpsert() bool {
	return op == OperationInsert || op == OperationUpdate
}

// String returns the operation name.
func (op Operation) String() string {
	return string(op)
}

// ValidateIdentifier checks a mutation or entity identifier.
func ValidateIdentifier(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}
	if len(raw) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidIdentifier, maxIdentifierLength)
	}
	if strings.IndexFunc(raw, unicode.IsSpace) >= 0 {
		return "", fmt.Errorf("%w: contains whitespace", ErrInvalidIdentifier)
	}
	return raw, nil
}
