package localstore

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/protocol"
)

const (
	cursorPull         = "pull"
	cursorKnownVersion = "known_server_version"
	metaDeviceID       = "device_id"
)

// pendingMutation is the durable queue row.
type pendingMutation struct {
	Seq             int64  `gorm:"column:seq;primaryKey;autoIncrement"`
	MutationID      string `gorm:"column:mutation_id"`
	EntityTable     string `gorm:"column:table_name"`
	Operation       string `gorm:"column:op"`
	PayloadJSON     string `gorm:"column:payload_json"`
	ClientTimestamp string `gorm:"column:client_timestamp"`
	DeviceID        string `gorm:"column:device_id"`
	SyncState       string `gorm:"column:sync_state"`
	RejectReason    string `gorm:"column:reject_reason"`
	Attempts        int    `gorm:"column:attempts"`
	CreatedAtSecond int64  `gorm:"column:created_at_s"`
	UpdatedAtSecond int64  `gorm:"column:updated_at_s"`
}

func (pendingMutation) TableName() string {
	return "pending_mutations"
}

type cachedEntity struct {
	EntityTable string `gorm:"column:table_name;primaryKey"`
	EntityID    string `gorm:"column:entity_id;primaryKey"`
	Version     int64  `gorm:"column:version"`
	DataJSON    string `gorm:"column:data_json"`
}

func (cachedEntity) TableName() string {
	return "cached_entities"
}

type syncCursor struct {
	Name          string `gorm:"column:name;primaryKey"`
	ServerVersion int64  `gorm:"column:server_version"`
}

func (syncCursor) TableName() string {
	return "sync_cursor"
}

type clientMeta struct {
	Key   string `gorm:"column:meta_key;primaryKey"`
	Value string `gorm:"column:meta_value"`
}

func (clientMeta) TableName() string {
	return "client_meta"
}

// Record is a queued mutation as seen by callers.
type Record struct {
	Seq             int64
	ID              string
	Table           protocol.Table
	Op              protocol.Operation
	Payload         json.RawMessage
	ClientTimestamp string
	DeviceID        string
	SyncState       protocol.SyncState
	RejectReason    string
	Attempts        int
	CreatedAt       time.Time
}

// Wire converts the record into the upload form.
func (r Record) Wire() protocol.Mutation {
	return protocol.Mutation{
		ID:              r.ID,
		Table:           r.Table.String(),
		Op:              r.Op.String(),
		Payload:         r.Payload,
		ClientTimestamp: r.ClientTimestamp,
		DeviceID:        r.DeviceID,
	}
}

func (m pendingMutation) record() Record {
	return Record{
		Seq:             m.Seq,
		ID:              m.MutationID,
		Table:           protocol.Table(m.EntityTable),
		Op:              protocol.Operation(m.Operation),
		Payload:         json.RawMessage(m.PayloadJSON),
		ClientTimestamp: m.ClientTimestamp,
		DeviceID:        m.DeviceID,
		SyncState:       protocol.SyncState(m.SyncState),
		RejectReason:    m.RejectReason,
		Attempts:        m.Attempts,
		CreatedAt:       time.Unix(m.CreatedAtSecond, 0).UTC(),
	}
}

// Entity is a cached copy of a server entity row.
type Entity struct {
	Table   protocol.Table
	ID      string
	Version int64
	Data    json.RawMessage
}

func (e cachedEntity) entity() Entity {
	return Entity{
		Table:   protocol.Table(e.EntityTable),
		ID:      e.EntityID,
		Version: e.Version,
		Data:    json.RawMessage(e.DataJSON),
	}
}
