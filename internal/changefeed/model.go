package changefeed

// EntityRow stores the current state of a synchronized entity.
type EntityRow struct {
	EntityTable     string `gorm:"column:table_name;primaryKey;size:64;not null"`
	EntityID        string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	Version         int64  `gorm:"column:version;not null;uniqueIndex:idx_entity_rows_version"`
	DataJSON        string `gorm:"column:data_json;type:text;not null"`
	UpdatedByDevice string `gorm:"column:updated_by_device;size:190;not null;default:''"`
	UpdatedAtSecond int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EntityRow) TableName() string {
	return "entity_rows"
}

// Tombstone records that an entity was deleted so the changefeed can replay the removal.
type Tombstone struct {
	EntityTable     string `gorm:"column:table_name;primaryKey;size:64;not null"`
	EntityID        string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	Version         int64  `gorm:"column:version;not null;uniqueIndex:idx_entity_tombstones_version"`
	DeletedAtSecond int64  `gorm:"column:deleted_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Tombstone) TableName() string {
	return "entity_tombstones"
}

// VersionCounter persists a named monotonically increasing counter.
type VersionCounter struct {
	Name  string `gorm:"column:name;primaryKey;size:64;not null"`
	Value int64  `gorm:"column:value;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (VersionCounter) TableName() string {
	return "sync_counters"
}

// MutationAudit captures an append-only trail of committed mutations.
type MutationAudit struct {
	AuditID         string `gorm:"column:audit_id;primaryKey;size:190;not null"`
	MutationID      string `gorm:"column:mutation_id;size:190;not null;index:idx_mutation_audit_mutation"`
	EntityTable     string `gorm:"column:table_name;size:64;not null;index:idx_mutation_audit_entity,priority:1"`
	EntityID        string `gorm:"column:entity_id;size:190;not null;index:idx_mutation_audit_entity,priority:2"`
	Operation       string `gorm:"column:op;size:16;not null"`
	DeviceID        string `gorm:"column:device_id;size:190;not null;default:''"`
	ClientTimestamp string `gorm:"column:client_timestamp;size:64;not null;default:''"`
	AppliedBy       string `gorm:"column:applied_by;size:190;not null;default:''"`
	AppliedAtSecond int64  `gorm:"column:applied_at_s;not null"`
	PreviousVersion *int64 `gorm:"column:prev_version"`
	NewVersion      int64  `gorm:"column:new_version;not null"`
}

// TableName provides the explicit table binding for GORM.
func (MutationAudit) TableName() string {
	return "mutation_audit"
}

// Models lists every persisted type owned by this package, in migration order.
func Models() []any {
	return []any{&EntityRow{}, &Tombstone{}, &VersionCounter{}, &MutationAudit{}}
}
