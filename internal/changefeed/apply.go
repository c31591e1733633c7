package changefeed

import (
	"errors"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/protocol"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type mutationPlan struct {
	noOp            bool
	delete          bool
	previousVersion *int64
}

// planMutation decides what a validated mutation does to the stored row. An upsert whose
// canonical data matches the stored data, and a delete of an absent row, change nothing.
func planMutation(existing *EntityRow, mutation protocol.ValidatedMutation) mutationPlan {
	var previousVersion *int64
	if existing != nil {
		version := existing.Version
		previousVersion = &version
	}

	if mutation.Operation == protocol.OperationDelete {
		if existing == nil {
			return mutationPlan{noOp: true}
		}
		return mutationPlan{delete: true, previousVersion: previousVersion}
	}

	if existing != nil && existing.DataJSON == string(mutation.Data) {
		return mutationPlan{noOp: true, previousVersion: previousVersion}
	}
	return mutationPlan{previousVersion: previousVersion}
}

func loadEntityRow(tx *gorm.DB, table protocol.Table, entityID string) (*EntityRow, error) {
	var existing EntityRow
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("table_name = ? AND entity_id = ?", table.String(), entityID).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

// writeEntityRow stores row. An absent row cannot be locked, so a concurrent first insert of the
// same entity may commit first; the create path then overwrites it.
func writeEntityRow(tx *gorm.DB, exists bool, row EntityRow) error {
	if !exists {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "table_name"}, {Name: "entity_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"version", "data_json", "updated_by_device", "updated_at_s"}),
		}).Create(&row).Error
	}
	return tx.Model(&EntityRow{}).
		Where("table_name = ? AND entity_id = ?", row.EntityTable, row.EntityID).
		Updates(map[string]any{
			"version":           row.Version,
			"data_json":         row.DataJSON,
			"updated_by_device": row.UpdatedByDevice,
			"updated_at_s":      row.UpdatedAtSecond,
		}).Error
}

func writeTombstone(tx *gorm.DB, table protocol.Table, entityID string, version, deletedAt int64) error {
	tombstone := Tombstone{
		EntityTable:     table.String(),
		EntityID:        entityID,
		Version:         version,
		DeletedAtSecond: deletedAt,
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "table_name"}, {Name: "entity_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"version", "deleted_at_s"}),
	}).Create(&tombstone).Error
}
