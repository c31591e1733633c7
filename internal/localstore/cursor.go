package localstore

import (
	"context"
	"errors"
	"sort"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/protocol"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Cursor returns the highest server version applied from the changefeed.
func (s *Store) Cursor(ctx context.Context) (int64, error) {
	version, err := readCursor(s.db.WithContext(ctx), cursorPull)
	return version, storeError("cursor", err)
}

// KnownServerVersion returns the highest server version reported by any response. It may be
// ahead of Cursor while rows between the two remain unpulled.
func (s *Store) KnownServerVersion(ctx context.Context) (int64, error) {
	version, err := readCursor(s.db.WithContext(ctx), cursorKnownVersion)
	return version, storeError("known_server_version", err)
}

// RecordServerVersion raises the known server version; lower values are ignored.
func (s *Store) RecordServerVersion(ctx context.Context, version int64) error {
	return storeError("record_server_version", raiseCursor(s.db.WithContext(ctx), cursorKnownVersion, version))
}

// PullResult summarizes an applied changefeed page.
type PullResult struct {
	Applied int
	Skipped int
	Cursor  int64
}

// ApplyPull applies changefeed rows in ascending version order and advances the cursor to the
// highest version seen, in one transaction. Rows at or below the cursor were already applied and
// are skipped; the cursor never moves backward.
func (s *Store) ApplyPull(ctx context.Context, rows []protocol.Row, serverVersion int64) (PullResult, error) {
	ordered := append([]protocol.Row(nil), rows...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Version < ordered[j].Version
	})

	var result PullResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cursor, err := readCursor(tx, cursorPull)
		if err != nil {
			return err
		}
		highest := cursor
		for _, row := range ordered {
			if row.Version <= cursor {
				result.Skipped++
				continue
			}
			if err := applyRow(tx, row); err != nil {
				return err
			}
			result.Applied++
			highest = max(highest, row.Version)
		}
		if err := raiseCursor(tx, cursorPull, highest); err != nil {
			return err
		}
		if err := raiseCursor(tx, cursorKnownVersion, max(serverVersion, highest)); err != nil {
			return err
		}
		result.Cursor = highest
		return nil
	})
	if err != nil {
		return PullResult{}, storeError("apply_pull", err)
	}
	return result, nil
}

// applyRow overwrites the cached entity; the changefeed is authoritative.
func applyRow(tx *gorm.DB, row protocol.Row) error {
	if row.Op == protocol.ChangeKindDelete {
		return tx.Where("table_name = ? AND entity_id = ?", row.Table, row.ID).Delete(&cachedEntity{}).Error
	}
	data := string(row.Data)
	if data == "" {
		data = "{}"
	}
	entity := cachedEntity{
		EntityTable: row.Table,
		EntityID:    row.ID,
		Version:     row.Version,
		DataJSON:    data,
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "table_name"}, {Name: "entity_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"version", "data_json"}),
	}).Create(&entity).Error
}

func readCursor(db *gorm.DB, name string) (int64, error) {
	var cursor syncCursor
	err := db.Where("name = ?", name).Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return cursor.ServerVersion, nil
}

func raiseCursor(db *gorm.DB, name string, version int64) error {
	if version <= 0 {
		return nil
	}
	return db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.Set{{
			Column: clause.Column{Name: "server_version"},
			Value:  gorm.Expr("MAX(server_version, excluded.server_version)"),
		}},
	}).Create(&syncCursor{Name: name, ServerVersion: version}).Error
}

// GetEntity returns the cached entity or ErrNotFound.
func (s *Store) GetEntity(ctx context.Context, table protocol.Table, id string) (Entity, error) {
	var entity cachedEntity
	err := s.db.WithContext(ctx).
		Where("table_name = ? AND entity_id = ?", table.String(), id).
		Take(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entity{}, ErrNotFound
	}
	if err != nil {
		return Entity{}, storeError("get_entity", err)
	}
	return entity.entity(), nil
}

// ListEntities returns the cached entities of a table ordered by version.
func (s *Store) ListEntities(ctx context.Context, table protocol.Table) ([]Entity, error) {
	var rows []cachedEntity
	if err := s.db.WithContext(ctx).
		Where("table_name = ?", table.String()).
		Order("version ASC").
		Find(&rows).Error; err != nil {
		return nil, storeError("list_entities", err)
	}
	entities := make([]Entity, 0, len(rows))
	for _, row := range rows {
		entities = append(entities, row.entity())
	}
	return entities, nil
}
