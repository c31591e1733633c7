package changefeed

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/protocol"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PullResult is one page of the changefeed.
type PullResult struct {
	Rows          []protocol.Row
	ServerVersion int64
	HasMore       bool
}

// StatusReport describes the size of the synchronized dataset.
type StatusReport struct {
	ServerVersion int64            `json:"serverVersion"`
	Entities      map[string]int64 `json:"entities"`
	Tombstones    int64            `json:"tombstones"`
}

// Pull returns rows and tombstones with version greater than since, in ascending version order,
// capped at limit. A non-positive limit selects the configured default.
func (s *Service) Pull(ctx context.Context, since int64, limit int) (PullResult, error) {
	if since < 0 {
		return PullResult{}, newServiceError(opPull, "invalid_since", errNegativeCursor)
	}
	limit = s.effectiveLimit(limit)

	var result PullResult
	// The snapshot read keeps the page and its serverVersion consistent with each other.
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		serverVersion, err := s.counter.read(tx)
		if err != nil {
			s.logError(opPull, "counter_read_failed", err)
			return newServiceError(opPull, "counter_read_failed", err)
		}

		var entityRows []EntityRow
		if err := tx.Where("version > ?", since).
			Order("version ASC").
			Limit(limit + 1).
			Find(&entityRows).Error; err != nil {
			s.logError(opPull, "entity_query_failed", err, zap.Int64("since", since))
			return newServiceError(opPull, "entity_query_failed", err)
		}

		var tombstones []Tombstone
		if err := tx.Where("version > ?", since).
			Order("version ASC").
			Limit(limit + 1).
			Find(&tombstones).Error; err != nil {
			s.logError(opPull, "tombstone_query_failed", err, zap.Int64("since", since))
			return newServiceError(opPull, "tombstone_query_failed", err)
		}

		rows := mergeChanges(entityRows, tombstones)
		if len(rows) > limit {
			rows = rows[:limit]
			result.HasMore = true
		}
		result.Rows = rows
		result.ServerVersion = serverVersion
		return nil
	})
	if txErr != nil {
		return PullResult{}, txErr
	}
	return result, nil
}

func (s *Service) effectiveLimit(limit int) int {
	if limit <= 0 {
		return s.defaultPullLimit
	}
	if limit > s.maxPullLimit {
		return s.maxPullLimit
	}
	return limit
}

func mergeChanges(entityRows []EntityRow, tombstones []Tombstone) []protocol.Row {
	rows := make([]protocol.Row, 0, len(entityRows)+len(tombstones))
	for _, entityRow := range entityRows {
		rows = append(rows, protocol.Row{
			Table:   entityRow.EntityTable,
			ID:      entityRow.EntityID,
			Version: entityRow.Version,
			Op:      protocol.ChangeKindUpsert,
			Data:    json.RawMessage(entityRow.DataJSON),
		})
	}
	for _, tombstone := range tombstones {
		rows = append(rows, protocol.Row{
			Table:   tombstone.EntityTable,
			ID:      tombstone.EntityID,
			Version: tombstone.Version,
			Op:      protocol.ChangeKindDelete,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Version < rows[j].Version
	})
	return rows
}

// Status reports the current server version and row counts.
func (s *Service) Status(ctx context.Context) (StatusReport, error) {
	database := s.db.WithContext(ctx)

	serverVersion, err := s.counter.read(database)
	if err != nil {
		s.logError(opStatus, "counter_read_failed", err)
		return StatusReport{}, newServiceError(opStatus, "counter_read_failed", err)
	}

	type tableCount struct {
		TableName string
		Total     int64
	}
	var counts []tableCount
	if err := database.Model(&EntityRow{}).
		Select("table_name, COUNT(*) AS total").
		Group("table_name").
		Scan(&counts).Error; err != nil {
		s.logError(opStatus, "entity_count_failed", err)
		return StatusReport{}, newServiceError(opStatus, "entity_count_failed", err)
	}

	var tombstones int64
	if err := database.Model(&Tombstone{}).Count(&tombstones).Error; err != nil {
		s.logError(opStatus, "tombstone_count_failed", err)
		return StatusReport{}, newServiceError(opStatus, "tombstone_count_failed", err)
	}

	report := StatusReport{
		ServerVersion: serverVersion,
		Entities:      make(map[string]int64, len(protocol.Tables())),
		Tombstones:    tombstones,
	}
	for _, table := range protocol.Tables() {
		report.Entities[table.String()] = 0
	}
	for _, count := range counts {
		report.Entities[count.TableName] = count.Total
	}
	return report, nil
}
