package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/changefeed"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	migrationSeedServerVersion      = "2026-10-01_seed_server_version_counter"
	migrationReconcileServerVersion = "2026-10-08_reconcile_server_version_counter"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationSeedServerVersion, apply: seedServerVersion},
		{name: migrationReconcileServerVersion, apply: reconcileServerVersion},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

func seedServerVersion(db *gorm.DB) error {
	return db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&changefeed.VersionCounter{Name: changefeed.ServerVersionCounter, Value: 0}).Error
}

// reconcileServerVersion raises the counter to the highest stamped version when rows were
// imported without passing through the counter.
func reconcileServerVersion(db *gorm.DB) error {
	var highestRow, highestTombstone int64
	if err := db.Model(&changefeed.EntityRow{}).
		Select("COALESCE(MAX(version), 0)").
		Scan(&highestRow).Error; err != nil {
		return err
	}
	if err := db.Model(&changefeed.Tombstone{}).
		Select("COALESCE(MAX(version), 0)").
		Scan(&highestTombstone).Error; err != nil {
		return err
	}
	target := max(highestRow, highestTombstone)
	return db.Model(&changefeed.VersionCounter{}).
		Where("name = ? AND value < ?", changefeed.ServerVersionCounter, target).
		Update("value", target).Error
}
