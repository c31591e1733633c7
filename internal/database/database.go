package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/changefeed"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/devices"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	errMissingPath = errors.New("database path is required")
	errMissingDSN  = errors.New("database dsn is required")
)

// Options selects and locates the server store.
type Options struct {
	Driver string
	Path   string
	DSN    string
}

// Open connects to the configured store and performs schema migrations.
func Open(options Options, zapLogger *zap.Logger) (*gorm.DB, error) {
	driver := strings.ToLower(strings.TrimSpace(options.Driver))
	if driver == "" {
		driver = DriverSQLite
	}

	var dialector gorm.Dialector
	location := ""
	switch driver {
	case DriverSQLite:
		if options.Path == "" {
			return nil, errMissingPath
		}
		dialector = sqlite.Open(options.Path)
		location = options.Path
	case DriverPostgres:
		if options.DSN == "" {
			return nil, errMissingDSN
		}
		dialector = postgres.Open(options.DSN)
		location = "postgres"
	default:
		return nil, fmt.Errorf("unsupported database driver %q", options.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}

	if driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db, zapLogger); err != nil {
		return nil, err
	}

	if zapLogger != nil {
		zapLogger.Info("database initialized",
			zap.String("driver", driver),
			zap.String("location", location))
	}

	return db, nil
}

// Migrate creates the server schema and applies recorded data migrations.
func Migrate(db *gorm.DB, zapLogger *zap.Logger) error {
	models := append(changefeed.Models(), &devices.Device{}, &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	return applyMigrations(db, zapLogger)
}

// OpenSQLite opens a sqlite store at path.
func OpenSQLite(path string, zapLogger *zap.Logger) (*gorm.DB, error) {
	return Open(Options{Driver: DriverSQLite, Path: path}, zapLogger)
}
