package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/localstore/migrations"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("localstore: not found")
	// ErrInvalidMutation indicates a mutation that cannot be queued.
	ErrInvalidMutation = errors.New("localstore: invalid mutation")

	// goose keeps its dialect and filesystem in package globals.
	gooseMu sync.Mutex
)

// StoreError reports a failed local storage operation. It is fatal to the operation that
// produced it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("localstore: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// Options configures a Store.
type Options struct {
	Clock  func() time.Time
	NewID  func() (string, error)
	Logger *zap.Logger
}

// Store is the client's local durable store: the mutation queue, the sync cursor, and the
// cached replica of server entities.
type Store struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	clock  func() time.Time
	newID  func() (string, error)
	logger *zap.Logger

	deviceMu sync.Mutex
	deviceID string
}

// Open opens (creating if needed) the store at path and applies pending migrations.
func Open(ctx context.Context, path string, options Options) (*Store, error) {
	if path == "" {
		return nil, storeError("open", errors.New("database path is required"))
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, storeError("open", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, storeError("open", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := RunMigrations(ctx, sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, storeError("migrate", err)
	}

	clock := options.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := options.NewID
	if newID == nil {
		newID = newUUIDv7
	}
	zapLogger := options.Logger
	if zapLogger == nil {
		zapLogger = zap.NewNop()
	}

	return &Store{
		db:     db,
		sqlDB:  sqlDB,
		clock:  clock,
		newID:  newID,
		logger: zapLogger,
	}, nil
}

// RunMigrations applies the embedded goose migrations to db.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations.Migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.sqlDB.Close()
}

// DeviceID returns the installation's stable identifier, creating it on first use.
func (s *Store) DeviceID(ctx context.Context) (string, error) {
	s.deviceMu.Lock()
	defer s.deviceMu.Unlock()
	if s.deviceID != "" {
		return s.deviceID, nil
	}
	deviceID, err := s.loadOrCreateDeviceID(ctx)
	if err != nil {
		return "", err
	}
	s.deviceID = deviceID
	return deviceID, nil
}

func (s *Store) loadOrCreateDeviceID(ctx context.Context) (string, error) {
	var meta clientMeta
	err := s.db.WithContext(ctx).Where("meta_key = ?", metaDeviceID).Take(&meta).Error
	if err == nil {
		return meta.Value, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", storeError("device_id", err)
	}

	value, err := uuid.NewRandom()
	if err != nil {
		return "", storeError("device_id", err)
	}
	meta = clientMeta{Key: metaDeviceID, Value: value.String()}
	if err := s.db.WithContext(ctx).Create(&meta).Error; err != nil {
		return "", storeError("device_id", err)
	}
	s.logger.Info("device identity created", zap.String("device_id", meta.Value))
	return meta.Value, nil
}

func newUUIDv7() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
