package devices

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/protocol"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidDevice indicates the device identifier is empty or malformed.
	ErrInvalidDevice = errors.New("devices: invalid device identifier")
	// ErrDeviceNotFound indicates the device has never registered.
	ErrDeviceNotFound = errors.New("devices: device not found")
	// ErrDeviceClaimed indicates the device is registered to a different user.
	ErrDeviceClaimed = errors.New("devices: device registered to another user")
)

// ServiceConfig describes the dependencies required for device bookkeeping.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service tracks device registrations and their last successful upload.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	owners sync.Map
}

// NewService constructs the device service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("devices: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// Register binds the device to the user. Registering again for the same user refreshes the label;
// registering a device owned by another user fails with ErrDeviceClaimed.
func (s *Service) Register(ctx context.Context, deviceID, userID, label string) (Device, error) {
	deviceID, err := protocol.ValidateIdentifier(normalize(deviceID))
	if err != nil {
		return Device{}, fmt.Errorf("%w: %v", ErrInvalidDevice, err)
	}
	userID = normalize(userID)

	if owner, ok := s.owners.Load(deviceID); ok {
		if cachedOwner, ok := owner.(string); ok && cachedOwner != "" && cachedOwner != userID {
			return Device{}, ErrDeviceClaimed
		}
	}

	var device Device
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lookupErr := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("device_id = ?", deviceID).
			Take(&device).Error
		if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			now := s.now().UTC()
			device = Device{
				DeviceID:     deviceID,
				UserID:       userID,
				Label:        normalize(label),
				RegisteredAt: now,
			}
			return tx.Create(&device).Error
		}
		if lookupErr != nil {
			return lookupErr
		}
		if device.UserID != "" && device.UserID != userID {
			return ErrDeviceClaimed
		}
		updates := map[string]any{"user_id": userID}
		if trimmed := normalize(label); trimmed != "" {
			updates["label"] = trimmed
			device.Label = trimmed
		}
		device.UserID = userID
		return tx.Model(&Device{}).Where("device_id = ?", deviceID).Updates(updates).Error
	})
	if errors.Is(err, ErrDeviceClaimed) {
		s.owners.Store(deviceID, device.UserID)
		return Device{}, err
	}
	if err != nil {
		return Device{}, err
	}

	s.owners.Store(deviceID, device.UserID)
	return device, nil
}

// Lookup returns the registration for the device.
func (s *Service) Lookup(ctx context.Context, deviceID string) (Device, error) {
	deviceID = normalize(deviceID)
	if deviceID == "" {
		return Device{}, ErrInvalidDevice
	}

	var device Device
	err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).Take(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Device{}, ErrDeviceNotFound
	}
	if err != nil {
		return Device{}, err
	}
	s.owners.Store(deviceID, device.UserID)
	return device, nil
}

// Touch stamps the last upload time for each device, registering unknown devices to the user.
// Devices registered to another user are left untouched.
func (s *Service) Touch(ctx context.Context, userID string, deviceIDs []string) error {
	if len(deviceIDs) == 0 {
		return nil
	}
	now := s.now().UTC()
	userID = normalize(userID)

	for _, rawID := range deviceIDs {
		deviceID := normalize(rawID)
		if deviceID == "" {
			continue
		}
		device := Device{
			DeviceID:     deviceID,
			UserID:       userID,
			RegisteredAt: now,
			LastSyncAt:   now,
		}
		if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_sync_at"}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "devices.user_id = excluded.user_id"},
			}},
		}).Create(&device).Error; err != nil {
			return err
		}
	}
	return nil
}
