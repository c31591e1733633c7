package devices

import (
	"strings"
	"time"
)

// Device records a field device that has registered with, or uploaded to, the server.
type Device struct {
	DeviceID     string    `gorm:"column:device_id;primaryKey;size:190;not null"`
	UserID       string    `gorm:"column:user_id;size:190;not null;index"`
	Label        string    `gorm:"column:label;size:190"`
	RegisteredAt time.Time `gorm:"column:registered_at;not null"`
	LastSyncAt   time.Time `gorm:"column:last_sync_at"`
}

// TableName exposes the table backing device registrations.
func (Device) TableName() string {
	return "devices"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
