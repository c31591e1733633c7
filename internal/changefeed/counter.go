package changefeed

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ServerVersionCounter names the single counter shared by every synchronized table.
const ServerVersionCounter = "server_version"

var errCounterRegressed = errors.New("version counter did not advance")

// Counter issues versions from a persisted row. It is the one serialization point of the
// protocol: Next must run inside the transaction that commits the stamped row, so the row
// lock taken by the increment is held until that commit.
type Counter struct {
	name string
}

// NewCounter returns a counter bound to the named row.
func NewCounter(name string) Counter {
	return Counter{name: name}
}

// Next increments the counter and returns the new value.
func (c Counter) Next(transaction *gorm.DB) (int64, error) {
	previous, err := c.read(transaction.Clauses(clause.Locking{Strength: "UPDATE"}))
	if err != nil {
		return 0, err
	}

	update := transaction.Model(&VersionCounter{}).
		Where("name = ?", c.name).
		UpdateColumn("value", gorm.Expr("value + ?", 1))
	if update.Error != nil {
		return 0, update.Error
	}
	if update.RowsAffected == 0 {
		if err := transaction.Create(&VersionCounter{Name: c.name, Value: 1}).Error; err != nil {
			return 0, err
		}
		return 1, nil
	}

	current, err := c.read(transaction)
	if err != nil {
		return 0, err
	}
	if current <= previous {
		return 0, errCounterRegressed
	}
	return current, nil
}

// Current returns the counter's value without advancing it. A missing row reads as zero.
func (c Counter) Current(ctx context.Context, database *gorm.DB) (int64, error) {
	return c.read(database.WithContext(ctx))
}

func (c Counter) read(database *gorm.DB) (int64, error) {
	var counter VersionCounter
	err := database.Where("name = ?", c.name).Take(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return counter.Value, nil
}
