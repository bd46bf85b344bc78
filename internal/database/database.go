package database

import (
	"fmt"

	"github.com/quantfold/marketmaker/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase initializes and returns a new GORM DB connection against the
// shared ledger store. The busy timeout keeps concurrent writers from the
// independent processes from failing fast on sqlite's single-writer lock.
func NewDatabase(path string) (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := migrate(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.Proposal{},
		&types.Balance{},
		&types.Position{},
		&types.SimOrder{},
		&types.Trade{},
		&types.RealismRecord{},
		&types.Reservation{},
		&types.AuditEntry{},
		&types.EquitySnapshot{},
		&types.Heartbeat{},
		&types.ModeSetting{},
	)
}
