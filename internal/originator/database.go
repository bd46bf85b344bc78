package originator

import (
	"fmt"
	"time"

	"github.com/quantfold/marketmaker/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Beat upserts the liveness row for a component.
func (d *Database) Beat(component string) error {
	now := time.Now()
	heartbeat := types.Heartbeat{Component: component, LastSeen: now}
	err := d.db.Where("component = ?", component).
		Assign(types.Heartbeat{LastSeen: now}).
		FirstOrCreate(&heartbeat).Error
	if err != nil {
		return fmt.Errorf("failed to record heartbeat for %s: %w", component, err)
	}
	return nil
}

// StaleReady lists ready proposals for a side that have not been touched
// since the cutoff; the housekeeping pass picks these up in case their
// ready notification was lost.
func (d *Database) StaleReady(side types.Side, cutoff time.Time) ([]types.Proposal, error) {
	var stale []types.Proposal
	err := d.db.Where("side = ? AND status = ? AND updated_at < ?", side, types.StatusReady, cutoff).
		Order("created_at ASC").
		Find(&stale).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale ready proposals: %w", err)
	}
	return stale, nil
}
