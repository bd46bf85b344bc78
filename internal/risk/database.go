package risk

import (
	"errors"
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

// QuoteBalanceTotal sums available quote currency across all balance rows.
func (d *Database) QuoteBalanceTotal() (float64, error) {
	var total float64
	err := d.db.Raw(`SELECT COALESCE(SUM(available), 0) FROM balances WHERE deleted_at IS NULL`).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum quote balances: %w", err)
	}
	return total, nil
}

// Positions returns all non-flat positions.
func (d *Database) Positions() ([]types.Position, error) {
	var positions []types.Position
	if err := d.db.Where("qty > 0").Find(&positions).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch positions: %w", err)
	}
	return positions, nil
}

// PositionQty returns the held quantity for one symbol, zero when flat.
func (d *Database) PositionQty(symbol string) (float64, error) {
	var qty float64
	err := d.db.Raw(`SELECT COALESCE(SUM(qty), 0) FROM positions WHERE symbol = ? AND deleted_at IS NULL`, symbol).
		Scan(&qty).Error
	if err != nil {
		return 0, fmt.Errorf("failed to fetch position qty for %s: %w", symbol, err)
	}
	return qty, nil
}

// OpenBuyNotional sums the unfilled notional of resting buy orders, for one
// symbol when given, across all symbols otherwise.
func (d *Database) OpenBuyNotional(symbol string) (float64, error) {
	query := `
		SELECT COALESCE(SUM((size - filled_size) * price), 0)
		FROM sim_orders
		WHERE side = 'buy' AND status IN ('open', 'partial') AND deleted = 0 AND deleted_at IS NULL`
	args := []interface{}{}
	if symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, symbol)
	}

	var notional float64
	if err := d.db.Raw(query, args...).Scan(&notional).Error; err != nil {
		return 0, fmt.Errorf("failed to sum open buy notional: %w", err)
	}
	return notional, nil
}

// ActivePairs counts distinct symbols carrying a position above the dust
// threshold or a resting order.
func (d *Database) ActivePairs(dustQty float64) (int, error) {
	query := `
		SELECT COUNT(*) FROM (
			SELECT symbol FROM positions WHERE qty > ? AND deleted_at IS NULL
			UNION
			SELECT symbol FROM sim_orders
			WHERE status IN ('open', 'partial') AND deleted = 0 AND deleted_at IS NULL
		)`

	var count int
	if err := d.db.Raw(query, dustQty).Scan(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count active pairs: %w", err)
	}
	return count, nil
}

// DayOpenEquity returns the first equity snapshot recorded today, with found
// false when no snapshot exists yet.
func (d *Database) DayOpenEquity() (equity float64, found bool, err error) {
	now := time.Now().UTC()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var snapshot types.EquitySnapshot
	err = d.db.Where("created_at >= ?", startOfDay).
		Order("created_at ASC").
		First(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to fetch day-open equity: %w", err)
	}
	return snapshot.Equity, true, nil
}

// PeakEquity returns the highest equity ever snapshotted, with found false
// when no history exists.
func (d *Database) PeakEquity() (equity float64, found bool, err error) {
	var peak *float64
	err = d.db.Raw(`SELECT MAX(equity) FROM equity_snapshots WHERE deleted_at IS NULL`).
		Scan(&peak).Error
	if err != nil {
		return 0, false, fmt.Errorf("failed to fetch peak equity: %w", err)
	}
	if peak == nil {
		return 0, false, nil
	}
	return *peak, true, nil
}

// RecordEquity appends an equity snapshot.
func (d *Database) RecordEquity(equity float64) error {
	return d.db.Create(&types.EquitySnapshot{Equity: equity, CreatedAt: time.Now()}).Error
}

// SetRiskVerdict writes the risk vetter's verdict column on a proposal.
func (d *Database) SetRiskVerdict(proposalID uint, verdict types.Verdict, note string) error {
	updates := map[string]interface{}{
		"risk_vet":   verdict,
		"updated_at": time.Now(),
	}
	if note != "" {
		updates["decision_notes"] = note
	}
	return d.db.Model(&types.Proposal{}).
		Where("proposal_id = ?", proposalID).
		Updates(updates).Error
}
