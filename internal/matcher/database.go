package matcher

import (
	"errors"
	"fmt"
	"time"

	"github.com/quantfold/marketmaker/internal/types"
	"gorm.io/gorm"
)

var (
	// ErrOrderChanged is returned when the order row moved between scan and
	// fill; the fill is abandoned and the order revisited next cycle.
	ErrOrderChanged = errors.New("order changed concurrently")

	// ErrRealismApplied is returned when an order already carries its one
	// realism effect.
	ErrRealismApplied = errors.New("realism effect already applied")

	// ErrBalanceShort marks a fill whose debit would drive a balance or
	// position negative; the fill is deferred, never forced.
	ErrBalanceShort = errors.New("balance short for fill")
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// LoadResting returns all open and partial simulated orders oldest first,
// excluding soft-deleted rows.
func (d *Database) LoadResting() ([]types.SimOrder, error) {
	var orders []types.SimOrder
	err := d.db.Where("status IN ? AND deleted = 0",
		[]types.OrderStatus{types.OrderOpen, types.OrderPartial}).
		Order("created_at ASC").
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load resting orders: %w", err)
	}
	return orders, nil
}

// GetRealism returns the realism record for an order, nil when none exists.
func (d *Database) GetRealism(orderID string) (*types.RealismRecord, error) {
	var record types.RealismRecord
	err := d.db.Where("order_id = ?", orderID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch realism record for %s: %w", orderID, err)
	}
	return &record, nil
}

// RecordRealism inserts the order's one realism record. The unique index on
// order_id enforces at-most-one; a duplicate insert reports
// ErrRealismApplied so a concurrent pass backs off.
func (d *Database) RecordRealism(orderID string, kind types.RealismKind, details string) error {
	record := types.RealismRecord{
		OrderID:   orderID,
		Kind:      kind,
		AppliedAt: time.Now(),
		Details:   details,
	}
	if err := d.db.Create(&record).Error; err != nil {
		var existing types.RealismRecord
		if lookupErr := d.db.Where("order_id = ?", orderID).First(&existing).Error; lookupErr == nil {
			return ErrRealismApplied
		}
		return fmt.Errorf("failed to record realism effect for %s: %w", orderID, err)
	}
	return nil
}

// SetDelay stamps the order's future fill-eligible time.
func (d *Database) SetDelay(orderID string, until time.Time) error {
	return d.db.Model(&types.SimOrder{}).
		Where("order_id = ?", orderID).
		Updates(map[string]interface{}{
			"delayed_until": until,
			"updated_at":    time.Now(),
		}).Error
}

// ExecuteFill applies one fill atomically: claim the order row, insert the
// trade, and mutate balances and positions, all in a single transaction.
//
// The claim is a conditional update guarded on the filled_size the scan
// read, which serializes this fill against any concurrent pass touching the
// same order; if the guard misses, nothing else in the transaction happens.
// When cancelRemainder is set the unfilled remainder is cancelled and its
// hold released instead of staying resting.
func (d *Database) ExecuteFill(order *types.SimOrder, qty, price, fee, dustQty float64, cancelRemainder bool) error {
	if qty <= 0 {
		return fmt.Errorf("non-positive fill qty %f for %s", qty, order.OrderID)
	}

	// Clamp to remaining so filled_size can never exceed size.
	if remaining := order.Remaining(); qty > remaining {
		qty = remaining
	}

	newFilled := order.FilledSize + qty
	status := types.OrderPartial
	if order.Size-newFilled <= dustQty {
		status = types.OrderFilled
	} else if cancelRemainder {
		status = types.OrderCancelled
	}

	return d.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Exec(
			`UPDATE sim_orders
			 SET filled_size = ?, status = ?, updated_at = ?
			 WHERE order_id = ? AND status IN ('open', 'partial') AND deleted = 0 AND filled_size = ?`,
			newFilled, status, time.Now(), order.OrderID, order.FilledSize,
		)
		if res.Error != nil {
			return fmt.Errorf("failed to claim order %s: %w", order.OrderID, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrOrderChanged
		}

		trade := types.Trade{
			TradeID:   fmt.Sprintf("TRD-%s-%d", order.OrderID, time.Now().UnixNano()),
			OrderID:   order.OrderID,
			Symbol:    order.Symbol,
			Side:      order.Side,
			Price:     price,
			Size:      qty,
			Fee:       fee,
			CreatedAt: time.Now(),
		}
		if err := tx.Create(&trade).Error; err != nil {
			return fmt.Errorf("failed to record trade for %s: %w", order.OrderID, err)
		}

		if order.Side == types.SideBuy {
			if err := d.settleBuy(tx, order, qty, price, fee, cancelRemainder); err != nil {
				return err
			}
		} else {
			if err := d.settleSell(tx, order, qty, price, fee, dustQty, cancelRemainder); err != nil {
				return err
			}
		}

		order.FilledSize = newFilled
		order.Status = status
		return nil
	})
}

// settleBuy debits the quote balance by notional plus fee, consumes the
// hold at the order's resting price, and credits the base position.
func (d *Database) settleBuy(tx *gorm.DB, order *types.SimOrder, qty, price, fee float64, cancelRemainder bool) error {
	quote := types.QuoteAsset(order.Symbol)
	debit := price*qty + fee

	holdRelease := order.Price * qty
	if cancelRemainder {
		// The cancelled remainder's hold goes too.
		holdRelease += order.Price * (order.Size - order.FilledSize - qty)
	}

	res := tx.Exec(
		`UPDATE balances
		 SET available = available - ?, hold = MAX(hold - ?, 0), updated_at = ?
		 WHERE asset = ? AND available >= ?`,
		debit, holdRelease, time.Now(), quote, debit,
	)
	if res.Error != nil {
		return fmt.Errorf("failed to debit %s: %w", quote, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s needs %.6f", ErrBalanceShort, quote, debit)
	}

	position := types.Position{Symbol: order.Symbol}
	if err := tx.Where("symbol = ?", order.Symbol).FirstOrCreate(&position).Error; err != nil {
		return fmt.Errorf("failed to load position %s: %w", order.Symbol, err)
	}
	return tx.Model(&types.Position{}).
		Where("symbol = ?", order.Symbol).
		Updates(map[string]interface{}{
			"qty":        gorm.Expr("qty + ?", qty),
			"updated_at": time.Now(),
		}).Error
}

// settleSell debits the position, consumes its hold, credits the quote
// balance net of fee, and clears any asset-level caution cap once the
// position is exhausted to dust.
func (d *Database) settleSell(tx *gorm.DB, order *types.SimOrder, qty, price, fee, dustQty float64, cancelRemainder bool) error {
	holdRelease := qty
	if cancelRemainder {
		holdRelease += order.Size - order.FilledSize - qty
	}

	res := tx.Exec(
		`UPDATE positions
		 SET qty = qty - ?, hold = MAX(hold - ?, 0), updated_at = ?
		 WHERE symbol = ? AND qty >= ?`,
		qty, holdRelease, time.Now(), order.Symbol, qty,
	)
	if res.Error != nil {
		return fmt.Errorf("failed to debit position %s: %w", order.Symbol, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: position %s needs %.6f", ErrBalanceShort, order.Symbol, qty)
	}

	// Clear the cautionary limit once the position is fully unwound.
	err := tx.Exec(
		`UPDATE positions SET caution_cap = 0 WHERE symbol = ? AND qty <= ?`,
		order.Symbol, dustQty,
	).Error
	if err != nil {
		return fmt.Errorf("failed to clear caution cap for %s: %w", order.Symbol, err)
	}

	quote := types.QuoteAsset(order.Symbol)
	credit := price*qty - fee

	balance := types.Balance{Asset: quote}
	if err := tx.Where("asset = ?", quote).FirstOrCreate(&balance).Error; err != nil {
		return fmt.Errorf("failed to load balance %s: %w", quote, err)
	}
	return tx.Model(&types.Balance{}).
		Where("asset = ?", quote).
		Updates(map[string]interface{}{
			"available":  gorm.Expr("available + ?", credit),
			"updated_at": time.Now(),
		}).Error
}

// CancelWithRelease cancels a resting order outright and releases the hold
// for its remaining quantity.
func (d *Database) CancelWithRelease(order *types.SimOrder) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Exec(
			`UPDATE sim_orders SET status = 'cancelled', updated_at = ?
			 WHERE order_id = ? AND status IN ('open', 'partial') AND deleted = 0 AND filled_size = ?`,
			time.Now(), order.OrderID, order.FilledSize,
		)
		if res.Error != nil {
			return fmt.Errorf("failed to cancel order %s: %w", order.OrderID, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrOrderChanged
		}

		remaining := order.Remaining()
		if order.Side == types.SideBuy {
			return tx.Exec(
				`UPDATE balances SET hold = MAX(hold - ?, 0), updated_at = ? WHERE asset = ?`,
				order.Price*remaining, time.Now(), types.QuoteAsset(order.Symbol),
			).Error
		}
		return tx.Exec(
			`UPDATE positions SET hold = MAX(hold - ?, 0), updated_at = ? WHERE symbol = ?`,
			remaining, time.Now(), order.Symbol,
		).Error
	})
}
