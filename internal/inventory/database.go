package inventory

import (
	"errors"
	"fmt"
	"time"

	"github.com/quantfold/marketmaker/internal/types"
	"gorm.io/gorm"
)

// ErrInsufficientInventory is returned when a vet or reservation finds the
// free asset position short of the requested size.
var ErrInsufficientInventory = errors.New("insufficient inventory")

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetPosition retrieves the position row for a symbol. A missing row reads
// as a flat position rather than an error.
func (d *Database) GetPosition(symbol string) (*types.Position, error) {
	var position types.Position
	if err := d.db.Where("symbol = ?", symbol).First(&position).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &types.Position{Symbol: symbol}, nil
		}
		return nil, fmt.Errorf("failed to fetch position for %s: %w", symbol, err)
	}
	return &position, nil
}

// Reserve places an asset hold correlated to token. A single conditional
// statement raises the hold only while free inventory (qty minus hold) still
// covers the size; concurrent reservations are serialized by that statement
// alone. Idempotent on token.
func (d *Database) Reserve(token string, proposalID uint, symbol string, size float64) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		var existing types.Reservation
		err := tx.Where("token = ?", token).First(&existing).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to check reservation %s: %w", token, err)
		}

		res := tx.Exec(
			`UPDATE positions SET hold = hold + ?, updated_at = ? WHERE symbol = ? AND qty - hold >= ?`,
			size, time.Now(), symbol, size,
		)
		if res.Error != nil {
			return fmt.Errorf("failed to place hold on %s: %w", symbol, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrInsufficientInventory
		}

		reservation := types.Reservation{
			Token:      token,
			ProposalID: proposalID,
			Kind:       types.ReservationInventory,
			Instrument: symbol,
			Amount:     size,
			State:      types.ReservationHeld,
			CreatedAt:  time.Now(),
			UpdatedAt:  time.Now(),
		}
		if err := tx.Create(&reservation).Error; err != nil {
			return fmt.Errorf("failed to record reservation %s: %w", token, err)
		}
		return nil
	})
}

// Release removes the asset hold for token, clamped at zero. Releasing an
// already-released or unknown token is a no-op.
func (d *Database) Release(token string) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		var reservation types.Reservation
		err := tx.Where("token = ?", token).First(&reservation).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load reservation %s: %w", token, err)
		}
		if reservation.State == types.ReservationReleased {
			return nil
		}

		res := tx.Exec(
			`UPDATE positions SET hold = MAX(hold - ?, 0), updated_at = ? WHERE symbol = ?`,
			reservation.Amount, time.Now(), reservation.Instrument,
		)
		if res.Error != nil {
			return fmt.Errorf("failed to release hold on %s: %w", reservation.Instrument, res.Error)
		}

		return tx.Model(&types.Reservation{}).
			Where("token = ?", token).
			Updates(map[string]interface{}{
				"state":      types.ReservationReleased,
				"updated_at": time.Now(),
			}).Error
	})
}

// Link records the exchange order id against the reservation.
func (d *Database) Link(token, orderID string) error {
	return d.db.Model(&types.Reservation{}).
		Where("token = ? AND state = ?", token, types.ReservationHeld).
		Updates(map[string]interface{}{
			"state":      types.ReservationLinked,
			"order_id":   orderID,
			"updated_at": time.Now(),
		}).Error
}

// SetInvtVerdict writes the inventory authority's verdict column.
func (d *Database) SetInvtVerdict(proposalID uint, verdict types.Verdict, note string) error {
	updates := map[string]interface{}{
		"invt_vet":   verdict,
		"updated_at": time.Now(),
	}
	if note != "" {
		updates["decision_notes"] = note
	}
	return d.db.Model(&types.Proposal{}).
		Where("proposal_id = ?", proposalID).
		Updates(updates).Error
}
