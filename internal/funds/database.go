package funds

import (
	"errors"
	"fmt"
	"time"

	"github.com/quantfold/marketmaker/internal/types"
	"gorm.io/gorm"
)

// ErrInsufficientFunds is returned when a vet or reservation finds the
// spendable quote balance short of the requested notional.
var ErrInsufficientFunds = errors.New("insufficient funds")

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetBalance retrieves the balance row for an asset. A missing row reads as
// a zero balance rather than an error.
func (d *Database) GetBalance(asset string) (*types.Balance, error) {
	var balance types.Balance
	if err := d.db.Where("asset = ?", asset).First(&balance).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &types.Balance{Asset: asset}, nil
		}
		return nil, fmt.Errorf("failed to fetch balance for %s: %w", asset, err)
	}
	return &balance, nil
}

// Reserve places a quote-currency hold correlated to token. The hold is
// raised by a single conditional statement: it succeeds only if spendable
// funds (available minus hold) still cover the amount at write time. This
// statement is the only concurrency control for reservation races.
//
// Reserve is idempotent: a second call with the same token is a no-op
// returning success, regardless of balance state.
func (d *Database) Reserve(token string, proposalID uint, asset string, amount float64) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		var existing types.Reservation
		err := tx.Where("token = ?", token).First(&existing).Error
		if err == nil {
			// Already reserved for this proposal; re-delivery is a no-op.
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to check reservation %s: %w", token, err)
		}

		res := tx.Exec(
			`UPDATE balances SET hold = hold + ?, updated_at = ? WHERE asset = ? AND available - hold >= ?`,
			amount, time.Now(), asset, amount,
		)
		if res.Error != nil {
			return fmt.Errorf("failed to place hold on %s: %w", asset, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrInsufficientFunds
		}

		reservation := types.Reservation{
			Token:      token,
			ProposalID: proposalID,
			Kind:       types.ReservationFunds,
			Instrument: asset,
			Amount:     amount,
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

// Release removes the hold correlated to token, clamping at zero so the
// hold never goes negative. Releasing an already-released or unknown token
// is a no-op; calling twice has the same effect as calling once.
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
			`UPDATE balances SET hold = MAX(hold - ?, 0), updated_at = ? WHERE asset = ?`,
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

// Link records the exchange order id against the reservation. Observability
// only; no hold state changes.
func (d *Database) Link(token, orderID string) error {
	return d.db.Model(&types.Reservation{}).
		Where("token = ? AND state = ?", token, types.ReservationHeld).
		Updates(map[string]interface{}{
			"state":      types.ReservationLinked,
			"order_id":   orderID,
			"updated_at": time.Now(),
		}).Error
}

// SetBankVerdict writes the funds authority's verdict column on a proposal.
func (d *Database) SetBankVerdict(proposalID uint, verdict types.Verdict, note string) error {
	updates := map[string]interface{}{
		"bank_vet":   verdict,
		"updated_at": time.Now(),
	}
	if note != "" {
		updates["decision_notes"] = note
	}
	return d.db.Model(&types.Proposal{}).
		Where("proposal_id = ?", proposalID).
		Updates(updates).Error
}
