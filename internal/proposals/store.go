package proposals

import (
	"errors"
	"fmt"
	"time"

	"github.com/quantfold/marketmaker/internal/types"
	"gorm.io/gorm"
)

var (
	// ErrIllegalTransition is returned when a requested status change is not
	// in the transition table.
	ErrIllegalTransition = errors.New("illegal proposal status transition")

	// ErrStaleProposal is returned when the proposal status changed between
	// read and write; on re-delivered notifications callers treat it as a
	// no-op rather than an error.
	ErrStaleProposal = errors.New("proposal status changed concurrently")
)

// Store owns proposal rows: creation, lookup and guarded status transitions.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new pending proposal and assigns its numeric id.
func (s *Store) Create(symbol string, side types.Side, price, size float64) (*types.Proposal, error) {
	proposal := &types.Proposal{
		Symbol:      symbol,
		Side:        side,
		PriceIntent: price,
		SizeIntent:  size,
		Status:      types.StatusPending,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(proposal).Error; err != nil {
			return err
		}
		proposal.ProposalID = proposal.ID
		return tx.Model(proposal).Update("proposal_id", proposal.ID).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create proposal: %w", err)
	}
	return proposal, nil
}

// Get retrieves a proposal by its id.
func (s *Store) Get(proposalID uint) (*types.Proposal, error) {
	var proposal types.Proposal
	if err := s.db.Where("proposal_id = ?", proposalID).First(&proposal).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch proposal %d: %w", proposalID, err)
	}
	return &proposal, nil
}

// Transition moves the proposal to a new status. The transition table is
// enforced, and the write is conditional on the status still being the one
// the caller read, so transitions are monotonic and never regress even
// under concurrent handlers.
func (s *Store) Transition(p *types.Proposal, to types.ProposalStatus, note string) error {
	if !types.CanTransition(p.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, p.Status, to)
	}

	now := time.Now()
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": now,
	}
	if to.IsTerminal() {
		updates["decision_stamp"] = now
	}
	if note != "" {
		updates["decision_notes"] = note
	}

	res := s.db.Model(&types.Proposal{}).
		Where("proposal_id = ? AND status = ?", p.ProposalID, p.Status).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to transition proposal %d: %w", p.ProposalID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: proposal %d no longer %s", ErrStaleProposal, p.ProposalID, p.Status)
	}

	p.Status = to
	if to.IsTerminal() {
		p.DecisionStamp = &now
	}
	return nil
}
