package inventory

import (
	"fmt"

	"github.com/quantfold/marketmaker/internal/audit"
	"github.com/quantfold/marketmaker/internal/config"
	"github.com/quantfold/marketmaker/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Authority is the inventory reservation authority: it vets sell proposals
// against the asset position and owns phase-2 reservation for sells.
type Authority struct {
	db    *Database
	audit *audit.Logger
	cfg   *config.Config
}

// NewAuthority creates the inventory authority over the shared ledger store.
func NewAuthority(gormDB *gorm.DB, auditLog *audit.Logger, cfg *config.Config) *Authority {
	return &Authority{
		db:    NewDatabase(gormDB),
		audit: auditLog,
		cfg:   cfg,
	}
}

// Vet evaluates a proposal against the inventory constraint set and writes
// the invt verdict column. Buy proposals do not consume inventory and are
// approved as not-applicable.
func (a *Authority) Vet(p *types.Proposal) (types.Verdict, error) {
	logger := log.With().
		Uint("proposal_id", p.ProposalID).
		Str("symbol", p.Symbol).
		Str("authority", "inventory").
		Logger()

	verdict, note := a.evaluate(p)

	if err := a.db.SetInvtVerdict(p.ProposalID, verdict, note); err != nil {
		logger.Error().Err(err).Msg("failed to write invt verdict")
		return types.VerdictUnset, fmt.Errorf("failed to write invt verdict: %w", err)
	}
	p.InvtVet = verdict

	a.audit.Record(p.ProposalID, "invt_vet", map[string]interface{}{
		"verdict": verdict,
		"note":    note,
	})

	logger.Info().Str("verdict", string(verdict)).Str("note", note).Msg("inventory vet complete")
	return verdict, nil
}

func (a *Authority) evaluate(p *types.Proposal) (types.Verdict, string) {
	if p.Side != types.SideSell {
		return types.VerdictApproved, "not applicable for buy"
	}

	position, err := a.db.GetPosition(p.Symbol)
	if err != nil {
		log.Error().Err(err).Uint("proposal_id", p.ProposalID).Msg("failed to read position")
		return types.VerdictDenied, "position unavailable"
	}

	free := position.Qty - position.Hold
	if free < p.SizeIntent {
		return types.VerdictDenied, fmt.Sprintf("insufficient inventory: free %.6f < requested %.6f", free, p.SizeIntent)
	}

	return types.VerdictApproved, ""
}

// Finalize performs the phase-2 atomic reservation for an all-approved sell
// proposal. Live mode re-validates free inventory only; the exchange holds
// its own reservation.
func (a *Authority) Finalize(p *types.Proposal, mode types.Mode) error {
	logger := log.With().
		Uint("proposal_id", p.ProposalID).
		Str("symbol", p.Symbol).
		Str("authority", "inventory").
		Str("mode", string(mode)).
		Logger()

	if !p.AllApproved() {
		return fmt.Errorf("proposal %d not fully approved: risk=%s bank=%s invt=%s",
			p.ProposalID, p.RiskVet, p.BankVet, p.InvtVet)
	}

	if mode == types.ModeLive {
		position, err := a.db.GetPosition(p.Symbol)
		if err != nil {
			return fmt.Errorf("failed to re-validate inventory: %w", err)
		}
		if position.Qty-position.Hold < p.SizeIntent {
			return ErrInsufficientInventory
		}
		logger.Info().Float64("size", p.SizeIntent).Msg("live inventory re-validation passed")
		a.audit.Record(p.ProposalID, "invt_reserve", map[string]interface{}{
			"mode": mode, "size": p.SizeIntent,
		})
		return nil
	}

	token := types.ReservationToken(p.ProposalID, types.ReservationInventory)
	if err := a.db.Reserve(token, p.ProposalID, p.Symbol, p.SizeIntent); err != nil {
		logger.Warn().Err(err).Float64("size", p.SizeIntent).Msg("inventory reservation failed")
		a.audit.Record(p.ProposalID, "invt_reserve_failed", map[string]interface{}{
			"size": p.SizeIntent, "error": err.Error(),
		})
		return err
	}

	logger.Info().Float64("size", p.SizeIntent).Str("token", token).Msg("inventory reserved")
	a.audit.Record(p.ProposalID, "invt_reserve", map[string]interface{}{
		"size": p.SizeIntent, "token": token,
	})
	return nil
}

// Release unwinds the asset hold for a proposal; safe to call repeatedly.
func (a *Authority) Release(proposalID uint) error {
	token := types.ReservationToken(proposalID, types.ReservationInventory)
	if err := a.db.Release(token); err != nil {
		return fmt.Errorf("failed to release inventory reservation for proposal %d: %w", proposalID, err)
	}
	a.audit.Record(proposalID, "invt_release", map[string]interface{}{"token": token})
	return nil
}

// Link correlates the reservation with the placed order id.
func (a *Authority) Link(proposalID uint, orderID string) error {
	token := types.ReservationToken(proposalID, types.ReservationInventory)
	if err := a.db.Link(token, orderID); err != nil {
		return fmt.Errorf("failed to link inventory reservation for proposal %d: %w", proposalID, err)
	}
	a.audit.Record(proposalID, "invt_link", map[string]interface{}{
		"token": token, "order_id": orderID,
	})
	return nil
}
