package funds

import (
	"fmt"

	"github.com/quantfold/marketmaker/internal/audit"
	"github.com/quantfold/marketmaker/internal/config"
	"github.com/quantfold/marketmaker/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Authority is the funds reservation authority: it vets buy proposals
// against the quote-currency balance and owns phase-2 reservation for buys.
type Authority struct {
	db    *Database
	audit *audit.Logger
	cfg   *config.Config
}

// NewAuthority creates the funds authority over the shared ledger store.
func NewAuthority(gormDB *gorm.DB, auditLog *audit.Logger, cfg *config.Config) *Authority {
	return &Authority{
		db:    NewDatabase(gormDB),
		audit: auditLog,
		cfg:   cfg,
	}
}

// Vet evaluates a proposal against the funds constraint set and writes the
// bank verdict column. Sell proposals do not consume quote currency and are
// approved as not-applicable. Vet has no side effects beyond the verdict
// write and an audit entry.
func (a *Authority) Vet(p *types.Proposal) (types.Verdict, error) {
	logger := log.With().
		Uint("proposal_id", p.ProposalID).
		Str("symbol", p.Symbol).
		Str("authority", "funds").
		Logger()

	verdict, note := a.evaluate(p)

	if err := a.db.SetBankVerdict(p.ProposalID, verdict, note); err != nil {
		logger.Error().Err(err).Msg("failed to write bank verdict")
		return types.VerdictUnset, fmt.Errorf("failed to write bank verdict: %w", err)
	}
	p.BankVet = verdict

	a.audit.Record(p.ProposalID, "bank_vet", map[string]interface{}{
		"verdict": verdict,
		"note":    note,
	})

	logger.Info().Str("verdict", string(verdict)).Str("note", note).Msg("funds vet complete")
	return verdict, nil
}

func (a *Authority) evaluate(p *types.Proposal) (types.Verdict, string) {
	if p.Side != types.SideBuy {
		return types.VerdictApproved, "not applicable for sell"
	}

	notional := p.Notional()
	if notional < a.cfg.MinNotional {
		return types.VerdictDenied, fmt.Sprintf("notional %.4f below minimum trade size %.4f", notional, a.cfg.MinNotional)
	}

	balance, err := a.db.GetBalance(types.QuoteAsset(p.Symbol))
	if err != nil {
		log.Error().Err(err).Uint("proposal_id", p.ProposalID).Msg("failed to read quote balance")
		return types.VerdictDenied, "quote balance unavailable"
	}

	spendable := balance.Available - balance.Hold
	if spendable < notional {
		return types.VerdictDenied, fmt.Sprintf("insufficient funds: spendable %.4f < notional %.4f", spendable, notional)
	}

	return types.VerdictApproved, ""
}

// Finalize performs the phase-2 atomic reservation for an all-approved buy
// proposal. In simulation the hold is placed on the ledger store by one
// conditional statement; in live mode the exchange owns its own reservation,
// so only sufficiency is re-validated.
func (a *Authority) Finalize(p *types.Proposal, mode types.Mode) error {
	logger := log.With().
		Uint("proposal_id", p.ProposalID).
		Str("symbol", p.Symbol).
		Str("authority", "funds").
		Str("mode", string(mode)).
		Logger()

	if !p.AllApproved() {
		return fmt.Errorf("proposal %d not fully approved: risk=%s bank=%s invt=%s",
			p.ProposalID, p.RiskVet, p.BankVet, p.InvtVet)
	}

	asset := types.QuoteAsset(p.Symbol)
	notional := p.Notional()

	if mode == types.ModeLive {
		balance, err := a.db.GetBalance(asset)
		if err != nil {
			return fmt.Errorf("failed to re-validate funds: %w", err)
		}
		if balance.Available-balance.Hold < notional {
			return ErrInsufficientFunds
		}
		logger.Info().Float64("notional", notional).Msg("live funds re-validation passed")
		a.audit.Record(p.ProposalID, "bank_reserve", map[string]interface{}{
			"mode": mode, "notional": notional,
		})
		return nil
	}

	token := types.ReservationToken(p.ProposalID, types.ReservationFunds)
	if err := a.db.Reserve(token, p.ProposalID, asset, notional); err != nil {
		logger.Warn().Err(err).Float64("notional", notional).Msg("funds reservation failed")
		a.audit.Record(p.ProposalID, "bank_reserve_failed", map[string]interface{}{
			"notional": notional, "error": err.Error(),
		})
		return err
	}

	logger.Info().Float64("notional", notional).Str("token", token).Msg("funds reserved")
	a.audit.Record(p.ProposalID, "bank_reserve", map[string]interface{}{
		"notional": notional, "token": token,
	})
	return nil
}

// Release unwinds the hold for a proposal; safe to call repeatedly.
func (a *Authority) Release(proposalID uint) error {
	token := types.ReservationToken(proposalID, types.ReservationFunds)
	if err := a.db.Release(token); err != nil {
		return fmt.Errorf("failed to release funds reservation for proposal %d: %w", proposalID, err)
	}
	a.audit.Record(proposalID, "bank_release", map[string]interface{}{"token": token})
	return nil
}

// Link correlates the reservation with the placed order id.
func (a *Authority) Link(proposalID uint, orderID string) error {
	token := types.ReservationToken(proposalID, types.ReservationFunds)
	if err := a.db.Link(token, orderID); err != nil {
		return fmt.Errorf("failed to link funds reservation for proposal %d: %w", proposalID, err)
	}
	a.audit.Record(proposalID, "bank_link", map[string]interface{}{
		"token": token, "order_id": orderID,
	})
	return nil
}
