package proposals

import (
	"context"
	"errors"
	"fmt"

	"github.com/quantfold/marketmaker/internal/audit"
	"github.com/quantfold/marketmaker/internal/bus"
	"github.com/quantfold/marketmaker/internal/funds"
	"github.com/quantfold/marketmaker/internal/inventory"
	"github.com/quantfold/marketmaker/internal/mode"
	"github.com/quantfold/marketmaker/internal/risk"
	"github.com/quantfold/marketmaker/internal/types"
	"github.com/rs/zerolog/log"
)

// ReadyTopic names the ready topic of the authority owning a side.
func ReadyTopic(side types.Side) string {
	if side == types.SideBuy {
		return bus.TopicReadyBank
	}
	return bus.TopicReadyInvt
}

// DeniedTopic names the denied/expired topic of the authority owning a side.
func DeniedTopic(side types.Side) string {
	if side == types.SideBuy {
		return bus.TopicDeniedBank
	}
	return bus.TopicDeniedInvt
}

// Coordinator drives a proposal through vetting and reservation on behalf
// of the external router: phase-1 vets by all three authorities, then
// phase-2 finalize by the side's owning authority, then the ready
// notification to the originator.
type Coordinator struct {
	store    *Store
	riskVet  *risk.Vetter
	bank     *funds.Authority
	invt     *inventory.Authority
	modes    *mode.Provider
	notifier bus.Notifier
	audit    *audit.Logger
}

// NewCoordinator wires the protocol coordinator.
func NewCoordinator(
	store *Store,
	riskVet *risk.Vetter,
	bank *funds.Authority,
	invt *inventory.Authority,
	modes *mode.Provider,
	notifier bus.Notifier,
	auditLog *audit.Logger,
) *Coordinator {
	return &Coordinator{
		store:    store,
		riskVet:  riskVet,
		bank:     bank,
		invt:     invt,
		modes:    modes,
		notifier: notifier,
		audit:    auditLog,
	}
}

// VetAll runs all three independent vets on a pending proposal and settles
// its phase: approved when every verdict approves, denied otherwise.
// Re-invocation against a proposal no longer pending is a no-op.
func (c *Coordinator) VetAll(ctx context.Context, proposalID uint) (*types.Proposal, error) {
	logger := log.With().Uint("proposal_id", proposalID).Str("component", "coordinator").Logger()

	p, err := c.store.Get(proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != types.StatusPending {
		logger.Debug().Str("status", string(p.Status)).Msg("vet skipped, proposal not pending")
		return p, nil
	}

	currentMode, err := c.modes.Current()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve operating mode: %w", err)
	}

	if _, err := c.riskVet.Vet(p, currentMode); err != nil {
		return nil, err
	}
	if _, err := c.bank.Vet(p); err != nil {
		return nil, err
	}
	if _, err := c.invt.Vet(p); err != nil {
		return nil, err
	}

	if p.AllApproved() {
		if err := c.store.Transition(p, types.StatusApproved, ""); err != nil {
			return nil, err
		}
		logger.Info().Msg("proposal approved by all authorities")
		return p, nil
	}

	if err := c.store.Transition(p, types.StatusDenied, ""); err != nil {
		return nil, err
	}
	c.publish(ctx, DeniedTopic(p.Side), p.ProposalID)
	logger.Info().
		Str("risk_vet", string(p.RiskVet)).
		Str("bank_vet", string(p.BankVet)).
		Str("invt_vet", string(p.InvtVet)).
		Msg("proposal denied")
	return p, nil
}

// Finalize performs phase 2 for an approved proposal: the owning authority
// reserves atomically, the proposal moves to ready, and the originator is
// notified. A reservation failure ends the proposal failed.
func (c *Coordinator) Finalize(ctx context.Context, proposalID uint) (*types.Proposal, error) {
	logger := log.With().Uint("proposal_id", proposalID).Str("component", "coordinator").Logger()

	// Re-fetch so the all-approved requirement is checked in the same pass
	// that finalizes.
	p, err := c.store.Get(proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status.IsTerminal() {
		logger.Debug().Str("status", string(p.Status)).Msg("finalize skipped, proposal terminal")
		return p, nil
	}
	if p.Status != types.StatusApproved {
		return nil, fmt.Errorf("proposal %d is %s, not approved", proposalID, p.Status)
	}

	currentMode, err := c.modes.Current()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve operating mode: %w", err)
	}

	err = c.reserve(p, currentMode)
	if err != nil {
		if errors.Is(err, funds.ErrInsufficientFunds) || errors.Is(err, inventory.ErrInsufficientInventory) {
			if terr := c.store.Transition(p, types.StatusFailed, err.Error()); terr != nil {
				return nil, terr
			}
			c.publish(ctx, DeniedTopic(p.Side), p.ProposalID)
			logger.Warn().Err(err).Msg("reservation denied, proposal failed")
			return p, nil
		}
		return nil, err
	}

	if err := c.store.Transition(p, types.StatusReady, ""); err != nil {
		return nil, err
	}
	c.publish(ctx, ReadyTopic(p.Side), p.ProposalID)
	logger.Info().Str("side", string(p.Side)).Msg("proposal reserved and ready")
	return p, nil
}

// Expire moves a non-terminal proposal to expired and releases any hold the
// owning authority placed for it.
func (c *Coordinator) Expire(ctx context.Context, proposalID uint) error {
	p, err := c.store.Get(proposalID)
	if err != nil {
		return err
	}
	if p.Status.IsTerminal() {
		return nil
	}

	if err := c.store.Transition(p, types.StatusExpired, "expired by sweep"); err != nil {
		return err
	}
	if err := c.release(p); err != nil {
		return err
	}
	c.publish(ctx, DeniedTopic(p.Side), p.ProposalID)
	return nil
}

func (c *Coordinator) reserve(p *types.Proposal, m types.Mode) error {
	if p.Side == types.SideBuy {
		return c.bank.Finalize(p, m)
	}
	return c.invt.Finalize(p, m)
}

func (c *Coordinator) release(p *types.Proposal) error {
	if p.Side == types.SideBuy {
		return c.bank.Release(p.ProposalID)
	}
	return c.invt.Release(p.ProposalID)
}

func (c *Coordinator) publish(ctx context.Context, topic string, proposalID uint) {
	err := c.notifier.Publish(ctx, topic, bus.Notification{ProposalID: proposalID})
	if err != nil {
		// At-least-once is best effort here; originators also poll, and a
		// lost notification only delays the proposal.
		log.Error().Err(err).Str("topic", topic).Uint("proposal_id", proposalID).
			Msg("failed to publish notification")
	}
}
