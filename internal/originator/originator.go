package originator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quantfold/marketmaker/internal/audit"
	"github.com/quantfold/marketmaker/internal/bus"
	"github.com/quantfold/marketmaker/internal/config"
	"github.com/quantfold/marketmaker/internal/exchange"
	"github.com/quantfold/marketmaker/internal/mode"
	"github.com/quantfold/marketmaker/internal/proposals"
	"github.com/quantfold/marketmaker/internal/risk"
	"github.com/quantfold/marketmaker/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Reservation is the capability the owning authority hands an originator:
// correlate a placed order with the hold, or unwind the hold. Both calls are
// idempotent and need only the proposal id.
type Reservation interface {
	Link(proposalID uint, orderID string) error
	Release(proposalID uint) error
}

// Tracker is the order-tracking collaborator fed after successful placement.
type Tracker interface {
	TrackOrder(p *types.Proposal, orderID string)
}

// LogTracker is the default Tracker: it only logs the placed order intent.
type LogTracker struct{}

func (LogTracker) TrackOrder(p *types.Proposal, orderID string) {
	log.Info().
		Uint("proposal_id", p.ProposalID).
		Str("order_id", orderID).
		Str("symbol", p.Symbol).
		Str("side", string(p.Side)).
		Float64("price", p.PriceIntent).
		Float64("size", p.SizeIntent).
		Msg("order forwarded to tracker")
}

// Originator is a long-lived per-side process that turns ready proposals
// into orders. It subscribes to its side's ready and denied topics, treats
// every delivery as possibly duplicated, and falls through to housekeeping
// (heartbeat, equity snapshot, stale-ready pickup) when the bus is quiet.
type Originator struct {
	side        types.Side
	store       *proposals.Store
	db          *Database
	reservation Reservation
	riskVet     *risk.Vetter
	client      exchange.Client
	tracker     Tracker
	modes       *mode.Provider
	notifier    bus.Notifier
	audit       *audit.Logger
	cfg         *config.Config
	logger      zerolog.Logger
}

// New creates an originator for one side.
func New(
	side types.Side,
	gormDB *gorm.DB,
	store *proposals.Store,
	reservation Reservation,
	riskVet *risk.Vetter,
	client exchange.Client,
	tracker Tracker,
	modes *mode.Provider,
	notifier bus.Notifier,
	auditLog *audit.Logger,
	cfg *config.Config,
) *Originator {
	if tracker == nil {
		tracker = LogTracker{}
	}
	return &Originator{
		side:        side,
		store:       store,
		db:          NewDatabase(gormDB),
		reservation: reservation,
		riskVet:     riskVet,
		client:      client,
		tracker:     tracker,
		modes:       modes,
		notifier:    notifier,
		audit:       auditLog,
		cfg:         cfg,
		logger:      log.With().Str("component", "originator."+string(side)).Logger(),
	}
}

func (o *Originator) component() string {
	return "originator." + string(o.side)
}

// Run subscribes and processes notifications until the context is
// cancelled. In-flight proposal handling completes before Run returns.
func (o *Originator) Run(ctx context.Context) error {
	readyTopic := proposals.ReadyTopic(o.side)
	deniedTopic := proposals.DeniedTopic(o.side)

	notifications, err := o.notifier.Subscribe(ctx, readyTopic, deniedTopic)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	o.logger.Info().Str("ready_topic", readyTopic).Str("denied_topic", deniedTopic).
		Msg("originator started")

	heartbeat := time.NewTicker(o.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	housekeeping := time.NewTicker(o.cfg.NotifyWait)
	defer housekeeping.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info().Msg("originator shutting down")
			return nil

		case n, ok := <-notifications:
			if !ok {
				return nil
			}
			switch n.Topic {
			case readyTopic:
				if err := o.HandleReady(n.ProposalID); err != nil {
					o.logger.Error().Err(err).Uint("proposal_id", n.ProposalID).
						Msg("failed to handle ready notification")
				}
			case deniedTopic:
				// Terminal on the other end; log only.
				o.logger.Info().Uint("proposal_id", n.ProposalID).
					Msg("proposal denied or expired")
			}

		case <-heartbeat.C:
			if err := o.db.Beat(o.component()); err != nil {
				o.logger.Error().Err(err).Msg("heartbeat failed")
			}
			// The loss and drawdown metrics are only as fresh as these
			// snapshots; recording rides the liveness tick.
			if err := o.riskVet.RecordEquity(); err != nil {
				o.logger.Warn().Err(err).Msg("failed to record equity snapshot")
			}

		case <-housekeeping.C:
			o.pickUpStaleReady()
		}
	}
}

// HandleReady processes one ready notification. Duplicate or stale
// deliveries against a proposal that is no longer ready are silent no-ops.
func (o *Originator) HandleReady(proposalID uint) error {
	logger := o.logger.With().Uint("proposal_id", proposalID).Logger()

	p, err := o.store.Get(proposalID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Warn().Msg("ready notification for unknown proposal")
			return nil
		}
		return err
	}

	if p.Side != o.side {
		logger.Warn().Str("side", string(p.Side)).Msg("notification for wrong side, ignoring")
		return nil
	}
	if p.Status != types.StatusReady {
		// Re-delivery, or an external sweep expired it between publish and
		// now. Either way there is nothing left to do.
		logger.Debug().Str("status", string(p.Status)).Msg("proposal not ready, no-op")
		return nil
	}

	currentMode, err := o.modes.Current()
	if err != nil {
		return fmt.Errorf("failed to resolve operating mode: %w", err)
	}

	if !currentMode.AllowsPlacement() {
		// Shadow finalize: no exchange interaction, no reservation change.
		if err := o.store.Transition(p, types.StatusShadowFinalized, "mode "+string(currentMode)); err != nil {
			if errors.Is(err, proposals.ErrStaleProposal) {
				return nil
			}
			return err
		}
		o.audit.Record(p.ProposalID, "shadow_finalized", map[string]interface{}{
			"mode": currentMode,
		})
		logger.Info().Str("mode", string(currentMode)).Msg("shadow finalized")
		return nil
	}

	// Defensive re-check; the authoritative evaluation happened in vetting.
	if err := o.riskVet.Recheck(p, currentMode); err != nil {
		logger.Warn().Err(err).Msg("risk re-check failed, unwinding")
		return o.failProposal(p, "risk re-check: "+err.Error())
	}

	orderID, err := o.client.PlaceLimitOrder(p.Symbol, p.Side, p.PriceIntent, p.SizeIntent)
	if err != nil {
		logger.Warn().Err(err).Msg("order placement failed, unwinding")
		return o.failProposal(p, "placement: "+err.Error())
	}

	if err := o.reservation.Link(p.ProposalID, orderID); err != nil {
		// Link is observability only; never unwind a placed order over it.
		logger.Error().Err(err).Str("order_id", orderID).Msg("failed to link reservation")
	}
	o.tracker.TrackOrder(p, orderID)

	if err := o.store.Transition(p, types.StatusFinalized, ""); err != nil {
		if errors.Is(err, proposals.ErrStaleProposal) {
			return nil
		}
		return err
	}
	o.audit.Record(p.ProposalID, "finalized", map[string]interface{}{
		"order_id": orderID,
	})

	logger.Info().Str("order_id", orderID).Msg("proposal finalized")
	return nil
}

// failProposal unwinds the reservation and ends the proposal failed. Release
// is idempotent, so a crash between the two steps is safe to replay.
func (o *Originator) failProposal(p *types.Proposal, note string) error {
	if err := o.reservation.Release(p.ProposalID); err != nil {
		return fmt.Errorf("failed to unwind reservation: %w", err)
	}

	if err := o.store.Transition(p, types.StatusFailed, note); err != nil {
		if errors.Is(err, proposals.ErrStaleProposal) {
			return nil
		}
		return err
	}
	o.audit.Record(p.ProposalID, "failed", map[string]interface{}{"note": note})
	return nil
}

// pickUpStaleReady re-processes ready proposals whose notification was
// lost; this is what makes at-least-once delivery sufficient.
func (o *Originator) pickUpStaleReady() {
	cutoff := time.Now().Add(-2 * o.cfg.NotifyWait)
	stale, err := o.db.StaleReady(o.side, cutoff)
	if err != nil {
		o.logger.Error().Err(err).Msg("failed to scan for stale ready proposals")
		return
	}

	for i := range stale {
		p := stale[i]
		o.logger.Info().Uint("proposal_id", p.ProposalID).Msg("picking up stale ready proposal")
		if err := o.HandleReady(p.ProposalID); err != nil {
			o.logger.Error().Err(err).Uint("proposal_id", p.ProposalID).
				Msg("failed to handle stale ready proposal")
		}
	}
}
