package risk

import (
	"fmt"

	"github.com/quantfold/marketmaker/internal/audit"
	"github.com/quantfold/marketmaker/internal/config"
	"github.com/quantfold/marketmaker/internal/marketdata"
	"github.com/quantfold/marketmaker/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Vetter evaluates exposure and mode constraints against a proposal. It is
// stateless per call: every evaluation reads fresh balances, positions and
// open-order notional from the ledger store.
type Vetter struct {
	db      *Database
	breaker *Breaker
	market  *marketdata.Service
	audit   *audit.Logger
	cfg     *config.Config
}

// NewVetter creates the risk vetter over the shared ledger store.
func NewVetter(gormDB *gorm.DB, market *marketdata.Service, auditLog *audit.Logger, cfg *config.Config) *Vetter {
	db := NewDatabase(gormDB)
	return &Vetter{
		db:      db,
		breaker: NewBreaker(db, cfg),
		market:  market,
		audit:   auditLog,
		cfg:     cfg,
	}
}

// Breaker exposes the global circuit breaker for callers that need the
// pre-trade gate on its own.
func (v *Vetter) Breaker() *Breaker {
	return v.breaker
}

// Vet evaluates the proposal and writes the risk verdict column. No side
// effects beyond the verdict write and an audit entry.
func (v *Vetter) Vet(p *types.Proposal, mode types.Mode) (types.Verdict, error) {
	logger := log.With().
		Uint("proposal_id", p.ProposalID).
		Str("symbol", p.Symbol).
		Str("side", string(p.Side)).
		Str("authority", "risk").
		Logger()

	verdict, note := v.evaluate(p, mode)

	if err := v.db.SetRiskVerdict(p.ProposalID, verdict, note); err != nil {
		logger.Error().Err(err).Msg("failed to write risk verdict")
		return types.VerdictUnset, fmt.Errorf("failed to write risk verdict: %w", err)
	}
	p.RiskVet = verdict

	v.audit.Record(p.ProposalID, "risk_vet", map[string]interface{}{
		"verdict": verdict,
		"note":    note,
		"mode":    mode,
	})

	logger.Info().Str("verdict", string(verdict)).Str("note", note).Msg("risk vet complete")
	return verdict, nil
}

func (v *Vetter) evaluate(p *types.Proposal, mode types.Mode) (types.Verdict, string) {
	if p.Symbol == "" || p.SizeIntent <= 0 || p.PriceIntent <= 0 {
		return types.VerdictDenied, "malformed proposal: symbol, price and size are required"
	}

	// Mode gate.
	if mode.BlocksAll() {
		return types.VerdictDenied, fmt.Sprintf("mode %s blocks all trading", mode)
	}
	if p.Side == types.SideBuy && mode.BlocksNewBuys() {
		return types.VerdictDenied, fmt.Sprintf("mode %s blocks new buys", mode)
	}

	// Global circuit breaker precedes all per-trade checks.
	equity, err := v.Equity()
	equityKnown := err == nil
	if err != nil {
		// Fail open on missing telemetry: the breaker's loss checks and the
		// cap checks below are skipped, so a dead feed cannot stall the
		// whole system.
		log.Warn().Err(err).Msg("equity unavailable, breaker failing open")
		equity = 0
	}
	if err := v.breaker.Allow(mode, equity, equityKnown); err != nil {
		return types.VerdictDenied, err.Error()
	}

	notional := p.Notional()
	if notional < v.cfg.MinNotional {
		return types.VerdictDenied, fmt.Sprintf("notional %.4f below minimum %.4f", notional, v.cfg.MinNotional)
	}

	// Sells reduce exposure; the cap checks below guard new buy exposure.
	if p.Side != types.SideBuy {
		return types.VerdictApproved, ""
	}
	if equity <= 0 {
		// No measurable equity means caps cannot be evaluated; the funds
		// authority still bounds the trade by spendable balance.
		return types.VerdictApproved, "equity unavailable, exposure caps skipped"
	}

	tolerance := 1 + v.cfg.CapTolerance

	pairExposure, err := v.pairExposure(p.Symbol)
	if err != nil {
		log.Warn().Err(err).Str("symbol", p.Symbol).Msg("pair exposure unavailable, failing open")
	} else if pairExposure+notional > v.cfg.PerPairCapFrac*equity*tolerance {
		return types.VerdictDenied, fmt.Sprintf(
			"per-pair exposure %.2f + %.2f exceeds cap %.2f",
			pairExposure, notional, v.cfg.PerPairCapFrac*equity)
	}

	aggregate, err := v.aggregateExposure()
	if err != nil {
		log.Warn().Err(err).Msg("aggregate exposure unavailable, failing open")
	} else if aggregate+notional > v.cfg.AggregateCapFrac*equity*tolerance {
		return types.VerdictDenied, fmt.Sprintf(
			"aggregate exposure %.2f + %.2f exceeds cap %.2f",
			aggregate, notional, v.cfg.AggregateCapFrac*equity)
	}

	// Concurrent pair limit applies to buys opening a new pair only.
	if pairExposure <= v.cfg.MinNotional {
		active, err := v.db.ActivePairs(v.cfg.DustQty)
		if err != nil {
			log.Warn().Err(err).Msg("active pair count unavailable, failing open")
		} else if active >= v.cfg.MaxActivePairs {
			return types.VerdictDenied, fmt.Sprintf(
				"active pairs %d at limit %d", active, v.cfg.MaxActivePairs)
		}
	}

	return types.VerdictApproved, ""
}

// Recheck is the originator's light pre-placement gate: mode and breaker
// only. The authoritative exposure checks already ran during vetting.
func (v *Vetter) Recheck(p *types.Proposal, mode types.Mode) error {
	if p.Side == types.SideBuy && mode.BlocksNewBuys() {
		return fmt.Errorf("mode %s blocks new buys", mode)
	}

	equity, err := v.Equity()
	equityKnown := err == nil
	if err != nil {
		log.Warn().Err(err).Msg("equity unavailable on recheck, failing open")
		equity = 0
	}
	return v.breaker.Allow(mode, equity, equityKnown)
}

// Equity values the account: quote balances plus positions marked to the
// latest traded price.
func (v *Vetter) Equity() (float64, error) {
	equity, err := v.db.QuoteBalanceTotal()
	if err != nil {
		return 0, err
	}

	positions, err := v.db.Positions()
	if err != nil {
		return 0, err
	}
	for _, pos := range positions {
		price, err := v.market.LastPrice(pos.Symbol)
		if err != nil {
			return 0, fmt.Errorf("failed to mark %s to market: %w", pos.Symbol, err)
		}
		equity += pos.Qty * price
	}
	return equity, nil
}

// RecordEquity snapshots current equity for the breaker's loss and drawdown
// metrics.
func (v *Vetter) RecordEquity() error {
	equity, err := v.Equity()
	if err != nil {
		return fmt.Errorf("failed to compute equity: %w", err)
	}
	return v.db.RecordEquity(equity)
}

func (v *Vetter) pairExposure(symbol string) (float64, error) {
	qty, err := v.db.PositionQty(symbol)
	if err != nil {
		return 0, err
	}

	var positionNotional float64
	if qty > 0 {
		price, err := v.market.LastPrice(symbol)
		if err != nil {
			return 0, err
		}
		positionNotional = qty * price
	}

	openBuys, err := v.db.OpenBuyNotional(symbol)
	if err != nil {
		return 0, err
	}
	return positionNotional + openBuys, nil
}

func (v *Vetter) aggregateExposure() (float64, error) {
	positions, err := v.db.Positions()
	if err != nil {
		return 0, err
	}

	var total float64
	for _, pos := range positions {
		price, err := v.market.LastPrice(pos.Symbol)
		if err != nil {
			return 0, err
		}
		total += pos.Qty * price
	}

	openBuys, err := v.db.OpenBuyNotional("")
	if err != nil {
		return 0, err
	}
	return total + openBuys, nil
}
