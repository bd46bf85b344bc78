package risk

import (
	"fmt"

	"github.com/quantfold/marketmaker/internal/config"
	"github.com/quantfold/marketmaker/internal/types"
	"github.com/rs/zerolog/log"
)

// Breaker is the global circuit breaker. It runs before any per-trade
// vetting and blocks all trading when the operating mode forbids it or when
// the daily loss or drawdown limits are breached.
//
// The breaker fails open: when a metric cannot be computed (no snapshots,
// store error), trading is permitted and a warning is logged. Blocking all
// trading because monitoring itself broke is considered worse than trading
// blind for a cycle; do not change this to fail-closed without product
// sign-off.
type Breaker struct {
	db  *Database
	cfg *config.Config
}

// NewBreaker creates the circuit breaker over the shared ledger store.
func NewBreaker(db *Database, cfg *config.Config) *Breaker {
	return &Breaker{db: db, cfg: cfg}
}

// Allow evaluates the breaker for the given mode and current equity.
// A nil error permits trading; otherwise the error names the tripped limit.
// equityKnown distinguishes a computed zero from an uncomputable equity:
// when the current value is unavailable the loss and drawdown checks are
// skipped entirely, so a dead feed never reads as a total loss.
func (b *Breaker) Allow(mode types.Mode, currentEquity float64, equityKnown bool) error {
	if mode.BlocksAll() {
		return fmt.Errorf("trading blocked: mode is %s", mode)
	}
	if !equityKnown {
		log.Warn().Msg("current equity unavailable, loss checks failing open")
		return nil
	}

	if err := b.checkDailyLoss(currentEquity); err != nil {
		return err
	}
	return b.checkDrawdown(currentEquity)
}

func (b *Breaker) checkDailyLoss(currentEquity float64) error {
	dayOpen, found, err := b.db.DayOpenEquity()
	if err != nil {
		log.Warn().Err(err).Msg("daily loss metric unavailable, failing open")
		return nil
	}
	if !found || dayOpen <= 0 {
		return nil
	}

	loss := (dayOpen - currentEquity) / dayOpen
	if loss > b.cfg.DailyLossLimitFrac {
		return fmt.Errorf("trading blocked: daily loss %.4f exceeds limit %.4f", loss, b.cfg.DailyLossLimitFrac)
	}
	return nil
}

func (b *Breaker) checkDrawdown(currentEquity float64) error {
	peak, found, err := b.db.PeakEquity()
	if err != nil {
		log.Warn().Err(err).Msg("drawdown metric unavailable, failing open")
		return nil
	}
	if !found || peak <= 0 {
		return nil
	}

	drawdown := (peak - currentEquity) / peak
	if drawdown > b.cfg.DrawdownLimitFrac {
		return fmt.Errorf("trading blocked: drawdown %.4f exceeds limit %.4f", drawdown, b.cfg.DrawdownLimitFrac)
	}
	return nil
}
