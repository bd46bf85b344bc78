package matcher

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/quantfold/marketmaker/internal/config"
	"github.com/quantfold/marketmaker/internal/marketdata"
	"github.com/quantfold/marketmaker/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const bookDepth = 10

// Engine is the simulated matching engine. Each fixed-interval cycle it
// scans resting orders oldest first, applies at most one realism effect per
// order over the order's lifetime, and executes marketable fills atomically
// against the ledger store.
type Engine struct {
	db     *Database
	market *marketdata.Service
	cfg    *config.Config
	rng    *rand.Rand
	logger zerolog.Logger
}

// NewEngine creates the matching engine over the shared ledger store.
func NewEngine(gormDB *gorm.DB, market *marketdata.Service, cfg *config.Config) *Engine {
	return &Engine{
		db:     NewDatabase(gormDB),
		market: market,
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		logger: log.With().Str("component", "matcher").Logger(),
	}
}

// Run scans at the configured interval until the context is cancelled.
// An in-flight scan completes before Run returns; fills are transactional,
// so shutdown never abandons a half-applied fill.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().Dur("interval", e.cfg.MatchInterval).Msg("matching engine started")

	ticker := time.NewTicker(e.cfg.MatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("matching engine shutting down")
			return nil
		case <-ticker.C:
			if err := e.Scan(); err != nil {
				e.logger.Error().Err(err).Msg("scan cycle failed")
			}
		}
	}
}

// Scan runs one matching cycle over all resting orders.
func (e *Engine) Scan() error {
	orders, err := e.db.LoadResting()
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		return nil
	}

	// One snapshot per symbol per cycle.
	snapshots := make(map[string]*marketdata.Snapshot)
	now := time.Now()

	for i := range orders {
		order := &orders[i]

		snap, ok := snapshots[order.Symbol]
		if !ok {
			snap, err = e.market.Snapshot(order.Symbol, bookDepth)
			if err != nil {
				// Invalid or missing book: integrity guard, not an order
				// failure. The order waits for the next cycle.
				e.logger.Warn().Err(err).Str("symbol", order.Symbol).
					Msg("snapshot unavailable, deferring orders")
				snapshots[order.Symbol] = nil
				continue
			}
			snapshots[order.Symbol] = snap
		}
		if snap == nil {
			continue
		}

		if err := e.processOrder(order, snap, now); err != nil {
			if errors.Is(err, ErrOrderChanged) {
				e.logger.Debug().Str("order_id", order.OrderID).
					Msg("order changed mid-fill, revisiting next cycle")
				continue
			}
			e.logger.Error().Err(err).Str("order_id", order.OrderID).
				Msg("failed to process order")
		}
	}
	return nil
}

func (e *Engine) processOrder(order *types.SimOrder, snap *marketdata.Snapshot, now time.Time) error {
	logger := e.logger.With().
		Str("order_id", order.OrderID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Logger()

	// A pending delay with an unexpired wait skips the order entirely.
	if order.DelayedUntil != nil && now.Before(*order.DelayedUntil) {
		return nil
	}

	if !marketable(order, &snap.Book) {
		return nil
	}

	// Base fill: the full remainder at the opposing top of book.
	fillPrice := opposingPrice(order, &snap.Book)
	fillQty := order.Remaining()
	cancelRemainder := false

	applied, err := e.db.GetRealism(order.OrderID)
	if err != nil {
		return err
	}

	switch {
	case applied == nil && e.rng.Float64() < e.cfg.RealismProb:
		proceed, err := e.applyRealism(order, snap, now, &fillPrice, &fillQty, &cancelRemainder, logger)
		if err != nil || !proceed {
			return err
		}

	case applied != nil && applied.Kind == types.RealismDelay:
		// Delay expired: re-validate fill conditions, with a fresh
		// skip-on-touch roll when the price is only just touching.
		if isTouching(order, &snap.Book, e.cfg.TickSize) &&
			e.rng.Float64() < skipProbability(order, snap, e.cfg) {
			logger.Debug().Msg("post-delay touch skipped")
			return nil
		}
	}

	// Dust guard: reject fills below the minimum notional and leave the
	// order untouched for a later cycle.
	if fillPrice*fillQty < e.cfg.MinFillNotional {
		logger.Debug().Float64("notional", fillPrice*fillQty).Msg("dust fill deferred")
		return nil
	}

	fee := e.fee(order, snap, fillPrice, fillQty, now)

	if err := e.db.ExecuteFill(order, fillQty, fillPrice, fee, e.cfg.DustQty, cancelRemainder); err != nil {
		if errors.Is(err, ErrBalanceShort) {
			logger.Warn().Err(err).Msg("fill deferred, balance short")
			return nil
		}
		return err
	}

	logger.Info().
		Float64("price", fillPrice).
		Float64("qty", fillQty).
		Float64("fee", fee).
		Str("status", string(order.Status)).
		Msg("order filled")
	return nil
}

// applyRealism selects and records the order's single realism effect.
// It returns proceed=false when the effect consumes this cycle (skip,
// delay, or skippable slippage); otherwise the fill parameters are adjusted
// in place.
func (e *Engine) applyRealism(
	order *types.SimOrder,
	snap *marketdata.Snapshot,
	now time.Time,
	fillPrice, fillQty *float64,
	cancelRemainder *bool,
	logger zerolog.Logger,
) (proceed bool, err error) {
	kind := pickEffect(e.rng, snap.Condition)

	switch kind {
	case types.RealismSlippage:
		multiplier := slippageMultiplier(snap.Condition)
		price, favorable, skippable := slippagePrice(e.rng, order, *fillPrice, multiplier, e.cfg)
		err := e.db.RecordRealism(order.OrderID, types.RealismSlippage, realismDetails(map[string]interface{}{
			"multiplier": multiplier,
			"price":      price,
			"favorable":  favorable,
			"skippable":  skippable,
		}))
		if err != nil {
			return false, realismErr(err)
		}
		if skippable {
			logger.Debug().Msg("slipped fill below minimum notional, skipped")
			return false, nil
		}
		*fillPrice = price
		logger.Info().Float64("slipped_price", price).Bool("favorable", favorable).
			Msg("slippage applied")
		return true, nil

	case types.RealismPartial:
		qty, cancel := partialFill(e.rng, order.Remaining(), e.cfg)
		err := e.db.RecordRealism(order.OrderID, types.RealismPartial, realismDetails(map[string]interface{}{
			"qty":              qty,
			"cancel_remainder": cancel,
		}))
		if err != nil {
			return false, realismErr(err)
		}
		*fillQty = qty
		*cancelRemainder = cancel
		logger.Info().Float64("partial_qty", qty).Bool("cancel_remainder", cancel).
			Msg("partial fill applied")
		return true, nil

	case types.RealismDelay:
		until := delayUntil(e.rng, now, e.cfg)
		err := e.db.RecordRealism(order.OrderID, types.RealismDelay, realismDetails(map[string]interface{}{
			"until": until.Format(time.RFC3339Nano),
		}))
		if err != nil {
			return false, realismErr(err)
		}
		if err := e.db.SetDelay(order.OrderID, until); err != nil {
			return false, err
		}
		logger.Info().Time("until", until).Msg("delay applied")
		return false, nil

	case types.RealismSkip:
		// Skip-on-touch only applies to orders merely touching the market;
		// a truly crossing order fills normally with no effect recorded.
		if !isTouching(order, &snap.Book, e.cfg.TickSize) {
			return true, nil
		}
		prob := skipProbability(order, snap, e.cfg)
		if e.rng.Float64() >= prob {
			return true, nil
		}
		err := e.db.RecordRealism(order.OrderID, types.RealismSkip, realismDetails(map[string]interface{}{
			"probability": prob,
		}))
		if err != nil {
			return false, realismErr(err)
		}
		// The order stays resting; deferred, not cancelled.
		logger.Info().Float64("probability", prob).Msg("skip-on-touch applied")
		return false, nil
	}

	return true, nil
}

// fee computes the fill fee: maker when the order rested past the age
// threshold, taker otherwise, with the snapshot rate bounds-clamped.
func (e *Engine) fee(order *types.SimOrder, snap *marketdata.Snapshot, price, qty float64, now time.Time) float64 {
	rate := snap.Ticker.TakerRate
	if now.Sub(order.CreatedAt) >= e.cfg.MakerAgeThreshold {
		rate = snap.Ticker.MakerRate
	}
	rate = math.Min(math.Max(rate, e.cfg.FeeRateMin), e.cfg.FeeRateMax)
	return price * qty * rate
}

// marketable reports whether the order crosses or touches the book: best
// ask at or under a buy's limit, best bid at or over a sell's limit.
func marketable(order *types.SimOrder, book *marketdata.Book) bool {
	if order.Side == types.SideBuy {
		return book.BestAsk().Price <= order.Price
	}
	return book.BestBid().Price >= order.Price
}

func opposingPrice(order *types.SimOrder, book *marketdata.Book) float64 {
	if order.Side == types.SideBuy {
		return book.BestAsk().Price
	}
	return book.BestBid().Price
}

// realismErr maps a lost insert race on the realism guard to a silent
// no-op; the other pass owns the effect.
func realismErr(err error) error {
	if errors.Is(err, ErrRealismApplied) {
		return nil
	}
	return err
}
