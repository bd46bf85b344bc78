package matcher

import (
	"encoding/json"
	"math"
	"math/rand"
	"time"

	"github.com/quantfold/marketmaker/internal/config"
	"github.com/quantfold/marketmaker/internal/marketdata"
	"github.com/quantfold/marketmaker/internal/types"
)

// slippageMultiplier scales slippage notional with market stress.
func slippageMultiplier(condition marketdata.Condition) float64 {
	switch condition {
	case marketdata.ConditionPanic:
		return 5
	case marketdata.ConditionStress:
		return 3
	default:
		return 1
	}
}

// pickEffect selects one realism effect, with weights shifted by the market
// condition: stressed markets slip more and wait less.
func pickEffect(rng *rand.Rand, condition marketdata.Condition) types.RealismKind {
	type weighted struct {
		kind   types.RealismKind
		weight float64
	}

	var weights []weighted
	switch condition {
	case marketdata.ConditionPanic:
		weights = []weighted{
			{types.RealismSlippage, 0.50},
			{types.RealismPartial, 0.20},
			{types.RealismDelay, 0.10},
			{types.RealismSkip, 0.20},
		}
	case marketdata.ConditionStress:
		weights = []weighted{
			{types.RealismSlippage, 0.40},
			{types.RealismPartial, 0.25},
			{types.RealismDelay, 0.15},
			{types.RealismSkip, 0.20},
		}
	default:
		weights = []weighted{
			{types.RealismSlippage, 0.30},
			{types.RealismPartial, 0.30},
			{types.RealismDelay, 0.25},
			{types.RealismSkip, 0.15},
		}
	}

	roll := rng.Float64()
	var cumulative float64
	for _, w := range weights {
		cumulative += w.weight
		if roll < cumulative {
			return w.kind
		}
	}
	return weights[len(weights)-1].kind
}

// slippagePrice computes the slipped fill price for an order. The notional
// drag is multiplier times the quote minimum size, converted to a per-unit
// price move over the remaining quantity; a small fixed chance makes the
// move favorable instead of adverse. The result is rounded to the tick. The
// skippable flag is the post-hoc minimum-notional guard: a slipped fill
// whose notional falls below the floor is skipped rather than executed.
func slippagePrice(rng *rand.Rand, order *types.SimOrder, basePrice, multiplier float64, cfg *config.Config) (price float64, favorable, skippable bool) {
	remaining := order.Remaining()
	if remaining <= 0 {
		return basePrice, false, true
	}

	slipNotional := multiplier * cfg.QuoteMinSize
	perUnit := slipNotional / remaining

	favorable = rng.Float64() < cfg.SlippageFavorProb
	direction := 1.0
	if order.Side == types.SideSell {
		direction = -1.0
	}
	if favorable {
		direction = -direction
	}

	price = roundToTick(basePrice+direction*perUnit, cfg.TickSize)
	skippable = price*remaining < cfg.MinFillNotional
	return price, favorable, skippable
}

// partialFill picks a random 40-90% of the remaining quantity, rounded to
// the base size increment, and decides whether the remainder is cancelled
// or stays resting.
func partialFill(rng *rand.Rand, remaining float64, cfg *config.Config) (qty float64, cancelRemainder bool) {
	frac := 0.4 + rng.Float64()*0.5
	qty = roundToStep(remaining*frac, cfg.StepSize)
	if qty <= 0 {
		qty = cfg.StepSize
	}
	if qty > remaining {
		qty = remaining
	}
	cancelRemainder = rng.Float64() < cfg.PartialCancelProb
	return qty, cancelRemainder
}

// delayUntil assigns a future fill-eligible timestamp with sub-few-second
// jitter.
func delayUntil(rng *rand.Rand, now time.Time, cfg *config.Config) time.Time {
	span := cfg.DelayMax - cfg.DelayMin
	if span <= 0 {
		return now.Add(cfg.DelayMin)
	}
	return now.Add(cfg.DelayMin + time.Duration(rng.Int63n(int64(span))))
}

// isTouching reports whether the order merely touches the opposing top of
// book within half a tick rather than truly crossing it.
func isTouching(order *types.SimOrder, book *marketdata.Book, tickSize float64) bool {
	if order.Side == types.SideBuy {
		return math.Abs(order.Price-book.BestAsk().Price) <= tickSize/2
	}
	return math.Abs(order.Price-book.BestBid().Price) <= tickSize/2
}

// skipProbability is the chance a touching order is passed over this cycle.
// It starts at the base rate and grows with the order's size relative to
// top-of-book depth, with adverse book imbalance, and with short-term
// momentum moving price away from the order; capped at the maximum.
func skipProbability(order *types.SimOrder, snap *marketdata.Snapshot, cfg *config.Config) float64 {
	prob := cfg.SkipBaseProb

	// Large orders relative to displayed depth are harder to fill.
	var topDepth float64
	if order.Side == types.SideBuy {
		topDepth = snap.Book.BestAsk().Size
	} else {
		topDepth = snap.Book.BestBid().Size
	}
	if topDepth > 0 {
		prob += 0.20 * math.Min(order.Remaining()/topDepth, 1)
	}

	// Book imbalance leaning against the order.
	imbalance := snap.Book.Imbalance()
	if order.Side == types.SideBuy && imbalance < 0.5 {
		prob += 0.40 * (0.5 - imbalance)
	}
	if order.Side == types.SideSell && imbalance > 0.5 {
		prob += 0.40 * (imbalance - 0.5)
	}

	// Momentum carrying price away from the order.
	awayMomentum := snap.Momentum
	if order.Side == types.SideSell {
		awayMomentum = -awayMomentum
	}
	if awayMomentum > 0 {
		prob += math.Min(awayMomentum*50, 0.20)
	}

	return math.Min(prob, cfg.SkipMaxProb)
}

// roundToTick snaps a price to the instrument tick size.
func roundToTick(price, tickSize float64) float64 {
	if tickSize <= 0 {
		return price
	}
	return math.Round(price/tickSize) * tickSize
}

// roundToStep snaps a quantity down to the base size increment.
func roundToStep(qty, stepSize float64) float64 {
	if stepSize <= 0 {
		return qty
	}
	return math.Floor(qty/stepSize) * stepSize
}

func realismDetails(fields map[string]interface{}) string {
	data, err := json.Marshal(fields)
	if err != nil {
		return "{}"
	}
	return string(data)
}
