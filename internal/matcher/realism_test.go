package matcher

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/quantfold/marketmaker/internal/config"
	"github.com/quantfold/marketmaker/internal/marketdata"
	"github.com/quantfold/marketmaker/internal/types"
	"github.com/stretchr/testify/assert"
)

func matcherConfig() *config.Config {
	return &config.Config{
		TickSize:          0.001,
		StepSize:          0.0001,
		DustQty:           0.0001,
		QuoteMinSize:      0.01,
		RealismProb:       0.15,
		SlippageFavorProb: 0.02,
		PartialCancelProb: 0.30,
		SkipBaseProb:      0.25,
		SkipMaxProb:       0.85,
		DelayMin:          200 * time.Millisecond,
		DelayMax:          2500 * time.Millisecond,
		MinFillNotional:   1,
		MakerAgeThreshold: 3 * time.Second,
		FeeRateMin:        0.0001,
		FeeRateMax:        0.0075,
	}
}

func TestSlippageMultiplier(t *testing.T) {
	assert.Equal(t, 1.0, slippageMultiplier(marketdata.ConditionNormal))
	assert.Equal(t, 3.0, slippageMultiplier(marketdata.ConditionStress))
	assert.Equal(t, 5.0, slippageMultiplier(marketdata.ConditionPanic))
}

func TestSlippagePriceAdverse(t *testing.T) {
	cfg := matcherConfig()
	cfg.SlippageFavorProb = 0 // always adverse
	rng := rand.New(rand.NewSource(1))

	// Per-unit drag: 3 * 0.01 quote min / 0.03 remaining = 1.0.
	buy := &types.SimOrder{Side: types.SideBuy, Price: 100, Size: 0.03}
	price, favorable, skippable := slippagePrice(rng, buy, 100, 3, cfg)
	assert.False(t, favorable)
	assert.False(t, skippable)
	assert.InDelta(t, 101.0, price, 1e-9, "adverse buy slippage raises the price")

	sell := &types.SimOrder{Side: types.SideSell, Price: 100, Size: 0.03}
	price, favorable, _ = slippagePrice(rng, sell, 100, 3, cfg)
	assert.False(t, favorable)
	assert.InDelta(t, 99.0, price, 1e-9, "adverse sell slippage lowers the price")
}

func TestSlippagePriceFavorable(t *testing.T) {
	cfg := matcherConfig()
	cfg.SlippageFavorProb = 1 // always favorable
	rng := rand.New(rand.NewSource(1))

	buy := &types.SimOrder{Side: types.SideBuy, Price: 100, Size: 0.03}
	price, favorable, _ := slippagePrice(rng, buy, 100, 3, cfg)
	assert.True(t, favorable)
	assert.InDelta(t, 99.0, price, 1e-9, "favorable slippage flips the direction")
}

func TestSlippagePriceRoundsToTick(t *testing.T) {
	cfg := matcherConfig()
	cfg.SlippageFavorProb = 0
	rng := rand.New(rand.NewSource(1))

	order := &types.SimOrder{Side: types.SideBuy, Price: 100, Size: 0.07}
	price, _, _ := slippagePrice(rng, order, 100, 1, cfg)
	ticks := price / cfg.TickSize
	assert.InDelta(t, math.Round(ticks), ticks, 1e-6, "slipped price must land on a tick")
}

func TestSlippagePriceSkippableUnderMinNotional(t *testing.T) {
	cfg := matcherConfig()
	cfg.SlippageFavorProb = 0
	cfg.MinFillNotional = 1000
	rng := rand.New(rand.NewSource(1))

	order := &types.SimOrder{Side: types.SideSell, Price: 100, Size: 0.03}
	_, _, skippable := slippagePrice(rng, order, 100, 1, cfg)
	assert.True(t, skippable, "a slipped fill under the notional floor is skipped, not executed")
}

func TestPartialFillBounds(t *testing.T) {
	cfg := matcherConfig()
	rng := rand.New(rand.NewSource(7))
	remaining := 1.0

	for i := 0; i < 200; i++ {
		qty, _ := partialFill(rng, remaining, cfg)
		assert.GreaterOrEqual(t, qty, 0.4*remaining-cfg.StepSize)
		assert.LessOrEqual(t, qty, 0.9*remaining)

		steps := qty / cfg.StepSize
		assert.InDelta(t, math.Round(steps), steps, 1e-6, "partial qty must land on the step size")
	}
}

func TestPartialFillNeverExceedsRemaining(t *testing.T) {
	cfg := matcherConfig()
	cfg.StepSize = 0.5
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 100; i++ {
		qty, _ := partialFill(rng, 0.3, cfg)
		assert.Greater(t, qty, 0.0)
		assert.LessOrEqual(t, qty, 0.3, "rounding up to a step must still clamp to remaining")
	}
}

func TestDelayUntilWithinBounds(t *testing.T) {
	cfg := matcherConfig()
	rng := rand.New(rand.NewSource(3))
	now := time.Now()

	for i := 0; i < 100; i++ {
		until := delayUntil(rng, now, cfg)
		d := until.Sub(now)
		assert.GreaterOrEqual(t, d, cfg.DelayMin)
		assert.Less(t, d, cfg.DelayMax)
	}
}

func testBook(bid, ask, bidSize, askSize float64) marketdata.Book {
	return marketdata.Book{
		Symbol:    "BTC-USD",
		Bids:      []marketdata.Level{{Price: bid, Size: bidSize}},
		Asks:      []marketdata.Level{{Price: ask, Size: askSize}},
		Timestamp: time.Now(),
	}
}

func TestIsTouching(t *testing.T) {
	cfg := matcherConfig()
	book := testBook(99.9995, 100.0005, 5, 5)

	touching := &types.SimOrder{Side: types.SideBuy, Price: 100.0005, Size: 1}
	assert.True(t, isTouching(touching, &book, cfg.TickSize))

	crossing := &types.SimOrder{Side: types.SideBuy, Price: 100.01, Size: 1}
	assert.False(t, isTouching(crossing, &book, cfg.TickSize))

	sellTouch := &types.SimOrder{Side: types.SideSell, Price: 99.9999, Size: 1}
	assert.True(t, isTouching(sellTouch, &book, cfg.TickSize))
}

func TestSkipProbabilityGrowsWithAdversity(t *testing.T) {
	cfg := matcherConfig()
	order := &types.SimOrder{Side: types.SideBuy, Price: 100, Size: 1}

	// Balanced book, tiny order, no momentum: base probability only.
	calm := &marketdata.Snapshot{Book: testBook(99.9, 100, 100, 100)}
	small := &types.SimOrder{Side: types.SideBuy, Price: 100, Size: 0.0001}
	assert.InDelta(t, cfg.SkipBaseProb, skipProbability(small, calm, cfg), 0.001)

	// Thin opposing depth raises the probability.
	thin := &marketdata.Snapshot{Book: testBook(99.9, 100, 100, 0.5)}
	assert.Greater(t, skipProbability(order, thin, cfg), cfg.SkipBaseProb)

	// Ask-heavy imbalance leans against a buy.
	askHeavy := &marketdata.Snapshot{Book: testBook(99.9, 100, 1, 100)}
	assert.Greater(t, skipProbability(small, askHeavy, cfg), cfg.SkipBaseProb+0.1)

	// Everything adverse at once clamps at the cap.
	cfg.SkipMaxProb = 0.6
	hostile := &marketdata.Snapshot{
		Book:     testBook(99.9, 100, 0.1, 0.5),
		Momentum: 0.5,
	}
	assert.Equal(t, 0.6, skipProbability(order, hostile, cfg))
}

func TestSkipProbabilityMomentumDirection(t *testing.T) {
	cfg := matcherConfig()
	book := testBook(99.9, 100, 10, 10)

	buy := &types.SimOrder{Side: types.SideBuy, Price: 100, Size: 0.0001}
	rising := &marketdata.Snapshot{Book: book, Momentum: 0.002}
	falling := &marketdata.Snapshot{Book: book, Momentum: -0.002}

	// Rising price moves away from a buy; falling does not.
	assert.Greater(t, skipProbability(buy, rising, cfg), skipProbability(buy, falling, cfg))

	sell := &types.SimOrder{Side: types.SideSell, Price: 99.9, Size: 0.0001}
	assert.Greater(t, skipProbability(sell, falling, cfg), skipProbability(sell, rising, cfg))
}

func TestRounding(t *testing.T) {
	assert.InDelta(t, 100.001, roundToTick(100.0012, 0.001), 1e-9)
	assert.InDelta(t, 100.002, roundToTick(100.0015, 0.001), 1e-9)
	assert.Equal(t, 5.0, roundToTick(5.0, 0))

	assert.InDelta(t, 0.1234, roundToStep(0.12349, 0.0001), 1e-9)
	assert.Equal(t, 7.0, roundToStep(7.0, 0))
}

func TestMarketable(t *testing.T) {
	book := testBook(99, 101, 5, 5)

	assert.True(t, marketable(&types.SimOrder{Side: types.SideBuy, Price: 101}, &book))
	assert.True(t, marketable(&types.SimOrder{Side: types.SideBuy, Price: 102}, &book))
	assert.False(t, marketable(&types.SimOrder{Side: types.SideBuy, Price: 100.5}, &book))

	assert.True(t, marketable(&types.SimOrder{Side: types.SideSell, Price: 99}, &book))
	assert.False(t, marketable(&types.SimOrder{Side: types.SideSell, Price: 99.5}, &book))
}

func TestFeeMakerTakerByRestingAge(t *testing.T) {
	cfg := matcherConfig()
	e := &Engine{cfg: cfg}
	now := time.Now()

	snap := &marketdata.Snapshot{
		Ticker: marketdata.Ticker{MakerRate: 0.001, TakerRate: 0.002},
	}

	fresh := &types.SimOrder{CreatedAt: now.Add(-time.Second)}
	assert.InDelta(t, 100*0.5*0.002, e.fee(fresh, snap, 100, 0.5, now), 1e-9, "a young order pays taker")

	aged := &types.SimOrder{CreatedAt: now.Add(-10 * time.Second)}
	assert.InDelta(t, 100*0.5*0.001, e.fee(aged, snap, 100, 0.5, now), 1e-9, "a rested order pays maker")

	// Out-of-range snapshot rates clamp to the configured bounds.
	wild := &marketdata.Snapshot{Ticker: marketdata.Ticker{TakerRate: 0.5}}
	assert.InDelta(t, 100*0.5*cfg.FeeRateMax, e.fee(fresh, wild, 100, 0.5, now), 1e-9)

	zero := &marketdata.Snapshot{Ticker: marketdata.Ticker{TakerRate: 0}}
	assert.InDelta(t, 100*0.5*cfg.FeeRateMin, e.fee(fresh, zero, 100, 0.5, now), 1e-9)
}

func TestPickEffectDistribution(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	seen := map[types.RealismKind]int{}
	for i := 0; i < 2000; i++ {
		seen[pickEffect(rng, marketdata.ConditionNormal)]++
	}
	for _, kind := range []types.RealismKind{types.RealismSlippage, types.RealismPartial, types.RealismDelay, types.RealismSkip} {
		assert.Greater(t, seen[kind], 0, "every effect must be reachable")
	}
	assert.Greater(t, seen[types.RealismSlippage], seen[types.RealismSkip],
		"normal-condition weights favor slippage over skip")
}
