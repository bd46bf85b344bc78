package marketdata

import (
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog/log"
)

// Condition classifies the current market regime from short-window
// volatility. It shifts realism effect weights in the matching engine.
type Condition string

const (
	ConditionNormal Condition = "normal"
	ConditionStress Condition = "stress"
	ConditionPanic  Condition = "panic"
)

// Volatility thresholds (stddev of mid returns over the window) separating
// the regimes.
const (
	stressVolThreshold = 0.002
	panicVolThreshold  = 0.008
)

// Snapshot is one validated view of a symbol's market, consumed by the
// matching engine and the risk vetter.
type Snapshot struct {
	Ticker    Ticker
	Book      Book
	Condition Condition
	// Momentum is the signed fractional mid move over the observation
	// window; positive means the mid has been rising.
	Momentum float64
}

// Service polls a Source, validates books, and maintains the short mid-price
// window per symbol that volatility, condition and momentum derive from.
type Service struct {
	source   Source
	tickSize float64
	window   int

	mu   sync.Mutex
	mids map[string][]float64
}

// NewService creates a market data service with the given observation window.
func NewService(source Source, tickSize float64, window int) *Service {
	if window < 2 {
		window = 2
	}
	return &Service{
		source:   source,
		tickSize: tickSize,
		window:   window,
		mids:     make(map[string][]float64),
	}
}

// Snapshot fetches, validates and classifies the current market for symbol.
func (s *Service) Snapshot(symbol string, depth int) (*Snapshot, error) {
	ticker, err := s.source.Ticker(symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ticker for %s: %w", symbol, err)
	}

	book, err := s.source.OrderBook(symbol, depth)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order book for %s: %w", symbol, err)
	}
	if err := book.Validate(s.tickSize); err != nil {
		return nil, err
	}

	vol, momentum := s.observe(symbol, book.Mid())

	snap := &Snapshot{
		Ticker:    ticker,
		Book:      book,
		Condition: classify(vol),
		Momentum:  momentum,
	}

	log.Debug().
		Str("symbol", symbol).
		Float64("mid", book.Mid()).
		Float64("volatility", vol).
		Float64("momentum", momentum).
		Str("condition", string(snap.Condition)).
		Msg("market snapshot taken")

	return snap, nil
}

// LastPrice returns the most recent traded price for symbol.
func (s *Service) LastPrice(symbol string) (float64, error) {
	ticker, err := s.source.Ticker(symbol)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch ticker for %s: %w", symbol, err)
	}
	return ticker.LastPrice, nil
}

// observe appends a mid observation and returns the window's return
// volatility and signed momentum.
func (s *Service) observe(symbol string, mid float64) (vol, momentum float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mids := append(s.mids[symbol], mid)
	if len(mids) > s.window {
		mids = mids[len(mids)-s.window:]
	}
	s.mids[symbol] = mids

	if len(mids) < 2 {
		return 0, 0
	}

	returns := make([]float64, 0, len(mids)-1)
	var sum float64
	for i := 1; i < len(mids); i++ {
		if mids[i-1] == 0 {
			continue
		}
		r := (mids[i] - mids[i-1]) / mids[i-1]
		returns = append(returns, r)
		sum += r
	}
	if len(returns) == 0 {
		return 0, 0
	}

	mean := sum / float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	vol = math.Sqrt(variance / float64(len(returns)))

	first := mids[0]
	if first != 0 {
		momentum = (mids[len(mids)-1] - first) / first
	}
	return vol, momentum
}

func classify(vol float64) Condition {
	switch {
	case vol >= panicVolThreshold:
		return ConditionPanic
	case vol >= stressVolThreshold:
		return ConditionStress
	default:
		return ConditionNormal
	}
}
