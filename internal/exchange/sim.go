package exchange

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/quantfold/marketmaker/internal/marketdata"
	"github.com/quantfold/marketmaker/internal/matcher"
	"github.com/quantfold/marketmaker/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// symbolMarket is the synthetic market state for one trading pair: a random
// walk mid with a fixed relative spread and randomized top-of-book depth.
type symbolMarket struct {
	mid        float64
	spreadFrac float64
	volFrac    float64
	makerRate  float64
	takerRate  float64
}

// SimClient implements Client against the ledger store's simulated tables,
// synthesizing ticker and book data from per-symbol random walks.
type SimClient struct {
	db *gorm.DB

	mu      sync.Mutex
	rng     *rand.Rand
	markets map[string]*symbolMarket
}

// DefaultSeeds builds starting prices for the given symbols, falling back to
// a nominal price for pairs without a well-known level.
func DefaultSeeds(symbols []string) map[string]float64 {
	known := map[string]float64{
		"BTC-USD": 50000,
		"ETH-USD": 3000,
		"SOL-USD": 150,
	}
	seeds := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		price, ok := known[s]
		if !ok {
			price = 100
		}
		seeds[s] = price
	}
	return seeds
}

// NewSimClient creates a simulated exchange seeded with starting prices per
// symbol.
func NewSimClient(db *gorm.DB, seedPrices map[string]float64) *SimClient {
	markets := make(map[string]*symbolMarket, len(seedPrices))
	for symbol, price := range seedPrices {
		markets[symbol] = &symbolMarket{
			mid:        price,
			spreadFrac: 0.0004,
			volFrac:    0.0008,
			makerRate:  0.001,
			takerRate:  0.002,
		}
	}
	return &SimClient{
		db:      db,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		markets: markets,
	}
}

// PlaceLimitOrder rests a simulated limit order in the ledger store. The
// matching engine picks it up on its next scan.
func (c *SimClient) PlaceLimitOrder(symbol string, side types.Side, price, size float64) (string, error) {
	if price <= 0 || size <= 0 {
		return "", fmt.Errorf("%w: non-positive price or size", ErrOrderRejected)
	}

	order := types.SimOrder{
		OrderID:   fmt.Sprintf("SIM-%d-%04d", time.Now().UnixNano(), c.intn(10000)),
		Symbol:    symbol,
		Side:      side,
		Price:     price,
		Size:      size,
		Status:    types.OrderOpen,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	if err := c.db.Create(&order).Error; err != nil {
		return "", fmt.Errorf("failed to rest simulated order: %w", err)
	}

	log.Info().
		Str("order_id", order.OrderID).
		Str("symbol", symbol).
		Str("side", string(side)).
		Float64("price", price).
		Float64("size", size).
		Msg("simulated order placed")
	return order.OrderID, nil
}

// CancelOrder cancels a resting simulated order and releases the hold
// backing its unfilled remainder; terminal orders are left untouched.
func (c *SimClient) CancelOrder(orderID string) error {
	var order types.SimOrder
	err := c.db.Where("order_id = ? AND deleted = 0", orderID).First(&order).Error
	if err != nil {
		return fmt.Errorf("failed to load order %s: %w", orderID, err)
	}

	if err := matcher.NewDatabase(c.db).CancelWithRelease(&order); err != nil {
		if errors.Is(err, matcher.ErrOrderChanged) {
			return fmt.Errorf("order %s not open", orderID)
		}
		return fmt.Errorf("failed to cancel order %s: %w", orderID, err)
	}

	log.Info().
		Str("order_id", orderID).
		Float64("released_qty", order.Remaining()).
		Msg("simulated order cancelled")
	return nil
}

// GetOrders lists simulated orders, filtered by status and optionally by
// symbol.
func (c *SimClient) GetOrders(status types.OrderStatus, symbol string) ([]types.SimOrder, error) {
	query := c.db.Where("status = ? AND deleted = 0", status)
	if symbol != "" {
		query = query.Where("symbol = ?", symbol)
	}

	var orders []types.SimOrder
	if err := query.Order("created_at ASC").Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("failed to list simulated orders: %w", err)
	}
	return orders, nil
}

// GetAccountBalancesDetailed reports every balance row as the exchange
// would: available and hold per asset.
func (c *SimClient) GetAccountBalancesDetailed() (map[string]BalanceDetail, error) {
	var balances []types.Balance
	if err := c.db.Find(&balances).Error; err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}

	out := make(map[string]BalanceDetail, len(balances))
	for _, b := range balances {
		out[b.Asset] = BalanceDetail{Available: b.Available, Hold: b.Hold}
	}
	return out, nil
}

// Ticker synthesizes the latest trade and fee schedule for symbol.
func (c *SimClient) Ticker(symbol string) (marketdata.Ticker, error) {
	m, err := c.market(symbol)
	if err != nil {
		return marketdata.Ticker{}, err
	}
	return marketdata.Ticker{
		Symbol:    symbol,
		LastPrice: m.mid,
		MakerRate: m.makerRate,
		TakerRate: m.takerRate,
		Timestamp: time.Now(),
	}, nil
}

// OrderBook synthesizes a depth-limited book around the walked mid.
func (c *SimClient) OrderBook(symbol string, depth int) (marketdata.Book, error) {
	m, err := c.market(symbol)
	if err != nil {
		return marketdata.Book{}, err
	}
	if depth < 1 {
		depth = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	halfSpread := m.mid * m.spreadFrac / 2
	book := marketdata.Book{Symbol: symbol, Timestamp: time.Now()}
	for i := 0; i < depth; i++ {
		level := float64(i) * halfSpread
		book.Bids = append(book.Bids, marketdata.Level{
			Price: m.mid - halfSpread - level,
			Size:  0.5 + c.rng.Float64()*5,
		})
		book.Asks = append(book.Asks, marketdata.Level{
			Price: m.mid + halfSpread + level,
			Size:  0.5 + c.rng.Float64()*5,
		})
	}
	return book, nil
}

// market returns the walked market state for symbol, advancing the random
// walk one step per call.
func (c *SimClient) market(symbol string) (symbolMarket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.markets[symbol]
	if !ok {
		return symbolMarket{}, fmt.Errorf("unknown symbol %s", symbol)
	}

	step := m.mid * m.volFrac * (c.rng.Float64()*2 - 1)
	m.mid = math.Max(m.mid+step, m.mid*0.5)
	return *m, nil
}

func (c *SimClient) intn(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Intn(n)
}

var _ Client = (*SimClient)(nil)

// Seed registers a symbol with a starting price after construction; used by
// the simulation driver when symbols are decided at runtime.
func (c *SimClient) Seed(symbol string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markets[symbol] = &symbolMarket{
		mid:        price,
		spreadFrac: 0.0004,
		volFrac:    0.0008,
		makerRate:  0.001,
		takerRate:  0.002,
	}
}
