package exchange

import (
	"errors"

	"github.com/quantfold/marketmaker/internal/marketdata"
	"github.com/quantfold/marketmaker/internal/types"
)

// ErrOrderRejected is returned by PlaceLimitOrder when the exchange refuses
// the order; originators unwind the reservation on it.
var ErrOrderRejected = errors.New("order rejected by exchange")

// BalanceDetail is one asset's balance as reported by the exchange.
type BalanceDetail struct {
	Available float64 `json:"available"`
	Hold      float64 `json:"hold"`
}

// Client is the exchange collaborator interface. The simulated client below
// implements it against the ledger store; a live implementation would wrap
// the venue's REST API.
type Client interface {
	PlaceLimitOrder(symbol string, side types.Side, price, size float64) (orderID string, err error)
	CancelOrder(orderID string) error
	GetOrders(status types.OrderStatus, symbol string) ([]types.SimOrder, error)
	GetAccountBalancesDetailed() (map[string]BalanceDetail, error)

	// Market data side of the client; satisfies marketdata.Source.
	Ticker(symbol string) (marketdata.Ticker, error)
	OrderBook(symbol string, depth int) (marketdata.Book, error)
}
