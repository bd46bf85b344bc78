package marketdata

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvertedBook marks a snapshot whose best bid crosses the best ask by
// more than the tick tolerance. Such books are rejected as corrupt and the
// affected orders wait for the next cycle.
var ErrInvertedBook = errors.New("order book inverted beyond tick tolerance")

// Level is one price level of an order book side.
type Level struct {
	Price float64
	Size  float64
}

// Book is a depth-limited order book snapshot.
type Book struct {
	Symbol    string
	Bids      []Level
	Asks      []Level
	Timestamp time.Time
}

// BestBid returns the top bid level, or a zero level on an empty side.
func (b *Book) BestBid() Level {
	if len(b.Bids) == 0 {
		return Level{}
	}
	return b.Bids[0]
}

// BestAsk returns the top ask level, or a zero level on an empty side.
func (b *Book) BestAsk() Level {
	if len(b.Asks) == 0 {
		return Level{}
	}
	return b.Asks[0]
}

// Mid returns the book midpoint price.
func (b *Book) Mid() float64 {
	bid, ask := b.BestBid(), b.BestAsk()
	if bid.Price == 0 || ask.Price == 0 {
		return bid.Price + ask.Price
	}
	return (bid.Price + ask.Price) / 2
}

// Imbalance returns the bid share of top-of-book depth in [0,1]; 0.5 is a
// balanced book.
func (b *Book) Imbalance() float64 {
	bid, ask := b.BestBid(), b.BestAsk()
	total := bid.Size + ask.Size
	if total == 0 {
		return 0.5
	}
	return bid.Size / total
}

// Validate rejects empty and inverted books. A crossing of up to half a tick
// is tolerated as feed jitter.
func (b *Book) Validate(tickSize float64) error {
	bid, ask := b.BestBid(), b.BestAsk()
	if bid.Price <= 0 || ask.Price <= 0 {
		return fmt.Errorf("empty book side for %s", b.Symbol)
	}
	if bid.Price-ask.Price > tickSize/2 {
		return fmt.Errorf("%w: bid %f ask %f", ErrInvertedBook, bid.Price, ask.Price)
	}
	return nil
}

// Ticker is the latest traded price and fee schedule for a symbol.
type Ticker struct {
	Symbol    string
	LastPrice float64
	MakerRate float64
	TakerRate float64
	Timestamp time.Time
}

// Source supplies raw market data; satisfied by the exchange client.
type Source interface {
	Ticker(symbol string) (Ticker, error)
	OrderBook(symbol string, depth int) (Book, error)
}
