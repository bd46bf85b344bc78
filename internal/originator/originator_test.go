package originator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quantfold/marketmaker/internal/audit"
	"github.com/quantfold/marketmaker/internal/bus"
	"github.com/quantfold/marketmaker/internal/config"
	"github.com/quantfold/marketmaker/internal/database"
	"github.com/quantfold/marketmaker/internal/exchange"
	"github.com/quantfold/marketmaker/internal/marketdata"
	"github.com/quantfold/marketmaker/internal/mode"
	"github.com/quantfold/marketmaker/internal/proposals"
	"github.com/quantfold/marketmaker/internal/risk"
	"github.com/quantfold/marketmaker/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type stubExchange struct {
	orderID  string
	placeErr error
	placed   int
}

func (s *stubExchange) PlaceLimitOrder(symbol string, side types.Side, price, size float64) (string, error) {
	s.placed++
	if s.placeErr != nil {
		return "", s.placeErr
	}
	return s.orderID, nil
}

func (s *stubExchange) CancelOrder(orderID string) error { return nil }

func (s *stubExchange) GetOrders(status types.OrderStatus, symbol string) ([]types.SimOrder, error) {
	return nil, nil
}

func (s *stubExchange) GetAccountBalancesDetailed() (map[string]exchange.BalanceDetail, error) {
	return nil, nil
}

func (s *stubExchange) Ticker(symbol string) (marketdata.Ticker, error) {
	return marketdata.Ticker{Symbol: symbol, LastPrice: 100, Timestamp: time.Now()}, nil
}

func (s *stubExchange) OrderBook(symbol string, depth int) (marketdata.Book, error) {
	return marketdata.Book{
		Symbol:    symbol,
		Bids:      []marketdata.Level{{Price: 99.5, Size: 10}},
		Asks:      []marketdata.Level{{Price: 100.5, Size: 10}},
		Timestamp: time.Now(),
	}, nil
}

type stubReservation struct {
	linked   map[uint]string
	released map[uint]int
	linkErr  error
}

func newStubReservation() *stubReservation {
	return &stubReservation{linked: map[uint]string{}, released: map[uint]int{}}
}

func (s *stubReservation) Link(proposalID uint, orderID string) error {
	if s.linkErr != nil {
		return s.linkErr
	}
	s.linked[proposalID] = orderID
	return nil
}

func (s *stubReservation) Release(proposalID uint) error {
	s.released[proposalID]++
	return nil
}

type stubTracker struct {
	orders []string
}

func (s *stubTracker) TrackOrder(p *types.Proposal, orderID string) {
	s.orders = append(s.orders, orderID)
}

type fixture struct {
	db          *gorm.DB
	store       *proposals.Store
	exchange    *stubExchange
	reservation *stubReservation
	tracker     *stubTracker
	modes       *mode.Provider
	originator  *Originator
}

func newFixture(t *testing.T, side types.Side) *fixture {
	t.Helper()
	gormDB := database.NewTestDatabase(t)
	cfg := &config.Config{
		MinNotional:        10,
		PerPairCapFrac:     0.20,
		AggregateCapFrac:   0.60,
		MaxActivePairs:     5,
		CapTolerance:       0.02,
		DailyLossLimitFrac: 0.05,
		DrawdownLimitFrac:  0.15,
		TickSize:           0.001,
		HeartbeatInterval:  time.Minute,
		NotifyWait:         time.Minute,
		ModeRefresh:        time.Millisecond,
	}

	client := &stubExchange{orderID: "ORD-STUB-1"}
	auditLog := audit.NewLogger(gormDB)
	market := marketdata.NewService(client, cfg.TickSize, 10)
	notifier := bus.NewMemoryNotifier()
	t.Cleanup(func() { notifier.Close() })

	reservation := newStubReservation()
	tracker := &stubTracker{}
	modes := mode.NewProvider(gormDB, cfg.ModeRefresh)
	store := proposals.NewStore(gormDB)

	o := New(side, gormDB, store, reservation,
		risk.NewVetter(gormDB, market, auditLog, cfg),
		client, tracker, modes, notifier, auditLog, cfg)

	return &fixture{
		db:          gormDB,
		store:       store,
		exchange:    client,
		reservation: reservation,
		tracker:     tracker,
		modes:       modes,
		originator:  o,
	}
}

func (f *fixture) readyProposal(t *testing.T, side types.Side) *types.Proposal {
	t.Helper()
	p, err := f.store.Create("BTC-USD", side, 100, 0.5)
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&types.Proposal{}).
		Where("proposal_id = ?", p.ProposalID).
		Updates(map[string]interface{}{
			"risk_vet": types.VerdictApproved,
			"bank_vet": types.VerdictApproved,
			"invt_vet": types.VerdictApproved,
			"status":   types.StatusReady,
		}).Error)
	return p
}

func (f *fixture) fetch(t *testing.T, proposalID uint) *types.Proposal {
	t.Helper()
	p, err := f.store.Get(proposalID)
	require.NoError(t, err)
	return p
}

func TestHandleReadyPlacesAndFinalizes(t *testing.T) {
	f := newFixture(t, types.SideBuy)
	p := f.readyProposal(t, types.SideBuy)

	require.NoError(t, f.originator.HandleReady(p.ProposalID))

	stored := f.fetch(t, p.ProposalID)
	assert.Equal(t, types.StatusFinalized, stored.Status)
	assert.Equal(t, "ORD-STUB-1", f.reservation.linked[p.ProposalID], "placed order links to the hold")
	assert.Equal(t, []string{"ORD-STUB-1"}, f.tracker.orders)
	assert.Equal(t, 1, f.exchange.placed)
}

func TestHandleReadyShadowFinalizesWhenModeBlocksPlacement(t *testing.T) {
	f := newFixture(t, types.SideBuy)
	require.NoError(t, f.modes.Override(types.ModeShadow))
	p := f.readyProposal(t, types.SideBuy)

	require.NoError(t, f.originator.HandleReady(p.ProposalID))

	stored := f.fetch(t, p.ProposalID)
	assert.Equal(t, types.StatusShadowFinalized, stored.Status)
	assert.Equal(t, 0, f.exchange.placed, "shadow finalize never touches the exchange")
	assert.Empty(t, f.reservation.linked)
	assert.Empty(t, f.reservation.released, "shadow finalize leaves the hold in place")
}

func TestHandleReadyPlacementFailureUnwinds(t *testing.T) {
	f := newFixture(t, types.SideBuy)
	f.exchange.placeErr = exchange.ErrOrderRejected
	p := f.readyProposal(t, types.SideBuy)

	require.NoError(t, f.originator.HandleReady(p.ProposalID))

	stored := f.fetch(t, p.ProposalID)
	assert.Equal(t, types.StatusFailed, stored.Status)
	assert.Contains(t, stored.DecisionNotes, "placement")
	assert.Equal(t, 1, f.reservation.released[p.ProposalID], "a rejected order releases its hold")
}

func TestHandleReadyRiskRecheckFailureUnwinds(t *testing.T) {
	f := newFixture(t, types.SideBuy)

	// Day opened at 1000, equity now 900: the loss breaker trips the
	// defensive re-check even though the mode allows placement.
	require.NoError(t, f.db.Create(&types.EquitySnapshot{Equity: 1000, CreatedAt: time.Now()}).Error)
	require.NoError(t, f.db.Create(&types.Balance{Asset: "USD", Available: 900}).Error)
	p := f.readyProposal(t, types.SideBuy)

	require.NoError(t, f.originator.HandleReady(p.ProposalID))

	stored := f.fetch(t, p.ProposalID)
	assert.Equal(t, types.StatusFailed, stored.Status)
	assert.Equal(t, 0, f.exchange.placed, "a tripped breaker blocks placement")
	assert.Equal(t, 1, f.reservation.released[p.ProposalID])
}

func TestHandleReadyIgnoresWrongSide(t *testing.T) {
	f := newFixture(t, types.SideBuy)
	p := f.readyProposal(t, types.SideSell)

	require.NoError(t, f.originator.HandleReady(p.ProposalID))

	stored := f.fetch(t, p.ProposalID)
	assert.Equal(t, types.StatusReady, stored.Status, "cross-side deliveries are ignored, not consumed")
	assert.Equal(t, 0, f.exchange.placed)
}

func TestHandleReadyDuplicateDeliveryIsNoop(t *testing.T) {
	f := newFixture(t, types.SideBuy)
	p := f.readyProposal(t, types.SideBuy)

	require.NoError(t, f.originator.HandleReady(p.ProposalID))
	require.NoError(t, f.originator.HandleReady(p.ProposalID))

	assert.Equal(t, 1, f.exchange.placed, "redelivery must not place a second order")
}

func TestHandleReadyUnknownProposal(t *testing.T) {
	f := newFixture(t, types.SideBuy)
	require.NoError(t, f.originator.HandleReady(999))
	assert.Equal(t, 0, f.exchange.placed)
}

func TestLinkFailureDoesNotUnwindPlacedOrder(t *testing.T) {
	f := newFixture(t, types.SideBuy)
	f.reservation.linkErr = errors.New("link store down")
	p := f.readyProposal(t, types.SideBuy)

	require.NoError(t, f.originator.HandleReady(p.ProposalID))

	stored := f.fetch(t, p.ProposalID)
	assert.Equal(t, types.StatusFinalized, stored.Status, "a placed order finalizes even when the link write fails")
	assert.Equal(t, 0, f.reservation.released[p.ProposalID])
}

func TestStaleReadyScan(t *testing.T) {
	f := newFixture(t, types.SideBuy)
	d := NewDatabase(f.db)

	stale := f.readyProposal(t, types.SideBuy)
	require.NoError(t, f.db.Model(&types.Proposal{}).
		Where("proposal_id = ?", stale.ProposalID).
		Update("updated_at", time.Now().Add(-time.Hour)).Error)
	f.readyProposal(t, types.SideBuy) // fresh, below the cutoff

	found, err := d.StaleReady(types.SideBuy, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, stale.ProposalID, found[0].ProposalID)
}

func TestRunRecordsHeartbeatAndEquity(t *testing.T) {
	f := newFixture(t, types.SideBuy)
	f.originator.cfg.HeartbeatInterval = 5 * time.Millisecond
	require.NoError(t, f.db.Create(&types.Balance{Asset: "USD", Available: 1000}).Error)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, f.originator.Run(ctx))

	var beats int64
	require.NoError(t, f.db.Model(&types.Heartbeat{}).Where("component = ?", "originator.buy").Count(&beats).Error)
	assert.Equal(t, int64(1), beats, "liveness row is upserted, not appended")

	var snapshots []types.EquitySnapshot
	require.NoError(t, f.db.Find(&snapshots).Error)
	require.NotEmpty(t, snapshots, "the heartbeat tick must feed the loss metrics")
	assert.Equal(t, 1000.0, snapshots[0].Equity)
}

func TestBeatUpsertsSingleRow(t *testing.T) {
	f := newFixture(t, types.SideBuy)
	d := NewDatabase(f.db)

	require.NoError(t, d.Beat("originator.buy"))
	require.NoError(t, d.Beat("originator.buy"))

	var n int64
	require.NoError(t, f.db.Model(&types.Heartbeat{}).Where("component = ?", "originator.buy").Count(&n).Error)
	assert.Equal(t, int64(1), n)
}
