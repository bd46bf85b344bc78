package proposals

import (
	"context"
	"testing"
	"time"

	"github.com/quantfold/marketmaker/internal/audit"
	"github.com/quantfold/marketmaker/internal/bus"
	"github.com/quantfold/marketmaker/internal/config"
	"github.com/quantfold/marketmaker/internal/database"
	"github.com/quantfold/marketmaker/internal/funds"
	"github.com/quantfold/marketmaker/internal/inventory"
	"github.com/quantfold/marketmaker/internal/marketdata"
	"github.com/quantfold/marketmaker/internal/mode"
	"github.com/quantfold/marketmaker/internal/risk"
	"github.com/quantfold/marketmaker/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixedSource struct {
	price float64
}

func (s fixedSource) Ticker(symbol string) (marketdata.Ticker, error) {
	return marketdata.Ticker{Symbol: symbol, LastPrice: s.price, Timestamp: time.Now()}, nil
}

func (s fixedSource) OrderBook(symbol string, depth int) (marketdata.Book, error) {
	return marketdata.Book{
		Symbol:    symbol,
		Bids:      []marketdata.Level{{Price: s.price - 0.5, Size: 10}},
		Asks:      []marketdata.Level{{Price: s.price + 0.5, Size: 10}},
		Timestamp: time.Now(),
	}, nil
}

type fixture struct {
	db          *gorm.DB
	store       *Store
	coordinator *Coordinator
	notifier    *bus.MemoryNotifier
	modes       *mode.Provider
}

func newFixture(t *testing.T) *fixture {
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
		DustQty:            0.0001,
		ModeRefresh:        time.Millisecond,
	}

	auditLog := audit.NewLogger(gormDB)
	market := marketdata.NewService(fixedSource{price: 100}, cfg.TickSize, 10)
	notifier := bus.NewMemoryNotifier()
	t.Cleanup(func() { notifier.Close() })

	store := NewStore(gormDB)
	coordinator := NewCoordinator(
		store,
		risk.NewVetter(gormDB, market, auditLog, cfg),
		funds.NewAuthority(gormDB, auditLog, cfg),
		inventory.NewAuthority(gormDB, auditLog, cfg),
		mode.NewProvider(gormDB, cfg.ModeRefresh),
		notifier,
		auditLog,
	)
	return &fixture{
		db:          gormDB,
		store:       store,
		coordinator: coordinator,
		notifier:    notifier,
		modes:       mode.NewProvider(gormDB, cfg.ModeRefresh),
	}
}

func (f *fixture) seedFunds(t *testing.T, available float64) {
	t.Helper()
	require.NoError(t, f.db.Create(&types.Balance{Asset: "USD", Available: available}).Error)
}

func (f *fixture) seedInventory(t *testing.T, symbol string, qty float64) {
	t.Helper()
	require.NoError(t, f.db.Create(&types.Position{Symbol: symbol, Qty: qty}).Error)
}

func awaitNotification(t *testing.T, ch <-chan bus.Notification) bus.Notification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return bus.Notification{}
	}
}

func TestVetAllApprovesBuy(t *testing.T) {
	f := newFixture(t)
	f.seedFunds(t, 10000)

	p, err := f.store.Create("BTC-USD", types.SideBuy, 100, 1)
	require.NoError(t, err)

	vetted, err := f.coordinator.VetAll(context.Background(), p.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusApproved, vetted.Status)
	assert.True(t, vetted.AllApproved())
}

func TestVetAllIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seedFunds(t, 10000)

	p, err := f.store.Create("BTC-USD", types.SideBuy, 100, 1)
	require.NoError(t, err)

	_, err = f.coordinator.VetAll(context.Background(), p.ProposalID)
	require.NoError(t, err)

	// Re-delivered notification replays the vet against a settled proposal.
	again, err := f.coordinator.VetAll(context.Background(), p.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusApproved, again.Status)
}

// A sell that any single authority denies ends the protocol in phase 1:
// the owning authority is never asked to reserve and no hold appears.
func TestSellDeniedByInventoryLeavesNoResidue(t *testing.T) {
	f := newFixture(t)
	f.seedFunds(t, 10000)
	f.seedInventory(t, "BTC-USD", 0.5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	denied, err := f.notifier.Subscribe(ctx, bus.TopicDeniedInvt)
	require.NoError(t, err)

	p, err := f.store.Create("BTC-USD", types.SideSell, 100, 2)
	require.NoError(t, err)

	vetted, err := f.coordinator.VetAll(ctx, p.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDenied, vetted.Status)
	assert.Equal(t, types.VerdictDenied, vetted.InvtVet)

	n := awaitNotification(t, denied)
	assert.Equal(t, p.ProposalID, n.ProposalID)

	// No hold, no reservation row, no order.
	var position types.Position
	require.NoError(t, f.db.Where("symbol = ?", "BTC-USD").First(&position).Error)
	assert.Zero(t, position.Hold)

	var reservations int64
	require.NoError(t, f.db.Model(&types.Reservation{}).Count(&reservations).Error)
	assert.Zero(t, reservations)

	// Finalize on a denied proposal is a no-op.
	got, err := f.coordinator.Finalize(ctx, p.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDenied, got.Status)
}

func TestFinalizeReservesAndNotifies(t *testing.T) {
	f := newFixture(t)
	f.seedFunds(t, 10000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready, err := f.notifier.Subscribe(ctx, bus.TopicReadyBank)
	require.NoError(t, err)

	p, err := f.store.Create("BTC-USD", types.SideBuy, 100, 1)
	require.NoError(t, err)

	_, err = f.coordinator.VetAll(ctx, p.ProposalID)
	require.NoError(t, err)

	finalized, err := f.coordinator.Finalize(ctx, p.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, finalized.Status)

	n := awaitNotification(t, ready)
	assert.Equal(t, p.ProposalID, n.ProposalID)

	var balance types.Balance
	require.NoError(t, f.db.Where("asset = ?", "USD").First(&balance).Error)
	assert.Equal(t, 100.0, balance.Hold)
	assert.Equal(t, 10000.0, balance.Available)
}

func TestFinalizeRejectsPending(t *testing.T) {
	f := newFixture(t)
	f.seedFunds(t, 10000)

	p, err := f.store.Create("BTC-USD", types.SideBuy, 100, 1)
	require.NoError(t, err)

	_, err = f.coordinator.Finalize(context.Background(), p.ProposalID)
	require.Error(t, err, "finalize requires the approved phase")
}

// Approval is advisory; the conditional reservation is the arbiter. If the
// spendable balance collapses between vet and finalize the proposal fails.
func TestFinalizeFailsWhenFundsVanish(t *testing.T) {
	f := newFixture(t)
	f.seedFunds(t, 10000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	denied, err := f.notifier.Subscribe(ctx, bus.TopicDeniedBank)
	require.NoError(t, err)

	p, err := f.store.Create("BTC-USD", types.SideBuy, 100, 1)
	require.NoError(t, err)
	_, err = f.coordinator.VetAll(ctx, p.ProposalID)
	require.NoError(t, err)

	// Another desk drains the balance after approval.
	require.NoError(t, f.db.Model(&types.Balance{}).
		Where("asset = ?", "USD").
		Update("available", 50).Error)

	failed, err := f.coordinator.Finalize(ctx, p.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, failed.Status)

	n := awaitNotification(t, denied)
	assert.Equal(t, p.ProposalID, n.ProposalID)

	var balance types.Balance
	require.NoError(t, f.db.Where("asset = ?", "USD").First(&balance).Error)
	assert.Zero(t, balance.Hold, "a failed reservation leaves no partial hold")
}

func TestExpireReleasesHold(t *testing.T) {
	f := newFixture(t)
	f.seedFunds(t, 10000)

	ctx := context.Background()
	p, err := f.store.Create("BTC-USD", types.SideBuy, 100, 1)
	require.NoError(t, err)
	_, err = f.coordinator.VetAll(ctx, p.ProposalID)
	require.NoError(t, err)
	_, err = f.coordinator.Finalize(ctx, p.ProposalID)
	require.NoError(t, err)

	require.NoError(t, f.coordinator.Expire(ctx, p.ProposalID))

	got, err := f.store.Get(p.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExpired, got.Status)

	var balance types.Balance
	require.NoError(t, f.db.Where("asset = ?", "USD").First(&balance).Error)
	assert.Zero(t, balance.Hold)

	// Expire on a terminal proposal is a no-op.
	require.NoError(t, f.coordinator.Expire(ctx, p.ProposalID))
}
