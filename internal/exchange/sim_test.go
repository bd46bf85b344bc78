package exchange

import (
	"testing"

	"github.com/quantfold/marketmaker/internal/database"
	"github.com/quantfold/marketmaker/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaceLimitOrderRests(t *testing.T) {
	gormDB := database.NewTestDatabase(t)
	c := NewSimClient(gormDB, map[string]float64{"BTC-USD": 100})

	orderID, err := c.PlaceLimitOrder("BTC-USD", types.SideBuy, 100, 0.5)
	require.NoError(t, err)
	require.NotEmpty(t, orderID)

	orders, err := c.GetOrders(types.OrderOpen, "BTC-USD")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, orderID, orders[0].OrderID)

	_, err = c.PlaceLimitOrder("BTC-USD", types.SideBuy, 0, 1)
	assert.ErrorIs(t, err, ErrOrderRejected)
}

func TestCancelOrderReleasesBuyHold(t *testing.T) {
	gormDB := database.NewTestDatabase(t)
	c := NewSimClient(gormDB, map[string]float64{"BTC-USD": 100})

	require.NoError(t, gormDB.Create(&types.Balance{Asset: "USD", Available: 1000, Hold: 100}).Error)
	require.NoError(t, gormDB.Create(&types.SimOrder{
		OrderID: "SIM-CXL-1", Symbol: "BTC-USD", Side: types.SideBuy,
		Price: 100, Size: 1, FilledSize: 0.2, Status: types.OrderPartial,
	}).Error)

	require.NoError(t, c.CancelOrder("SIM-CXL-1"))

	var order types.SimOrder
	require.NoError(t, gormDB.Where("order_id = ?", "SIM-CXL-1").First(&order).Error)
	assert.Equal(t, types.OrderCancelled, order.Status)

	var balance types.Balance
	require.NoError(t, gormDB.Where("asset = ?", "USD").First(&balance).Error)
	assert.InDelta(t, 20.0, balance.Hold, 1e-9, "cancellation must return the unfilled remainder's hold")
}

func TestCancelOrderReleasesSellHold(t *testing.T) {
	gormDB := database.NewTestDatabase(t)
	c := NewSimClient(gormDB, map[string]float64{"BTC-USD": 100})

	require.NoError(t, gormDB.Create(&types.Position{Symbol: "BTC-USD", Qty: 2, Hold: 1}).Error)
	require.NoError(t, gormDB.Create(&types.SimOrder{
		OrderID: "SIM-CXL-2", Symbol: "BTC-USD", Side: types.SideSell,
		Price: 100, Size: 1, Status: types.OrderOpen,
	}).Error)

	require.NoError(t, c.CancelOrder("SIM-CXL-2"))

	var position types.Position
	require.NoError(t, gormDB.Where("symbol = ?", "BTC-USD").First(&position).Error)
	assert.InDelta(t, 0.0, position.Hold, 1e-9)
	assert.InDelta(t, 2.0, position.Qty, 1e-9, "cancellation must not touch the position itself")
}

func TestCancelOrderRejectsTerminal(t *testing.T) {
	gormDB := database.NewTestDatabase(t)
	c := NewSimClient(gormDB, map[string]float64{"BTC-USD": 100})

	require.NoError(t, gormDB.Create(&types.SimOrder{
		OrderID: "SIM-CXL-3", Symbol: "BTC-USD", Side: types.SideBuy,
		Price: 100, Size: 1, FilledSize: 1, Status: types.OrderFilled,
	}).Error)

	assert.Error(t, c.CancelOrder("SIM-CXL-3"))
	assert.Error(t, c.CancelOrder("SIM-MISSING"))
}
