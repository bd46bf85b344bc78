package inventory

import (
	"sync"
	"testing"

	"github.com/quantfold/marketmaker/internal/database"
	"github.com/quantfold/marketmaker/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func seedPosition(t *testing.T, db *gorm.DB, symbol string, qty, hold float64) {
	t.Helper()
	require.NoError(t, db.Create(&types.Position{Symbol: symbol, Qty: qty, Hold: hold}).Error)
}

func fetchPosition(t *testing.T, db *gorm.DB, symbol string) types.Position {
	t.Helper()
	var position types.Position
	require.NoError(t, db.Where("symbol = ?", symbol).First(&position).Error)
	return position
}

func TestReserveAndRelease(t *testing.T) {
	gormDB := database.NewTestDatabase(t)
	seedPosition(t, gormDB, "BTC-USD", 5, 0)
	d := NewDatabase(gormDB)

	token := types.ReservationToken(1, types.ReservationInventory)
	require.NoError(t, d.Reserve(token, 1, "BTC-USD", 2))

	position := fetchPosition(t, gormDB, "BTC-USD")
	assert.Equal(t, 5.0, position.Qty, "reservation must not touch the gross position")
	assert.Equal(t, 2.0, position.Hold)

	require.NoError(t, d.Release(token))
	position = fetchPosition(t, gormDB, "BTC-USD")
	assert.Equal(t, 0.0, position.Hold)
}

func TestReserveInsufficientFree(t *testing.T) {
	gormDB := database.NewTestDatabase(t)
	seedPosition(t, gormDB, "BTC-USD", 5, 4)
	d := NewDatabase(gormDB)

	token := types.ReservationToken(2, types.ReservationInventory)
	err := d.Reserve(token, 2, "BTC-USD", 2)
	require.ErrorIs(t, err, ErrInsufficientInventory)

	position := fetchPosition(t, gormDB, "BTC-USD")
	assert.Equal(t, 4.0, position.Hold)
}

func TestReserveMissingPosition(t *testing.T) {
	gormDB := database.NewTestDatabase(t)
	d := NewDatabase(gormDB)

	token := types.ReservationToken(3, types.ReservationInventory)
	err := d.Reserve(token, 3, "ETH-USD", 1)
	require.ErrorIs(t, err, ErrInsufficientInventory)
}

func TestConcurrentReservationExactlyOneWins(t *testing.T) {
	gormDB := database.NewTestDatabase(t)
	seedPosition(t, gormDB, "BTC-USD", 1, 0)
	d := NewDatabase(gormDB)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token := types.ReservationToken(uint(200+i), types.ReservationInventory)
			errs[i] = d.Reserve(token, uint(200+i), "BTC-USD", 0.8)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, ErrInsufficientInventory)
		}
	}
	assert.Equal(t, 1, successes)

	position := fetchPosition(t, gormDB, "BTC-USD")
	assert.Equal(t, 0.8, position.Hold)
}
