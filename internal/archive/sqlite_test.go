package archive

import (
	"context"
	"path/filepath"
	"testing"
	"virtual_exchange/internal/core"
	"virtual_exchange/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestArchive(t *testing.T) *SQLiteArchive {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	a, err := NewSQLiteArchive(filepath.Join(t.TempDir(), "archive.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func testOrder(id int64, user, clientID string, status core.OrderStatus, ts int64) *core.Order {
	return &core.Order{
		OrderID:       id,
		ClientOrderID: clientID,
		Symbol:        "BTCUSDT",
		UserID:        user,
		Side:          core.SideBuy,
		Type:          core.OrderTypeLimit,
		TimeInForce:   core.TimeInForceGTC,
		Price:         decimal.RequireFromString("50000"),
		Quantity:      decimal.RequireFromString("0.5"),
		Status:        status,
		Time:          ts,
		UpdateTime:    ts,
	}
}

func testTrade(id int64, buyer, seller string, ts int64) *core.Trade {
	return &core.Trade{
		TradeID:       id,
		Symbol:        "BTCUSDT",
		Price:         decimal.RequireFromString("50000"),
		Quantity:      decimal.RequireFromString("0.1"),
		QuoteQuantity: decimal.RequireFromString("5000"),
		BuyOrderID:    id * 10,
		SellOrderID:   id*10 + 1,
		BuyUserID:     buyer,
		SellUserID:    seller,
		Timestamp:     ts,
	}
}

func TestOrderRoundTrip(t *testing.T) {
	a := newTestArchive(t)

	o := testOrder(1, "alice", "c-1", core.OrderStatusFilled, 1000)
	o.FilledQty = decimal.RequireFromString("0.5")
	o.FilledQuote = decimal.RequireFromString("25000")
	require.NoError(t, a.SaveOrder(o))

	got, err := a.GetOrder("BTCUSDT", 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, o.OrderID, got.OrderID)
	assert.Equal(t, o.UserID, got.UserID)
	assert.Equal(t, core.OrderStatusFilled, got.Status)
	assert.True(t, got.Price.Equal(o.Price))
	assert.True(t, got.FilledQty.Equal(o.FilledQty))

	missing, err := a.GetOrder("BTCUSDT", 999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestGetOrderByClientIDNewestWins(t *testing.T) {
	a := newTestArchive(t)

	require.NoError(t, a.SaveOrder(testOrder(1, "alice", "dup", core.OrderStatusCanceled, 1000)))
	require.NoError(t, a.SaveOrder(testOrder(2, "alice", "dup", core.OrderStatusFilled, 2000)))

	got, err := a.GetOrderByClientID("BTCUSDT", "alice", "dup")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.OrderID)

	other, err := a.GetOrderByClientID("BTCUSDT", "bob", "dup")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestSaveOrderUpsert(t *testing.T) {
	a := newTestArchive(t)

	o := testOrder(7, "alice", "c-7", core.OrderStatusCanceled, 1000)
	require.NoError(t, a.SaveOrder(o))
	o.Status = core.OrderStatusFilled
	require.NoError(t, a.SaveOrder(o))

	got, err := a.GetOrder("BTCUSDT", 7)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusFilled, got.Status)
}

func TestUserOrdersFiltering(t *testing.T) {
	a := newTestArchive(t)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, a.SaveOrder(
			testOrder(i, "alice", "", core.OrderStatusFilled, i*1000)))
	}
	require.NoError(t, a.SaveOrder(
		testOrder(6, "bob", "", core.OrderStatusFilled, 6000)))

	orders, err := a.UserOrders("BTCUSDT", "alice", 0, 0, 0, 0)
	require.NoError(t, err)
	require.Len(t, orders, 5)
	assert.Equal(t, int64(1), orders[0].OrderID)

	orders, err = a.UserOrders("BTCUSDT", "alice", 3, 0, 0, 0)
	require.NoError(t, err)
	require.Len(t, orders, 3)
	assert.Equal(t, int64(3), orders[0].OrderID)

	orders, err = a.UserOrders("BTCUSDT", "alice", 0, 2000, 4000, 0)
	require.NoError(t, err)
	assert.Len(t, orders, 3)

	orders, err = a.UserOrders("BTCUSDT", "alice", 0, 0, 0, 2)
	require.NoError(t, err)
	assert.Len(t, orders, 2)
}

func TestUserTradesEitherSide(t *testing.T) {
	a := newTestArchive(t)

	require.NoError(t, a.SaveTrade(testTrade(1, "alice", "bob", 1000)))
	require.NoError(t, a.SaveTrade(testTrade(2, "bob", "alice", 2000)))
	require.NoError(t, a.SaveTrade(testTrade(3, "bob", "carol", 3000)))

	trades, err := a.UserTrades("BTCUSDT", "alice", 0, 0, 0, 0)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, int64(1), trades[0].TradeID)
	assert.Equal(t, int64(2), trades[1].TradeID)

	trades, err = a.UserTrades("BTCUSDT", "bob", 2, 0, 0, 0)
	require.NoError(t, err)
	assert.Len(t, trades, 2)
}

func TestSymbolTrades(t *testing.T) {
	a := newTestArchive(t)

	for i := int64(1); i <= 4; i++ {
		require.NoError(t, a.SaveTrade(testTrade(i, "alice", "bob", i*1000)))
	}

	trades, err := a.SymbolTrades("BTCUSDT", 2, 2)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, int64(2), trades[0].TradeID)
	assert.Equal(t, int64(3), trades[1].TradeID)
}

func TestSaveTradeIdempotent(t *testing.T) {
	a := newTestArchive(t)

	tr := testTrade(1, "alice", "bob", 1000)
	require.NoError(t, a.SaveTrade(tr))
	require.NoError(t, a.SaveTrade(tr))

	trades, err := a.SymbolTrades("BTCUSDT", 0, 0)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestPurge(t *testing.T) {
	a := newTestArchive(t)

	require.NoError(t, a.SaveOrder(testOrder(1, "alice", "", core.OrderStatusFilled, 1000)))
	require.NoError(t, a.SaveOrder(testOrder(2, "alice", "", core.OrderStatusFilled, 9000)))
	require.NoError(t, a.SaveTrade(testTrade(1, "alice", "bob", 1000)))
	require.NoError(t, a.SaveTrade(testTrade(2, "alice", "bob", 9000)))

	removed, err := a.Purge(5000)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	o, err := a.GetOrder("BTCUSDT", 1)
	require.NoError(t, err)
	assert.Nil(t, o)
	o, err = a.GetOrder("BTCUSDT", 2)
	require.NoError(t, err)
	assert.NotNil(t, o)
}

func TestSnapshotRoundTrip(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	none, err := a.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	snap := &core.Snapshot{
		TakenAt: 5000,
		Users: []core.UserSnapshot{{
			UserID: "alice",
			APIKey: "key-1",
			Balances: []core.Balance{{
				Asset:  "USDT",
				Free:   decimal.RequireFromString("1000"),
				Locked: decimal.RequireFromString("50"),
			}},
		}},
		OpenOrders: []*core.Order{
			testOrder(1, "alice", "c-1", core.OrderStatusNew, 4000),
		},
	}
	require.NoError(t, a.SaveSnapshot(ctx, snap))

	got, err := a.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(5000), got.TakenAt)
	require.Len(t, got.Users, 1)
	assert.Equal(t, "alice", got.Users[0].UserID)
	assert.True(t, got.Users[0].Balances[0].Free.Equal(decimal.RequireFromString("1000")))
	require.Len(t, got.OpenOrders, 1)
	assert.Equal(t, int64(1), got.OpenOrders[0].OrderID)

	// Newer snapshot replaces the old one
	snap.TakenAt = 6000
	require.NoError(t, a.SaveSnapshot(ctx, snap))
	got, err = a.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6000), got.TakenAt)
}

func TestLoadSnapshotDetectsCorruption(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	require.NoError(t, a.SaveSnapshot(ctx, &core.Snapshot{TakenAt: 1}))
	_, err := a.db.Exec(`UPDATE snapshot SET data = data || ' ' WHERE id = 1`)
	require.NoError(t, err)

	_, err = a.LoadSnapshot(ctx)
	assert.ErrorContains(t, err, "checksum")
}
