package orderbook

import (
	"testing"
	"virtual_exchange/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stopOrder(id int64, side core.Side, typ core.OrderType, stop string) *core.Order {
	return &core.Order{
		OrderID:   id,
		Symbol:    "BTCUSDT",
		UserID:    "u1",
		Side:      side,
		Type:      typ,
		StopPrice: d(stop),
		Quantity:  d("1"),
		Status:    core.OrderStatusNew,
	}
}

func firedIDs(orders []*core.Order) []int64 {
	ids := make([]int64, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.OrderID)
	}
	return ids
}

func TestStopLossTriggerDirections(t *testing.T) {
	idx := NewTriggerIndex()

	// BUY stop-loss fires when the market rises to the stop.
	idx.Park(stopOrder(1, core.SideBuy, core.OrderTypeStopLoss, "105"))
	// SELL stop-loss fires when the market falls to the stop.
	idx.Park(stopOrder(2, core.SideSell, core.OrderTypeStopLoss, "95"))

	assert.Empty(t, idx.Triggered(d("100")), "price between stops fires nothing")
	assert.Equal(t, 2, idx.Len())

	fired := idx.Triggered(d("105"))
	assert.Equal(t, []int64{1}, firedIDs(fired), "touch at exactly the stop price fires")

	fired = idx.Triggered(d("94"))
	assert.Equal(t, []int64{2}, firedIDs(fired))
	assert.Equal(t, 0, idx.Len())
}

func TestTakeProfitTriggerDirections(t *testing.T) {
	idx := NewTriggerIndex()

	// BUY take-profit fires when the market falls to the stop.
	idx.Park(stopOrder(1, core.SideBuy, core.OrderTypeTakeProfit, "90"))
	// SELL take-profit fires when the market rises to the stop.
	idx.Park(stopOrder(2, core.SideSell, core.OrderTypeTakeProfitLimit, "110"))

	assert.Empty(t, idx.Triggered(d("100")))

	assert.Equal(t, []int64{1}, firedIDs(idx.Triggered(d("89"))))
	assert.Equal(t, []int64{2}, firedIDs(idx.Triggered(d("111"))))
}

func TestNearestStopFiresFirst(t *testing.T) {
	idx := NewTriggerIndex()
	idx.Park(stopOrder(1, core.SideBuy, core.OrderTypeStopLossLimit, "110"))
	idx.Park(stopOrder(2, core.SideBuy, core.OrderTypeStopLossLimit, "105"))
	idx.Park(stopOrder(3, core.SideBuy, core.OrderTypeStopLossLimit, "120"))

	fired := idx.Triggered(d("115"))
	assert.Equal(t, []int64{2, 1}, firedIDs(fired), "lower stops fire before higher ones on a rising market")
	assert.Equal(t, 1, idx.Len())
}

func TestFIFOWithinOneStopPrice(t *testing.T) {
	idx := NewTriggerIndex()
	idx.Park(stopOrder(7, core.SideSell, core.OrderTypeStopLoss, "95"))
	idx.Park(stopOrder(8, core.SideSell, core.OrderTypeStopLoss, "95"))

	fired := idx.Triggered(d("95"))
	assert.Equal(t, []int64{7, 8}, firedIDs(fired), "same stop price preserves arrival order")
}

func TestUnpark(t *testing.T) {
	idx := NewTriggerIndex()
	o := stopOrder(1, core.SideBuy, core.OrderTypeStopLoss, "105")
	o.ClientOrderID = "stop-1"
	idx.Park(o)

	got, ok := idx.Get(1)
	require.True(t, ok)
	assert.Equal(t, o, got)
	got, ok = idx.GetByClientID("stop-1")
	require.True(t, ok)
	assert.Equal(t, o, got)

	removed, ok := idx.Unpark(1)
	require.True(t, ok)
	assert.Equal(t, o, removed)
	assert.Equal(t, 0, idx.Len())
	assert.Empty(t, idx.Triggered(d("200")), "unparked order never fires")

	_, ok = idx.Unpark(1)
	assert.False(t, ok)
}

func TestEachVisitsAllParked(t *testing.T) {
	idx := NewTriggerIndex()
	idx.Park(stopOrder(1, core.SideBuy, core.OrderTypeStopLoss, "105"))
	idx.Park(stopOrder(2, core.SideSell, core.OrderTypeStopLoss, "95"))
	idx.Park(stopOrder(3, core.SideSell, core.OrderTypeTakeProfit, "110"))

	seen := map[int64]bool{}
	idx.Each(func(o *core.Order) { seen[o.OrderID] = true })
	assert.Len(t, seen, 3)
}
