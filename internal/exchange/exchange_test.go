package exchange

import (
	"context"
	"path/filepath"
	"testing"
	"time"
	"virtual_exchange/internal/config"
	"virtual_exchange/internal/core"
	"virtual_exchange/internal/datasource"
	"virtual_exchange/internal/matching"
	"virtual_exchange/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestExchange(t *testing.T) *VirtualExchange {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Archive.Path = filepath.Join(t.TempDir(), "archive.db")
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	ve, err := New(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { ve.Close() })
	return ve
}

func fund(t *testing.T, ve *VirtualExchange, userID string) {
	t.Helper()
	_, err := ve.RegisterUser(userID)
	require.NoError(t, err)
	require.NoError(t, ve.Deposit(userID, "USDT", d("1000000")))
	require.NoError(t, ve.Deposit(userID, "BTC", d("100")))
}

func limitOrder(user string, side core.Side, price, qty string) matching.Request {
	return matching.Request{
		Symbol:      "BTCUSDT",
		UserID:      user,
		Side:        side,
		Type:        core.OrderTypeLimit,
		TimeInForce: core.TimeInForceGTC,
		Price:       d(price),
		Quantity:    d(qty),
	}
}

func TestOrderFlowThroughFacade(t *testing.T) {
	ve := newTestExchange(t)
	fund(t, ve, "maker")
	fund(t, ve, "taker")
	require.NoError(t, ve.Clock.SetBacktestTime(1_000_000))

	maker, trades, err := ve.CreateOrder(limitOrder("maker", core.SideSell, "50000", "1"))
	require.NoError(t, err)
	assert.Empty(t, trades)
	assert.Equal(t, core.OrderStatusNew, maker.Status)

	taker, trades, err := ve.CreateOrder(limitOrder("taker", core.SideBuy, "50000", "0.4"))
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, core.OrderStatusFilled, taker.Status)
	assert.True(t, trades[0].Price.Equal(d("50000")))

	// Trades must have reached the market data hub
	price, ok := ve.MarketData.LatestPrice("BTCUSDT")
	require.True(t, ok)
	assert.True(t, price.Equal(d("50000")))

	recent, err := ve.MarketData.RecentTrades("BTCUSDT", 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	open, err := ve.OpenOrders("maker", "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].RemainingQty().Equal(d("0.6")))
}

func TestSubscriptionReceivesEngineEvents(t *testing.T) {
	ve := newTestExchange(t)
	fund(t, ve, "maker")
	fund(t, ve, "taker")
	require.NoError(t, ve.Clock.SetBacktestTime(1_000_000))

	sub := ve.Subscribe()
	defer sub.Close()

	_, _, err := ve.CreateOrder(limitOrder("maker", core.SideSell, "50000", "1"))
	require.NoError(t, err)
	_, _, err = ve.CreateOrder(limitOrder("taker", core.SideBuy, "50000", "1"))
	require.NoError(t, err)

	seen := map[core.EventType]bool{}
	deadline := time.After(5 * time.Second)
	for len(seen) < 4 {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok)
			seen[ev.Type] = true
		case <-deadline:
			t.Fatalf("timed out, saw %v", seen)
		}
	}
	assert.True(t, seen[core.EventOrderUpdate])
	assert.True(t, seen[core.EventTrade])
	assert.True(t, seen[core.EventDepthUpdate])
	assert.True(t, seen[core.EventAccountUpdate])
}

func TestReplayFeedsEngineAndMarketData(t *testing.T) {
	ve := newTestExchange(t)
	fund(t, ve, "stopper")
	require.NoError(t, ve.Clock.SetBacktestTime(1))

	// Park a stop-market sell triggered when price drops to 49000
	parked, _, err := ve.CreateOrder(matching.Request{
		Symbol:    "BTCUSDT",
		UserID:    "stopper",
		Side:      core.SideSell,
		Type:      core.OrderTypeStopLoss,
		StopPrice: d("49000"),
		Quantity:  d("1"),
	})
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusNew, parked.Status)

	require.NoError(t, ve.AddDataSource("feed", datasource.NewSliceSource([]core.DataPoint{
		{Timestamp: 1000, Symbol: "BTCUSDT", Kind: core.DataKindTick, Price: d("50000"), Volume: d("1")},
		{Timestamp: 2000, Symbol: "BTCUSDT", Kind: core.DataKindTick, Price: d("48900"), Volume: d("1")},
	})))
	_, err = ve.Replay.ProcessAllSync()
	require.NoError(t, err)

	// Clock followed the data
	assert.Equal(t, int64(2000), ve.Clock.NowMs())

	// Market data saw both points
	price, ok := ve.MarketData.LatestPrice("BTCUSDT")
	require.True(t, ok)
	assert.True(t, price.Equal(d("48900")))

	// The stop fired; with an empty book the market order expires
	got, err := ve.QueryOrder("stopper", "BTCUSDT", parked.OrderID, "")
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusExpired, got.Status)
}

func TestStateRoundTrip(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Archive.Path = filepath.Join(t.TempDir(), "archive.db")
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	ve, err := New(cfg, logger)
	require.NoError(t, err)
	fund(t, ve, "alice")
	require.NoError(t, ve.Clock.SetBacktestTime(1_000_000))

	resting, _, err := ve.CreateOrder(limitOrder("alice", core.SideBuy, "40000", "0.5"))
	require.NoError(t, err)
	require.NoError(t, ve.SaveState(context.Background()))
	key, err := ve.Accounts.APIKey("alice")
	require.NoError(t, err)
	require.NoError(t, ve.Close())

	// Fresh process against the same archive
	restored, err := New(cfg, logger)
	require.NoError(t, err)
	defer restored.Close()

	ok, err := restored.LoadState(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	// API key survived
	restoredKey, err := restored.Accounts.APIKey("alice")
	require.NoError(t, err)
	assert.Equal(t, key, restoredKey)

	// Balance with the open order's lock survived
	bal, err := restored.Accounts.GetBalance("alice", "USDT")
	require.NoError(t, err)
	assert.True(t, bal.Locked.Equal(d("20000")), "locked = %s", bal.Locked)

	// The resting order is back on the book and cancelable
	open, err := restored.OpenOrders("alice", "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, resting.OrderID, open[0].OrderID)

	require.NoError(t, restored.Clock.SetBacktestTime(2_000_000))
	_, err = restored.CancelOrder("alice", "BTCUSDT", resting.OrderID, "")
	require.NoError(t, err)

	bal, err = restored.Accounts.GetBalance("alice", "USDT")
	require.NoError(t, err)
	assert.True(t, bal.Locked.IsZero())
}

func TestHistoricalTradesFromArchive(t *testing.T) {
	ve := newTestExchange(t)
	fund(t, ve, "maker")
	fund(t, ve, "taker")
	require.NoError(t, ve.Clock.SetBacktestTime(1_000_000))

	_, _, err := ve.CreateOrder(limitOrder("maker", core.SideSell, "50000", "1"))
	require.NoError(t, err)
	_, _, err = ve.CreateOrder(limitOrder("taker", core.SideBuy, "50000", "1"))
	require.NoError(t, err)

	trades, err := ve.HistoricalTrades("BTCUSDT", 0, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Quantity.Equal(d("1")))
}

func TestHubOverflowKeepsOrderEvents(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe(4)
	defer sub.Close()

	// Fill the queue beyond capacity without consuming
	hub.Publish(core.Event{Type: core.EventOrderUpdate})
	for i := 0; i < 10; i++ {
		hub.Publish(core.Event{Type: core.EventMarketData})
	}
	hub.Publish(core.Event{Type: core.EventTrade})

	assert.Positive(t, sub.Dropped())

	// The first delivered event may already be in flight in the pump,
	// but order and trade events must all come through.
	var kinds []core.EventType
	timeout := time.After(2 * time.Second)
	for len(kinds) < 2 {
		select {
		case ev := <-sub.Events():
			if ev.IsOrderOrTrade() {
				kinds = append(kinds, ev.Type)
			}
		case <-timeout:
			t.Fatalf("missing order/trade events, got %v", kinds)
		}
	}
	assert.Contains(t, kinds, core.EventOrderUpdate)
	assert.Contains(t, kinds, core.EventTrade)
}
