package marketdata

import (
	"testing"
	"virtual_exchange/internal/core"
	"virtual_exchange/internal/vclock"
	"virtual_exchange/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseTs = int64(1_700_000_000_000)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func assertDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(d(want)), "want %s, got %s", want, got)
}

func newManager(t *testing.T) (*Manager, *vclock.TimeManager) {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	clock := vclock.NewTimeManager(vclock.ModeBacktest)
	require.NoError(t, clock.SetBacktestTime(baseTs))
	m := NewManager(clock, logger, 0)
	m.RegisterSymbol("BTCUSDT")
	return m, clock
}

func trade(id int64, price, qty string, ts int64, buyerMaker bool) *core.Trade {
	p, q := d(price), d(qty)
	return &core.Trade{
		TradeID:       id,
		Symbol:        "BTCUSDT",
		Price:         p,
		Quantity:      q,
		QuoteQuantity: p.Mul(q),
		BuyOrderID:    id * 10,
		SellOrderID:   id*10 + 1,
		IsBuyerMaker:  buyerMaker,
		Timestamp:     ts,
	}
}

func TestOnTradeUpdatesLastPriceAndRing(t *testing.T) {
	m, _ := newManager(t)

	m.OnTrade(trade(1, "50000", "0.5", baseTs, false))
	m.OnTrade(trade(2, "50100", "0.2", baseTs+1000, true))

	price, ok := m.LatestPrice("BTCUSDT")
	require.True(t, ok)
	assertDec(t, "50100", price)

	trades, err := m.RecentTrades("BTCUSDT", 0)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, int64(1), trades[0].TradeID)
	assert.Equal(t, int64(2), trades[1].TradeID)

	limited, err := m.RecentTrades("BTCUSDT", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, int64(2), limited[0].TradeID)
}

func TestRecentTradesUnknownSymbol(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.RecentTrades("ETHUSDT", 0)
	require.Error(t, err)
}

func TestTradeRingWrapsAround(t *testing.T) {
	r := newTradeRing(3)
	for i := int64(1); i <= 5; i++ {
		r.push(*trade(i, "50000", "1", baseTs, false))
	}
	out := r.asc()
	require.Len(t, out, 3)
	assert.Equal(t, int64(3), out[0].TradeID)
	assert.Equal(t, int64(5), out[2].TradeID)
}

func TestConfiguredTradeCapacity(t *testing.T) {
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	clock := vclock.NewTimeManager(vclock.ModeBacktest)
	require.NoError(t, clock.SetBacktestTime(baseTs))

	m := NewManager(clock, logger, 2)
	m.RegisterSymbol("BTCUSDT")
	for i := int64(1); i <= 3; i++ {
		m.OnTrade(trade(i, "50000", "1", baseTs+i, false))
	}

	trades, err := m.RecentTrades("BTCUSDT", 0)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, int64(2), trades[0].TradeID)
	assert.Equal(t, int64(3), trades[1].TradeID)
}

func TestKlineAggregationAcrossBuckets(t *testing.T) {
	m, _ := newManager(t)

	// Two trades in one minute bucket, one in the next.
	m.OnTrade(trade(1, "50000", "1", baseTs, false))
	m.OnTrade(trade(2, "50200", "2", baseTs+30_000, false))
	m.OnTrade(trade(3, "49900", "1", baseTs+60_000, false))

	bars, err := m.Klines("BTCUSDT", "1m", 0, 0, 0)
	require.NoError(t, err)
	require.Len(t, bars, 2)

	first := bars[0]
	assert.True(t, first.Closed)
	assertDec(t, "50000", first.Open)
	assertDec(t, "50200", first.High)
	assertDec(t, "50000", first.Low)
	assertDec(t, "50200", first.Close)
	assertDec(t, "3", first.Volume)
	assert.Equal(t, int64(2), first.TradeCount)
	assert.Equal(t, first.OpenTime+59_999, first.CloseTime)

	second := bars[1]
	assert.False(t, second.Closed)
	assertDec(t, "49900", second.Open)

	open, ok := m.CurrentKline("BTCUSDT", "1m")
	require.True(t, ok)
	assert.Equal(t, second.OpenTime, open.OpenTime)
}

func TestKlinesRejectUnknownInterval(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Klines("BTCUSDT", "7x", 0, 0, 0)
	require.Error(t, err)

	_, ok := m.CurrentKline("BTCUSDT", "7x")
	assert.False(t, ok)
}

func TestKlineWindowLimits(t *testing.T) {
	m, _ := newManager(t)
	for i := int64(0); i < 5; i++ {
		m.OnTrade(trade(i+1, "50000", "1", baseTs+i*60_000, false))
	}

	// Without a start time the most recent bars win.
	recent, err := m.Klines("BTCUSDT", "1m", 0, 0, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, bucketStart("1m", baseTs+4*60_000), recent[1].OpenTime)

	// With a start time the earliest matching bars win.
	early, err := m.Klines("BTCUSDT", "1m", baseTs, 0, 2)
	require.NoError(t, err)
	require.Len(t, early, 2)
	assert.Equal(t, bucketStart("1m", baseTs), early[0].OpenTime)
}

func TestOnMarketDataBarFeedsKlines(t *testing.T) {
	m, _ := newManager(t)

	m.OnMarketData(&core.DataPoint{
		Timestamp: baseTs,
		Symbol:    "BTCUSDT",
		Kind:      core.DataKindBar,
		Open:      d("50000"),
		High:      d("50500"),
		Low:       d("49800"),
		Close:     d("50200"),
		Volume:    d("12"),
	})

	price, ok := m.LatestPrice("BTCUSDT")
	require.True(t, ok)
	assertDec(t, "50200", price)

	bars, err := m.Klines("BTCUSDT", "1m", 0, 0, 0)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assertDec(t, "50500", bars[0].High)
	assertDec(t, "49800", bars[0].Low)
	assertDec(t, "12", bars[0].Volume)
}

func TestTicker24hRollsTheWindow(t *testing.T) {
	m, clock := newManager(t)

	m.OnTrade(trade(1, "50000", "1", baseTs, false))
	m.OnTrade(trade(2, "51000", "1", baseTs+1000, false))

	tk, err := m.Ticker24h("BTCUSDT")
	require.NoError(t, err)
	assertDec(t, "50000", tk.OpenPrice)
	assertDec(t, "51000", tk.HighPrice)
	assertDec(t, "50000", tk.LowPrice)
	assertDec(t, "51000", tk.LastPrice)
	assertDec(t, "1000", tk.PriceChange)
	assertDec(t, "2", tk.PriceChangePercent)
	assertDec(t, "2", tk.Volume)
	assertDec(t, "50500", tk.WeightedAvgPrice)
	assert.Equal(t, int64(1), tk.FirstTradeID)
	assert.Equal(t, int64(2), tk.LastTradeID)
	assert.Equal(t, int64(2), tk.TradeCount)

	// Advancing past 24h prunes the first trade out of the window.
	require.NoError(t, clock.SetBacktestTime(baseTs+statsWindowMs+500))
	tk, err = m.Ticker24h("BTCUSDT")
	require.NoError(t, err)
	assertDec(t, "51000", tk.OpenPrice)
	assertDec(t, "1", tk.Volume)
	assert.Equal(t, int64(1), tk.TradeCount)
}

func TestAvgPriceWindow(t *testing.T) {
	m, clock := newManager(t)

	// Outside the 5 minute window once the clock advances.
	m.OnTrade(trade(1, "40000", "1", baseTs, false))
	require.NoError(t, clock.SetBacktestTime(baseTs+avgPriceWindowMs+1000))
	m.OnTrade(trade(2, "50000", "1", baseTs+avgPriceWindowMs+1000, false))

	ap, err := m.AvgPrice("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 5, ap.Mins)
	assertDec(t, "50000", ap.Price)
	assert.Equal(t, baseTs+avgPriceWindowMs+1000, ap.CloseTime)
}

func TestAvgPriceFallsBackToLastPrice(t *testing.T) {
	m, _ := newManager(t)

	m.OnMarketData(&core.DataPoint{
		Timestamp: baseTs,
		Symbol:    "BTCUSDT",
		Kind:      core.DataKindTick,
		Price:     d("47000"),
	})

	// A zero-volume window has nothing to weight.
	ap, err := m.AvgPrice("BTCUSDT")
	require.NoError(t, err)
	assertDec(t, "47000", ap.Price)
}

func TestDepthDiffAndBookTicker(t *testing.T) {
	m, _ := newManager(t)

	m.ApplyDepthDiff(&core.DepthDiff{
		Symbol:        "BTCUSDT",
		FinalUpdateID: 7,
		Bids: []core.PriceLevel{
			{Price: d("49000"), Quantity: d("1")},
			{Price: d("49500"), Quantity: d("2")},
		},
		Asks: []core.PriceLevel{
			{Price: d("50000"), Quantity: d("3")},
		},
	})

	bt, err := m.BookTicker("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, int64(7), bt.UpdateID)
	assertDec(t, "49500", bt.BidPrice)
	assertDec(t, "2", bt.BidQty)
	assertDec(t, "50000", bt.AskPrice)
	assertDec(t, "3", bt.AskQty)

	// Zero quantity removes the level.
	m.ApplyDepthDiff(&core.DepthDiff{
		Symbol:        "BTCUSDT",
		FinalUpdateID: 8,
		Bids:          []core.PriceLevel{{Price: d("49500"), Quantity: decimal.Zero}},
	})
	bt, err = m.BookTicker("BTCUSDT")
	require.NoError(t, err)
	assertDec(t, "49000", bt.BidPrice)
}

func TestAggTradesMergeTakerRuns(t *testing.T) {
	m, _ := newManager(t)

	// Trades 1 and 2 share the taker buy order; trade 3 is a new taker.
	t1 := trade(1, "50000", "0.4", baseTs, false)
	t2 := trade(2, "50000", "0.6", baseTs+10, false)
	t2.BuyOrderID = t1.BuyOrderID
	t3 := trade(3, "50000", "1", baseTs+20, false)
	m.OnTrade(t1)
	m.OnTrade(t2)
	m.OnTrade(t3)

	aggs, err := m.AggTrades("BTCUSDT", 0, 0)
	require.NoError(t, err)
	require.Len(t, aggs, 2)
	assert.Equal(t, int64(1), aggs[0].ID)
	assert.Equal(t, int64(2), aggs[0].LastTradeID)
	assertDec(t, "1", aggs[0].Quantity)
	assert.Equal(t, int64(3), aggs[1].ID)

	fromSecond, err := m.AggTrades("BTCUSDT", 3, 0)
	require.NoError(t, err)
	require.Len(t, fromSecond, 1)
	assert.Equal(t, int64(3), fromSecond[0].ID)
}

func TestResetClearsSymbolData(t *testing.T) {
	m, _ := newManager(t)

	m.OnTrade(trade(1, "50000", "1", baseTs, false))
	m.Reset("BTCUSDT")

	_, ok := m.LatestPrice("BTCUSDT")
	assert.False(t, ok)
	trades, err := m.RecentTrades("BTCUSDT", 0)
	require.NoError(t, err)
	assert.Empty(t, trades)
	assert.Equal(t, 0, m.Stats().TradesStored)
}
