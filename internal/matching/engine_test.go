package matching

import (
	"sync"
	"testing"
	"virtual_exchange/internal/account"
	"virtual_exchange/internal/core"
	"virtual_exchange/internal/vclock"
	apperrors "virtual_exchange/pkg/errors"
	"virtual_exchange/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

func testSpec() core.SymbolSpec {
	return core.SymbolSpec{
		Symbol:         "BTCUSDT",
		BaseAsset:      "BTC",
		QuoteAsset:     "USDT",
		Price:          core.PriceFilter{Min: d("0.01"), Max: d("1000000"), Tick: d("0.01")},
		Lot:            core.LotFilter{Min: d("0.00001"), Max: d("100000"), Step: d("0.00001")},
		MinNotional:    d("5"),
		BasePrecision:  5,
		QuotePrecision: 2,
	}
}

// eventRecorder captures the engine's event stream for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []core.Event
}

func (r *eventRecorder) record(ev core.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) all() []core.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *eventRecorder) byType(tp core.EventType) []core.Event {
	var out []core.Event
	for _, ev := range r.all() {
		if ev.Type == tp {
			out = append(out, ev)
		}
	}
	return out
}

func (r *eventRecorder) orderUpdates(orderID int64) []core.Event {
	var out []core.Event
	for _, ev := range r.all() {
		if ev.Type == core.EventOrderUpdate && ev.Order.OrderID == orderID {
			out = append(out, ev)
		}
	}
	return out
}

func (r *eventRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type engineFixture struct {
	engine   *Engine
	accounts *account.Manager
	clock    *vclock.TimeManager
	events   *eventRecorder
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	clock := vclock.NewTimeManager(vclock.ModeBacktest)
	require.NoError(t, clock.SetBacktestTime(1_700_000_000_000))

	accounts := account.NewManager(clock, d("0.001"), d("0.001"), logger)
	engine := NewEngine(accounts, clock, d("0.05"), logger)
	rec := &eventRecorder{}
	engine.SetNotifier(rec.record)
	require.NoError(t, engine.RegisterSymbol(testSpec()))
	return &engineFixture{engine: engine, accounts: accounts, clock: clock, events: rec}
}

func (f *engineFixture) fund(t *testing.T, user, asset, amount string) {
	t.Helper()
	_, err := f.accounts.RegisterUser(user)
	require.NoError(t, err)
	require.NoError(t, f.accounts.Deposit(user, asset, d(amount)))
}

func (f *engineFixture) balance(t *testing.T, user, asset string) core.Balance {
	t.Helper()
	b, err := f.accounts.GetBalance(user, asset)
	require.NoError(t, err)
	return b
}

func (f *engineFixture) submit(t *testing.T, req Request) (*core.Order, []*core.Trade) {
	t.Helper()
	o, trades, err := f.engine.SubmitOrder(req)
	require.NoError(t, err)
	return o, trades
}

func (f *engineFixture) depth(t *testing.T) core.Depth {
	t.Helper()
	depth, err := f.engine.Depth("BTCUSDT", 0)
	require.NoError(t, err)
	return depth
}

func limit(user string, side core.Side, qty, price string) Request {
	return Request{
		Symbol:   "BTCUSDT",
		UserID:   user,
		Side:     side,
		Type:     core.OrderTypeLimit,
		Quantity: d(qty),
		Price:    d(price),
	}
}

func market(user string, side core.Side, qty string) Request {
	return Request{
		Symbol:   "BTCUSDT",
		UserID:   user,
		Side:     side,
		Type:     core.OrderTypeMarket,
		Quantity: d(qty),
	}
}

func marketQuote(user, quote string) Request {
	return Request{
		Symbol:        "BTCUSDT",
		UserID:        user,
		Side:          core.SideBuy,
		Type:          core.OrderTypeMarket,
		QuoteOrderQty: d(quote),
	}
}

func TestLimitOrderRestsOnEmptyBook(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "USDT", "100000")

	o, trades := f.submit(t, limit("u1", core.SideBuy, "1", "50000"))
	assert.Empty(t, trades)
	assert.Equal(t, core.OrderStatusNew, o.Status)
	assert.Positive(t, o.OrderID)
	assert.Positive(t, o.WorkingTime)

	assertDec(t, "50000", f.balance(t, "u1", "USDT").Locked)
	assertDec(t, "50000", f.balance(t, "u1", "USDT").Free)

	depth := f.depth(t)
	require.Len(t, depth.Bids, 1)
	assert.Empty(t, depth.Asks)
	assertDec(t, "50000", depth.Bids[0].Price)
	assertDec(t, "1", depth.Bids[0].Quantity)
}

func TestPartialThenFullFill(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "USDT", "60000")
	f.fund(t, "u2", "BTC", "1")

	sell, _ := f.submit(t, limit("u2", core.SideSell, "1", "50000"))

	buy, trades := f.submit(t, limit("u1", core.SideBuy, "0.4", "50000"))
	require.Len(t, trades, 1)
	assertDec(t, "50000", trades[0].Price)
	assertDec(t, "0.4", trades[0].Quantity)
	assert.False(t, trades[0].IsBuyerMaker)
	assert.Equal(t, core.OrderStatusFilled, buy.Status)

	resting, err := f.engine.QueryOrder("u2", "BTCUSDT", sell.OrderID, "")
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusPartiallyFilled, resting.Status)
	assertDec(t, "0.4", resting.FilledQty)

	assertDec(t, "0.3996", f.balance(t, "u1", "BTC").Free)
	assertDec(t, "19980", f.balance(t, "u2", "USDT").Free)
	assertDec(t, "0.6", f.balance(t, "u2", "BTC").Locked)

	mkt, trades := f.submit(t, market("u1", core.SideBuy, "0.6"))
	require.Len(t, trades, 1)
	assertDec(t, "0.6", trades[0].Quantity)
	assert.Equal(t, core.OrderStatusFilled, mkt.Status)

	resting, err = f.engine.QueryOrder("u2", "BTCUSDT", sell.OrderID, "")
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusFilled, resting.Status)

	assertDec(t, "0.999", f.balance(t, "u1", "BTC").Free)
	assertDec(t, "10000", f.balance(t, "u1", "USDT").Free)
	assertDec(t, "0", f.balance(t, "u1", "USDT").Locked)
	assertDec(t, "49950", f.balance(t, "u2", "USDT").Free)
	assertDec(t, "0", f.balance(t, "u2", "BTC").Locked)

	depth := f.depth(t)
	assert.Empty(t, depth.Bids)
	assert.Empty(t, depth.Asks)
}

func TestPriceTimePriority(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "USDT", "200000")
	f.fund(t, "u2", "BTC", "1")
	f.fund(t, "u3", "BTC", "1")

	first, _ := f.submit(t, limit("u2", core.SideSell, "1", "50000"))
	second, _ := f.submit(t, limit("u3", core.SideSell, "1", "50000"))

	_, trades := f.submit(t, limit("u1", core.SideBuy, "1", "50000"))
	require.Len(t, trades, 1)
	assert.Equal(t, first.OrderID, trades[0].SellOrderID)

	_, trades = f.submit(t, limit("u1", core.SideBuy, "1", "50000"))
	require.Len(t, trades, 1)
	assert.Equal(t, second.OrderID, trades[0].SellOrderID)
}

func TestBetterPriceFillsFirst(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "USDT", "200000")
	f.fund(t, "u2", "BTC", "2")

	f.submit(t, limit("u2", core.SideSell, "1", "50010"))
	f.submit(t, limit("u2", core.SideSell, "1", "50000"))

	_, trades := f.submit(t, limit("u1", core.SideBuy, "1", "50010"))
	require.Len(t, trades, 1)
	assertDec(t, "50000", trades[0].Price)
}

func TestTradesExecuteAtMakerPrice(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "USDT", "200000")
	f.fund(t, "u2", "BTC", "1")

	f.submit(t, limit("u2", core.SideSell, "1", "50000"))
	buy, trades := f.submit(t, limit("u1", core.SideBuy, "1", "50100"))
	require.Len(t, trades, 1)
	assertDec(t, "50000", trades[0].Price)
	assert.Equal(t, core.OrderStatusFilled, buy.Status)

	// The taker reserved at its limit price; the difference comes back.
	assertDec(t, "150000", f.balance(t, "u1", "USDT").Free)
	assertDec(t, "0", f.balance(t, "u1", "USDT").Locked)
}

func TestIOCPartialFillCancelsRemainder(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "USDT", "100000")
	f.fund(t, "u2", "BTC", "1")

	f.submit(t, limit("u2", core.SideSell, "1", "50000"))

	req := limit("u1", core.SideBuy, "2", "50000")
	req.TimeInForce = core.TimeInForceIOC
	o, trades := f.submit(t, req)

	require.Len(t, trades, 1)
	assertDec(t, "1", trades[0].Quantity)
	assert.Equal(t, core.OrderStatusCanceled, o.Status)
	assertDec(t, "1", o.FilledQty)

	assertDec(t, "50000", f.balance(t, "u1", "USDT").Free)
	assertDec(t, "0", f.balance(t, "u1", "USDT").Locked)
	assert.Empty(t, f.depth(t).Bids)
}

func TestFOKExpiresWhenUnfillable(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "USDT", "100000")
	f.fund(t, "u2", "BTC", "1")

	f.submit(t, limit("u2", core.SideSell, "1", "50000"))

	req := limit("u1", core.SideBuy, "2", "50000")
	req.TimeInForce = core.TimeInForceFOK
	o, trades := f.submit(t, req)

	assert.Empty(t, trades)
	assert.Equal(t, core.OrderStatusExpired, o.Status)
	assertDec(t, "0", o.FilledQty)

	assertDec(t, "100000", f.balance(t, "u1", "USDT").Free)
	assertDec(t, "0", f.balance(t, "u1", "USDT").Locked)

	// The resting ask is untouched.
	depth := f.depth(t)
	require.Len(t, depth.Asks, 1)
	assertDec(t, "1", depth.Asks[0].Quantity)
}

func TestFOKFillsAcrossLevels(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "USDT", "200000")
	f.fund(t, "u2", "BTC", "2")

	f.submit(t, limit("u2", core.SideSell, "1", "50000"))
	f.submit(t, limit("u2", core.SideSell, "1", "50010"))

	req := limit("u1", core.SideBuy, "2", "50010")
	req.TimeInForce = core.TimeInForceFOK
	o, trades := f.submit(t, req)

	require.Len(t, trades, 2)
	assert.Equal(t, core.OrderStatusFilled, o.Status)
	assertDec(t, "50000", trades[0].Price)
	assertDec(t, "50010", trades[1].Price)
}

func TestSelfTradeAllowedWithoutSTP(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "BTC", "1")
	f.fund(t, "u1", "USDT", "50000")

	f.submit(t, limit("u1", core.SideSell, "1", "50000"))
	o, trades := f.submit(t, limit("u1", core.SideBuy, "1", "50000"))

	require.Len(t, trades, 1)
	assert.Equal(t, core.OrderStatusFilled, o.Status)
	assert.Equal(t, "u1", trades[0].BuyUserID)
	assert.Equal(t, "u1", trades[0].SellUserID)

	// Both commissions land on the same account.
	assertDec(t, "0.999", f.balance(t, "u1", "BTC").Free)
	assertDec(t, "49950", f.balance(t, "u1", "USDT").Free)
}

func TestSTPExpireTaker(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "BTC", "1")
	f.fund(t, "u1", "USDT", "50000")

	sell, _ := f.submit(t, limit("u1", core.SideSell, "1", "50000"))

	req := limit("u1", core.SideBuy, "0.5", "50000")
	req.STP = core.STPExpireTaker
	o, trades := f.submit(t, req)

	assert.Empty(t, trades)
	assert.Equal(t, core.OrderStatusExpiredInMatch, o.Status)
	assertDec(t, "0", o.FilledQty)

	resting, err := f.engine.QueryOrder("u1", "BTCUSDT", sell.OrderID, "")
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusNew, resting.Status)

	assertDec(t, "50000", f.balance(t, "u1", "USDT").Free)
	assertDec(t, "1", f.balance(t, "u1", "BTC").Locked)
}

func TestSTPExpireMaker(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "BTC", "1")
	f.fund(t, "u1", "USDT", "50000")

	sell, _ := f.submit(t, limit("u1", core.SideSell, "1", "50000"))

	req := limit("u1", core.SideBuy, "0.5", "50000")
	req.STP = core.STPExpireMaker
	o, trades := f.submit(t, req)

	assert.Empty(t, trades)
	assert.Equal(t, core.OrderStatusNew, o.Status)

	expired, err := f.engine.QueryOrder("u1", "BTCUSDT", sell.OrderID, "")
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusExpiredInMatch, expired.Status)

	// Maker's base released, taker still resting with its quote locked.
	assertDec(t, "1", f.balance(t, "u1", "BTC").Free)
	assertDec(t, "25000", f.balance(t, "u1", "USDT").Locked)

	depth := f.depth(t)
	assert.Empty(t, depth.Asks)
	require.Len(t, depth.Bids, 1)
}

func TestSTPExpireBoth(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "BTC", "1")
	f.fund(t, "u1", "USDT", "50000")

	sell, _ := f.submit(t, limit("u1", core.SideSell, "1", "50000"))

	req := limit("u1", core.SideBuy, "0.5", "50000")
	req.STP = core.STPExpireBoth
	o, trades := f.submit(t, req)

	assert.Empty(t, trades)
	assert.Equal(t, core.OrderStatusExpiredInMatch, o.Status)

	expired, err := f.engine.QueryOrder("u1", "BTCUSDT", sell.OrderID, "")
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusExpiredInMatch, expired.Status)

	assertDec(t, "1", f.balance(t, "u1", "BTC").Free)
	assertDec(t, "50000", f.balance(t, "u1", "USDT").Free)

	depth := f.depth(t)
	assert.Empty(t, depth.Asks)
	assert.Empty(t, depth.Bids)
}

func TestSTPIgnoresOtherUsersOrders(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "USDT", "100000")
	f.fund(t, "u2", "BTC", "1")

	f.submit(t, limit("u2", core.SideSell, "1", "50000"))

	req := limit("u1", core.SideBuy, "1", "50000")
	req.STP = core.STPExpireTaker
	o, trades := f.submit(t, req)

	require.Len(t, trades, 1)
	assert.Equal(t, core.OrderStatusFilled, o.Status)
}

func TestPriceMatchOpponent(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "USDT", "200000")
	f.fund(t, "u2", "BTC", "15")

	f.submit(t, limit("u2", core.SideSell, "10", "50010"))
	f.submit(t, limit("u2", core.SideSell, "5", "50015"))

	req := Request{
		Symbol:     "BTCUSDT",
		UserID:     "u1",
		Side:       core.SideBuy,
		Type:       core.OrderTypeLimit,
		Quantity:   d("3"),
		PriceMatch: core.PriceMatchOpponent,
	}
	o, trades := f.submit(t, req)

	assertDec(t, "50010", o.Price)
	require.Len(t, trades, 1)
	assertDec(t, "50010", trades[0].Price)
	assertDec(t, "3", trades[0].Quantity)
	assert.Equal(t, core.OrderStatusFilled, o.Status)
}

func TestPriceMatchQueueJoinsOwnSide(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "USDT", "100000")
	f.fund(t, "u2", "USDT", "100000")

	f.submit(t, limit("u2", core.SideBuy, "1", "49990"))

	req := Request{
		Symbol:     "BTCUSDT",
		UserID:     "u1",
		Side:       core.SideBuy,
		Type:       core.OrderTypeLimit,
		Quantity:   d("0.5"),
		PriceMatch: core.PriceMatchQueue,
	}
	o, trades := f.submit(t, req)

	assert.Empty(t, trades)
	assertDec(t, "49990", o.Price)
	assert.Equal(t, core.OrderStatusNew, o.Status)

	depth := f.depth(t)
	require.Len(t, depth.Bids, 1)
	assertDec(t, "1.5", depth.Bids[0].Quantity)
}

func TestPriceMatchWithoutReferenceRejected(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "USDT", "100000")

	req := Request{
		Symbol:     "BTCUSDT",
		UserID:     "u1",
		Side:       core.SideBuy,
		Type:       core.OrderTypeLimit,
		Quantity:   d("1"),
		PriceMatch: core.PriceMatchOpponent,
	}
	o, _, err := f.engine.SubmitOrder(req)
	assert.ErrorIs(t, err, apperrors.ErrNoReferencePrice)
	assert.Equal(t, core.OrderStatusRejected, o.Status)

	assertDec(t, "100000", f.balance(t, "u1", "USDT").Free)
}

func TestLimitMakerRejectedWhenCrossing(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "USDT", "100000")
	f.fund(t, "u2", "BTC", "1")

	f.submit(t, limit("u2", core.SideSell, "1", "50000"))

	req := limit("u1", core.SideBuy, "1", "50000")
	req.Type = core.OrderTypeLimitMaker
	o, _, err := f.engine.SubmitOrder(req)

	require.Error(t, err)
	assert.Equal(t, apperrors.CodeNewOrderRejected, apperrors.AsAPIError(err).Code)
	assert.Equal(t, core.OrderStatusRejected, o.Status)

	// Nothing was reserved and the book is untouched.
	assertDec(t, "100000", f.balance(t, "u1", "USDT").Free)
	require.Len(t, f.depth(t).Asks, 1)
}

func TestLimitMakerRestsWhenPassive(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "USDT", "100000")
	f.fund(t, "u2", "BTC", "1")

	f.submit(t, limit("u2", core.SideSell, "1", "50000"))

	req := limit("u1", core.SideBuy, "1", "49990")
	req.Type = core.OrderTypeLimitMaker
	o, trades := f.submit(t, req)

	assert.Empty(t, trades)
	assert.Equal(t, core.OrderStatusNew, o.Status)
	require.Len(t, f.depth(t).Bids, 1)
}

func TestMarketBuyByQuote(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "USDT", "100000")
	f.fund(t, "u2", "BTC", "1")

	f.submit(t, limit("u2", core.SideSell, "1", "50000"))

	o, trades := f.submit(t, marketQuote("u1", "25000"))
	require.Len(t, trades, 1)
	assertDec(t, "0.5", trades[0].Quantity)
	assert.Equal(t, core.OrderStatusFilled, o.Status)
	assertDec(t, "0.5", o.FilledQty)
	assertDec(t, "25000", o.FilledQuote)

	assertDec(t, "0.4995", f.balance(t, "u1", "BTC").Free)
	assertDec(t, "75000", f.balance(t, "u1", "USDT").Free)
	assertDec(t, "0", f.balance(t, "u1", "USDT").Locked)
}

func TestMarketBuyByQuoteExpiresWhenBookDrains(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "USDT", "100000")
	f.fund(t, "u2", "BTC", "0.1")

	f.submit(t, limit("u2", core.SideSell, "0.1", "50000"))

	o, trades := f.submit(t, marketQuote("u1", "25000"))
	require.Len(t, trades, 1)
	assertDec(t, "0.1", trades[0].Quantity)
	assert.Equal(t, core.OrderStatusExpired, o.Status)
	assertDec(t, "0.1", o.FilledQty)

	// Unspent budget comes back.
	assertDec(t, "95000", f.balance(t, "u1", "USDT").Free)
	assertDec(t, "0", f.balance(t, "u1", "USDT").Locked)
}

func TestMarketBuyOnEmptyBookExpires(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "USDT", "100000")

	o, trades := f.submit(t, market("u1", core.SideBuy, "1"))
	assert.Empty(t, trades)
	assert.Equal(t, core.OrderStatusExpired, o.Status)
	assertDec(t, "100000", f.balance(t, "u1", "USDT").Free)
	assertDec(t, "0", f.balance(t, "u1", "USDT").Locked)
}

func TestMarketSellPartialThenExpires(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "USDT", "100000")
	f.fund(t, "u2", "BTC", "1")

	f.submit(t, limit("u1", core.SideBuy, "0.5", "50000"))

	o, trades := f.submit(t, market("u2", core.SideSell, "1"))
	require.Len(t, trades, 1)
	assertDec(t, "0.5", trades[0].Quantity)
	assert.Equal(t, core.OrderStatusExpired, o.Status)
	assertDec(t, "0.5", o.FilledQty)

	assertDec(t, "0.5", f.balance(t, "u2", "BTC").Free)
	assertDec(t, "0", f.balance(t, "u2", "BTC").Locked)
	assertDec(t, "24975", f.balance(t, "u2", "USDT").Free)
}

func TestInsufficientFundsRejected(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "USDT", "100")

	o, _, err := f.engine.SubmitOrder(limit("u1", core.SideBuy, "1", "50000"))
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
	assert.Equal(t, core.OrderStatusRejected, o.Status)
	assert.Empty(t, f.depth(t).Bids)
	assertDec(t, "100", f.balance(t, "u1", "USDT").Free)
}

func TestDuplicateClientOrderIDRejected(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "USDT", "100000")
	f.fund(t, "u2", "USDT", "100000")

	req := limit("u1", core.SideBuy, "0.1", "50000")
	req.ClientOrderID = "my-order-1"
	f.submit(t, req)

	_, _, err := f.engine.SubmitOrder(req)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeNewOrderRejected, apperrors.AsAPIError(err).Code)

	// The same client id is fine for a different user.
	other := limit("u2", core.SideBuy, "0.1", "49000")
	other.ClientOrderID = "my-order-1"
	f.submit(t, other)

	// And again once the original reaches a terminal state.
	first, err := f.engine.CancelOrder("u1", "BTCUSDT", 0, "my-order-1")
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusCanceled, first.Status)
	f.submit(t, req)
}

func TestCancelOrderReleasesReservation(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "USDT", "100000")

	o, _ := f.submit(t, limit("u1", core.SideBuy, "1", "50000"))
	assertDec(t, "50000", f.balance(t, "u1", "USDT").Locked)

	canceled, err := f.engine.CancelOrder("u1", "BTCUSDT", o.OrderID, "")
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusCanceled, canceled.Status)

	assertDec(t, "100000", f.balance(t, "u1", "USDT").Free)
	assertDec(t, "0", f.balance(t, "u1", "USDT").Locked)
	assert.Empty(t, f.depth(t).Bids)
}

func TestCancelErrors(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "USDT", "100000")
	f.fund(t, "u2", "USDT", "100000")

	o, _ := f.submit(t, limit("u1", core.SideBuy, "1", "50000"))

	_, err := f.engine.CancelOrder("u1", "BTCUSDT", 99999, "")
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)

	_, err = f.engine.CancelOrder("u2", "BTCUSDT", o.OrderID, "")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeUnauthorized, apperrors.AsAPIError(err).Code)

	_, err = f.engine.CancelOrder("u1", "BTCUSDT", o.OrderID, "")
	require.NoError(t, err)

	// A terminal order cancels like an unknown one.
	_, err = f.engine.CancelOrder("u1", "BTCUSDT", o.OrderID, "")
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)
}

func TestCancelOpenOrders(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "USDT", "200000")
	f.fund(t, "u1", "BTC", "2")
	f.fund(t, "u2", "USDT", "100000")

	f.submit(t, limit("u1", core.SideBuy, "1", "49000"))
	f.submit(t, limit("u1", core.SideSell, "1", "51000"))
	stop := Request{
		Symbol:    "BTCUSDT",
		UserID:    "u1",
		Side:      core.SideSell,
		Type:      core.OrderTypeStopLoss,
		Quantity:  d("1"),
		StopPrice: d("48000"),
	}
	f.submit(t, stop)
	f.submit(t, limit("u2", core.SideBuy, "1", "48500"))

	canceled, err := f.engine.CancelOpenOrders("u1", "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, canceled, 3)
	for _, o := range canceled {
		assert.Equal(t, core.OrderStatusCanceled, o.Status)
	}

	assertDec(t, "200000", f.balance(t, "u1", "USDT").Free)
	assertDec(t, "2", f.balance(t, "u1", "BTC").Free)

	// The other user's order survives.
	open, err := f.engine.OpenOrders("u2", "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestStopLossLimitTriggersOnTrade(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "BTC", "1")
	f.fund(t, "u2", "USDT", "200000")
	f.fund(t, "u3", "BTC", "0.1")

	stop := Request{
		Symbol:    "BTCUSDT",
		UserID:    "u1",
		Side:      core.SideSell,
		Type:      core.OrderTypeStopLossLimit,
		Quantity:  d("1"),
		Price:     d("48990"),
		StopPrice: d("49000"),
	}
	parked, trades := f.submit(t, stop)
	assert.Empty(t, trades)
	assert.Equal(t, core.OrderStatusNew, parked.Status)

	// Parked orders hold no funds.
	assertDec(t, "1", f.balance(t, "u1", "BTC").Free)

	f.submit(t, limit("u2", core.SideBuy, "0.1", "49000"))
	f.submit(t, limit("u2", core.SideBuy, "1", "48990"))

	// This trade prints 49000 and fires the stop.
	_, trades = f.submit(t, market("u3", core.SideSell, "0.1"))
	require.Len(t, trades, 1)
	assertDec(t, "49000", trades[0].Price)

	fired, err := f.engine.QueryOrder("u1", "BTCUSDT", parked.OrderID, "")
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusFilled, fired.Status)
	assert.Equal(t, core.OrderTypeLimit, fired.Type)
	assertDec(t, "1", fired.FilledQty)

	assertDec(t, "48941.01", f.balance(t, "u1", "USDT").Free)
	assertDec(t, "0", f.balance(t, "u1", "BTC").Free)

	last, err := f.engine.LastTradePrice("BTCUSDT")
	require.NoError(t, err)
	assertDec(t, "48990", last)
}

func TestStopLossMarketTriggersOnMarketPrice(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "BTC", "1")
	f.fund(t, "u2", "USDT", "100000")

	f.submit(t, limit("u2", core.SideBuy, "0.5", "48000"))

	stop := Request{
		Symbol:    "BTCUSDT",
		UserID:    "u1",
		Side:      core.SideSell,
		Type:      core.OrderTypeStopLoss,
		Quantity:  d("1"),
		StopPrice: d("49000"),
	}
	parked, _ := f.submit(t, stop)

	f.engine.OnMarketPrice("BTCUSDT", d("48500"))

	fired, err := f.engine.QueryOrder("u1", "BTCUSDT", parked.OrderID, "")
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusExpired, fired.Status)
	assert.Equal(t, core.OrderTypeMarket, fired.Type)
	assertDec(t, "0.5", fired.FilledQty)

	assertDec(t, "0.5", f.balance(t, "u1", "BTC").Free)
	assertDec(t, "0", f.balance(t, "u1", "BTC").Locked)
	assertDec(t, "23976", f.balance(t, "u1", "USDT").Free)

	last, err := f.engine.LastTradePrice("BTCUSDT")
	require.NoError(t, err)
	assertDec(t, "48000", last)
}

func TestTakeProfitBuyTriggersOnFallingPrice(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "USDT", "100000")
	f.fund(t, "u2", "BTC", "0.1")

	f.submit(t, limit("u2", core.SideSell, "0.1", "50950"))

	tp := Request{
		Symbol:    "BTCUSDT",
		UserID:    "u1",
		Side:      core.SideBuy,
		Type:      core.OrderTypeTakeProfitLimit,
		Quantity:  d("0.1"),
		Price:     d("51000"),
		StopPrice: d("51000"),
	}
	parked, _ := f.submit(t, tp)

	// Above the stop nothing happens.
	f.engine.OnMarketPrice("BTCUSDT", d("52000"))
	still, err := f.engine.QueryOrder("u1", "BTCUSDT", parked.OrderID, "")
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusNew, still.Status)

	f.engine.OnMarketPrice("BTCUSDT", d("50900"))
	fired, err := f.engine.QueryOrder("u1", "BTCUSDT", parked.OrderID, "")
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusFilled, fired.Status)
	assertDec(t, "0.0999", f.balance(t, "u1", "BTC").Free)
}

func TestStopRejectedAtTriggerWhenFundsGone(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "BTC", "1")

	stop := Request{
		Symbol:    "BTCUSDT",
		UserID:    "u1",
		Side:      core.SideSell,
		Type:      core.OrderTypeStopLoss,
		Quantity:  d("1"),
		StopPrice: d("49000"),
	}
	parked, _ := f.submit(t, stop)

	// The parked order holds nothing, so the balance can walk away.
	require.NoError(t, f.accounts.Withdraw("u1", "BTC", d("1")))

	f.engine.OnMarketPrice("BTCUSDT", d("48000"))

	fired, err := f.engine.QueryOrder("u1", "BTCUSDT", parked.OrderID, "")
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusRejected, fired.Status)
}

func TestStopParkRequiresFunds(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "USDT", "1")

	stop := Request{
		Symbol:    "BTCUSDT",
		UserID:    "u1",
		Side:      core.SideSell,
		Type:      core.OrderTypeStopLoss,
		Quantity:  d("1"),
		StopPrice: d("49000"),
	}
	o, _, err := f.engine.SubmitOrder(stop)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
	assert.Equal(t, core.OrderStatusRejected, o.Status)

	open, err := f.engine.OpenOrders("u1", "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestQueryOrder(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "USDT", "100000")
	f.fund(t, "u2", "USDT", "100000")

	req := limit("u1", core.SideBuy, "1", "50000")
	req.ClientOrderID = "lookup-me"
	o, _ := f.submit(t, req)

	byID, err := f.engine.QueryOrder("u1", "BTCUSDT", o.OrderID, "")
	require.NoError(t, err)
	assert.Equal(t, o.OrderID, byID.OrderID)

	byClient, err := f.engine.QueryOrder("u1", "BTCUSDT", 0, "lookup-me")
	require.NoError(t, err)
	assert.Equal(t, o.OrderID, byClient.OrderID)

	// Another user cannot see it.
	_, err = f.engine.QueryOrder("u2", "BTCUSDT", o.OrderID, "")
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)

	// Terminal orders stay queryable.
	_, err = f.engine.CancelOrder("u1", "BTCUSDT", o.OrderID, "")
	require.NoError(t, err)
	gone, err := f.engine.QueryOrder("u1", "BTCUSDT", o.OrderID, "")
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusCanceled, gone.Status)

	gone, err = f.engine.QueryOrder("u1", "BTCUSDT", 0, "lookup-me")
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusCanceled, gone.Status)

	_, err = f.engine.QueryOrder("u1", "BTCUSDT", 424242, "")
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)
}

func TestOpenOrdersAndAllOrders(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "USDT", "300000")
	f.fund(t, "u2", "BTC", "1")

	a, _ := f.submit(t, limit("u1", core.SideBuy, "1", "49000"))
	b, _ := f.submit(t, limit("u1", core.SideBuy, "1", "49100"))
	f.submit(t, limit("u2", core.SideSell, "1", "49100"))

	open, err := f.engine.OpenOrders("u1", "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, a.OrderID, open[0].OrderID)

	all, err := f.engine.AllOrders("u1", "BTCUSDT", 0, 0, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, a.OrderID, all[0].OrderID)
	assert.Equal(t, b.OrderID, all[1].OrderID)
	assert.Equal(t, core.OrderStatusFilled, all[1].Status)

	// fromID filters out earlier orders.
	all, err = f.engine.AllOrders("u1", "BTCUSDT", b.OrderID, 0, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, b.OrderID, all[0].OrderID)

	// limit caps the result.
	all, err = f.engine.AllOrders("u1", "BTCUSDT", 0, 0, 0, 1)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestOpenOrdersAcrossSymbols(t *testing.T) {
	f := newFixture(t)
	eth := core.SymbolSpec{
		Symbol:         "ETHUSDT",
		BaseAsset:      "ETH",
		QuoteAsset:     "USDT",
		Price:          core.PriceFilter{Min: d("0.01"), Max: d("1000000"), Tick: d("0.01")},
		Lot:            core.LotFilter{Min: d("0.0001"), Max: d("100000"), Step: d("0.0001")},
		MinNotional:    d("5"),
		BasePrecision:  4,
		QuotePrecision: 2,
	}
	require.NoError(t, f.engine.RegisterSymbol(eth))
	f.fund(t, "u1", "USDT", "100000")

	f.submit(t, limit("u1", core.SideBuy, "0.1", "50000"))
	ethReq := limit("u1", core.SideBuy, "1", "3000")
	ethReq.Symbol = "ETHUSDT"
	f.submit(t, ethReq)

	open, err := f.engine.OpenOrders("u1", "")
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestUnknownSymbolRejected(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "USDT", "100000")

	req := limit("u1", core.SideBuy, "1", "50000")
	req.Symbol = "DOGEUSDT"
	_, _, err := f.engine.SubmitOrder(req)
	assert.ErrorIs(t, err, apperrors.ErrInvalidSymbol)

	_, err = f.engine.Depth("DOGEUSDT", 0)
	assert.ErrorIs(t, err, apperrors.ErrInvalidSymbol)
}

func TestEventSequenceForFill(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "USDT", "100000")
	f.fund(t, "u2", "BTC", "1")

	maker, _ := f.submit(t, limit("u2", core.SideSell, "1", "50000"))
	f.events.reset()

	taker, _ := f.submit(t, limit("u1", core.SideBuy, "1", "50000"))

	types := make([]core.EventType, 0)
	for _, ev := range f.events.all() {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []core.EventType{
		core.EventOrderUpdate, // taker NEW
		core.EventTrade,
		core.EventOrderUpdate, // maker FILLED
		core.EventOrderUpdate, // taker FILLED
		core.EventDepthUpdate,
		core.EventAccountUpdate,
		core.EventAccountUpdate,
	}, types)

	takerUpdates := f.events.orderUpdates(taker.OrderID)
	require.Len(t, takerUpdates, 2)
	assert.Equal(t, core.ExecNew, takerUpdates[0].Exec)
	assert.Equal(t, core.OrderStatusNew, takerUpdates[0].Order.Status)
	assert.Equal(t, core.ExecTrade, takerUpdates[1].Exec)
	assert.Equal(t, core.OrderStatusFilled, takerUpdates[1].Order.Status)

	makerUpdates := f.events.orderUpdates(maker.OrderID)
	require.Len(t, makerUpdates, 1)
	assert.Equal(t, core.ExecTrade, makerUpdates[0].Exec)
	assert.Equal(t, core.OrderStatusFilled, makerUpdates[0].Order.Status)
}

func TestEmittedOrdersAreDetachedCopies(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "USDT", "100000")
	f.fund(t, "u2", "BTC", "1")

	f.submit(t, limit("u2", core.SideSell, "1", "50000"))
	f.events.reset()

	f.submit(t, limit("u1", core.SideBuy, "0.4", "50000"))

	// The maker keeps filling after this event; the event must not see it.
	updates := f.events.byType(core.EventOrderUpdate)
	var makerUpdate *core.Order
	for _, ev := range updates {
		if ev.Order.Side == core.SideSell {
			makerUpdate = ev.Order
		}
	}
	require.NotNil(t, makerUpdate)
	assertDec(t, "0.4", makerUpdate.FilledQty)

	f.submit(t, limit("u1", core.SideBuy, "0.6", "50000"))
	assertDec(t, "0.4", makerUpdate.FilledQty)
}

func TestDepthDiffContinuity(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "USDT", "300000")
	f.fund(t, "u2", "BTC", "2")

	f.submit(t, limit("u1", core.SideBuy, "1", "49000"))
	f.submit(t, limit("u2", core.SideSell, "1", "50000"))
	f.submit(t, limit("u1", core.SideBuy, "1", "50000"))

	diffs := f.events.byType(core.EventDepthUpdate)
	require.GreaterOrEqual(t, len(diffs), 3)
	for i := 1; i < len(diffs); i++ {
		prev, cur := diffs[i-1].Depth, diffs[i].Depth
		assert.Equal(t, prev.FinalUpdateID+1, cur.FirstUpdateID)
	}

	// The final diff removes the consumed ask level.
	last := diffs[len(diffs)-1].Depth
	require.Len(t, last.Asks, 1)
	assertDec(t, "50000", last.Asks[0].Price)
	assertDec(t, "0", last.Asks[0].Quantity)

	depth := f.depth(t)
	assert.Equal(t, last.FinalUpdateID, depth.LastUpdateID)
}

func TestTradeIDsIncreasePerSymbol(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "USDT", "300000")
	f.fund(t, "u2", "BTC", "3")

	f.submit(t, limit("u2", core.SideSell, "3", "50000"))
	_, t1 := f.submit(t, limit("u1", core.SideBuy, "1", "50000"))
	_, t2 := f.submit(t, limit("u1", core.SideBuy, "1", "50000"))
	_, t3 := f.submit(t, limit("u1", core.SideBuy, "1", "50000"))

	require.Len(t, t1, 1)
	require.Len(t, t2, 1)
	require.Len(t, t3, 1)
	assert.Equal(t, int64(1), t1[0].TradeID)
	assert.Equal(t, int64(2), t2[0].TradeID)
	assert.Equal(t, int64(3), t3[0].TradeID)
}

func TestConservationAcrossMixedFlow(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "USDT", "100000")
	f.fund(t, "u2", "BTC", "2")
	f.fund(t, "u3", "USDT", "50000")

	f.submit(t, limit("u2", core.SideSell, "1", "50000"))
	f.submit(t, limit("u1", core.SideBuy, "0.7", "50000"))
	f.submit(t, marketQuote("u3", "10000"))
	f.submit(t, limit("u1", core.SideBuy, "1", "49000"))
	_, err := f.engine.CancelOpenOrders("u1", "BTCUSDT")
	require.NoError(t, err)
	require.NoError(t, f.accounts.Withdraw("u3", "USDT", d("1000")))

	totals := f.accounts.Totals()
	for _, asset := range []string{"BTC", "USDT"} {
		want := totals.Deposits[asset].
			Sub(totals.Withdrawals[asset]).
			Sub(totals.Commissions[asset])
		got := f.accounts.SumByAsset(asset)
		assert.True(t, got.Equal(want), "%s: want %s, got %s", asset, want, got)
	}
}

func TestSnapshotAndRestoreOpenOrders(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "USDT", "200000")
	f.fund(t, "u1", "BTC", "1")

	f.submit(t, limit("u1", core.SideBuy, "1", "49000"))
	stop := Request{
		Symbol:    "BTCUSDT",
		UserID:    "u1",
		Side:      core.SideSell,
		Type:      core.OrderTypeStopLoss,
		Quantity:  d("1"),
		StopPrice: d("48000"),
	}
	f.submit(t, stop)

	snapshot := f.engine.OpenOrdersSnapshot()
	require.Len(t, snapshot, 2)

	// Rebuild a fresh engine from the snapshot.
	g := newFixture(t)
	g.fund(t, "u1", "USDT", "200000")
	g.fund(t, "u1", "BTC", "1")
	require.NoError(t, g.accounts.Reserve("u1", "USDT", d("49000")))
	for _, o := range snapshot {
		require.NoError(t, g.engine.RestoreOrder(o))
	}

	open, err := g.engine.OpenOrders("u1", "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, open, 2)

	// Restored ids stay unique: the next order must not collide.
	next, _ := g.submit(t, limit("u1", core.SideBuy, "0.1", "48500"))
	for _, o := range snapshot {
		assert.NotEqual(t, o.OrderID, next.OrderID)
	}

	// The restored bid still matches.
	g.fund(t, "u2", "BTC", "1")
	_, trades := g.submit(t, market("u2", core.SideSell, "1"))
	require.Len(t, trades, 1)
	assertDec(t, "49000", trades[0].Price)
}
