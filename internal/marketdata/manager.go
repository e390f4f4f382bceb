// Package marketdata maintains the exchange's public market data: the
// recent-trade ring, kline aggregation across every supported interval,
// rolling 24h statistics, the 5-minute average price window, and a depth
// cache fed by the engine's diff stream.
package marketdata

import (
	"fmt"
	"sort"
	"sync"
	"virtual_exchange/internal/core"
	apperrors "virtual_exchange/pkg/errors"

	"github.com/shopspring/decimal"
)

const (
	defaultTradeCapacity = 1000
	avgPriceWindowMs     = 5 * 60 * 1000
	statsWindowMs        = 24 * 60 * 60 * 1000
)

// sample is one price/volume observation inside the rolling stats
// window. Replayed market data carries tradeID zero.
type sample struct {
	ts      int64
	price   decimal.Decimal
	qty     decimal.Decimal
	quote   decimal.Decimal
	tradeID int64
}

type symbolData struct {
	mu     sync.Mutex
	symbol string

	trades *tradeRing
	klines map[string]*klineSeries

	lastPrice     decimal.Decimal
	lastQty       decimal.Decimal
	lastTradeTime int64

	samples     []sample
	volumeSum   decimal.Decimal
	quoteSum    decimal.Decimal
	windowCount int64

	bids          map[string]core.PriceLevel
	asks          map[string]core.PriceLevel
	depthUpdateID int64
}

func newSymbolData(symbol string, tradeCapacity int) *symbolData {
	return &symbolData{
		symbol: symbol,
		trades: newTradeRing(tradeCapacity),
		klines: make(map[string]*klineSeries, len(Intervals)),
		bids:   make(map[string]core.PriceLevel),
		asks:   make(map[string]core.PriceLevel),
	}
}

func (s *symbolData) series(interval string) *klineSeries {
	ks, ok := s.klines[interval]
	if !ok {
		ks = newKlineSeries(s.symbol, interval)
		s.klines[interval] = ks
	}
	return ks
}

// Manager is the market data hub. One instance serves all symbols; the
// exchange facade feeds it trades, replayed points, and depth diffs.
type Manager struct {
	mu      sync.RWMutex
	symbols map[string]*symbolData

	clock         core.IClock
	logger        core.ILogger
	tradeCapacity int
}

// NewManager creates an empty market data manager. tradeCapacity sizes
// the per-symbol recent-trade ring; zero or negative picks the default.
func NewManager(clock core.IClock, logger core.ILogger, tradeCapacity int) *Manager {
	if tradeCapacity <= 0 {
		tradeCapacity = defaultTradeCapacity
	}
	return &Manager{
		symbols:       make(map[string]*symbolData),
		clock:         clock,
		logger:        logger.WithField("component", "marketdata"),
		tradeCapacity: tradeCapacity,
	}
}

// RegisterSymbol starts tracking a symbol. Registering twice is a no-op.
func (m *Manager) RegisterSymbol(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.symbols[symbol]; !ok {
		m.symbols[symbol] = newSymbolData(symbol, m.tradeCapacity)
	}
}

func (m *Manager) data(symbol string) (*symbolData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sd, ok := m.symbols[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	return sd, nil
}

// Symbols returns every tracked symbol, sorted.
func (m *Manager) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.symbols))
	for name := range m.symbols {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// OnTrade ingests one executed trade into the ring, the stats window,
// and every kline interval.
func (m *Manager) OnTrade(t *core.Trade) {
	sd, err := m.data(t.Symbol)
	if err != nil {
		return
	}
	sd.mu.Lock()
	defer sd.mu.Unlock()

	sd.trades.push(*t)
	sd.lastPrice = t.Price
	sd.lastQty = t.Quantity
	sd.lastTradeTime = t.Timestamp

	sd.addSample(sample{
		ts:      t.Timestamp,
		price:   t.Price,
		qty:     t.Quantity,
		quote:   t.QuoteQuantity,
		tradeID: t.TradeID,
	})

	smp := barSample{
		ts:     t.Timestamp,
		open:   t.Price,
		high:   t.Price,
		low:    t.Price,
		close:  t.Price,
		volume: t.Quantity,
		quote:  t.QuoteQuantity,
		trades: 1,
	}
	if !t.IsBuyerMaker {
		smp.takerBuyBase = t.Quantity
		smp.takerBuyQuote = t.QuoteQuantity
	}
	for _, interval := range Intervals {
		sd.series(interval).apply(smp)
	}
}

// OnMarketData ingests one replayed data point. Bars contribute their
// full OHLC to the klines; ticks contribute a single price.
func (m *Manager) OnMarketData(p *core.DataPoint) {
	price := p.LastPrice()
	if !price.IsPositive() {
		return
	}
	sd, err := m.data(p.Symbol)
	if err != nil {
		return
	}
	sd.mu.Lock()
	defer sd.mu.Unlock()

	sd.lastPrice = price
	sd.addSample(sample{
		ts:    p.Timestamp,
		price: price,
		qty:   p.Volume,
		quote: price.Mul(p.Volume),
	})

	smp := barSample{
		ts:     p.Timestamp,
		open:   price,
		high:   price,
		low:    price,
		close:  price,
		volume: p.Volume,
		quote:  price.Mul(p.Volume),
		trades: 1,
	}
	if p.Kind == core.DataKindBar {
		smp.open = p.Open
		smp.high = p.High
		smp.low = p.Low
		smp.close = p.Close
	}
	for _, interval := range Intervals {
		sd.series(interval).apply(smp)
	}
}

// addSample appends to the stats window and prunes everything older
// than 24 hours. Caller holds sd.mu.
func (sd *symbolData) addSample(smp sample) {
	sd.samples = append(sd.samples, smp)
	sd.volumeSum = sd.volumeSum.Add(smp.qty)
	sd.quoteSum = sd.quoteSum.Add(smp.quote)
	sd.windowCount++
	sd.prune(smp.ts - statsWindowMs)
}

func (sd *symbolData) prune(cutoff int64) {
	drop := 0
	for drop < len(sd.samples) && sd.samples[drop].ts < cutoff {
		sd.volumeSum = sd.volumeSum.Sub(sd.samples[drop].qty)
		sd.quoteSum = sd.quoteSum.Sub(sd.samples[drop].quote)
		sd.windowCount--
		drop++
	}
	if drop > 0 {
		sd.samples = append(sd.samples[:0:0], sd.samples[drop:]...)
	}
}

// ApplyDepthDiff folds an engine depth diff into the cached book view.
// Quantities are absolute level totals; zero removes the level.
func (m *Manager) ApplyDepthDiff(diff *core.DepthDiff) {
	sd, err := m.data(diff.Symbol)
	if err != nil {
		return
	}
	sd.mu.Lock()
	defer sd.mu.Unlock()

	applyLevels(sd.bids, diff.Bids)
	applyLevels(sd.asks, diff.Asks)
	sd.depthUpdateID = diff.FinalUpdateID
}

func applyLevels(side map[string]core.PriceLevel, levels []core.PriceLevel) {
	for _, lvl := range levels {
		key := lvl.Price.StringFixed(8)
		if lvl.Quantity.IsPositive() {
			side[key] = lvl
		} else {
			delete(side, key)
		}
	}
}

// LatestPrice returns the most recent trade or replay price.
func (m *Manager) LatestPrice(symbol string) (decimal.Decimal, bool) {
	sd, err := m.data(symbol)
	if err != nil {
		return decimal.Zero, false
	}
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return sd.lastPrice, sd.lastPrice.IsPositive()
}

// RecentTrades returns up to limit trades, oldest first, newest last.
func (m *Manager) RecentTrades(symbol string, limit int) ([]core.Trade, error) {
	sd, err := m.data(symbol)
	if err != nil {
		return nil, err
	}
	sd.mu.Lock()
	defer sd.mu.Unlock()

	trades := sd.trades.asc()
	if limit > 0 && len(trades) > limit {
		trades = trades[len(trades)-limit:]
	}
	return trades, nil
}

// Klines returns aggregated bars for the interval. A start time selects
// the earliest matching bars; without one the most recent bars win.
func (m *Manager) Klines(symbol, interval string, startTime, endTime int64, limit int) ([]core.Kline, error) {
	if !ValidInterval(interval) {
		return nil, fmt.Errorf("%w: interval %s", apperrors.ErrInvalidOrderParameter, interval)
	}
	sd, err := m.data(symbol)
	if err != nil {
		return nil, err
	}
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return sd.series(interval).window(startTime, endTime, limit), nil
}

// CurrentKline returns the open bar for the interval, if any.
func (m *Manager) CurrentKline(symbol, interval string) (core.Kline, bool) {
	if !ValidInterval(interval) {
		return core.Kline{}, false
	}
	sd, err := m.data(symbol)
	if err != nil {
		return core.Kline{}, false
	}
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return sd.series(interval).current()
}

// Reset drops all collected data for the symbol, keeping it registered.
func (m *Manager) Reset(symbol string) {
	sd, err := m.data(symbol)
	if err != nil {
		return
	}
	sd.mu.Lock()
	defer sd.mu.Unlock()

	fresh := newSymbolData(sd.symbol, sd.trades.capacity())
	sd.trades = fresh.trades
	sd.klines = fresh.klines
	sd.lastPrice = decimal.Zero
	sd.lastQty = decimal.Zero
	sd.lastTradeTime = 0
	sd.samples = nil
	sd.volumeSum = decimal.Zero
	sd.quoteSum = decimal.Zero
	sd.windowCount = 0
	sd.bids = fresh.bids
	sd.asks = fresh.asks
	sd.depthUpdateID = 0
}

// ResetAll drops collected data for every symbol.
func (m *Manager) ResetAll() {
	for _, symbol := range m.Symbols() {
		m.Reset(symbol)
	}
}

// Stats summarizes what the manager holds, for health reporting.
type Stats struct {
	Symbols      int
	TradesStored int
	BarsStored   int
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Stats{Symbols: len(m.symbols)}
	for _, sd := range m.symbols {
		sd.mu.Lock()
		st.TradesStored += sd.trades.len()
		for _, ks := range sd.klines {
			st.BarsStored += len(ks.bars)
		}
		sd.mu.Unlock()
	}
	return st
}

// tradeRing is a fixed-capacity ring of recent trades.
type tradeRing struct {
	buf  []core.Trade
	head int
	size int
}

func newTradeRing(capacity int) *tradeRing {
	if capacity <= 0 {
		capacity = defaultTradeCapacity
	}
	return &tradeRing{buf: make([]core.Trade, capacity)}
}

func (r *tradeRing) push(t core.Trade) {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = t
		r.size++
		return
	}
	r.buf[r.head] = t
	r.head = (r.head + 1) % len(r.buf)
}

// asc returns the ring contents oldest first.
func (r *tradeRing) asc() []core.Trade {
	out := make([]core.Trade, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

func (r *tradeRing) len() int      { return r.size }
func (r *tradeRing) capacity() int { return len(r.buf) }
