package marketdata

import (
	"virtual_exchange/internal/core"

	"github.com/shopspring/decimal"
)

// Ticker24h is the rolling 24-hour statistics object for one symbol.
type Ticker24h struct {
	Symbol             string
	PriceChange        decimal.Decimal
	PriceChangePercent decimal.Decimal
	WeightedAvgPrice   decimal.Decimal
	PrevClosePrice     decimal.Decimal
	LastPrice          decimal.Decimal
	LastQty            decimal.Decimal
	BidPrice           decimal.Decimal
	BidQty             decimal.Decimal
	AskPrice           decimal.Decimal
	AskQty             decimal.Decimal
	OpenPrice          decimal.Decimal
	HighPrice          decimal.Decimal
	LowPrice           decimal.Decimal
	Volume             decimal.Decimal
	QuoteVolume        decimal.Decimal
	OpenTime           int64
	CloseTime          int64
	FirstTradeID       int64
	LastTradeID        int64
	TradeCount         int64
}

// AvgPrice is the 5-minute volume-weighted average price.
type AvgPrice struct {
	Mins      int
	Price     decimal.Decimal
	CloseTime int64
}

// BookTicker is the best bid and ask with their level quantities.
type BookTicker struct {
	Symbol   string
	UpdateID int64
	BidPrice decimal.Decimal
	BidQty   decimal.Decimal
	AskPrice decimal.Decimal
	AskQty   decimal.Decimal
}

// AggTrade groups consecutive fills of one taker order at one price.
type AggTrade struct {
	ID           int64
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	FirstTradeID int64
	LastTradeID  int64
	Timestamp    int64
	IsBuyerMaker bool
}

// Ticker24h computes the rolling statistics from the sample window and
// the cached book view.
func (m *Manager) Ticker24h(symbol string) (Ticker24h, error) {
	sd, err := m.data(symbol)
	if err != nil {
		return Ticker24h{}, err
	}
	now := m.clock.NowMs()

	sd.mu.Lock()
	defer sd.mu.Unlock()
	sd.prune(now - statsWindowMs)

	tk := Ticker24h{
		Symbol:    symbol,
		LastPrice: sd.lastPrice,
		LastQty:   sd.lastQty,
		OpenTime:  now - statsWindowMs,
		CloseTime: now,
	}
	tk.BidPrice, tk.BidQty = bestLevel(sd.bids, true)
	tk.AskPrice, tk.AskQty = bestLevel(sd.asks, false)

	if len(sd.samples) == 0 {
		tk.PrevClosePrice = sd.lastPrice
		tk.OpenPrice = sd.lastPrice
		tk.HighPrice = sd.lastPrice
		tk.LowPrice = sd.lastPrice
		tk.WeightedAvgPrice = sd.lastPrice
		return tk, nil
	}

	tk.OpenPrice = sd.samples[0].price
	tk.PrevClosePrice = tk.OpenPrice
	tk.HighPrice = sd.samples[0].price
	tk.LowPrice = sd.samples[0].price
	for _, smp := range sd.samples {
		if smp.price.GreaterThan(tk.HighPrice) {
			tk.HighPrice = smp.price
		}
		if smp.price.LessThan(tk.LowPrice) {
			tk.LowPrice = smp.price
		}
		if smp.tradeID > 0 {
			if tk.FirstTradeID == 0 {
				tk.FirstTradeID = smp.tradeID
			}
			tk.LastTradeID = smp.tradeID
			tk.TradeCount++
		}
	}

	tk.Volume = sd.volumeSum
	tk.QuoteVolume = sd.quoteSum
	if sd.volumeSum.IsPositive() {
		tk.WeightedAvgPrice = sd.quoteSum.DivRound(sd.volumeSum, 8)
	} else {
		tk.WeightedAvgPrice = sd.lastPrice
	}
	tk.PriceChange = tk.LastPrice.Sub(tk.OpenPrice)
	if tk.OpenPrice.IsPositive() {
		tk.PriceChangePercent = tk.PriceChange.
			Mul(decimal.New(100, 0)).
			DivRound(tk.OpenPrice, 3)
	}
	return tk, nil
}

// AvgPrice computes the volume-weighted price over the last 5 minutes,
// falling back to the last price when the window carries no volume.
func (m *Manager) AvgPrice(symbol string) (AvgPrice, error) {
	sd, err := m.data(symbol)
	if err != nil {
		return AvgPrice{}, err
	}
	now := m.clock.NowMs()

	sd.mu.Lock()
	defer sd.mu.Unlock()

	cutoff := now - avgPriceWindowMs
	volume, quote := decimal.Zero, decimal.Zero
	for i := len(sd.samples) - 1; i >= 0; i-- {
		if sd.samples[i].ts < cutoff {
			break
		}
		volume = volume.Add(sd.samples[i].qty)
		quote = quote.Add(sd.samples[i].quote)
	}

	ap := AvgPrice{Mins: 5, CloseTime: now}
	if sd.lastTradeTime > 0 {
		ap.CloseTime = sd.lastTradeTime
	}
	if volume.IsPositive() {
		ap.Price = quote.DivRound(volume, 8)
	} else {
		ap.Price = sd.lastPrice
	}
	return ap, nil
}

// BookTicker returns the best bid/ask from the cached book view.
func (m *Manager) BookTicker(symbol string) (BookTicker, error) {
	sd, err := m.data(symbol)
	if err != nil {
		return BookTicker{}, err
	}
	sd.mu.Lock()
	defer sd.mu.Unlock()

	bt := BookTicker{Symbol: symbol, UpdateID: sd.depthUpdateID}
	bt.BidPrice, bt.BidQty = bestLevel(sd.bids, true)
	bt.AskPrice, bt.AskQty = bestLevel(sd.asks, false)
	return bt, nil
}

func bestLevel(side map[string]core.PriceLevel, highest bool) (decimal.Decimal, decimal.Decimal) {
	var best core.PriceLevel
	found := false
	for _, lvl := range side {
		if !found {
			best = lvl
			found = true
			continue
		}
		if highest && lvl.Price.GreaterThan(best.Price) {
			best = lvl
		}
		if !highest && lvl.Price.LessThan(best.Price) {
			best = lvl
		}
	}
	return best.Price, best.Quantity
}

// AggTrades compacts the recent-trade ring: consecutive fills produced
// by the same taker order at the same price merge into one entry. The
// aggregate id is the first trade id of the run.
func (m *Manager) AggTrades(symbol string, fromID int64, limit int) ([]AggTrade, error) {
	sd, err := m.data(symbol)
	if err != nil {
		return nil, err
	}
	sd.mu.Lock()
	trades := sd.trades.asc()
	sd.mu.Unlock()

	var out []AggTrade
	for _, t := range trades {
		taker := t.BuyOrderID
		if t.IsBuyerMaker {
			taker = t.SellOrderID
		}
		if n := len(out); n > 0 {
			last := &out[n-1]
			lastTaker := lastTakerOrder(trades, last.LastTradeID)
			if lastTaker == taker && last.Price.Equal(t.Price) && last.IsBuyerMaker == t.IsBuyerMaker {
				last.Quantity = last.Quantity.Add(t.Quantity)
				last.LastTradeID = t.TradeID
				last.Timestamp = t.Timestamp
				continue
			}
		}
		out = append(out, AggTrade{
			ID:           t.TradeID,
			Price:        t.Price,
			Quantity:     t.Quantity,
			FirstTradeID: t.TradeID,
			LastTradeID:  t.TradeID,
			Timestamp:    t.Timestamp,
			IsBuyerMaker: t.IsBuyerMaker,
		})
	}

	if fromID > 0 {
		keep := out[:0]
		for _, at := range out {
			if at.ID >= fromID {
				keep = append(keep, at)
			}
		}
		out = keep
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func lastTakerOrder(trades []core.Trade, tradeID int64) int64 {
	for i := len(trades) - 1; i >= 0; i-- {
		if trades[i].TradeID == tradeID {
			if trades[i].IsBuyerMaker {
				return trades[i].SellOrderID
			}
			return trades[i].BuyOrderID
		}
	}
	return 0
}
