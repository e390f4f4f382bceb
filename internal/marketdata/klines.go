package marketdata

import (
	"virtual_exchange/internal/core"

	"github.com/shopspring/decimal"
)

// maxBarsPerSeries bounds the in-memory history of one interval.
const maxBarsPerSeries = 1000

// barSample is one contribution to a kline: a trade, a replayed tick,
// or a replayed bar flattened to its OHLC.
type barSample struct {
	ts            int64
	open          decimal.Decimal
	high          decimal.Decimal
	low           decimal.Decimal
	close         decimal.Decimal
	volume        decimal.Decimal
	quote         decimal.Decimal
	takerBuyBase  decimal.Decimal
	takerBuyQuote decimal.Decimal
	trades        int64
}

// klineSeries aggregates samples into bars for one interval. Bars exist
// only where samples landed; the final bar stays open until a sample
// arrives in a later bucket.
type klineSeries struct {
	symbol   string
	interval string
	bars     []core.Kline
}

func newKlineSeries(symbol, interval string) *klineSeries {
	return &klineSeries{symbol: symbol, interval: interval}
}

func (s *klineSeries) apply(smp barSample) {
	open := bucketStart(s.interval, smp.ts)

	if n := len(s.bars); n > 0 && s.bars[n-1].OpenTime == open {
		bar := &s.bars[n-1]
		if smp.high.GreaterThan(bar.High) {
			bar.High = smp.high
		}
		if smp.low.LessThan(bar.Low) {
			bar.Low = smp.low
		}
		bar.Close = smp.close
		bar.Volume = bar.Volume.Add(smp.volume)
		bar.QuoteVolume = bar.QuoteVolume.Add(smp.quote)
		bar.TradeCount += smp.trades
		bar.TakerBuyBase = bar.TakerBuyBase.Add(smp.takerBuyBase)
		bar.TakerBuyQuote = bar.TakerBuyQuote.Add(smp.takerBuyQuote)
		return
	}

	if n := len(s.bars); n > 0 {
		s.bars[n-1].Closed = true
	}
	s.bars = append(s.bars, core.Kline{
		Symbol:        s.symbol,
		Interval:      s.interval,
		OpenTime:      open,
		CloseTime:     bucketClose(s.interval, open),
		Open:          smp.open,
		High:          smp.high,
		Low:           smp.low,
		Close:         smp.close,
		Volume:        smp.volume,
		QuoteVolume:   smp.quote,
		TradeCount:    smp.trades,
		TakerBuyBase:  smp.takerBuyBase,
		TakerBuyQuote: smp.takerBuyQuote,
	})
	if len(s.bars) > maxBarsPerSeries {
		s.bars = append(s.bars[:0], s.bars[len(s.bars)-maxBarsPerSeries:]...)
	}
}

// window returns bars filtered by open time. With a start time the
// earliest matching bars win; otherwise the most recent ones do.
func (s *klineSeries) window(startTime, endTime int64, limit int) []core.Kline {
	var out []core.Kline
	for _, bar := range s.bars {
		if startTime > 0 && bar.OpenTime < startTime {
			continue
		}
		if endTime > 0 && bar.OpenTime > endTime {
			continue
		}
		out = append(out, bar)
	}
	if limit > 0 && len(out) > limit {
		if startTime > 0 {
			out = out[:limit]
		} else {
			out = out[len(out)-limit:]
		}
	}
	return out
}

func (s *klineSeries) current() (core.Kline, bool) {
	if len(s.bars) == 0 {
		return core.Kline{}, false
	}
	return s.bars[len(s.bars)-1], true
}
