package datasource

import (
	"context"
	"fmt"
	"time"
	"virtual_exchange/internal/config"
	"virtual_exchange/internal/core"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
)

// klinesPerRequest is the Binance maximum for one klines call.
const klinesPerRequest = 1000

// BinanceLoader pulls historical klines from the Binance REST API and
// materializes them as a SliceSource. Public kline endpoints work
// without credentials; keys from the data config are used when present.
type BinanceLoader struct {
	client *binance.Client
	logger core.ILogger
}

// NewBinanceLoader creates a loader from the data config.
func NewBinanceLoader(cfg config.DataConfig, logger core.ILogger) *BinanceLoader {
	client := binance.NewClient(string(cfg.BinanceAPIKey), string(cfg.BinanceSecretKey))
	return &BinanceLoader{
		client: client,
		logger: logger.WithField("component", "binance_loader"),
	}
}

// LoadKlines downloads the [startTime, endTime] window for one symbol
// and interval, paging through the API, and returns the bars as a
// replayable source. Timestamps are unix milliseconds.
func (l *BinanceLoader) LoadKlines(ctx context.Context, symbol, interval string, startTime, endTime int64) (*SliceSource, error) {
	var points []core.DataPoint
	cursor := startTime

	for cursor < endTime {
		klines, err := l.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(cursor).
			EndTime(endTime).
			Limit(klinesPerRequest).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch klines %s %s: %w", symbol, interval, err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			p, err := klineToPoint(symbol, k)
			if err != nil {
				return nil, fmt.Errorf("parse kline at %d: %w", k.OpenTime, err)
			}
			points = append(points, p)
		}

		last := klines[len(klines)-1]
		next := last.CloseTime + 1
		if next <= cursor {
			break
		}
		cursor = next
		if len(klines) < klinesPerRequest {
			break
		}
	}

	l.logger.Info("historical klines loaded",
		"symbol", symbol,
		"interval", interval,
		"bars", len(points),
		"from", time.UnixMilli(startTime).UTC().Format(time.RFC3339),
		"to", time.UnixMilli(endTime).UTC().Format(time.RFC3339))

	src := NewSliceSource(points)
	if err := src.Validate(); err != nil {
		return nil, fmt.Errorf("binance klines %s: %w", symbol, err)
	}
	return src, nil
}

func klineToPoint(symbol string, k *binance.Kline) (core.DataPoint, error) {
	p := core.DataPoint{
		Timestamp: k.OpenTime,
		Symbol:    symbol,
		Kind:      core.DataKindBar,
	}
	var err error
	if p.Open, err = decimal.NewFromString(k.Open); err != nil {
		return p, err
	}
	if p.High, err = decimal.NewFromString(k.High); err != nil {
		return p, err
	}
	if p.Low, err = decimal.NewFromString(k.Low); err != nil {
		return p, err
	}
	if p.Close, err = decimal.NewFromString(k.Close); err != nil {
		return p, err
	}
	if p.Volume, err = decimal.NewFromString(k.Volume); err != nil {
		return p, err
	}
	return p, nil
}
