// Command backtest replays historical market data through the exchange
// and runs a fixed-size recurring buy against it, reporting fills and
// account statistics when the data is exhausted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"virtual_exchange/internal/bootstrap"
	"virtual_exchange/internal/config"
	"virtual_exchange/internal/core"
	"virtual_exchange/internal/datasource"
	"virtual_exchange/internal/exchange"
	"virtual_exchange/internal/matching"
	"virtual_exchange/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

const (
	traderID       = "trader"
	counterpartyID = "counterparty"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (defaults apply when empty)")
	dataPath := flag.String("data", "", "CSV file with historical bars or ticks")
	symbol := flag.String("symbol", "BTCUSDT", "Symbol to trade")
	interval := flag.String("interval", "1h", "Kline interval for Binance downloads")
	days := flag.Int("days", 0, "Download this many days of klines from Binance instead of reading a CSV")
	qty := flag.String("qty", "0.001", "Base quantity bought per data point")
	every := flag.Int("every", 1, "Buy on every Nth data point")
	quoteFunds := flag.String("quote-funds", "1000000", "Trader's starting quote balance")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("backtest version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := bootstrap.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	// Backtests are one-shot; run in memory at full speed.
	cfg.Replay.Mode = "BACKTEST"
	cfg.Archive.Path = ""

	logger, err := bootstrap.InitLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	ve, err := exchange.New(cfg, logger)
	if err != nil {
		logger.Error("exchange setup failed", "error", err.Error())
		os.Exit(1)
	}
	defer ve.Close()

	src, err := loadData(cfg, logger, *dataPath, *symbol, *interval, *days)
	if err != nil {
		logger.Error("data load failed", "error", err.Error())
		os.Exit(1)
	}
	if err := ve.AddDataSource("history", src); err != nil {
		logger.Error("data source registration failed", "error", err.Error())
		os.Exit(1)
	}

	bt, err := newBacktest(ve, *symbol, *qty, *quoteFunds, *every)
	if err != nil {
		logger.Error("backtest setup failed", "error", err.Error())
		os.Exit(1)
	}

	points, err := ve.Replay.ProcessAllSync()
	if err != nil {
		logger.Error("replay failed", "error", err.Error())
		os.Exit(1)
	}
	if err := bt.report(os.Stdout, len(points)); err != nil {
		logger.Error("report failed", "error", err.Error())
		os.Exit(1)
	}
}

// loadData materializes the replay source from a CSV file or, when
// -days is set, the Binance kline API.
func loadData(cfg *config.Config, logger core.ILogger, path, symbol, interval string, days int) (core.IDataSource, error) {
	if days > 0 {
		loader := datasource.NewBinanceLoader(cfg.Data, logger)
		end := time.Now().UnixMilli()
		start := end - int64(days)*24*60*60*1000
		return loader.LoadKlines(context.Background(), symbol, interval, start, end)
	}
	if path == "" {
		return nil, fmt.Errorf("either -data or -days is required")
	}
	return datasource.LoadCSV(path, symbol)
}

// backtest runs the recurring buy. A counterparty account quotes a sell
// at every point's last price so the trader's buys have a book to cross.
type backtest struct {
	ve     *exchange.VirtualExchange
	symbol string
	base   string
	quote  string
	qty    decimal.Decimal
	every  int

	initialQuote decimal.Decimal
	points       int
	fills        []*core.Trade
	equity       []decimal.Decimal
	lastPrice    decimal.Decimal
}

func newBacktest(ve *exchange.VirtualExchange, symbol, qty, quoteFunds string, every int) (*backtest, error) {
	spec, ok := ve.Engine.Spec(symbol)
	if !ok {
		return nil, fmt.Errorf("symbol %s is not configured", symbol)
	}
	q, err := decimal.NewFromString(qty)
	if err != nil {
		return nil, fmt.Errorf("quantity: %w", err)
	}
	funds, err := decimal.NewFromString(quoteFunds)
	if err != nil {
		return nil, fmt.Errorf("quote funds: %w", err)
	}
	if every < 1 {
		every = 1
	}

	bt := &backtest{
		ve:           ve,
		symbol:       symbol,
		base:         spec.BaseAsset,
		quote:        spec.QuoteAsset,
		qty:          q,
		every:        every,
		initialQuote: funds,
	}

	for _, userID := range []string{traderID, counterpartyID} {
		if _, err := ve.RegisterUser(userID); err != nil {
			return nil, err
		}
	}
	if err := ve.Deposit(traderID, bt.quote, funds); err != nil {
		return nil, err
	}
	// The counterparty needs inventory on both sides of the book.
	if err := ve.Deposit(counterpartyID, bt.base, q.Mul(decimal.NewFromInt(1_000_000))); err != nil {
		return nil, err
	}

	ve.Replay.RegisterCallback(bt.onPoint)
	return bt, nil
}

// onPoint quotes and buys at the point's last price. The exchange's own
// callback runs first, so quotes and stops already reflect the point.
func (bt *backtest) onPoint(p *core.DataPoint) {
	if p.Symbol != bt.symbol {
		return
	}
	bt.points++
	price := p.LastPrice()
	if !price.IsPositive() {
		return
	}
	bt.lastPrice = price

	if (bt.points-1)%bt.every == 0 {
		_, _, err := bt.ve.CreateOrder(matching.Request{
			Symbol:      bt.symbol,
			UserID:      counterpartyID,
			Side:        core.SideSell,
			Type:        core.OrderTypeLimit,
			TimeInForce: core.TimeInForceGTC,
			Price:       price,
			Quantity:    bt.qty,
		})
		if err == nil {
			_, trades, err := bt.ve.CreateOrder(matching.Request{
				Symbol:      bt.symbol,
				UserID:      traderID,
				Side:        core.SideBuy,
				Type:        core.OrderTypeLimit,
				TimeInForce: core.TimeInForceGTC,
				Price:       price,
				Quantity:    bt.qty,
			})
			if err == nil {
				bt.fills = append(bt.fills, trades...)
			}
		}
	}

	bt.equity = append(bt.equity, bt.traderEquity(price))
}

// traderEquity marks the trader's holdings at the given price.
func (bt *backtest) traderEquity(price decimal.Decimal) decimal.Decimal {
	info, err := bt.ve.Accounts.Snapshot(traderID)
	if err != nil {
		return decimal.Zero
	}
	total := decimal.Zero
	for _, b := range info.Balances {
		switch b.Asset {
		case bt.quote:
			total = total.Add(b.Total())
		case bt.base:
			total = total.Add(b.Total().Mul(price))
		}
	}
	return total
}

func (bt *backtest) report(w *os.File, points int) error {
	vwap := tradingutils.VWAP(bt.fills)
	baseVol, quoteVol := tradingutils.TotalVolume(bt.fills)
	commissions := tradingutils.TotalCommission(bt.fills)

	finalEquity := bt.initialQuote
	if len(bt.equity) > 0 {
		finalEquity = bt.equity[len(bt.equity)-1]
	}

	fmt.Fprintf(w, "backtest %s: %d points, %d fills\n", bt.symbol, points, len(bt.fills))
	fmt.Fprintf(w, "  bought       %s %s for %s %s (vwap %s)\n",
		baseVol.String(), bt.base, quoteVol.String(), bt.quote, vwap.String())
	for asset, amount := range commissions {
		fmt.Fprintf(w, "  commission   %s %s\n", amount.String(), asset)
	}
	if bt.lastPrice.IsPositive() {
		fmt.Fprintf(w, "  last price   %s\n", bt.lastPrice.String())
	}

	info, err := bt.ve.Accounts.Snapshot(traderID)
	if err != nil {
		return err
	}
	for _, b := range info.Balances {
		fmt.Fprintf(w, "  balance      %s free=%s locked=%s\n",
			b.Asset, b.Free.String(), b.Locked.String())
	}

	fmt.Fprintf(w, "  equity       %s -> %s (%s%%)\n",
		bt.initialQuote.String(), finalEquity.String(),
		tradingutils.ReturnPct(bt.initialQuote, finalEquity).String())
	fmt.Fprintf(w, "  max drawdown %s\n", tradingutils.MaxDrawdown(bt.equity).String())
	return nil
}
