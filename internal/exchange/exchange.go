// Package exchange assembles the virtual exchange: the clock, account
// manager, matching engine, market data hub, archive, and replay
// controller, wired together behind one facade that the REST and
// WebSocket surfaces call into.
package exchange

import (
	"context"
	"fmt"
	"strings"
	"time"
	"virtual_exchange/internal/account"
	"virtual_exchange/internal/archive"
	"virtual_exchange/internal/config"
	"virtual_exchange/internal/core"
	"virtual_exchange/internal/marketdata"
	"virtual_exchange/internal/matching"
	"virtual_exchange/internal/replay"
	"virtual_exchange/internal/vclock"

	"github.com/shopspring/decimal"
)

// VirtualExchange is the composition root of the exchange. All trading
// and market data operations go through it.
type VirtualExchange struct {
	cfg    *config.Config
	logger core.ILogger

	Clock      *vclock.TimeManager
	Accounts   *account.Manager
	Engine     *matching.Engine
	MarketData *marketdata.Manager
	Replay     *replay.Controller

	archive *archive.SQLiteArchive
	hub     *Hub

	replayCallback int64
}

// New builds the exchange from configuration. The clock runs virtual
// whenever a replay mode other than REALTIME is configured.
func New(cfg *config.Config, logger core.ILogger) (*VirtualExchange, error) {
	clockMode := vclock.ModeBacktest
	if strings.EqualFold(cfg.Replay.Mode, string(replay.ModeRealtime)) {
		clockMode = vclock.ModeLive
	}
	clock := vclock.NewTimeManager(clockMode)

	accounts := account.NewManager(clock, cfg.Exchange.MakerRate(), cfg.Exchange.TakerRate(), logger)
	engine := matching.NewEngine(accounts, clock, cfg.Exchange.SlippageBuffer(), logger)
	md := marketdata.NewManager(clock, logger, cfg.Exchange.RecentTradesCapacity)

	ve := &VirtualExchange{
		cfg:        cfg,
		logger:     logger.WithField("component", "virtual_exchange"),
		Clock:      clock,
		Accounts:   accounts,
		Engine:     engine,
		MarketData: md,
		hub:        NewHub(),
	}

	specs, err := cfg.SymbolSpecs()
	if err != nil {
		return nil, fmt.Errorf("parse symbol specs: %w", err)
	}
	for _, spec := range specs {
		if err := engine.RegisterSymbol(spec); err != nil {
			return nil, err
		}
		md.RegisterSymbol(spec.Symbol)
	}

	if cfg.Archive.Path != "" {
		store, err := archive.NewSQLiteArchive(cfg.Archive.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("open archive: %w", err)
		}
		ve.archive = store
		engine.SetArchive(store)
	}

	engine.SetNotifier(ve.onEngineEvent)

	ve.Replay = replay.NewController(replay.Config{
		Mode:            replay.Mode(strings.ToUpper(cfg.Replay.Mode)),
		SpeedFactor:     cfg.Replay.SpeedFactor,
		BatchCallbacks:  cfg.Replay.BatchCallbacks,
		MemoryOptimized: cfg.Replay.MemoryOptimized,
		Workers:         cfg.Replay.Workers,
	}, clock, logger)
	ve.replayCallback = ve.Replay.RegisterCallback(ve.onMarketData)

	return ve, nil
}

// Close stops the replay and releases the archive.
func (ve *VirtualExchange) Close() error {
	if err := ve.Replay.Stop(); err != nil {
		ve.logger.Error("replay stop failed", "error", err.Error())
	}
	if ve.archive != nil {
		return ve.archive.Close()
	}
	return nil
}

// onEngineEvent routes engine notifications into the market data
// manager and fans them out to subscribers.
func (ve *VirtualExchange) onEngineEvent(ev core.Event) {
	switch ev.Type {
	case core.EventTrade:
		if ev.Trade != nil {
			ve.MarketData.OnTrade(ev.Trade)
		}
	case core.EventDepthUpdate:
		if ev.Depth != nil {
			ve.MarketData.ApplyDepthDiff(ev.Depth)
		}
	}
	ve.hub.Publish(ev)
}

// onMarketData ingests one replayed point: market data first so quotes
// reflect the point, then the engine so parked stops trigger against
// the new price.
func (ve *VirtualExchange) onMarketData(p *core.DataPoint) {
	ve.MarketData.OnMarketData(p)
	ve.Engine.OnMarketPrice(p.Symbol, p.LastPrice())
	ve.hub.Publish(core.Event{
		Type:   core.EventMarketData,
		Symbol: p.Symbol,
		Time:   p.Timestamp,
		Point:  p,
	})
}

// Subscribe attaches an event consumer with the default queue capacity.
func (ve *VirtualExchange) Subscribe() *Subscription {
	return ve.hub.Subscribe(0)
}

// Hub exposes the event hub, for metrics.
func (ve *VirtualExchange) EventHub() *Hub {
	return ve.hub
}

// Archive returns the cold store, nil when persistence is disabled.
func (ve *VirtualExchange) Archive() *archive.SQLiteArchive {
	return ve.archive
}

// Config returns the exchange configuration.
func (ve *VirtualExchange) Config() *config.Config {
	return ve.cfg
}

// CreateOrder submits an order through the matching engine.
func (ve *VirtualExchange) CreateOrder(req matching.Request) (*core.Order, []*core.Trade, error) {
	return ve.Engine.SubmitOrder(req)
}

// CancelOrder cancels one open order by id or client order id.
func (ve *VirtualExchange) CancelOrder(userID, symbol string, orderID int64, clientOrderID string) (*core.Order, error) {
	return ve.Engine.CancelOrder(userID, symbol, orderID, clientOrderID)
}

// CancelOpenOrders cancels every open order the user holds on the
// symbol.
func (ve *VirtualExchange) CancelOpenOrders(userID, symbol string) ([]*core.Order, error) {
	return ve.Engine.CancelOpenOrders(userID, symbol)
}

// QueryOrder looks up one order, live or archived.
func (ve *VirtualExchange) QueryOrder(userID, symbol string, orderID int64, clientOrderID string) (*core.Order, error) {
	return ve.Engine.QueryOrder(userID, symbol, orderID, clientOrderID)
}

// OpenOrders returns the user's working and parked orders.
func (ve *VirtualExchange) OpenOrders(userID, symbol string) ([]*core.Order, error) {
	return ve.Engine.OpenOrders(userID, symbol)
}

// AllOrders returns the user's order history.
func (ve *VirtualExchange) AllOrders(userID, symbol string, fromID, startTime, endTime int64, limit int) ([]*core.Order, error) {
	return ve.Engine.AllOrders(userID, symbol, fromID, startTime, endTime, limit)
}

// MyTrades returns the user's executed trades.
func (ve *VirtualExchange) MyTrades(userID, symbol string, fromID, startTime, endTime int64, limit int) ([]*core.Trade, error) {
	return ve.Engine.UserTrades(userID, symbol, fromID, startTime, endTime, limit)
}

// HistoricalTrades returns archived trades for the symbol regardless of
// owner, falling back to the in-memory ring when persistence is off.
func (ve *VirtualExchange) HistoricalTrades(symbol string, fromID int64, limit int) ([]*core.Trade, error) {
	if ve.archive != nil {
		return ve.archive.SymbolTrades(symbol, fromID, limit)
	}
	trades, err := ve.MarketData.RecentTrades(symbol, 0)
	if err != nil {
		return nil, err
	}
	out := make([]*core.Trade, 0, len(trades))
	for i := range trades {
		if fromID > 0 && trades[i].TradeID < fromID {
			continue
		}
		out = append(out, &trades[i])
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RegisterUser creates a trading account with a fresh API key.
func (ve *VirtualExchange) RegisterUser(userID string) (string, error) {
	return ve.Accounts.RegisterUser(userID)
}

// Deposit credits free balance.
func (ve *VirtualExchange) Deposit(userID, asset string, amount decimal.Decimal) error {
	return ve.Accounts.Deposit(userID, asset, amount)
}

// Withdraw debits free balance.
func (ve *VirtualExchange) Withdraw(userID, asset string, amount decimal.Decimal) error {
	return ve.Accounts.Withdraw(userID, asset, amount)
}

// AddDataSource registers a replay input.
func (ve *VirtualExchange) AddDataSource(id string, src core.IDataSource) error {
	return ve.Replay.AddSource(id, src)
}

// SaveState persists a full exchange snapshot. Open orders keep their
// reservations implicitly via the locked balances they snapshot with.
func (ve *VirtualExchange) SaveState(ctx context.Context) error {
	if ve.archive == nil {
		return fmt.Errorf("archive disabled, cannot save state")
	}
	snap := &core.Snapshot{
		TakenAt:    ve.Clock.NowMs(),
		Symbols:    ve.Engine.Symbols(),
		OpenOrders: ve.Engine.OpenOrdersSnapshot(),
	}
	for _, userID := range ve.Accounts.Users() {
		info, err := ve.Accounts.Snapshot(userID)
		if err != nil {
			continue
		}
		key, _ := ve.Accounts.APIKey(userID)
		snap.Users = append(snap.Users, core.UserSnapshot{
			UserID:   userID,
			APIKey:   key,
			Balances: info.Balances,
		})
	}
	if err := ve.archive.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	ve.logger.Info("state snapshot saved",
		"users", len(snap.Users), "open_orders", len(snap.OpenOrders))
	return nil
}

// LoadState restores the latest snapshot: accounts first, then open
// orders re-inserted in order-id order so book priority is rebuilt
// exactly. Returns false when no snapshot exists.
func (ve *VirtualExchange) LoadState(ctx context.Context) (bool, error) {
	if ve.archive == nil {
		return false, nil
	}
	snap, err := ve.archive.LoadSnapshot(ctx)
	if err != nil {
		return false, err
	}
	if snap == nil {
		return false, nil
	}

	for _, user := range snap.Users {
		ve.Accounts.RestoreUser(user)
	}
	for _, spec := range snap.Symbols {
		if _, ok := ve.Engine.Spec(spec.Symbol); !ok {
			if err := ve.Engine.RegisterSymbol(spec); err != nil {
				return false, err
			}
			ve.MarketData.RegisterSymbol(spec.Symbol)
		}
	}
	for _, o := range snap.OpenOrders {
		if err := ve.Engine.RestoreOrder(o); err != nil {
			ve.logger.Error("order restore failed",
				"order_id", o.OrderID, "error", err.Error())
		}
	}
	ve.logger.Info("state snapshot restored",
		"taken_at", snap.TakenAt, "users", len(snap.Users), "open_orders", len(snap.OpenOrders))
	return true, nil
}

// StartRetentionLoop purges archived rows past the retention window on
// a timer until the context ends. No-op when retention is unset.
func (ve *VirtualExchange) StartRetentionLoop(ctx context.Context) {
	days := ve.cfg.Exchange.ArchiveRetentionDays
	if ve.archive == nil || days <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := ve.Clock.NowMs() - int64(days)*24*60*60*1000
				if _, err := ve.archive.Purge(cutoff); err != nil {
					ve.logger.Error("archive purge failed", "error", err.Error())
				}
			}
		}
	}()
}
