// Package matching implements the price-time-priority matching engine.
// The engine owns the order lifecycle for every registered symbol: it
// validates, reserves funds through the account manager, matches, and
// drives every resting and parked order to a terminal status.
package matching

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"virtual_exchange/internal/account"
	"virtual_exchange/internal/core"
	"virtual_exchange/internal/orderbook"
	apperrors "virtual_exchange/pkg/errors"

	"github.com/shopspring/decimal"
)

// reservation is the quote or base amount still locked for one order.
// Fills consume it; the residual is released on terminal transition.
type reservation struct {
	asset  string
	amount decimal.Decimal
}

// symbolState bundles everything the engine owns for one symbol. All of
// it is guarded by mu; the matching loop holds mu for its full duration.
type symbolState struct {
	mu   sync.Mutex
	spec core.SymbolSpec

	book     *orderbook.Book
	triggers *orderbook.TriggerIndex

	nextTradeID    int64
	lastTradePrice decimal.Decimal

	// activeByClient guards client-order-id uniqueness among working and
	// parked orders. completed* are the hot archive of terminal orders.
	activeByClient    map[string]int64
	completed         map[int64]*core.Order
	completedByClient map[string]int64

	reservations map[int64]*reservation
}

func clientKey(userID, clientID string) string {
	return userID + "\x00" + clientID
}

// Engine is the matching engine. One instance serves all symbols.
type Engine struct {
	mu      sync.RWMutex
	symbols map[string]*symbolState

	accounts *account.Manager
	archive  core.IOrderArchive
	clock    core.IClock
	logger   core.ILogger

	slippage    decimal.Decimal
	nextOrderID atomic.Int64

	notifyMu sync.RWMutex
	notify   func(core.Event)
}

// NewEngine creates a matching engine. slippageBuffer pads the quote
// reservation of MARKET BUY orders placed by base quantity.
func NewEngine(accounts *account.Manager, clock core.IClock, slippageBuffer decimal.Decimal, logger core.ILogger) *Engine {
	return &Engine{
		symbols:  make(map[string]*symbolState),
		accounts: accounts,
		clock:    clock,
		logger:   logger.WithField("component", "matching_engine"),
		slippage: slippageBuffer,
	}
}

// SetArchive attaches the cold order store. Call before serving.
func (e *Engine) SetArchive(a core.IOrderArchive) {
	e.archive = a
}

// SetNotifier installs the event sink all updates fan out through.
func (e *Engine) SetNotifier(fn func(core.Event)) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	e.notify = fn
}

func (e *Engine) emit(ev core.Event) {
	e.notifyMu.RLock()
	fn := e.notify
	e.notifyMu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

// emitOrder publishes an order update with a detached copy.
func (e *Engine) emitOrder(o *core.Order, exec core.ExecutionType) {
	cp := *o
	e.emit(core.Event{
		Type:   core.EventOrderUpdate,
		Symbol: o.Symbol,
		UserID: o.UserID,
		Time:   e.clock.NowMs(),
		Order:  &cp,
		Exec:   exec,
	})
}

func (e *Engine) emitTrade(t *core.Trade) {
	cp := *t
	e.emit(core.Event{
		Type:   core.EventTrade,
		Symbol: t.Symbol,
		Time:   t.Timestamp,
		Trade:  &cp,
	})
}

// flushDepth publishes the book delta accumulated since the last flush.
func (e *Engine) flushDepth(st *symbolState) {
	if diff := st.book.FlushDiff(); diff != nil {
		e.emit(core.Event{
			Type:   core.EventDepthUpdate,
			Symbol: diff.Symbol,
			Time:   e.clock.NowMs(),
			Depth:  diff,
		})
	}
}

// emitAccounts publishes balance snapshots for every touched user.
func (e *Engine) emitAccounts(users map[string]struct{}) {
	ids := make([]string, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		info, err := e.accounts.Snapshot(id)
		if err != nil {
			continue
		}
		e.emit(core.Event{
			Type:     core.EventAccountUpdate,
			UserID:   id,
			Time:     e.clock.NowMs(),
			Balances: info.Balances,
		})
	}
}

// RegisterSymbol creates the book and indexes for a new symbol.
func (e *Engine) RegisterSymbol(spec core.SymbolSpec) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.symbols[spec.Symbol]; ok {
		return fmt.Errorf("%w: symbol %s already registered", apperrors.ErrInvalidOrderParameter, spec.Symbol)
	}
	e.symbols[spec.Symbol] = &symbolState{
		spec:              spec,
		book:              orderbook.New(spec.Symbol),
		triggers:          orderbook.NewTriggerIndex(),
		activeByClient:    make(map[string]int64),
		completed:         make(map[int64]*core.Order),
		completedByClient: make(map[string]int64),
		reservations:      make(map[int64]*reservation),
	}
	e.logger.Info("symbol registered", "symbol", spec.Symbol,
		"base", spec.BaseAsset, "quote", spec.QuoteAsset)
	return nil
}

// Spec returns the registered specification for a symbol.
func (e *Engine) Spec(symbol string) (core.SymbolSpec, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.symbols[symbol]
	if !ok {
		return core.SymbolSpec{}, false
	}
	return st.spec, true
}

// Symbols returns every registered spec, sorted by symbol.
func (e *Engine) Symbols() []core.SymbolSpec {
	e.mu.RLock()
	defer e.mu.RUnlock()
	specs := make([]core.SymbolSpec, 0, len(e.symbols))
	for _, st := range e.symbols {
		specs = append(specs, st.spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Symbol < specs[j].Symbol })
	return specs
}

func (e *Engine) state(symbol string) (*symbolState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.symbols[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	return st, nil
}

// Depth returns the book snapshot. limit <= 0 returns every level.
func (e *Engine) Depth(symbol string, limit int) (core.Depth, error) {
	st, err := e.state(symbol)
	if err != nil {
		return core.Depth{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.book.Depth(limit), nil
}

// LastTradePrice returns the most recent trade price for the symbol,
// zero when nothing has traded yet.
func (e *Engine) LastTradePrice(symbol string) (decimal.Decimal, error) {
	st, err := e.state(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastTradePrice, nil
}

// OnMarketPrice feeds an external last price (replay data) into the
// symbol, firing any parked stop orders it touches.
func (e *Engine) OnMarketPrice(symbol string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	st, err := e.state(symbol)
	if err != nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	st.lastTradePrice = price
	touched := make(map[string]struct{})
	e.fireTriggers(st, touched)
	e.flushDepth(st)
	e.emitAccounts(touched)
}

// fireTriggers activates every parked order whose stop price the last
// trade price has touched, repeating until activations stop producing
// new trigger hits. Caller holds st.mu.
func (e *Engine) fireTriggers(st *symbolState, touched map[string]struct{}) {
	for {
		if !st.lastTradePrice.IsPositive() {
			return
		}
		fired := st.triggers.Triggered(st.lastTradePrice)
		if len(fired) == 0 {
			return
		}
		for _, o := range fired {
			e.activateStop(st, o, touched)
		}
	}
}

// activateStop converts a triggered stop order into its working form
// and matches it. Funds are reserved at activation, not at parking, so
// a user who spent the balance in the meantime gets a rejection here.
func (e *Engine) activateStop(st *symbolState, o *core.Order, touched map[string]struct{}) {
	now := e.clock.NowMs()
	switch o.Type {
	case core.OrderTypeStopLoss, core.OrderTypeTakeProfit:
		o.Type = core.OrderTypeMarket
	case core.OrderTypeStopLossLimit, core.OrderTypeTakeProfitLimit:
		o.Type = core.OrderTypeLimit
	}
	o.WorkingTime = now
	o.UpdateTime = now

	res, err := e.reserveFor(st, o)
	if err != nil {
		e.logger.Warn("stop order rejected at trigger",
			"symbol", o.Symbol, "order_id", o.OrderID, "user_id", o.UserID, "error", err.Error())
		e.finishOrder(st, o, core.OrderStatusRejected, core.ExecRejected, touched)
		return
	}
	if res != nil {
		st.reservations[o.OrderID] = res
		touched[o.UserID] = struct{}{}
	}
	e.emitOrder(o, core.ExecNew)

	e.runMatch(st, o, touched)
	e.disposeTaker(st, o, touched)
}

// retireOrder moves a terminal order out of the live indexes: releases
// the reservation residual, records it in the completed index, and
// persists it to the archive. The order's status must already be set.
func (e *Engine) retireOrder(st *symbolState, o *core.Order, touched map[string]struct{}) {
	if res, ok := st.reservations[o.OrderID]; ok {
		if res.amount.IsPositive() {
			if err := e.accounts.Release(o.UserID, res.asset, res.amount); err != nil {
				e.logger.Error("reservation release failed",
					"order_id", o.OrderID, "user_id", o.UserID, "error", err.Error())
			}
			touched[o.UserID] = struct{}{}
		}
		delete(st.reservations, o.OrderID)
	}

	if o.ClientOrderID != "" {
		key := clientKey(o.UserID, o.ClientOrderID)
		delete(st.activeByClient, key)
		st.completedByClient[key] = o.OrderID
	}
	st.completed[o.OrderID] = o

	if e.archive != nil {
		cp := *o
		if err := e.archive.SaveOrder(&cp); err != nil {
			e.logger.Error("order archive write failed",
				"order_id", o.OrderID, "error", err.Error())
		}
	}
}

// finishOrder drives an order to its terminal status and publishes the
// update that announces it.
func (e *Engine) finishOrder(st *symbolState, o *core.Order, status core.OrderStatus,
	exec core.ExecutionType, touched map[string]struct{}) {

	o.Status = status
	o.UpdateTime = e.clock.NowMs()
	e.retireOrder(st, o, touched)
	e.emitOrder(o, exec)
}

// OpenOrdersSnapshot returns detached copies of every working and
// parked order across all symbols, for state persistence.
func (e *Engine) OpenOrdersSnapshot() []*core.Order {
	e.mu.RLock()
	names := make([]string, 0, len(e.symbols))
	for name := range e.symbols {
		names = append(names, name)
	}
	e.mu.RUnlock()
	sort.Strings(names)

	var out []*core.Order
	for _, name := range names {
		st, err := e.state(name)
		if err != nil {
			continue
		}
		st.mu.Lock()
		for _, side := range []core.Side{core.SideBuy, core.SideSell} {
			st.book.IterateSide(side, func(_ decimal.Decimal, orders []*core.Order) bool {
				for _, o := range orders {
					cp := *o
					out = append(out, &cp)
				}
				return true
			})
		}
		st.triggers.Each(func(o *core.Order) {
			cp := *o
			out = append(out, &cp)
		})
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

// RestoreOrder reinstates a snapshotted open order, rebuilding its
// reservation residual from the filled amounts. Balances must already
// be restored; no funds move here.
func (e *Engine) RestoreOrder(o *core.Order) error {
	st, err := e.state(o.Symbol)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	cp := *o
	if cp.OrderID > e.nextOrderID.Load() {
		e.nextOrderID.Store(cp.OrderID)
	}
	if cp.ClientOrderID != "" {
		st.activeByClient[clientKey(cp.UserID, cp.ClientOrderID)] = cp.OrderID
	}
	if cp.Type.IsStopType() {
		st.triggers.Park(&cp)
		return nil
	}
	if res := restoredReservation(st.spec, &cp); res != nil {
		st.reservations[cp.OrderID] = res
	}
	st.book.Insert(&cp)
	return nil
}

// restoredReservation recomputes the residual lock for an open order:
// the original reservation minus what its fills actually consumed.
func restoredReservation(spec core.SymbolSpec, o *core.Order) *reservation {
	if o.Side == core.SideSell {
		return &reservation{asset: spec.BaseAsset, amount: o.RemainingQty()}
	}
	residual := o.Price.Mul(o.Quantity).Sub(o.FilledQuote)
	if residual.IsNegative() {
		residual = decimal.Zero
	}
	return &reservation{asset: spec.QuoteAsset, amount: residual}
}
