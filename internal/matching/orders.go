package matching

import (
	"fmt"
	"sort"
	"virtual_exchange/internal/core"
	apperrors "virtual_exchange/pkg/errors"

	"github.com/shopspring/decimal"
)

const (
	defaultHistoryLimit = 500
	maxHistoryLimit     = 1000
)

// findLive returns the working or parked order with the given id.
// Caller holds st.mu.
func (st *symbolState) findLive(orderID int64) *core.Order {
	if orderID <= 0 {
		return nil
	}
	if o, ok := st.book.Get(orderID); ok {
		return o
	}
	if o, ok := st.triggers.Get(orderID); ok {
		return o
	}
	return nil
}

// resolveID maps a client order id to the order id, preferring live
// orders. Caller holds st.mu.
func (st *symbolState) resolveID(userID string, orderID int64, clientID string) int64 {
	if orderID > 0 || clientID == "" {
		return orderID
	}
	key := clientKey(userID, clientID)
	if id, ok := st.activeByClient[key]; ok {
		return id
	}
	if id, ok := st.completedByClient[key]; ok {
		return id
	}
	return 0
}

// CancelOrder removes a working or parked order, releasing its residual
// reservation. Terminal and unknown orders cancel with "unknown order";
// cancelling another user's order is unauthorized.
func (e *Engine) CancelOrder(userID, symbol string, orderID int64, clientOrderID string) (*core.Order, error) {
	st, err := e.state(symbol)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	o := st.findLive(st.resolveID(userID, orderID, clientOrderID))
	if o == nil {
		return nil, fmt.Errorf("%w: unknown order", apperrors.ErrOrderNotFound)
	}
	if o.UserID != userID {
		return nil, apperrors.NewAPIError(apperrors.CodeUnauthorized,
			"You are not authorized to execute this request.")
	}

	touched := make(map[string]struct{})
	e.cancelLive(st, o, touched)
	e.flushDepth(st)
	e.emitAccounts(touched)

	cp := *o
	return &cp, nil
}

func (e *Engine) cancelLive(st *symbolState, o *core.Order, touched map[string]struct{}) {
	if o.Type.IsStopType() {
		st.triggers.Unpark(o.OrderID)
	} else {
		st.book.Remove(o)
	}
	e.finishOrder(st, o, core.OrderStatusCanceled, core.ExecCanceled, touched)
}

// CancelOpenOrders cancels every working and parked order the user has
// on the symbol, returning them in order-id order.
func (e *Engine) CancelOpenOrders(userID, symbol string) ([]*core.Order, error) {
	st, err := e.state(symbol)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	own := st.collectLive(userID)
	touched := make(map[string]struct{})
	out := make([]*core.Order, 0, len(own))
	for _, o := range own {
		e.cancelLive(st, o, touched)
		cp := *o
		out = append(out, &cp)
	}
	e.flushDepth(st)
	e.emitAccounts(touched)
	return out, nil
}

// collectLive gathers the user's working and parked orders, sorted by
// order id. Caller holds st.mu.
func (st *symbolState) collectLive(userID string) []*core.Order {
	var own []*core.Order
	for _, side := range []core.Side{core.SideBuy, core.SideSell} {
		st.book.IterateSide(side, func(_ decimal.Decimal, orders []*core.Order) bool {
			for _, o := range orders {
				if o.UserID == userID {
					own = append(own, o)
				}
			}
			return true
		})
	}
	st.triggers.Each(func(o *core.Order) {
		if o.UserID == userID {
			own = append(own, o)
		}
	})
	sort.Slice(own, func(i, j int) bool { return own[i].OrderID < own[j].OrderID })
	return own
}

// QueryOrder looks an order up by id or client order id, searching the
// live book, the parked set, the hot completed index, and finally the
// cold archive.
func (e *Engine) QueryOrder(userID, symbol string, orderID int64, clientOrderID string) (*core.Order, error) {
	st, err := e.state(symbol)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()

	id := st.resolveID(userID, orderID, clientOrderID)
	if o := st.findLive(id); o != nil {
		if o.UserID != userID {
			st.mu.Unlock()
			return nil, fmt.Errorf("%w: order %d", apperrors.ErrOrderNotFound, id)
		}
		cp := *o
		st.mu.Unlock()
		return &cp, nil
	}
	if o, ok := st.completed[id]; ok && o.UserID == userID {
		cp := *o
		st.mu.Unlock()
		return &cp, nil
	}
	st.mu.Unlock()

	if e.archive != nil {
		var o *core.Order
		var err error
		if orderID > 0 {
			o, err = e.archive.GetOrder(symbol, orderID)
		} else {
			o, err = e.archive.GetOrderByClientID(symbol, userID, clientOrderID)
		}
		if err == nil && o != nil && o.UserID == userID {
			return o, nil
		}
	}
	return nil, fmt.Errorf("%w: order not found", apperrors.ErrOrderNotFound)
}

// OpenOrders returns the user's working and parked orders. An empty
// symbol spans every registered symbol.
func (e *Engine) OpenOrders(userID, symbol string) ([]*core.Order, error) {
	symbols := []string{symbol}
	if symbol == "" {
		symbols = symbols[:0]
		for _, spec := range e.Symbols() {
			symbols = append(symbols, spec.Symbol)
		}
	}

	var out []*core.Order
	for _, name := range symbols {
		st, err := e.state(name)
		if err != nil {
			return nil, err
		}
		st.mu.Lock()
		for _, o := range st.collectLive(userID) {
			cp := *o
			out = append(out, &cp)
		}
		st.mu.Unlock()
	}
	return out, nil
}

// AllOrders returns the user's order history on one symbol, live and
// terminal, filtered by from-id and time window, capped at limit.
func (e *Engine) AllOrders(userID, symbol string, fromID, startTime, endTime int64, limit int) ([]*core.Order, error) {
	st, err := e.state(symbol)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	keep := func(o *core.Order) bool {
		if fromID > 0 && o.OrderID < fromID {
			return false
		}
		if startTime > 0 && o.Time < startTime {
			return false
		}
		if endTime > 0 && o.Time > endTime {
			return false
		}
		return true
	}

	var out []*core.Order
	for _, o := range st.collectLive(userID) {
		if keep(o) {
			cp := *o
			out = append(out, &cp)
		}
	}
	for _, o := range st.completed {
		if o.UserID == userID && keep(o) {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UserTrades returns the user's trade history from the archive.
func (e *Engine) UserTrades(userID, symbol string, fromID, startTime, endTime int64, limit int) ([]*core.Trade, error) {
	if _, err := e.state(symbol); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if e.archive == nil {
		return nil, nil
	}
	return e.archive.UserTrades(symbol, userID, fromID, startTime, endTime, limit)
}
