package orderbook

import (
	"virtual_exchange/internal/core"

	"github.com/huandu/skiplist"
	"github.com/shopspring/decimal"
)

// stopKeyAsc orders trigger prices ascending (lowest stop first).
type stopKeyAsc struct{}

func (stopKeyAsc) Compare(lhs, rhs interface{}) int {
	return lhs.(decimal.Decimal).Cmp(rhs.(decimal.Decimal))
}

func (stopKeyAsc) CalcScore(key interface{}) float64 {
	f, _ := key.(decimal.Decimal).Float64()
	return f
}

// stopKeyDesc orders trigger prices descending (highest stop first).
type stopKeyDesc struct{}

func (stopKeyDesc) Compare(lhs, rhs interface{}) int {
	return rhs.(decimal.Decimal).Cmp(lhs.(decimal.Decimal))
}

func (stopKeyDesc) CalcScore(key interface{}) float64 {
	f, _ := key.(decimal.Decimal).Float64()
	return -f
}

// triggerLevel is the FIFO queue of parked orders sharing a stop price.
type triggerLevel struct {
	price  decimal.Decimal
	orders []*core.Order
}

// TriggerIndex parks stop and take-profit orders keyed by stop price
// until the last trade price touches them. Like Book it relies on the
// owning engine's symbol lock for synchronization.
type TriggerIndex struct {
	// above fires when the market trades at or above the stop price:
	// BUY stop-loss, SELL take-profit.
	above *skiplist.SkipList
	// below fires when the market trades at or below the stop price:
	// SELL stop-loss, BUY take-profit.
	below      *skiplist.SkipList
	byID       map[int64]*core.Order
	byClientID map[string]*core.Order
}

// NewTriggerIndex creates an empty trigger index.
func NewTriggerIndex() *TriggerIndex {
	return &TriggerIndex{
		above:      skiplist.New(stopKeyAsc{}),
		below:      skiplist.New(stopKeyDesc{}),
		byID:       make(map[int64]*core.Order),
		byClientID: make(map[string]*core.Order),
	}
}

// triggersAbove reports whether the order fires on a rising market.
func triggersAbove(o *core.Order) bool {
	switch o.Type {
	case core.OrderTypeStopLoss, core.OrderTypeStopLossLimit:
		return o.Side == core.SideBuy
	case core.OrderTypeTakeProfit, core.OrderTypeTakeProfitLimit:
		return o.Side == core.SideSell
	}
	return false
}

func (t *TriggerIndex) list(o *core.Order) *skiplist.SkipList {
	if triggersAbove(o) {
		return t.above
	}
	return t.below
}

// Park adds a stop order keyed by its stop price.
func (t *TriggerIndex) Park(o *core.Order) {
	list := t.list(o)
	var level *triggerLevel
	if elem := list.Get(o.StopPrice); elem != nil {
		level = elem.Value.(*triggerLevel)
	} else {
		level = &triggerLevel{price: o.StopPrice}
		list.Set(o.StopPrice, level)
	}
	level.orders = append(level.orders, o)
	t.byID[o.OrderID] = o
	if o.ClientOrderID != "" {
		t.byClientID[o.ClientOrderID] = o
	}
}

// Unpark removes a parked order, for cancellation.
func (t *TriggerIndex) Unpark(orderID int64) (*core.Order, bool) {
	o, ok := t.byID[orderID]
	if !ok {
		return nil, false
	}
	list := t.list(o)
	if elem := list.Get(o.StopPrice); elem != nil {
		level := elem.Value.(*triggerLevel)
		for i, parked := range level.orders {
			if parked.OrderID == orderID {
				level.orders = append(level.orders[:i], level.orders[i+1:]...)
				break
			}
		}
		if len(level.orders) == 0 {
			list.Remove(o.StopPrice)
		}
	}
	t.forget(o)
	return o, true
}

func (t *TriggerIndex) forget(o *core.Order) {
	delete(t.byID, o.OrderID)
	if o.ClientOrderID != "" {
		delete(t.byClientID, o.ClientOrderID)
	}
}

// Get returns a parked order by exchange id.
func (t *TriggerIndex) Get(orderID int64) (*core.Order, bool) {
	o, ok := t.byID[orderID]
	return o, ok
}

// GetByClientID returns a parked order by client id.
func (t *TriggerIndex) GetByClientID(clientID string) (*core.Order, bool) {
	o, ok := t.byClientID[clientID]
	return o, ok
}

// Triggered pops every order whose stop price is touched by the last
// trade price, in trigger order: nearest stop first, FIFO within one
// stop price.
func (t *TriggerIndex) Triggered(lastPrice decimal.Decimal) []*core.Order {
	var fired []*core.Order

	for elem := t.above.Front(); elem != nil; elem = t.above.Front() {
		level := elem.Value.(*triggerLevel)
		if level.price.GreaterThan(lastPrice) {
			break
		}
		fired = append(fired, level.orders...)
		t.above.Remove(level.price)
	}
	for elem := t.below.Front(); elem != nil; elem = t.below.Front() {
		level := elem.Value.(*triggerLevel)
		if level.price.LessThan(lastPrice) {
			break
		}
		fired = append(fired, level.orders...)
		t.below.Remove(level.price)
	}

	for _, o := range fired {
		t.forget(o)
	}
	return fired
}

// Each visits every parked order.
func (t *TriggerIndex) Each(fn func(*core.Order)) {
	for _, list := range []*skiplist.SkipList{t.above, t.below} {
		for elem := list.Front(); elem != nil; elem = elem.Next() {
			for _, o := range elem.Value.(*triggerLevel).orders {
				fn(o)
			}
		}
	}
}

// Len returns the number of parked orders.
func (t *TriggerIndex) Len() int {
	return len(t.byID)
}
