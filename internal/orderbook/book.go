// Package orderbook implements the per-symbol limit order book: two
// B-tree price ladders with FIFO order queues per level and a strictly
// increasing update sequence linking depth snapshots to diff streams.
package orderbook

import (
	"sort"
	"virtual_exchange/internal/core"

	"github.com/google/btree"
	"github.com/shopspring/decimal"
)

const btreeDegree = 32

// priceLevel is the FIFO queue of resting orders at one price.
// Implements btree.Item, ascending by price.
type priceLevel struct {
	price  decimal.Decimal
	orders []*core.Order
}

func (l *priceLevel) Less(other btree.Item) bool {
	return l.price.LessThan(other.(*priceLevel).price)
}

func (l *priceLevel) totalQty() decimal.Decimal {
	total := decimal.Zero
	for _, o := range l.orders {
		total = total.Add(o.RemainingQty())
	}
	return total
}

func (l *priceLevel) remove(orderID int64) *core.Order {
	for i, o := range l.orders {
		if o.OrderID == orderID {
			l.orders = append(l.orders[:i], l.orders[i+1:]...)
			return o
		}
	}
	return nil
}

// Book is one symbol's resting order book. It is not safe for
// concurrent use: the owning engine serializes every call, mutations
// and depth queries alike, under its symbol lock.
type Book struct {
	symbol     string
	bids       *btree.BTree
	asks       *btree.BTree
	byID       map[int64]*core.Order
	byClientID map[string]*core.Order

	lastUpdateID  int64
	lastFlushedID int64
	dirtyBids     map[string]decimal.Decimal
	dirtyAsks     map[string]decimal.Decimal
}

// New creates an empty book for the symbol.
func New(symbol string) *Book {
	return &Book{
		symbol:     symbol,
		bids:       btree.New(btreeDegree),
		asks:       btree.New(btreeDegree),
		byID:       make(map[int64]*core.Order),
		byClientID: make(map[string]*core.Order),
		dirtyBids:  make(map[string]decimal.Decimal),
		dirtyAsks:  make(map[string]decimal.Decimal),
	}
}

// Symbol returns the book's symbol.
func (b *Book) Symbol() string {
	return b.symbol
}

// LastUpdateID returns the sequence number of the latest mutation.
func (b *Book) LastUpdateID() int64 {
	return b.lastUpdateID
}

func (b *Book) tree(side core.Side) *btree.BTree {
	if side == core.SideBuy {
		return b.bids
	}
	return b.asks
}

// dirtyKey canonicalizes a price for the dirty-level map. Tick filters
// reject prices beyond 8 decimals, so fixed-8 strings are unique.
func dirtyKey(price decimal.Decimal) string {
	return price.StringFixed(8)
}

func (b *Book) touch(side core.Side, price decimal.Decimal) {
	b.lastUpdateID++
	if side == core.SideBuy {
		b.dirtyBids[dirtyKey(price)] = price
	} else {
		b.dirtyAsks[dirtyKey(price)] = price
	}
}

// Insert adds a resting order at the tail of its price level.
func (b *Book) Insert(o *core.Order) {
	tree := b.tree(o.Side)
	var level *priceLevel
	if item := tree.Get(&priceLevel{price: o.Price}); item != nil {
		level = item.(*priceLevel)
	} else {
		level = &priceLevel{price: o.Price}
		tree.ReplaceOrInsert(level)
	}
	level.orders = append(level.orders, o)
	b.byID[o.OrderID] = o
	if o.ClientOrderID != "" {
		b.byClientID[o.ClientOrderID] = o
	}
	b.touch(o.Side, o.Price)
}

// Remove takes an order off the book. Empty levels are deleted so the
// book never holds a level with no orders.
func (b *Book) Remove(o *core.Order) bool {
	return b.removeAt(o.Side, o.Price, o.OrderID)
}

func (b *Book) removeAt(side core.Side, price decimal.Decimal, orderID int64) bool {
	tree := b.tree(side)
	item := tree.Get(&priceLevel{price: price})
	if item == nil {
		return false
	}
	level := item.(*priceLevel)
	removed := level.remove(orderID)
	if removed == nil {
		return false
	}
	if len(level.orders) == 0 {
		tree.Delete(level)
	}
	delete(b.byID, orderID)
	if removed.ClientOrderID != "" {
		delete(b.byClientID, removed.ClientOrderID)
	}
	b.touch(side, price)
	return true
}

// NoteTrade records that a resting maker's remaining quantity changed.
func (b *Book) NoteTrade(maker *core.Order) {
	b.touch(maker.Side, maker.Price)
}

// Get returns a resting order by exchange id.
func (b *Book) Get(orderID int64) (*core.Order, bool) {
	o, ok := b.byID[orderID]
	return o, ok
}

// GetByClientID returns a resting order by client id.
func (b *Book) GetByClientID(clientID string) (*core.Order, bool) {
	o, ok := b.byClientID[clientID]
	return o, ok
}

func (b *Book) bestLevel(side core.Side) *priceLevel {
	var item btree.Item
	if side == core.SideBuy {
		item = b.bids.Max()
	} else {
		item = b.asks.Min()
	}
	if item == nil {
		return nil
	}
	return item.(*priceLevel)
}

// PeekFirst returns the oldest order at the side's best level.
func (b *Book) PeekFirst(side core.Side) *core.Order {
	level := b.bestLevel(side)
	if level == nil || len(level.orders) == 0 {
		return nil
	}
	return level.orders[0]
}

// BestBid returns the aggregated best bid level.
func (b *Book) BestBid() (core.PriceLevel, bool) {
	level := b.bestLevel(core.SideBuy)
	if level == nil {
		return core.PriceLevel{}, false
	}
	return core.PriceLevel{Price: level.price, Quantity: level.totalQty()}, true
}

// BestAsk returns the aggregated best ask level.
func (b *Book) BestAsk() (core.PriceLevel, bool) {
	level := b.bestLevel(core.SideSell)
	if level == nil {
		return core.PriceLevel{}, false
	}
	return core.PriceLevel{Price: level.price, Quantity: level.totalQty()}, true
}

// IterateSide walks the side best-first. Return false to stop.
func (b *Book) IterateSide(side core.Side, fn func(price decimal.Decimal, orders []*core.Order) bool) {
	walk := func(item btree.Item) bool {
		level := item.(*priceLevel)
		return fn(level.price, level.orders)
	}
	if side == core.SideBuy {
		b.bids.Descend(walk)
	} else {
		b.asks.Ascend(walk)
	}
}

// Depth returns the top n levels per side; n <= 0 returns everything.
func (b *Book) Depth(n int) core.Depth {
	collect := func(side core.Side) []core.PriceLevel {
		var out []core.PriceLevel
		b.IterateSide(side, func(price decimal.Decimal, orders []*core.Order) bool {
			total := decimal.Zero
			for _, o := range orders {
				total = total.Add(o.RemainingQty())
			}
			out = append(out, core.PriceLevel{Price: price, Quantity: total})
			return n <= 0 || len(out) < n
		})
		return out
	}
	return core.Depth{
		Symbol:       b.symbol,
		LastUpdateID: b.lastUpdateID,
		Bids:         collect(core.SideBuy),
		Asks:         collect(core.SideSell),
	}
}

// SideVolume totals the remaining quantity resting on a side.
func (b *Book) SideVolume(side core.Side) decimal.Decimal {
	total := decimal.Zero
	b.IterateSide(side, func(_ decimal.Decimal, orders []*core.Order) bool {
		for _, o := range orders {
			total = total.Add(o.RemainingQty())
		}
		return true
	})
	return total
}

// Len returns the number of resting orders.
func (b *Book) Len() int {
	return len(b.byID)
}

// FlushDiff drains the levels touched since the last flush into a depth
// diff. Quantities are absolute level totals; zero means the level is
// gone. Returns nil when nothing changed.
func (b *Book) FlushDiff() *core.DepthDiff {
	if len(b.dirtyBids) == 0 && len(b.dirtyAsks) == 0 {
		return nil
	}
	diff := &core.DepthDiff{
		Symbol:        b.symbol,
		FirstUpdateID: b.lastFlushedID + 1,
		FinalUpdateID: b.lastUpdateID,
		Bids:          b.drainDirty(core.SideBuy),
		Asks:          b.drainDirty(core.SideSell),
	}
	b.lastFlushedID = b.lastUpdateID
	return diff
}

func (b *Book) drainDirty(side core.Side) []core.PriceLevel {
	dirty := b.dirtyAsks
	if side == core.SideBuy {
		dirty = b.dirtyBids
	}
	levels := make([]core.PriceLevel, 0, len(dirty))
	for _, price := range dirty {
		qty := decimal.Zero
		if item := b.tree(side).Get(&priceLevel{price: price}); item != nil {
			qty = item.(*priceLevel).totalQty()
		}
		levels = append(levels, core.PriceLevel{Price: price, Quantity: qty})
	}
	// Stable order: bids descending, asks ascending.
	sort.Slice(levels, func(i, j int) bool {
		if side == core.SideBuy {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
	if side == core.SideBuy {
		b.dirtyBids = make(map[string]decimal.Decimal)
	} else {
		b.dirtyAsks = make(map[string]decimal.Decimal)
	}
	return levels
}
