package core

import (
	"github.com/shopspring/decimal"
)

// Side is the order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType enumerates the supported order types.
type OrderType string

const (
	OrderTypeLimit           OrderType = "LIMIT"
	OrderTypeMarket          OrderType = "MARKET"
	OrderTypeStopLoss        OrderType = "STOP_LOSS"
	OrderTypeStopLossLimit   OrderType = "STOP_LOSS_LIMIT"
	OrderTypeTakeProfit      OrderType = "TAKE_PROFIT"
	OrderTypeTakeProfitLimit OrderType = "TAKE_PROFIT_LIMIT"
	OrderTypeLimitMaker      OrderType = "LIMIT_MAKER"
)

// IsStopType reports whether the order parks until its stop price triggers.
func (t OrderType) IsStopType() bool {
	switch t {
	case OrderTypeStopLoss, OrderTypeStopLossLimit, OrderTypeTakeProfit, OrderTypeTakeProfitLimit:
		return true
	}
	return false
}

// TimeInForce enumerates order lifetimes.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// OrderStatus is the order lifecycle state.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusExpiredInMatch  OrderStatus = "EXPIRED_IN_MATCH"
)

// IsTerminal reports whether the status admits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected,
		OrderStatusExpired, OrderStatusExpiredInMatch:
		return true
	}
	return false
}

// STPMode is the self-trade prevention policy carried by the taker.
type STPMode string

const (
	STPNone        STPMode = "NONE"
	STPExpireTaker STPMode = "EXPIRE_TAKER"
	STPExpireMaker STPMode = "EXPIRE_MAKER"
	STPExpireBoth  STPMode = "EXPIRE_BOTH"
)

// PriceMatch derives a limit price from the current book instead of an
// absolute value.
type PriceMatch string

const (
	PriceMatchNone     PriceMatch = "NONE"
	PriceMatchOpponent PriceMatch = "OPPONENT"
	PriceMatchQueue    PriceMatch = "QUEUE"
)

// Order is a spot order. Mutated only under the owning symbol lock.
type Order struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	UserID        string
	Side          Side
	Type          OrderType
	TimeInForce   TimeInForce
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	Quantity      decimal.Decimal
	QuoteOrderQty decimal.Decimal
	FilledQty     decimal.Decimal
	FilledQuote   decimal.Decimal
	Status        OrderStatus
	STP           STPMode
	PriceMatch    PriceMatch
	Time          int64
	UpdateTime    int64
	WorkingTime   int64
}

// RemainingQty returns the unfilled base quantity.
func (o *Order) RemainingQty() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQty)
}

// IsFilled reports whether the order is completely filled.
func (o *Order) IsFilled() bool {
	return o.FilledQty.GreaterThanOrEqual(o.Quantity) && o.Quantity.IsPositive()
}

// Fill applies a partial or complete fill at the given price.
func (o *Order) Fill(qty, price decimal.Decimal, ts int64) {
	o.FilledQty = o.FilledQty.Add(qty)
	o.FilledQuote = o.FilledQuote.Add(qty.Mul(price))
	o.UpdateTime = ts
	if o.IsFilled() {
		o.Status = OrderStatusFilled
	} else {
		o.Status = OrderStatusPartiallyFilled
	}
}

// IsWorking reports whether the order still rests on the book.
func (o *Order) IsWorking() bool {
	return o.Status == OrderStatusNew || o.Status == OrderStatusPartiallyFilled
}

// Trade is one executed match between a buy and a sell order.
type Trade struct {
	TradeID        int64
	Symbol         string
	Price          decimal.Decimal
	Quantity       decimal.Decimal
	QuoteQuantity  decimal.Decimal
	BuyOrderID     int64
	SellOrderID    int64
	BuyUserID      string
	SellUserID     string
	BuyCommission  decimal.Decimal
	BuyCommAsset   string
	SellCommission decimal.Decimal
	SellCommAsset  string
	IsBuyerMaker   bool
	Timestamp      int64
}

// Balance is one asset position inside an account.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// Total returns free + locked.
func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// PriceFilter constrains price granularity and range.
type PriceFilter struct {
	Min  decimal.Decimal `json:"min"`
	Max  decimal.Decimal `json:"max"`
	Tick decimal.Decimal `json:"tick"`
}

// LotFilter constrains quantity granularity and range.
type LotFilter struct {
	Min  decimal.Decimal `json:"min"`
	Max  decimal.Decimal `json:"max"`
	Step decimal.Decimal `json:"step"`
}

// SymbolSpec describes one tradable symbol and its filter rules.
type SymbolSpec struct {
	Symbol         string          `json:"symbol"`
	BaseAsset      string          `json:"base_asset"`
	QuoteAsset     string          `json:"quote_asset"`
	Price          PriceFilter     `json:"price_filter"`
	Lot            LotFilter       `json:"lot_filter"`
	MinNotional    decimal.Decimal `json:"min_notional"`
	BasePrecision  int             `json:"base_precision"`
	QuotePrecision int             `json:"quote_precision"`
}

// DataKind tags the shape of a replayed data point.
type DataKind string

const (
	DataKindTick DataKind = "TICK"
	DataKindBar  DataKind = "BAR"
)

// DataPoint is one timestamped row emitted by a replay source.
type DataPoint struct {
	Timestamp int64
	SourceID  string
	Symbol    string
	Kind      DataKind
	Price     decimal.Decimal
	Volume    decimal.Decimal
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
}

// LastPrice returns the representative price of the point: the close for
// bars, the tick price otherwise.
func (p *DataPoint) LastPrice() decimal.Decimal {
	if p.Kind == DataKindBar {
		return p.Close
	}
	return p.Price
}

// Kline is one aggregated bar.
type Kline struct {
	Symbol        string
	Interval      string
	OpenTime      int64
	CloseTime     int64
	Open          decimal.Decimal
	High          decimal.Decimal
	Low           decimal.Decimal
	Close         decimal.Decimal
	Volume        decimal.Decimal
	QuoteVolume   decimal.Decimal
	TradeCount    int64
	TakerBuyBase  decimal.Decimal
	TakerBuyQuote decimal.Decimal
	Closed        bool
}

// PriceLevel is one aggregated book level.
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Depth is an order book snapshot.
type Depth struct {
	Symbol       string
	LastUpdateID int64
	Bids         []PriceLevel
	Asks         []PriceLevel
}
