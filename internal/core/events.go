package core

// EventType identifies what an exchange event carries. Market and user
// events share the one enum; subscribers filter by type.
type EventType string

const (
	EventMarketData    EventType = "MARKET_DATA"
	EventTrade         EventType = "TRADE"
	EventOrderUpdate   EventType = "ORDER_UPDATE"
	EventAccountUpdate EventType = "ACCOUNT_UPDATE"
	EventDepthUpdate   EventType = "DEPTH_UPDATE"
	EventKline         EventType = "KLINE"
)

// ExecutionType is the change that produced an order update.
type ExecutionType string

const (
	ExecNew            ExecutionType = "NEW"
	ExecTrade          ExecutionType = "TRADE"
	ExecCanceled       ExecutionType = "CANCELED"
	ExecExpired        ExecutionType = "EXPIRED"
	ExecExpiredInMatch ExecutionType = "EXPIRED_IN_MATCH"
	ExecRejected       ExecutionType = "REJECTED"
)

// DepthDiff is the delta applied to the book by one mutation batch.
// Quantities are absolute level totals; zero removes the level.
type DepthDiff struct {
	Symbol        string
	FirstUpdateID int64
	FinalUpdateID int64
	Bids          []PriceLevel
	Asks          []PriceLevel
}

// Event is one notification fanned out to subscribers. Exactly one of
// the payload pointers is set, matching Type.
type Event struct {
	Type   EventType
	Symbol string
	UserID string
	Time   int64

	Order    *Order
	Exec     ExecutionType
	Trade    *Trade
	Depth    *DepthDiff
	Point    *DataPoint
	Kline    *Kline
	Balances []Balance
}

// IsOrderOrTrade reports whether the event must survive queue pressure.
// Overflow policy drops the oldest event that returns false first.
func (e *Event) IsOrderOrTrade() bool {
	return e.Type == EventOrderUpdate || e.Type == EventTrade
}
