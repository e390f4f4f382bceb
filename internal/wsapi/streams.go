package wsapi

import (
	"encoding/json"
	"fmt"
	"strings"
	"virtual_exchange/internal/core"
	"virtual_exchange/internal/marketdata"
)

// Stream suffixes carried after "<symbol>@".
const (
	suffixTrade    = "trade"
	suffixDepth    = "depth"
	suffixTicker   = "ticker"
	suffixAvgPrice = "avgPrice"
	klinePrefix    = "kline_"
)

// userDataStream is the pseudo-stream private frames arrive on after a
// successful AUTH.
const userDataStream = "userData"

// parseStream validates "<symbol>@<suffix>" and returns the canonical
// lowercase stream name plus the uppercase symbol.
func parseStream(name string) (stream, symbol string, err error) {
	lower := strings.ToLower(name)
	i := strings.IndexByte(lower, '@')
	if i <= 0 || i == len(lower)-1 {
		return "", "", fmt.Errorf("invalid stream name %q", name)
	}
	symbol = strings.ToUpper(lower[:i])

	// The kline suffix keeps the interval's original case (1M vs 1m).
	suffix := name[i+1:]
	switch suffix {
	case suffixTrade, suffixDepth, suffixTicker, suffixAvgPrice:
		return lower[:i] + "@" + suffix, symbol, nil
	}
	if strings.HasPrefix(suffix, klinePrefix) {
		interval := suffix[len(klinePrefix):]
		if marketdata.ValidInterval(interval) {
			return lower[:i] + "@" + klinePrefix + interval, symbol, nil
		}
	}
	return "", "", fmt.Errorf("invalid stream name %q", name)
}

// frame is the combined-stream envelope every payload ships in.
type frame struct {
	Stream string      `json:"stream"`
	Data   interface{} `json:"data"`
}

func marshalFrame(stream string, data interface{}) ([]byte, error) {
	return json.Marshal(frame{Stream: stream, Data: data})
}

type wireTradeEvent struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	BuyOrderID   int64  `json:"b"`
	SellOrderID  int64  `json:"a"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
	Ignore       bool   `json:"M"`
}

func tradeEvent(t *core.Trade, eventTime int64) wireTradeEvent {
	return wireTradeEvent{
		EventType:    "trade",
		EventTime:    eventTime,
		Symbol:       t.Symbol,
		TradeID:      t.TradeID,
		Price:        core.WireDecimal(t.Price),
		Quantity:     core.WireDecimal(t.Quantity),
		BuyOrderID:   t.BuyOrderID,
		SellOrderID:  t.SellOrderID,
		TradeTime:    t.Timestamp,
		IsBuyerMaker: t.IsBuyerMaker,
		Ignore:       true,
	}
}

type wireDepthEvent struct {
	EventType     string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

func depthEvent(d *core.DepthDiff, eventTime int64) wireDepthEvent {
	return wireDepthEvent{
		EventType:     "depthUpdate",
		EventTime:     eventTime,
		Symbol:        d.Symbol,
		FirstUpdateID: d.FirstUpdateID,
		FinalUpdateID: d.FinalUpdateID,
		Bids:          core.WireLevels(d.Bids),
		Asks:          core.WireLevels(d.Asks),
	}
}

type wireKlineBody struct {
	OpenTime    int64  `json:"t"`
	CloseTime   int64  `json:"T"`
	Symbol      string `json:"s"`
	Interval    string `json:"i"`
	Open        string `json:"o"`
	Close       string `json:"c"`
	High        string `json:"h"`
	Low         string `json:"l"`
	Volume      string `json:"v"`
	TradeCount  int64  `json:"n"`
	Closed      bool   `json:"x"`
	QuoteVolume string `json:"q"`
}

type wireKlineEvent struct {
	EventType string        `json:"e"`
	EventTime int64         `json:"E"`
	Symbol    string        `json:"s"`
	Kline     wireKlineBody `json:"k"`
}

func klineEvent(k core.Kline, eventTime int64) wireKlineEvent {
	return wireKlineEvent{
		EventType: "kline",
		EventTime: eventTime,
		Symbol:    k.Symbol,
		Kline: wireKlineBody{
			OpenTime:    k.OpenTime,
			CloseTime:   k.CloseTime,
			Symbol:      k.Symbol,
			Interval:    k.Interval,
			Open:        core.WireDecimal(k.Open),
			Close:       core.WireDecimal(k.Close),
			High:        core.WireDecimal(k.High),
			Low:         core.WireDecimal(k.Low),
			Volume:      core.WireDecimal(k.Volume),
			TradeCount:  k.TradeCount,
			Closed:      k.Closed,
			QuoteVolume: core.WireDecimal(k.QuoteVolume),
		},
	}
}

type wireTickerEvent struct {
	EventType          string `json:"e"`
	EventTime          int64  `json:"E"`
	Symbol             string `json:"s"`
	PriceChange        string `json:"p"`
	PriceChangePercent string `json:"P"`
	WeightedAvgPrice   string `json:"w"`
	PrevClosePrice     string `json:"x"`
	LastPrice          string `json:"c"`
	LastQty            string `json:"Q"`
	BidPrice           string `json:"b"`
	BidQty             string `json:"B"`
	AskPrice           string `json:"a"`
	AskQty             string `json:"A"`
	OpenPrice          string `json:"o"`
	HighPrice          string `json:"h"`
	LowPrice           string `json:"l"`
	Volume             string `json:"v"`
	QuoteVolume        string `json:"q"`
	OpenTime           int64  `json:"O"`
	CloseTime          int64  `json:"C"`
	FirstTradeID       int64  `json:"F"`
	LastTradeID        int64  `json:"L"`
	TradeCount         int64  `json:"n"`
}

func tickerEvent(tk marketdata.Ticker24h, eventTime int64) wireTickerEvent {
	return wireTickerEvent{
		EventType:          "24hrTicker",
		EventTime:          eventTime,
		Symbol:             tk.Symbol,
		PriceChange:        core.WireDecimal(tk.PriceChange),
		PriceChangePercent: tk.PriceChangePercent.StringFixed(3),
		WeightedAvgPrice:   core.WireDecimal(tk.WeightedAvgPrice),
		PrevClosePrice:     core.WireDecimal(tk.PrevClosePrice),
		LastPrice:          core.WireDecimal(tk.LastPrice),
		LastQty:            core.WireDecimal(tk.LastQty),
		BidPrice:           core.WireDecimal(tk.BidPrice),
		BidQty:             core.WireDecimal(tk.BidQty),
		AskPrice:           core.WireDecimal(tk.AskPrice),
		AskQty:             core.WireDecimal(tk.AskQty),
		OpenPrice:          core.WireDecimal(tk.OpenPrice),
		HighPrice:          core.WireDecimal(tk.HighPrice),
		LowPrice:           core.WireDecimal(tk.LowPrice),
		Volume:             core.WireDecimal(tk.Volume),
		QuoteVolume:        core.WireDecimal(tk.QuoteVolume),
		OpenTime:           tk.OpenTime,
		CloseTime:          tk.CloseTime,
		FirstTradeID:       tk.FirstTradeID,
		LastTradeID:        tk.LastTradeID,
		TradeCount:         tk.TradeCount,
	}
}

type wireAvgPriceEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Interval  string `json:"i"`
	AvgPrice  string `json:"w"`
	TradeTime int64  `json:"T"`
}

func avgPriceEvent(symbol string, ap marketdata.AvgPrice, eventTime int64) wireAvgPriceEvent {
	return wireAvgPriceEvent{
		EventType: "avgPrice",
		EventTime: eventTime,
		Symbol:    symbol,
		Interval:  fmt.Sprintf("%dm", ap.Mins),
		AvgPrice:  core.WireDecimal(ap.Price),
		TradeTime: ap.CloseTime,
	}
}

type wireExecutionReport struct {
	EventType     string `json:"e"`
	EventTime     int64  `json:"E"`
	Symbol        string `json:"s"`
	ClientOrderID string `json:"c"`
	Side          string `json:"S"`
	OrderType     string `json:"o"`
	TimeInForce   string `json:"f"`
	Quantity      string `json:"q"`
	Price         string `json:"p"`
	StopPrice     string `json:"P"`
	ExecType      string `json:"x"`
	Status        string `json:"X"`
	OrderID       int64  `json:"i"`
	CumQty        string `json:"z"`
	CumQuoteQty   string `json:"Z"`
	OrderTime     int64  `json:"O"`
	TransactTime  int64  `json:"T"`
	IsWorking     bool   `json:"w"`
	WorkingTime   int64  `json:"W"`
	STPMode       string `json:"V"`
}

func executionReport(o *core.Order, exec core.ExecutionType, eventTime int64) wireExecutionReport {
	tif := o.TimeInForce
	if tif == "" {
		tif = core.TimeInForceGTC
	}
	stp := o.STP
	if stp == "" {
		stp = core.STPNone
	}
	return wireExecutionReport{
		EventType:     "executionReport",
		EventTime:     eventTime,
		Symbol:        o.Symbol,
		ClientOrderID: o.ClientOrderID,
		Side:          string(o.Side),
		OrderType:     string(o.Type),
		TimeInForce:   string(tif),
		Quantity:      core.WireDecimal(o.Quantity),
		Price:         core.WireDecimal(o.Price),
		StopPrice:     core.WireDecimal(o.StopPrice),
		ExecType:      string(exec),
		Status:        string(o.Status),
		OrderID:       o.OrderID,
		CumQty:        core.WireDecimal(o.FilledQty),
		CumQuoteQty:   core.WireDecimal(o.FilledQuote),
		OrderTime:     o.Time,
		TransactTime:  o.UpdateTime,
		IsWorking:     o.IsWorking(),
		WorkingTime:   o.WorkingTime,
		STPMode:       string(stp),
	}
}

type wireAccountBalance struct {
	Asset  string `json:"a"`
	Free   string `json:"f"`
	Locked string `json:"l"`
}

type wireAccountPosition struct {
	EventType  string               `json:"e"`
	EventTime  int64                `json:"E"`
	UpdateTime int64                `json:"u"`
	Balances   []wireAccountBalance `json:"B"`
}

func accountPosition(balances []core.Balance, eventTime int64) wireAccountPosition {
	out := wireAccountPosition{
		EventType:  "outboundAccountPosition",
		EventTime:  eventTime,
		UpdateTime: eventTime,
		Balances:   make([]wireAccountBalance, 0, len(balances)),
	}
	for _, b := range balances {
		out.Balances = append(out.Balances, wireAccountBalance{
			Asset:  b.Asset,
			Free:   core.WireDecimal(b.Free),
			Locked: core.WireDecimal(b.Locked),
		})
	}
	return out
}
