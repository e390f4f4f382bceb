package restapi

import (
	"virtual_exchange/internal/core"
	"virtual_exchange/internal/marketdata"

	"github.com/shopspring/decimal"
)

// Wire shapes for the Binance-compatible REST surface. Numbers travel
// as strings; orderListId is always -1 (no OCO support).

type errorResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type serverTimeResponse struct {
	ServerTime int64 `json:"serverTime"`
}

type wireFilter struct {
	FilterType  string `json:"filterType"`
	MinPrice    string `json:"minPrice,omitempty"`
	MaxPrice    string `json:"maxPrice,omitempty"`
	TickSize    string `json:"tickSize,omitempty"`
	MinQty      string `json:"minQty,omitempty"`
	MaxQty      string `json:"maxQty,omitempty"`
	StepSize    string `json:"stepSize,omitempty"`
	MinNotional string `json:"minNotional,omitempty"`
}

type wireSymbol struct {
	Symbol                     string       `json:"symbol"`
	Status                     string       `json:"status"`
	BaseAsset                  string       `json:"baseAsset"`
	BaseAssetPrecision         int          `json:"baseAssetPrecision"`
	QuoteAsset                 string       `json:"quoteAsset"`
	QuoteAssetPrecision        int          `json:"quoteAssetPrecision"`
	OrderTypes                 []string     `json:"orderTypes"`
	IcebergAllowed             bool         `json:"icebergAllowed"`
	OcoAllowed                 bool         `json:"ocoAllowed"`
	IsSpotTradingAllowed       bool         `json:"isSpotTradingAllowed"`
	Filters                    []wireFilter `json:"filters"`
	SelfTradePreventionModes   []string     `json:"selfTradePreventionModes"`
	DefaultSelfTradePrevention string       `json:"defaultSelfTradePreventionMode"`
}

type wireRateLimit struct {
	RateLimitType string `json:"rateLimitType"`
	Interval      string `json:"interval"`
	IntervalNum   int    `json:"intervalNum"`
	Limit         int    `json:"limit"`
}

type exchangeInfoResponse struct {
	Timezone   string          `json:"timezone"`
	ServerTime int64           `json:"serverTime"`
	RateLimits []wireRateLimit `json:"rateLimits"`
	Symbols    []wireSymbol    `json:"symbols"`
}

func symbolToWire(spec core.SymbolSpec) wireSymbol {
	return wireSymbol{
		Symbol:              spec.Symbol,
		Status:              "TRADING",
		BaseAsset:           spec.BaseAsset,
		BaseAssetPrecision:  spec.BasePrecision,
		QuoteAsset:          spec.QuoteAsset,
		QuoteAssetPrecision: spec.QuotePrecision,
		OrderTypes: []string{
			"LIMIT", "MARKET", "STOP_LOSS", "STOP_LOSS_LIMIT",
			"TAKE_PROFIT", "TAKE_PROFIT_LIMIT", "LIMIT_MAKER",
		},
		IsSpotTradingAllowed: true,
		Filters: []wireFilter{
			{
				FilterType: "PRICE_FILTER",
				MinPrice:   core.WireDecimal(spec.Price.Min),
				MaxPrice:   core.WireDecimal(spec.Price.Max),
				TickSize:   core.WireDecimal(spec.Price.Tick),
			},
			{
				FilterType: "LOT_SIZE",
				MinQty:     core.WireDecimal(spec.Lot.Min),
				MaxQty:     core.WireDecimal(spec.Lot.Max),
				StepSize:   core.WireDecimal(spec.Lot.Step),
			},
			{
				FilterType:  "NOTIONAL",
				MinNotional: core.WireDecimal(spec.MinNotional),
			},
		},
		SelfTradePreventionModes:   []string{"NONE", "EXPIRE_TAKER", "EXPIRE_MAKER", "EXPIRE_BOTH"},
		DefaultSelfTradePrevention: "NONE",
	}
}

type depthResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

type wireTrade struct {
	ID           int64  `json:"id"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	QuoteQty     string `json:"quoteQty"`
	Time         int64  `json:"time"`
	IsBuyerMaker bool   `json:"isBuyerMaker"`
	IsBestMatch  bool   `json:"isBestMatch"`
}

func tradeToWire(t *core.Trade) wireTrade {
	return wireTrade{
		ID:           t.TradeID,
		Price:        core.WireDecimal(t.Price),
		Qty:          core.WireDecimal(t.Quantity),
		QuoteQty:     core.WireDecimal(t.QuoteQuantity),
		Time:         t.Timestamp,
		IsBuyerMaker: t.IsBuyerMaker,
		IsBestMatch:  true,
	}
}

type wireAggTrade struct {
	ID           int64  `json:"a"`
	Price        string `json:"p"`
	Qty          string `json:"q"`
	FirstTradeID int64  `json:"f"`
	LastTradeID  int64  `json:"l"`
	Time         int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
	IsBestMatch  bool   `json:"M"`
}

func aggTradeToWire(at marketdata.AggTrade) wireAggTrade {
	return wireAggTrade{
		ID:           at.ID,
		Price:        core.WireDecimal(at.Price),
		Qty:          core.WireDecimal(at.Quantity),
		FirstTradeID: at.FirstTradeID,
		LastTradeID:  at.LastTradeID,
		Time:         at.Timestamp,
		IsBuyerMaker: at.IsBuyerMaker,
		IsBestMatch:  true,
	}
}

// klineToWire renders the 12-field array Binance uses:
// [openTime, open, high, low, close, volume, closeTime, quoteVolume,
// tradeCount, takerBuyBase, takerBuyQuote, unused "0"].
func klineToWire(k core.Kline) []interface{} {
	return []interface{}{
		k.OpenTime,
		core.WireDecimal(k.Open),
		core.WireDecimal(k.High),
		core.WireDecimal(k.Low),
		core.WireDecimal(k.Close),
		core.WireDecimal(k.Volume),
		k.CloseTime,
		core.WireDecimal(k.QuoteVolume),
		k.TradeCount,
		core.WireDecimal(k.TakerBuyBase),
		core.WireDecimal(k.TakerBuyQuote),
		"0",
	}
}

type avgPriceResponse struct {
	Mins      int    `json:"mins"`
	Price     string `json:"price"`
	CloseTime int64  `json:"closeTime"`
}

type tickerPriceResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type ticker24hResponse struct {
	Symbol             string `json:"symbol"`
	PriceChange        string `json:"priceChange"`
	PriceChangePercent string `json:"priceChangePercent"`
	WeightedAvgPrice   string `json:"weightedAvgPrice"`
	PrevClosePrice     string `json:"prevClosePrice"`
	LastPrice          string `json:"lastPrice"`
	LastQty            string `json:"lastQty"`
	BidPrice           string `json:"bidPrice"`
	BidQty             string `json:"bidQty"`
	AskPrice           string `json:"askPrice"`
	AskQty             string `json:"askQty"`
	OpenPrice          string `json:"openPrice"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	Volume             string `json:"volume"`
	QuoteVolume        string `json:"quoteVolume"`
	OpenTime           int64  `json:"openTime"`
	CloseTime          int64  `json:"closeTime"`
	FirstID            int64  `json:"firstId"`
	LastID             int64  `json:"lastId"`
	Count              int64  `json:"count"`
}

func ticker24hToWire(tk marketdata.Ticker24h) ticker24hResponse {
	return ticker24hResponse{
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
		FirstID:            tk.FirstTradeID,
		LastID:             tk.LastTradeID,
		Count:              tk.TradeCount,
	}
}

type bookTickerResponse struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	BidQty   string `json:"bidQty"`
	AskPrice string `json:"askPrice"`
	AskQty   string `json:"askQty"`
}

type wireBalance struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

type accountResponse struct {
	MakerCommission  int64         `json:"makerCommission"`
	TakerCommission  int64         `json:"takerCommission"`
	BuyerCommission  int64         `json:"buyerCommission"`
	SellerCommission int64         `json:"sellerCommission"`
	CanTrade         bool          `json:"canTrade"`
	CanWithdraw      bool          `json:"canWithdraw"`
	CanDeposit       bool          `json:"canDeposit"`
	UpdateTime       int64         `json:"updateTime"`
	AccountType      string        `json:"accountType"`
	Balances         []wireBalance `json:"balances"`
	Permissions      []string      `json:"permissions"`
}

type wireFill struct {
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	TradeID         int64  `json:"tradeId"`
}

// orderResponse covers the ACK, RESULT, and FULL shapes of POST /order
// plus GET and DELETE. Fields absent from a shape stay unset and are
// omitted.
type orderResponse struct {
	Symbol              string     `json:"symbol"`
	OrderID             int64      `json:"orderId"`
	OrderListID         int64      `json:"orderListId"`
	ClientOrderID       string     `json:"clientOrderId,omitempty"`
	OrigClientOrderID   string     `json:"origClientOrderId,omitempty"`
	TransactTime        int64      `json:"transactTime,omitempty"`
	Price               string     `json:"price,omitempty"`
	OrigQty             string     `json:"origQty,omitempty"`
	ExecutedQty         string     `json:"executedQty,omitempty"`
	CummulativeQuoteQty string     `json:"cummulativeQuoteQty,omitempty"`
	OrigQuoteOrderQty   string     `json:"origQuoteOrderQty,omitempty"`
	Status              string     `json:"status,omitempty"`
	TimeInForce         string     `json:"timeInForce,omitempty"`
	Type                string     `json:"type,omitempty"`
	Side                string     `json:"side,omitempty"`
	StopPrice           string     `json:"stopPrice,omitempty"`
	IcebergQty          string     `json:"icebergQty,omitempty"`
	Time                int64      `json:"time,omitempty"`
	UpdateTime          int64      `json:"updateTime,omitempty"`
	IsWorking           *bool      `json:"isWorking,omitempty"`
	WorkingTime         int64      `json:"workingTime,omitempty"`
	SelfTradePrevention string     `json:"selfTradePreventionMode,omitempty"`
	Fills               []wireFill `json:"fills,omitempty"`
}

func stpWire(stp core.STPMode) string {
	if stp == "" {
		return string(core.STPNone)
	}
	return string(stp)
}

func tifWire(tif core.TimeInForce) string {
	if tif == "" {
		return string(core.TimeInForceGTC)
	}
	return string(tif)
}

func orderAck(o *core.Order) orderResponse {
	return orderResponse{
		Symbol:        o.Symbol,
		OrderID:       o.OrderID,
		OrderListID:   -1,
		ClientOrderID: o.ClientOrderID,
		TransactTime:  o.UpdateTime,
	}
}

func orderResult(o *core.Order) orderResponse {
	resp := orderAck(o)
	resp.Price = core.WireDecimal(o.Price)
	resp.OrigQty = core.WireDecimal(o.Quantity)
	resp.ExecutedQty = core.WireDecimal(o.FilledQty)
	resp.CummulativeQuoteQty = core.WireDecimal(o.FilledQuote)
	if o.QuoteOrderQty.IsPositive() {
		resp.OrigQuoteOrderQty = core.WireDecimal(o.QuoteOrderQty)
	}
	resp.Status = string(o.Status)
	resp.TimeInForce = tifWire(o.TimeInForce)
	resp.Type = string(o.Type)
	resp.Side = string(o.Side)
	resp.WorkingTime = o.WorkingTime
	resp.SelfTradePrevention = stpWire(o.STP)
	return resp
}

// orderFull adds the fills the submit produced, commission attributed
// to the order's side of each trade.
func orderFull(o *core.Order, trades []*core.Trade) orderResponse {
	resp := orderResult(o)
	resp.Fills = make([]wireFill, 0, len(trades))
	for _, t := range trades {
		fill := wireFill{
			Price:   core.WireDecimal(t.Price),
			Qty:     core.WireDecimal(t.Quantity),
			TradeID: t.TradeID,
		}
		if o.Side == core.SideBuy {
			fill.Commission = core.WireDecimal(t.BuyCommission)
			fill.CommissionAsset = t.BuyCommAsset
		} else {
			fill.Commission = core.WireDecimal(t.SellCommission)
			fill.CommissionAsset = t.SellCommAsset
		}
		resp.Fills = append(resp.Fills, fill)
	}
	return resp
}

// orderQuery is the GET /order and /openOrders /allOrders row shape.
func orderQuery(o *core.Order) orderResponse {
	resp := orderResult(o)
	resp.TransactTime = 0
	resp.StopPrice = core.WireDecimal(o.StopPrice)
	resp.IcebergQty = core.WireDecimal(decimal.Zero)
	resp.Time = o.Time
	resp.UpdateTime = o.UpdateTime
	working := o.IsWorking()
	resp.IsWorking = &working
	return resp
}

// orderCancel is the DELETE /order row shape.
func orderCancel(o *core.Order) orderResponse {
	resp := orderResult(o)
	resp.OrigClientOrderID = o.ClientOrderID
	return resp
}

type wireMyTrade struct {
	Symbol          string `json:"symbol"`
	ID              int64  `json:"id"`
	OrderID         int64  `json:"orderId"`
	OrderListID     int64  `json:"orderListId"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	QuoteQty        string `json:"quoteQty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"`
	IsBuyer         bool   `json:"isBuyer"`
	IsMaker         bool   `json:"isMaker"`
	IsBestMatch     bool   `json:"isBestMatch"`
}

// myTradeToWire renders the trade from the given user's perspective.
func myTradeToWire(t *core.Trade, userID string) wireMyTrade {
	isBuyer := t.BuyUserID == userID
	w := wireMyTrade{
		Symbol:      t.Symbol,
		ID:          t.TradeID,
		OrderListID: -1,
		Price:       core.WireDecimal(t.Price),
		Qty:         core.WireDecimal(t.Quantity),
		QuoteQty:    core.WireDecimal(t.QuoteQuantity),
		Time:        t.Timestamp,
		IsBuyer:     isBuyer,
		IsBestMatch: true,
	}
	if isBuyer {
		w.OrderID = t.BuyOrderID
		w.Commission = core.WireDecimal(t.BuyCommission)
		w.CommissionAsset = t.BuyCommAsset
		w.IsMaker = t.IsBuyerMaker
	} else {
		w.OrderID = t.SellOrderID
		w.Commission = core.WireDecimal(t.SellCommission)
		w.CommissionAsset = t.SellCommAsset
		w.IsMaker = !t.IsBuyerMaker
	}
	return w
}
