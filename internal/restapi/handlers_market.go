package restapi

import (
	"net/http"
	"strconv"
	"virtual_exchange/internal/core"
	"virtual_exchange/internal/marketdata"
	apperrors "virtual_exchange/pkg/errors"
)

var depthLimits = map[int]bool{
	5: true, 10: true, 20: true, 50: true,
	100: true, 500: true, 1000: true, 5000: true,
}

const (
	defaultRowLimit = 500
	maxRowLimit     = 1000
)

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, struct{}{})
}

func (s *Server) handleTime(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, serverTimeResponse{ServerTime: s.ve.Clock.NowMs()})
}

func (s *Server) handleExchangeInfo(w http.ResponseWriter, r *http.Request) {
	specs := s.ve.Engine.Symbols()
	resp := exchangeInfoResponse{
		Timezone:   "UTC",
		ServerTime: s.ve.Clock.NowMs(),
		RateLimits: []wireRateLimit{{
			RateLimitType: "REQUEST_WEIGHT",
			Interval:      "SECOND",
			IntervalNum:   1,
			Limit:         int(s.cfg.Server.RateLimit),
		}},
		Symbols: make([]wireSymbol, 0, len(specs)),
	}
	for _, spec := range specs {
		resp.Symbols = append(resp.Symbols, symbolToWire(spec))
	}
	s.writeJSON(w, r, resp)
}

// querySymbol reads the mandatory symbol parameter.
func querySymbol(r *http.Request) (string, error) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		return "", apperrors.NewAPIError(apperrors.CodeMandatoryParam,
			"Mandatory parameter 'symbol' was not sent.")
	}
	return symbol, nil
}

// queryInt parses an optional integer parameter, 0 when absent.
func queryInt(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apperrors.NewAPIError(apperrors.CodeMandatoryParam,
			"Parameter '"+name+"' was malformed.")
	}
	return v, nil
}

// rowLimit parses the limit parameter with the standard 500/1000 caps.
func rowLimit(r *http.Request) (int, error) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		return 0, err
	}
	if limit <= 0 {
		return defaultRowLimit, nil
	}
	if limit > maxRowLimit {
		return maxRowLimit, nil
	}
	return int(limit), nil
}

func (s *Server) handleDepth(w http.ResponseWriter, r *http.Request) {
	symbol, err := querySymbol(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit64, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit := int(limit64)
	if limit == 0 {
		// The configured default is not forced onto the Binance ladder;
		// config validation already bounds it.
		limit = s.cfg.Exchange.DepthDefaultLimit
		if limit <= 0 {
			limit = 100
		}
	} else if !depthLimits[limit] {
		s.writeError(w, r, apperrors.NewAPIError(apperrors.CodeMandatoryParam,
			"Parameter 'limit' was malformed."))
		return
	}

	depth, err := s.ve.Engine.Depth(symbol, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, depthResponse{
		LastUpdateID: depth.LastUpdateID,
		Bids:         core.WireLevels(depth.Bids),
		Asks:         core.WireLevels(depth.Asks),
	})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	symbol, err := querySymbol(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := rowLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	trades, err := s.ve.MarketData.RecentTrades(symbol, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]wireTrade, 0, len(trades))
	for i := range trades {
		out = append(out, tradeToWire(&trades[i]))
	}
	s.writeJSON(w, r, out)
}

func (s *Server) handleHistoricalTrades(w http.ResponseWriter, r *http.Request) {
	symbol, err := querySymbol(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	fromID, err := queryInt(r, "fromId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := rowLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, ok := s.ve.Engine.Spec(symbol); !ok {
		s.writeError(w, r, apperrors.NewAPIError(apperrors.CodeUnknownSymbol, "Invalid symbol."))
		return
	}
	trades, err := s.ve.HistoricalTrades(symbol, fromID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]wireTrade, 0, len(trades))
	for _, t := range trades {
		out = append(out, tradeToWire(t))
	}
	s.writeJSON(w, r, out)
}

func (s *Server) handleAggTrades(w http.ResponseWriter, r *http.Request) {
	symbol, err := querySymbol(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	fromID, err := queryInt(r, "fromId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := rowLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	aggs, err := s.ve.MarketData.AggTrades(symbol, fromID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]wireAggTrade, 0, len(aggs))
	for _, at := range aggs {
		out = append(out, aggTradeToWire(at))
	}
	s.writeJSON(w, r, out)
}

func (s *Server) handleKlines(w http.ResponseWriter, r *http.Request) {
	symbol, err := querySymbol(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	interval := r.URL.Query().Get("interval")
	if !marketdata.ValidInterval(interval) {
		s.writeError(w, r, apperrors.NewAPIError(apperrors.CodeBadInterval, "Invalid interval."))
		return
	}
	startTime, err := queryInt(r, "startTime")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	endTime, err := queryInt(r, "endTime")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := rowLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	klines, err := s.ve.MarketData.Klines(symbol, interval, startTime, endTime, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([][]interface{}, 0, len(klines))
	for _, k := range klines {
		out = append(out, klineToWire(k))
	}
	s.writeJSON(w, r, out)
}

func (s *Server) handleAvgPrice(w http.ResponseWriter, r *http.Request) {
	symbol, err := querySymbol(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ap, err := s.ve.MarketData.AvgPrice(symbol)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, avgPriceResponse{
		Mins:      ap.Mins,
		Price:     core.WireDecimal(ap.Price),
		CloseTime: ap.CloseTime,
	})
}

func (s *Server) handleTicker24h(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol != "" {
		tk, err := s.ve.MarketData.Ticker24h(symbol)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, ticker24hToWire(tk))
		return
	}
	// No symbol returns every tracked symbol
	var out []ticker24hResponse
	for _, sym := range s.ve.MarketData.Symbols() {
		tk, err := s.ve.MarketData.Ticker24h(sym)
		if err != nil {
			continue
		}
		out = append(out, ticker24hToWire(tk))
	}
	s.writeJSON(w, r, out)
}

func (s *Server) handleTickerPrice(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol != "" {
		price, ok := s.ve.MarketData.LatestPrice(symbol)
		if !ok {
			if _, registered := s.ve.Engine.Spec(symbol); !registered {
				s.writeError(w, r, apperrors.NewAPIError(apperrors.CodeUnknownSymbol, "Invalid symbol."))
				return
			}
		}
		s.writeJSON(w, r, tickerPriceResponse{Symbol: symbol, Price: core.WireDecimal(price)})
		return
	}
	var out []tickerPriceResponse
	for _, sym := range s.ve.MarketData.Symbols() {
		price, _ := s.ve.MarketData.LatestPrice(sym)
		out = append(out, tickerPriceResponse{Symbol: sym, Price: core.WireDecimal(price)})
	}
	s.writeJSON(w, r, out)
}

func (s *Server) handleBookTicker(w http.ResponseWriter, r *http.Request) {
	symbol, err := querySymbol(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	bt, err := s.ve.MarketData.BookTicker(symbol)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, bookTickerResponse{
		Symbol:   symbol,
		BidPrice: core.WireDecimal(bt.BidPrice),
		BidQty:   core.WireDecimal(bt.BidQty),
		AskPrice: core.WireDecimal(bt.AskPrice),
		AskQty:   core.WireDecimal(bt.AskQty),
	})
}
