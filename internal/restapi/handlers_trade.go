package restapi

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"virtual_exchange/internal/core"
	"virtual_exchange/internal/matching"
	apperrors "virtual_exchange/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request, auth *authedRequest) {
	if r.Method != http.MethodGet {
		s.writeError(w, r, apperrors.NewAPIError(apperrors.CodeMandatoryParam, "Method not allowed."))
		return
	}
	info, err := s.ve.Accounts.Snapshot(auth.userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := accountResponse{
		MakerCommission:  info.MakerCommission.Mul(decimal.NewFromInt(10000)).IntPart(),
		TakerCommission:  info.TakerCommission.Mul(decimal.NewFromInt(10000)).IntPart(),
		CanTrade:         info.CanTrade,
		CanWithdraw:      info.CanWithdraw,
		CanDeposit:       info.CanDeposit,
		UpdateTime:       info.UpdateTime,
		AccountType:      "SPOT",
		Balances:         make([]wireBalance, 0, len(info.Balances)),
		Permissions:      []string{"SPOT"},
	}
	for _, b := range info.Balances {
		resp.Balances = append(resp.Balances, wireBalance{
			Asset:  b.Asset,
			Free:   core.WireDecimal(b.Free),
			Locked: core.WireDecimal(b.Locked),
		})
	}
	s.writeJSON(w, r, resp)
}

// paramDecimal parses an optional decimal parameter.
func paramDecimal(params url.Values, name string) (decimal.Decimal, error) {
	raw := params.Get(name)
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, apperrors.NewAPIError(apperrors.CodeMandatoryParam,
			"Parameter '"+name+"' was malformed.")
	}
	return d, nil
}

// basePriceMatch collapses the depth variants (OPPONENT_5, QUEUE_10,
// ...) to their base mode; this book aggregates by level so depth
// beyond best collapses to best.
func basePriceMatch(raw string) (core.PriceMatch, error) {
	if raw == "" || raw == "NONE" {
		return core.PriceMatchNone, nil
	}
	base := raw
	if i := strings.IndexByte(raw, '_'); i > 0 {
		base = raw[:i]
	}
	switch core.PriceMatch(base) {
	case core.PriceMatchOpponent, core.PriceMatchQueue:
		return core.PriceMatch(base), nil
	}
	return core.PriceMatchNone, apperrors.NewAPIError(apperrors.CodeMandatoryParam,
		"Parameter 'priceMatch' was malformed.")
}

// buildOrderRequest translates REST parameters to an engine request.
func buildOrderRequest(params url.Values, userID string) (matching.Request, error) {
	req := matching.Request{UserID: userID}

	req.Symbol = params.Get("symbol")
	if req.Symbol == "" {
		return req, apperrors.NewAPIError(apperrors.CodeMandatoryParam,
			"Mandatory parameter 'symbol' was not sent.")
	}

	switch side := core.Side(params.Get("side")); side {
	case core.SideBuy, core.SideSell:
		req.Side = side
	case "":
		return req, apperrors.NewAPIError(apperrors.CodeMandatoryParam,
			"Mandatory parameter 'side' was not sent.")
	default:
		return req, apperrors.NewAPIError(apperrors.CodeInvalidSide, "Invalid side.")
	}

	switch typ := core.OrderType(params.Get("type")); typ {
	case core.OrderTypeLimit, core.OrderTypeMarket, core.OrderTypeLimitMaker,
		core.OrderTypeStopLoss, core.OrderTypeStopLossLimit,
		core.OrderTypeTakeProfit, core.OrderTypeTakeProfitLimit:
		req.Type = typ
	case "":
		return req, apperrors.NewAPIError(apperrors.CodeMandatoryParam,
			"Mandatory parameter 'type' was not sent.")
	default:
		return req, apperrors.NewAPIError(apperrors.CodeInvalidType, "Invalid orderType.")
	}

	switch tif := core.TimeInForce(params.Get("timeInForce")); tif {
	case core.TimeInForceGTC, core.TimeInForceIOC, core.TimeInForceFOK, "":
		req.TimeInForce = tif
	default:
		return req, apperrors.NewAPIError(apperrors.CodeInvalidTIF, "Invalid timeInForce.")
	}

	var err error
	if req.Price, err = paramDecimal(params, "price"); err != nil {
		return req, err
	}
	if req.StopPrice, err = paramDecimal(params, "stopPrice"); err != nil {
		return req, err
	}
	if req.Quantity, err = paramDecimal(params, "quantity"); err != nil {
		return req, err
	}
	if req.QuoteOrderQty, err = paramDecimal(params, "quoteOrderQty"); err != nil {
		return req, err
	}

	switch stp := core.STPMode(params.Get("selfTradePreventionMode")); stp {
	case core.STPNone, core.STPExpireTaker, core.STPExpireMaker, core.STPExpireBoth:
		req.STP = stp
	case "":
		req.STP = core.STPNone
	default:
		return req, apperrors.NewAPIError(apperrors.CodeMandatoryParam,
			"Parameter 'selfTradePreventionMode' was malformed.")
	}

	if req.PriceMatch, err = basePriceMatch(params.Get("priceMatch")); err != nil {
		return req, err
	}

	req.ClientOrderID = params.Get("newClientOrderId")
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.New().String()
	}
	return req, nil
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request, auth *authedRequest) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateOrder(w, r, auth)
	case http.MethodGet:
		s.handleQueryOrder(w, r, auth)
	case http.MethodDelete:
		s.handleCancelOrder(w, r, auth)
	default:
		s.writeError(w, r, apperrors.NewAPIError(apperrors.CodeMandatoryParam, "Method not allowed."))
	}
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request, auth *authedRequest) {
	req, err := buildOrderRequest(auth.params, auth.userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	order, trades, err := s.ve.CreateOrder(req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	respType := auth.params.Get("newOrderRespType")
	if respType == "" {
		// Binance defaults MARKET and LIMIT to FULL, the rest to ACK
		if req.Type == core.OrderTypeMarket || req.Type == core.OrderTypeLimit {
			respType = "FULL"
		} else {
			respType = "ACK"
		}
	}
	switch respType {
	case "ACK":
		s.writeJSON(w, r, orderAck(order))
	case "RESULT":
		s.writeJSON(w, r, orderResult(order))
	case "FULL":
		s.writeJSON(w, r, orderFull(order, trades))
	default:
		s.writeError(w, r, apperrors.NewAPIError(apperrors.CodeMandatoryParam,
			"Parameter 'newOrderRespType' was malformed."))
	}
}

// handleOrderTest validates an order without submitting it.
func (s *Server) handleOrderTest(w http.ResponseWriter, r *http.Request, auth *authedRequest) {
	if r.Method != http.MethodPost {
		s.writeError(w, r, apperrors.NewAPIError(apperrors.CodeMandatoryParam, "Method not allowed."))
		return
	}
	req, err := buildOrderRequest(auth.params, auth.userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.ve.Engine.ValidateRequest(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, struct{}{})
}

// orderLookupParams reads the orderId / origClientOrderId pair.
func orderLookupParams(params url.Values) (string, int64, string, error) {
	symbol := params.Get("symbol")
	if symbol == "" {
		return "", 0, "", apperrors.NewAPIError(apperrors.CodeMandatoryParam,
			"Mandatory parameter 'symbol' was not sent.")
	}
	clientID := params.Get("origClientOrderId")
	var orderID int64
	if raw := params.Get("orderId"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return "", 0, "", apperrors.NewAPIError(apperrors.CodeMandatoryParam,
				"Parameter 'orderId' was malformed.")
		}
		orderID = v
	}
	if orderID == 0 && clientID == "" {
		return "", 0, "", apperrors.NewAPIError(apperrors.CodeMandatoryParam,
			"Param 'orderId' or 'origClientOrderId' must be sent, but both were empty/null!")
	}
	return symbol, orderID, clientID, nil
}

func (s *Server) handleQueryOrder(w http.ResponseWriter, r *http.Request, auth *authedRequest) {
	symbol, orderID, clientID, err := orderLookupParams(auth.params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	order, err := s.ve.QueryOrder(auth.userID, symbol, orderID, clientID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, orderQuery(order))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request, auth *authedRequest) {
	symbol, orderID, clientID, err := orderLookupParams(auth.params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if restriction := auth.params.Get("cancelRestrictions"); restriction != "" {
		order, err := s.ve.QueryOrder(auth.userID, symbol, orderID, clientID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		allowed := (restriction == "ONLY_NEW" && order.Status == core.OrderStatusNew) ||
			(restriction == "ONLY_PARTIALLY_FILLED" && order.Status == core.OrderStatusPartiallyFilled)
		if !allowed {
			s.writeError(w, r, apperrors.NewAPIError(apperrors.CodeCancelRestricted,
				"Order was not canceled due to cancel restrictions."))
			return
		}
	}

	order, err := s.ve.CancelOrder(auth.userID, symbol, orderID, clientID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, orderCancel(order))
}

func (s *Server) handleOpenOrders(w http.ResponseWriter, r *http.Request, auth *authedRequest) {
	symbol := auth.params.Get("symbol")
	switch r.Method {
	case http.MethodGet:
		orders, err := s.ve.OpenOrders(auth.userID, symbol)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		out := make([]orderResponse, 0, len(orders))
		for _, o := range orders {
			out = append(out, orderQuery(o))
		}
		s.writeJSON(w, r, out)

	case http.MethodDelete:
		if symbol == "" {
			s.writeError(w, r, apperrors.NewAPIError(apperrors.CodeMandatoryParam,
				"Mandatory parameter 'symbol' was not sent."))
			return
		}
		orders, err := s.ve.CancelOpenOrders(auth.userID, symbol)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		out := make([]orderResponse, 0, len(orders))
		for _, o := range orders {
			out = append(out, orderCancel(o))
		}
		s.writeJSON(w, r, out)

	default:
		s.writeError(w, r, apperrors.NewAPIError(apperrors.CodeMandatoryParam, "Method not allowed."))
	}
}

func (s *Server) handleAllOrders(w http.ResponseWriter, r *http.Request, auth *authedRequest) {
	symbol := auth.params.Get("symbol")
	if symbol == "" {
		s.writeError(w, r, apperrors.NewAPIError(apperrors.CodeMandatoryParam,
			"Mandatory parameter 'symbol' was not sent."))
		return
	}
	fromID, startTime, endTime, limit, err := historyParams(auth.params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	orders, err := s.ve.AllOrders(auth.userID, symbol, fromID, startTime, endTime, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderQuery(o))
	}
	s.writeJSON(w, r, out)
}

func (s *Server) handleMyTrades(w http.ResponseWriter, r *http.Request, auth *authedRequest) {
	symbol := auth.params.Get("symbol")
	if symbol == "" {
		s.writeError(w, r, apperrors.NewAPIError(apperrors.CodeMandatoryParam,
			"Mandatory parameter 'symbol' was not sent."))
		return
	}
	fromID, startTime, endTime, limit, err := historyParams(auth.params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	trades, err := s.ve.MyTrades(auth.userID, symbol, fromID, startTime, endTime, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]wireMyTrade, 0, len(trades))
	for _, t := range trades {
		out = append(out, myTradeToWire(t, auth.userID))
	}
	s.writeJSON(w, r, out)
}

// historyParams reads the shared fromId/orderId + time-window + limit
// parameters of the history endpoints.
func historyParams(params url.Values) (int64, int64, int64, int, error) {
	parse := func(name string) (int64, error) {
		raw := params.Get(name)
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
	fromID, err := parse("orderId")
	if err != nil {
		return 0, 0, 0, 0, err
	}
	if fromID == 0 {
		if fromID, err = parse("fromId"); err != nil {
			return 0, 0, 0, 0, err
		}
	}
	startTime, err := parse("startTime")
	if err != nil {
		return 0, 0, 0, 0, err
	}
	endTime, err := parse("endTime")
	if err != nil {
		return 0, 0, 0, 0, err
	}
	limit, err := parse("limit")
	if err != nil {
		return 0, 0, 0, 0, err
	}
	if limit <= 0 {
		limit = defaultRowLimit
	}
	if limit > maxRowLimit {
		limit = maxRowLimit
	}
	return fromID, startTime, endTime, int(limit), nil
}
