package matching

import (
	"virtual_exchange/internal/core"
	apperrors "virtual_exchange/pkg/errors"

	"github.com/shopspring/decimal"
)

// Request carries the parameters of one order submission. The REST and
// WS layers normalize wire fields into it; tests build it directly.
type Request struct {
	Symbol        string
	UserID        string
	ClientOrderID string
	Side          core.Side
	Type          core.OrderType
	TimeInForce   core.TimeInForce
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	Quantity      decimal.Decimal
	QuoteOrderQty decimal.Decimal
	STP           core.STPMode
	PriceMatch    core.PriceMatch
}

// ValidateRequest runs the filter checks for a request without touching
// the book or accounts. Backs the order/test endpoint.
func (e *Engine) ValidateRequest(req Request) error {
	st, err := e.state(req.Symbol)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return validateRequest(st.spec, &req)
}

// SubmitOrder runs the full order lifecycle: validate, resolve price
// match, reserve funds, match, and dispose of the remainder by type and
// time in force. It returns the order's final state and the trades it
// produced. Rejections return the coded error alongside the REJECTED
// order; the book and accounts are untouched in that case.
func (e *Engine) SubmitOrder(req Request) (*core.Order, []*core.Trade, error) {
	now := e.clock.NowMs()
	o := orderFromRequest(&req, now)

	st, err := e.state(req.Symbol)
	if err != nil {
		return e.rejectOrder(o, err)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := validateRequest(st.spec, &req); err != nil {
		return e.rejectOrder(o, err)
	}
	if o.ClientOrderID != "" {
		if _, dup := st.activeByClient[clientKey(o.UserID, o.ClientOrderID)]; dup {
			return e.rejectOrder(o, apperrors.NewAPIError(apperrors.CodeNewOrderRejected, "Duplicate order sent."))
		}
	}

	if o.PriceMatch != core.PriceMatchNone {
		price, err := st.referencePrice(o)
		if err != nil {
			return e.rejectOrder(o, err)
		}
		o.Price = price
		if err := validatePrice(st.spec, o.Price); err != nil {
			return e.rejectOrder(o, err)
		}
		if err := validateNotional(st.spec, o.Price, o.Quantity); err != nil {
			return e.rejectOrder(o, err)
		}
	}

	if o.Type == core.OrderTypeLimitMaker && st.wouldCross(o) {
		return e.rejectOrder(o, apperrors.NewAPIError(apperrors.CodeNewOrderRejected,
			"Order would immediately match and take."))
	}

	if o.Type.IsStopType() {
		return e.parkStop(st, o)
	}

	touched := make(map[string]struct{})
	res, err := e.reserveFor(st, o)
	if err != nil {
		return e.rejectOrder(o, err)
	}

	o.OrderID = e.nextOrderID.Add(1)
	if res != nil {
		st.reservations[o.OrderID] = res
		touched[o.UserID] = struct{}{}
	}
	if o.ClientOrderID != "" {
		st.activeByClient[clientKey(o.UserID, o.ClientOrderID)] = o.OrderID
	}

	if o.Type == core.OrderTypeLimit && o.TimeInForce == core.TimeInForceFOK && !st.fokFillable(o) {
		e.finishOrder(st, o, core.OrderStatusExpired, core.ExecExpired, touched)
		e.emitAccounts(touched)
		cp := *o
		return &cp, nil, nil
	}

	e.emitOrder(o, core.ExecNew)
	trades := e.runMatch(st, o, touched)
	e.disposeTaker(st, o, touched)
	// Trades from triggered stop orders are not this order's fills;
	// they reach subscribers through the event stream.
	e.fireTriggers(st, touched)

	e.flushDepth(st)
	e.emitAccounts(touched)

	cp := *o
	return &cp, trades, nil
}

// parkStop accepts a stop or take-profit order into the trigger index.
// The reserve-and-release pair is a funds check only: parked orders
// hold no reservation, funds are reserved for real at trigger time.
func (e *Engine) parkStop(st *symbolState, o *core.Order) (*core.Order, []*core.Trade, error) {
	res, err := e.reserveFor(st, o)
	if err != nil {
		return e.rejectOrder(o, err)
	}
	if res != nil {
		if err := e.accounts.Release(o.UserID, res.asset, res.amount); err != nil {
			return e.rejectOrder(o, err)
		}
	}

	o.OrderID = e.nextOrderID.Add(1)
	if o.ClientOrderID != "" {
		st.activeByClient[clientKey(o.UserID, o.ClientOrderID)] = o.OrderID
	}
	st.triggers.Park(o)
	e.emitOrder(o, core.ExecNew)

	cp := *o
	return &cp, nil, nil
}

func orderFromRequest(req *Request, now int64) *core.Order {
	tif := req.TimeInForce
	if tif == "" {
		tif = core.TimeInForceGTC
	}
	stp := req.STP
	if stp == "" {
		stp = core.STPNone
	}
	pm := req.PriceMatch
	if pm == "" {
		pm = core.PriceMatchNone
	}
	return &core.Order{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		UserID:        req.UserID,
		Side:          req.Side,
		Type:          req.Type,
		TimeInForce:   tif,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		Quantity:      req.Quantity,
		QuoteOrderQty: req.QuoteOrderQty,
		Status:        core.OrderStatusNew,
		STP:           stp,
		PriceMatch:    pm,
		Time:          now,
		UpdateTime:    now,
	}
}

func (e *Engine) rejectOrder(o *core.Order, err error) (*core.Order, []*core.Trade, error) {
	o.Status = core.OrderStatusRejected
	o.UpdateTime = e.clock.NowMs()
	e.logger.Warn("order rejected",
		"symbol", o.Symbol, "user_id", o.UserID, "side", string(o.Side),
		"type", string(o.Type), "reason", err.Error())
	e.emitOrder(o, core.ExecRejected)
	cp := *o
	return &cp, nil, err
}

// referencePrice resolves a price-match order against the book:
// OPPONENT reads the opposite side's best, QUEUE the same side's best.
func (st *symbolState) referencePrice(o *core.Order) (decimal.Decimal, error) {
	var level core.PriceLevel
	var ok bool
	switch {
	case o.PriceMatch == core.PriceMatchOpponent && o.Side == core.SideBuy:
		level, ok = st.book.BestAsk()
	case o.PriceMatch == core.PriceMatchOpponent:
		level, ok = st.book.BestBid()
	case o.Side == core.SideBuy:
		level, ok = st.book.BestBid()
	default:
		level, ok = st.book.BestAsk()
	}
	if !ok {
		return decimal.Zero, apperrors.ErrNoReferencePrice
	}
	return level.Price, nil
}

func (st *symbolState) wouldCross(o *core.Order) bool {
	if o.Side == core.SideBuy {
		ask, ok := st.book.BestAsk()
		return ok && ask.Price.LessThanOrEqual(o.Price)
	}
	bid, ok := st.book.BestBid()
	return ok && bid.Price.GreaterThanOrEqual(o.Price)
}

// fokFillable simulates the match against the current book and reports
// whether the full quantity is available at acceptable prices. Own
// resting orders count per the taker's STP mode: NONE trades with them,
// EXPIRE_MAKER skips them, EXPIRE_TAKER and EXPIRE_BOTH stop the scan.
func (st *symbolState) fokFillable(o *core.Order) bool {
	available := decimal.Zero
	stopped := false
	st.book.IterateSide(o.Side.Opposite(), func(price decimal.Decimal, orders []*core.Order) bool {
		if !crosses(o, price) {
			return false
		}
		for _, resting := range orders {
			if resting.UserID == o.UserID && o.STP != core.STPNone {
				if o.STP == core.STPExpireMaker {
					continue
				}
				stopped = true
				return false
			}
			available = available.Add(resting.RemainingQty())
			if available.GreaterThanOrEqual(o.Quantity) {
				return false
			}
		}
		return true
	})
	return !stopped && available.GreaterThanOrEqual(o.Quantity)
}

// crosses reports whether a maker level at price is matchable by o.
// Market orders cross everything.
func crosses(o *core.Order, price decimal.Decimal) bool {
	if o.Type == core.OrderTypeMarket {
		return true
	}
	if o.Side == core.SideBuy {
		return price.LessThanOrEqual(o.Price)
	}
	return price.GreaterThanOrEqual(o.Price)
}

// reserveFor locks the funds an order needs before matching.
//
//   - SELL locks the base quantity.
//   - BUY LIMIT locks price x quantity of quote.
//   - BUY MARKET by quote locks quoteOrderQty.
//   - BUY MARKET by quantity locks best ask x quantity padded by the
//     slippage buffer; a (nil, nil) return means the opposite book is
//     empty and the order will expire without reserving.
func (e *Engine) reserveFor(st *symbolState, o *core.Order) (*reservation, error) {
	var res reservation
	switch {
	case o.Side == core.SideSell:
		res = reservation{asset: st.spec.BaseAsset, amount: o.Quantity}
	case o.Type == core.OrderTypeMarket && o.QuoteOrderQty.IsPositive():
		res = reservation{asset: st.spec.QuoteAsset, amount: o.QuoteOrderQty}
	case o.Type == core.OrderTypeMarket:
		ask, ok := st.book.BestAsk()
		if !ok {
			return nil, nil
		}
		pad := decimal.New(1, 0).Add(e.slippage)
		res = reservation{asset: st.spec.QuoteAsset, amount: ask.Price.Mul(o.Quantity).Mul(pad)}
	default:
		price := o.Price
		if price.IsZero() && o.StopPrice.IsPositive() {
			// Stop-market orders carry no limit price; the stop price is
			// the best available estimate for the pre-park funds check.
			price = o.StopPrice
		}
		res = reservation{asset: st.spec.QuoteAsset, amount: price.Mul(o.Quantity)}
	}
	if err := e.accounts.Reserve(o.UserID, res.asset, res.amount); err != nil {
		return nil, err
	}
	return &res, nil
}

// runMatch is the matching loop. The taker consumes opposite-side
// makers in price-time order until its quantity or quote budget is
// exhausted, the book stops crossing, or self-trade prevention stops
// it. Caller holds st.mu.
func (e *Engine) runMatch(st *symbolState, taker *core.Order, touched map[string]struct{}) []*core.Trade {
	var trades []*core.Trade
	byQuote := taker.Type == core.OrderTypeMarket && taker.QuoteOrderQty.IsPositive()

	// BUY market orders trade against their quote reservation so the
	// settle step can never overdraw the lock.
	budget := decimal.Zero
	budgeted := false
	if taker.Side == core.SideBuy && taker.Type == core.OrderTypeMarket {
		budgeted = true
		if res, ok := st.reservations[taker.OrderID]; ok {
			budget = res.amount
		}
	}

	for {
		if !byQuote && !taker.RemainingQty().IsPositive() {
			break
		}
		maker := st.book.PeekFirst(taker.Side.Opposite())
		if maker == nil {
			break
		}
		if !crosses(taker, maker.Price) {
			break
		}

		if maker.UserID == taker.UserID && taker.STP != core.STPNone {
			if e.applySTP(st, taker, maker, touched) {
				break
			}
			continue
		}

		qty := maker.RemainingQty()
		if !byQuote && taker.RemainingQty().LessThan(qty) {
			qty = taker.RemainingQty()
		}
		if budgeted {
			// Truncating division keeps affordable x price <= budget.
			affordable, _ := budget.QuoRem(maker.Price, 16)
			affordable = stepFloor(affordable, st.spec.Lot.Step)
			if affordable.LessThan(qty) {
				qty = affordable
			}
		}
		if !qty.IsPositive() {
			break
		}

		trade := e.executeTrade(st, taker, maker, qty, touched)
		trades = append(trades, trade)
		if budgeted {
			budget = budget.Sub(trade.QuoteQuantity)
		}

		if maker.IsFilled() {
			st.book.Remove(maker)
			e.finishOrder(st, maker, core.OrderStatusFilled, core.ExecTrade, touched)
		} else {
			st.book.NoteTrade(maker)
			e.emitOrder(maker, core.ExecTrade)
		}
		e.emitOrder(taker, core.ExecTrade)
	}
	return trades
}

// executeTrade fills both orders at the maker's price, settles the
// transfer, and records the trade. Caller holds st.mu.
func (e *Engine) executeTrade(st *symbolState, taker, maker *core.Order, qty decimal.Decimal,
	touched map[string]struct{}) *core.Trade {

	now := e.clock.NowMs()
	price := maker.Price

	buyOrder, sellOrder := taker, maker
	if taker.Side == core.SideSell {
		buyOrder, sellOrder = maker, taker
	}
	buyerIsMaker := maker.Side == core.SideBuy

	buyFee, sellFee, err := e.accounts.SettleFill(
		buyOrder.UserID, sellOrder.UserID, st.spec, price, qty, buyerIsMaker)
	if err != nil {
		e.logger.Error("settlement failed for matched orders",
			"buy_order", buyOrder.OrderID, "sell_order", sellOrder.OrderID, "error", err.Error())
		panic("matching: settlement failed for orders already on the book")
	}
	touched[buyOrder.UserID] = struct{}{}
	touched[sellOrder.UserID] = struct{}{}

	quote := price.Mul(qty)
	e.consumeReservation(st, buyOrder.OrderID, quote)
	e.consumeReservation(st, sellOrder.OrderID, qty)

	taker.Fill(qty, price, now)
	maker.Fill(qty, price, now)

	st.nextTradeID++
	st.lastTradePrice = price
	trade := &core.Trade{
		TradeID:        st.nextTradeID,
		Symbol:         st.spec.Symbol,
		Price:          price,
		Quantity:       qty,
		QuoteQuantity:  quote,
		BuyOrderID:     buyOrder.OrderID,
		SellOrderID:    sellOrder.OrderID,
		BuyUserID:      buyOrder.UserID,
		SellUserID:     sellOrder.UserID,
		BuyCommission:  buyFee,
		BuyCommAsset:   st.spec.BaseAsset,
		SellCommission: sellFee,
		SellCommAsset:  st.spec.QuoteAsset,
		IsBuyerMaker:   buyerIsMaker,
		Timestamp:      now,
	}
	if e.archive != nil {
		cp := *trade
		if err := e.archive.SaveTrade(&cp); err != nil {
			e.logger.Error("trade archive write failed", "trade_id", trade.TradeID, "error", err.Error())
		}
	}
	e.emitTrade(trade)
	return trade
}

// consumeReservation charges a fill against the order's locked funds.
func (e *Engine) consumeReservation(st *symbolState, orderID int64, amount decimal.Decimal) {
	res, ok := st.reservations[orderID]
	if !ok {
		return
	}
	res.amount = res.amount.Sub(amount)
	if res.amount.IsNegative() {
		res.amount = decimal.Zero
	}
}

// applySTP handles a would-be self trade, keyed on the taker's mode.
// Returns true when the taker must stop matching.
func (e *Engine) applySTP(st *symbolState, taker, maker *core.Order, touched map[string]struct{}) bool {
	switch taker.STP {
	case core.STPExpireTaker:
		taker.Status = core.OrderStatusExpiredInMatch
		return true
	case core.STPExpireMaker:
		st.book.Remove(maker)
		e.finishOrder(st, maker, core.OrderStatusExpiredInMatch, core.ExecExpiredInMatch, touched)
		return false
	case core.STPExpireBoth:
		st.book.Remove(maker)
		e.finishOrder(st, maker, core.OrderStatusExpiredInMatch, core.ExecExpiredInMatch, touched)
		taker.Status = core.OrderStatusExpiredInMatch
		return true
	}
	return false
}

// disposeTaker applies the post-match disposition: rest, cancel the
// remainder, or expire, by order type and time in force. Fully filled
// takers are retired without another update; the last per-fill update
// already reported FILLED. Caller holds st.mu.
func (e *Engine) disposeTaker(st *symbolState, o *core.Order, touched map[string]struct{}) {
	if o.Status == core.OrderStatusExpiredInMatch {
		e.finishOrder(st, o, core.OrderStatusExpiredInMatch, core.ExecExpiredInMatch, touched)
		return
	}

	if o.Type == core.OrderTypeMarket {
		e.disposeMarket(st, o, touched)
		return
	}

	if o.IsFilled() {
		e.retireOrder(st, o, touched)
		return
	}
	if o.TimeInForce == core.TimeInForceIOC {
		e.finishOrder(st, o, core.OrderStatusCanceled, core.ExecCanceled, touched)
		return
	}
	o.WorkingTime = e.clock.NowMs()
	st.book.Insert(o)
}

func (e *Engine) disposeMarket(st *symbolState, o *core.Order, touched map[string]struct{}) {
	if o.QuoteOrderQty.IsPositive() {
		// Exhausting the quote budget down to less than one lot step is
		// a full fill; running out of liquidity with budget left
		// expires the remainder.
		switch {
		case o.FilledQty.IsZero():
			e.finishOrder(st, o, core.OrderStatusExpired, core.ExecExpired, touched)
		case st.book.PeekFirst(o.Side.Opposite()) == nil:
			e.finishOrder(st, o, core.OrderStatusExpired, core.ExecExpired, touched)
		default:
			e.finishOrder(st, o, core.OrderStatusFilled, core.ExecTrade, touched)
		}
		return
	}
	if o.RemainingQty().IsPositive() {
		e.finishOrder(st, o, core.OrderStatusExpired, core.ExecExpired, touched)
		return
	}
	e.retireOrder(st, o, touched)
}

// stepFloor rounds qty down to the lot step grid.
func stepFloor(qty, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}
