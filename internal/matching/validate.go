package matching

import (
	"fmt"
	"regexp"
	"virtual_exchange/internal/core"
	apperrors "virtual_exchange/pkg/errors"

	"github.com/shopspring/decimal"
)

var clientOrderIDPattern = regexp.MustCompile(`^[a-zA-Z0-9-_]{1,36}$`)

var validOrderTypes = map[core.OrderType]bool{
	core.OrderTypeLimit:           true,
	core.OrderTypeMarket:          true,
	core.OrderTypeStopLoss:        true,
	core.OrderTypeStopLossLimit:   true,
	core.OrderTypeTakeProfit:      true,
	core.OrderTypeTakeProfitLimit: true,
	core.OrderTypeLimitMaker:      true,
}

// pricedTypes carry an explicit limit price.
var pricedTypes = map[core.OrderType]bool{
	core.OrderTypeLimit:           true,
	core.OrderTypeLimitMaker:      true,
	core.OrderTypeStopLossLimit:   true,
	core.OrderTypeTakeProfitLimit: true,
}

// tifTypes accept a timeInForce parameter.
var tifTypes = map[core.OrderType]bool{
	core.OrderTypeLimit:           true,
	core.OrderTypeStopLossLimit:   true,
	core.OrderTypeTakeProfitLimit: true,
}

// validateRequest checks a submission against the symbol specification
// and the general order rules. Errors carry wire codes; nothing is
// mutated on failure.
func validateRequest(spec core.SymbolSpec, req *Request) error {
	if req.Side != core.SideBuy && req.Side != core.SideSell {
		return apperrors.NewAPIError(apperrors.CodeInvalidSide, "Invalid side.")
	}
	if !validOrderTypes[req.Type] {
		return apperrors.NewAPIError(apperrors.CodeInvalidType, "Invalid orderType.")
	}
	if req.TimeInForce != "" {
		if req.TimeInForce != core.TimeInForceGTC && req.TimeInForce != core.TimeInForceIOC &&
			req.TimeInForce != core.TimeInForceFOK {
			return apperrors.NewAPIError(apperrors.CodeInvalidTIF, "Invalid timeInForce.")
		}
		if !tifTypes[req.Type] && req.TimeInForce != core.TimeInForceGTC {
			return apperrors.NewAPIError(apperrors.CodeParamNotRequired,
				fmt.Sprintf("Parameter 'timeInForce' sent when not required for %s orders.", req.Type))
		}
	}
	switch req.STP {
	case "", core.STPNone, core.STPExpireTaker, core.STPExpireMaker, core.STPExpireBoth:
	default:
		return apperrors.NewAPIError(apperrors.CodeIllegalChars,
			"Illegal characters found in parameter 'selfTradePreventionMode'.")
	}
	switch req.PriceMatch {
	case "", core.PriceMatchNone:
	case core.PriceMatchOpponent, core.PriceMatchQueue:
		if req.Type != core.OrderTypeLimit {
			return apperrors.NewAPIError(apperrors.CodeParamNotRequired,
				"Parameter 'priceMatch' is only supported for LIMIT orders.")
		}
		if req.Price.IsPositive() {
			return apperrors.NewAPIError(apperrors.CodeMandatoryParam,
				"Either 'price' or 'priceMatch' should be sent, but not both.")
		}
	default:
		return apperrors.NewAPIError(apperrors.CodeIllegalChars,
			"Illegal characters found in parameter 'priceMatch'.")
	}
	if req.ClientOrderID != "" && !clientOrderIDPattern.MatchString(req.ClientOrderID) {
		return apperrors.NewAPIError(apperrors.CodeIllegalChars,
			"Illegal characters found in parameter 'newClientOrderId'; legal range is '^[a-zA-Z0-9-_]{1,36}$'.")
	}

	if err := validateQuantities(spec, req); err != nil {
		return err
	}
	return validatePriceFields(spec, req)
}

func validateQuantities(spec core.SymbolSpec, req *Request) error {
	if req.Type == core.OrderTypeMarket {
		hasQty := req.Quantity.IsPositive()
		hasQuote := req.QuoteOrderQty.IsPositive()
		switch {
		case hasQty && hasQuote:
			return apperrors.NewAPIError(apperrors.CodeMandatoryParam,
				"For MARKET orders, either 'quantity' or 'quoteOrderQty' should be sent, but not both.")
		case !hasQty && !hasQuote:
			return apperrors.NewAPIError(apperrors.CodeMandatoryParam,
				"Param 'quantity' or 'quoteOrderQty' must be sent, but both were empty/null.")
		case hasQuote && req.Side != core.SideBuy:
			return apperrors.NewAPIError(apperrors.CodeMandatoryParam,
				"Parameter 'quoteOrderQty' is only supported for MARKET BUY orders.")
		case hasQuote:
			if overPrecision(req.QuoteOrderQty, spec.QuotePrecision) {
				return apperrors.NewAPIError(apperrors.CodeBadPrecision,
					"Precision is over the maximum defined for this asset.")
			}
			if spec.MinNotional.IsPositive() && req.QuoteOrderQty.LessThan(spec.MinNotional) {
				return apperrors.NewAPIError(apperrors.CodeMinNotional, "Filter failure: MIN_NOTIONAL")
			}
			return nil
		}
	} else {
		if req.QuoteOrderQty.IsPositive() {
			return apperrors.NewAPIError(apperrors.CodeParamNotRequired,
				"Parameter 'quoteOrderQty' is only supported for MARKET orders.")
		}
		if !req.Quantity.IsPositive() {
			return apperrors.NewAPIError(apperrors.CodeMandatoryParam,
				"Mandatory parameter 'quantity' was not sent, was empty/null, or malformed.")
		}
	}
	return validateQuantity(spec, req.Quantity)
}

func validateQuantity(spec core.SymbolSpec, qty decimal.Decimal) error {
	if overPrecision(qty, spec.BasePrecision) {
		return apperrors.NewAPIError(apperrors.CodeBadPrecision,
			"Precision is over the maximum defined for this asset.")
	}
	lot := spec.Lot
	if lot.Min.IsPositive() && qty.LessThan(lot.Min) {
		return apperrors.NewAPIError(apperrors.CodeLotSize, "Filter failure: LOT_SIZE")
	}
	if lot.Max.IsPositive() && qty.GreaterThan(lot.Max) {
		return apperrors.NewAPIError(apperrors.CodeLotSize, "Filter failure: LOT_SIZE")
	}
	if !conformsGrid(qty, lot.Step) {
		return apperrors.NewAPIError(apperrors.CodeLotSize, "Filter failure: LOT_SIZE")
	}
	return nil
}

func validatePriceFields(spec core.SymbolSpec, req *Request) error {
	if !pricedTypes[req.Type] && req.Price.IsPositive() {
		return apperrors.NewAPIError(apperrors.CodeParamNotRequired,
			fmt.Sprintf("Parameter 'price' sent when not required for %s orders.", req.Type))
	}
	priceMatched := req.PriceMatch != "" && req.PriceMatch != core.PriceMatchNone
	if pricedTypes[req.Type] && !priceMatched {
		if !req.Price.IsPositive() {
			return apperrors.NewAPIError(apperrors.CodeMandatoryParam,
				"Mandatory parameter 'price' was not sent, was empty/null, or malformed.")
		}
		if err := validatePrice(spec, req.Price); err != nil {
			return err
		}
		if err := validateNotional(spec, req.Price, req.Quantity); err != nil {
			return err
		}
	}

	if req.Type.IsStopType() {
		if !req.StopPrice.IsPositive() {
			return apperrors.NewAPIError(apperrors.CodeMandatoryParam,
				"Mandatory parameter 'stopPrice' was not sent, was empty/null, or malformed.")
		}
		if overPrecision(req.StopPrice, spec.QuotePrecision) {
			return apperrors.NewAPIError(apperrors.CodeBadPrecision,
				"Precision is over the maximum defined for this asset.")
		}
		if !conformsGrid(req.StopPrice, spec.Price.Tick) {
			return apperrors.NewAPIError(apperrors.CodePriceFilter, "Filter failure: STOP_PRICE")
		}
	} else if req.StopPrice.IsPositive() {
		return apperrors.NewAPIError(apperrors.CodeParamNotRequired,
			fmt.Sprintf("Parameter 'stopPrice' sent when not required for %s orders.", req.Type))
	}
	return nil
}

// validatePrice applies the precision and PRICE_FILTER rules.
func validatePrice(spec core.SymbolSpec, price decimal.Decimal) error {
	if overPrecision(price, spec.QuotePrecision) {
		return apperrors.NewAPIError(apperrors.CodeBadPrecision,
			"Precision is over the maximum defined for this asset.")
	}
	f := spec.Price
	if f.Min.IsPositive() && price.LessThan(f.Min) {
		return apperrors.NewAPIError(apperrors.CodePriceFilter, "Filter failure: PRICE_FILTER")
	}
	if f.Max.IsPositive() && price.GreaterThan(f.Max) {
		return apperrors.NewAPIError(apperrors.CodePriceFilter, "Filter failure: PRICE_FILTER")
	}
	if !conformsGrid(price, f.Tick) {
		return apperrors.NewAPIError(apperrors.CodePriceFilter, "Filter failure: PRICE_FILTER")
	}
	return nil
}

func validateNotional(spec core.SymbolSpec, price, qty decimal.Decimal) error {
	if spec.MinNotional.IsPositive() && price.Mul(qty).LessThan(spec.MinNotional) {
		return apperrors.NewAPIError(apperrors.CodeMinNotional, "Filter failure: MIN_NOTIONAL")
	}
	return nil
}

// conformsGrid reports whether v sits on the grid spacing.
func conformsGrid(v, grid decimal.Decimal) bool {
	if !grid.IsPositive() {
		return true
	}
	return v.Mod(grid).IsZero()
}

// overPrecision reports whether v carries significant digits beyond the
// allowed decimal places. Trailing zeros do not count.
func overPrecision(v decimal.Decimal, places int) bool {
	if places < 0 {
		return false
	}
	return !v.Equal(v.Truncate(int32(places)))
}
