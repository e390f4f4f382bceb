package core

import (
	"github.com/shopspring/decimal"
)

// WireDecimal renders a decimal with the 8-place padding Binance uses
// for prices and quantities ("50000.00000000").
func WireDecimal(d decimal.Decimal) string {
	return d.StringFixed(8)
}

// WireLevels renders book levels as [price, qty] string pairs.
func WireLevels(levels []PriceLevel) [][]string {
	out := make([][]string, 0, len(levels))
	for _, l := range levels {
		out = append(out, []string{WireDecimal(l.Price), WireDecimal(l.Quantity)})
	}
	return out
}

// SumLevelQty totals the quantity across levels.
func SumLevelQty(levels []PriceLevel) decimal.Decimal {
	total := decimal.Zero
	for _, l := range levels {
		total = total.Add(l.Quantity)
	}
	return total
}
