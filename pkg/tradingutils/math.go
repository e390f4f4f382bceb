// Package tradingutils provides decimal math helpers for trade and
// backtest reporting.
package tradingutils

import (
	"virtual_exchange/internal/core"

	"github.com/shopspring/decimal"
)

// RoundPrice rounds a price to the specified decimals
func RoundPrice(price decimal.Decimal, priceDecimals int) decimal.Decimal {
	return price.Round(int32(priceDecimals))
}

// RoundQuantity rounds a quantity to the specified decimals
func RoundQuantity(qty decimal.Decimal, qtyDecimals int) decimal.Decimal {
	return qty.Round(int32(qtyDecimals))
}

// VWAP computes the volume-weighted average price of the trades. Zero
// when there is no volume.
func VWAP(trades []*core.Trade) decimal.Decimal {
	volume, quote := decimal.Zero, decimal.Zero
	for _, t := range trades {
		volume = volume.Add(t.Quantity)
		quote = quote.Add(t.QuoteQuantity)
	}
	if !volume.IsPositive() {
		return decimal.Zero
	}
	return quote.DivRound(volume, 8)
}

// TotalVolume sums base and quote volume across the trades.
func TotalVolume(trades []*core.Trade) (base, quote decimal.Decimal) {
	for _, t := range trades {
		base = base.Add(t.Quantity)
		quote = quote.Add(t.QuoteQuantity)
	}
	return base, quote
}

// TotalCommission sums both sides' commissions per asset.
func TotalCommission(trades []*core.Trade) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, t := range trades {
		if t.BuyCommAsset != "" {
			out[t.BuyCommAsset] = out[t.BuyCommAsset].Add(t.BuyCommission)
		}
		if t.SellCommAsset != "" {
			out[t.SellCommAsset] = out[t.SellCommAsset].Add(t.SellCommission)
		}
	}
	return out
}

// ReturnPct computes the percentage return from initial to final
// equity. Zero when the initial equity is not positive.
func ReturnPct(initial, final decimal.Decimal) decimal.Decimal {
	if !initial.IsPositive() {
		return decimal.Zero
	}
	return final.Sub(initial).Mul(decimal.New(100, 0)).DivRound(initial, 4)
}

// MaxDrawdown computes the largest peak-to-trough decline of the
// equity curve as a positive fraction of the peak.
func MaxDrawdown(equity []decimal.Decimal) decimal.Decimal {
	maxDD := decimal.Zero
	if len(equity) == 0 {
		return maxDD
	}
	peak := equity[0]
	for _, v := range equity[1:] {
		if v.GreaterThan(peak) {
			peak = v
			continue
		}
		if peak.IsPositive() {
			dd := peak.Sub(v).DivRound(peak, 8)
			if dd.GreaterThan(maxDD) {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// NetProfit computes profit after trading fees for one buy/sell pair.
func NetProfit(buyPrice, sellPrice, buyFeeRate, sellFeeRate decimal.Decimal) decimal.Decimal {
	grossProfit := sellPrice.Sub(buyPrice)
	buyFee := buyPrice.Mul(buyFeeRate)
	sellFee := sellPrice.Mul(sellFeeRate)
	return grossProfit.Sub(buyFee).Sub(sellFee)
}
