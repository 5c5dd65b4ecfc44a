// Package money holds the decimal helpers shared by pricing and the gateway client.
package money

import "github.com/shopspring/decimal"

const scale = 2

func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(scale)
}

// Format renders an amount the way the payment gateway expects it ("150.00").
func Format(d decimal.Decimal) string {
	return d.StringFixed(scale)
}

func ClampNonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
