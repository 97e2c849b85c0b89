package executor

import "github.com/shopspring/decimal"

// FloorToStep rounds qty down to a multiple of step. A non-positive step
// returns qty unchanged.
func FloorToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	s := decimal.NewFromFloat(step)
	return decimal.NewFromFloat(qty).Div(s).Floor().Mul(s).InexactFloat64()
}

// IsStepMultiple reports whether qty is an exact multiple of step.
func IsStepMultiple(qty, step float64) bool {
	if step <= 0 {
		return true
	}
	return decimal.NewFromFloat(qty).Mod(decimal.NewFromFloat(step)).IsZero()
}

// RoundPrice rounds price to the given number of decimals.
func RoundPrice(price float64, decimals int) float64 {
	if decimals < 0 {
		return price
	}
	return decimal.NewFromFloat(price).Round(int32(decimals)).InexactFloat64()
}
