package models

import "github.com/shopspring/decimal"

// ToFloat64 safely converts decimal to float64
func ToFloat64(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// RoundStake rounds a stake to the instrument's minimum increment
// (2 decimal places for fiat-denominated contracts)
func RoundStake(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
