package payment

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// ToMinorUnits converts a major-unit amount to the gateway minor unit,
// rounding half away from zero: 19.999 becomes 2000.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

// FromMinorUnits converts a gateway minor-unit amount back to major units.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}
