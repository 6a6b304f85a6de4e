// Package normalize validates and rounds quantities and prices against a
// symbol's exchange filters. All checks use exact decimal arithmetic so a
// value like 0.0015 against a 0.001 step is never rejected by binary
// floating point noise.
package normalize

import (
	"github.com/shopspring/decimal"
	"github.com/tathienbao/exec-bot/internal/types"
)

// ValidateQuantity checks qty against the symbol's lot-size filter:
// minQty <= qty <= maxQty and (qty - minQty) must be a whole number of
// steps.
func ValidateQuantity(rules types.SymbolRules, qty decimal.Decimal) error {
	const op = "normalize.ValidateQuantity"

	if qty.LessThan(rules.MinQty) {
		return types.Validationf(op, "quantity %s below minimum %s for %s",
			qty, rules.MinQty, rules.Symbol)
	}
	if qty.GreaterThan(rules.MaxQty) {
		return types.Validationf(op, "quantity %s above maximum %s for %s",
			qty, rules.MaxQty, rules.Symbol)
	}
	if rules.StepSize.IsPositive() {
		if !qty.Sub(rules.MinQty).Mod(rules.StepSize).IsZero() {
			return types.Validationf(op, "quantity %s does not align to step size %s for %s",
				qty, rules.StepSize, rules.Symbol)
		}
	}
	return nil
}

// ValidatePrice checks price against the symbol's price filter:
// minPrice <= price <= maxPrice and (price - minPrice) must be a whole
// number of ticks.
func ValidatePrice(rules types.SymbolRules, price decimal.Decimal) error {
	const op = "normalize.ValidatePrice"

	if price.LessThan(rules.MinPrice) {
		return types.Validationf(op, "price %s below minimum %s for %s",
			price, rules.MinPrice, rules.Symbol)
	}
	if price.GreaterThan(rules.MaxPrice) {
		return types.Validationf(op, "price %s above maximum %s for %s",
			price, rules.MaxPrice, rules.Symbol)
	}
	if rules.TickSize.IsPositive() {
		if !price.Sub(rules.MinPrice).Mod(rules.TickSize).IsZero() {
			return types.Validationf(op, "price %s does not align to tick size %s for %s",
				price, rules.TickSize, rules.Symbol)
		}
	}
	return nil
}

// RoundDownToStep rounds value down onto the grid defined by minValue and
// step: floor((value-minValue)/step)*step + minValue. Used when deriving
// chunk sizes or grid quantities instead of rejecting them outright.
// Returns value unchanged when step is not positive.
func RoundDownToStep(value, minValue, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return value
	}
	steps := value.Sub(minValue).Div(step).Floor()
	return steps.Mul(step).Add(minValue)
}
