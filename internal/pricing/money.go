package pricing

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Money represents a monetary value stored in minor units.
type Money = int64

// minorExp is the decimal exponent of one minor unit (cents).
const minorExp = -2

// unitPricePlaces is the number of fractional major-unit digits kept when a
// line amount is divided back into a per-unit price.
const unitPricePlaces = 8

var (
	// ErrInvalidPeriods is returned when fewer than one billing period is requested.
	ErrInvalidPeriods = errors.New("billing periods must be at least 1")
	// ErrInvalidQuantity is returned when a cart item has a quantity below one.
	ErrInvalidQuantity = errors.New("quantity must be at least 1")
	// ErrNegativePrice is returned when a cart item carries a negative unit price.
	ErrNegativePrice = errors.New("unit price must not be negative")
	// ErrEmptyCart is returned when a quote is requested for a cart without items.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrStaleCoupon indicates the coupon application was computed against a different subtotal.
	ErrStaleCoupon = errors.New("coupon application is stale")
	// ErrConservation indicates the line items do not add up to the discounted subtotal.
	ErrConservation = errors.New("line items do not conserve order value")
	// ErrNegativeTotal indicates a quote ended up with a negative total or line amount.
	ErrNegativeTotal = errors.New("negative amount in quote")
)

// ToMajor converts minor units into a decimal amount in major units.
func ToMajor(m Money) decimal.Decimal {
	return decimal.New(m, minorExp)
}

// FromMajor converts a major-unit decimal into minor units, rounding half away from zero.
func FromMajor(d decimal.Decimal) Money {
	return d.Shift(-minorExp).Round(0).IntPart()
}

// UnitPrice reconstructs the per-unit major-unit price of a line amount.
func UnitPrice(amount Money, qty int) decimal.Decimal {
	if qty <= 1 {
		return ToMajor(amount)
	}
	return ToMajor(amount).DivRound(decimal.NewFromInt(int64(qty)), unitPricePlaces)
}

func clamp(v, lo, hi Money) Money {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
