package pricing

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Kind identifies how a coupon discount is expressed.
type Kind string

const (
	// KindPercentage discounts a percentage of the base amount.
	KindPercentage Kind = "percentage"
	// KindFixed discounts a fixed amount.
	KindFixed Kind = "fixed"
)

// ParseKind normalises a remote coupon type.
func ParseKind(v string) Kind {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "percentage", "percent":
		return KindPercentage
	case "fixed", "amount":
		return KindFixed
	default:
		return Kind(v)
	}
}

// Rule captures the arithmetic of a validated coupon.
type Rule struct {
	Code            string
	Kind            Kind
	Percent         decimal.Decimal
	Fixed           Money
	MaxDiscount     *Money
	FirstPeriodOnly bool
}

// Applied is a coupon accepted by the validator for a given subtotal.
type Applied struct {
	Rule Rule
	// Amount is the validator's discount for the whole order.
	Amount Money
	// OrderAmount is the subtotal Amount was computed against.
	OrderAmount Money
}

// Apply computes the rule's discount against base. The result never exceeds base.
func (r Rule) Apply(base Money) Money {
	if base <= 0 {
		return 0
	}
	var d Money
	switch r.Kind {
	case KindPercentage:
		if !r.Percent.IsPositive() {
			return 0
		}
		d = decimal.NewFromInt(base).Mul(r.Percent).Div(decimal.NewFromInt(100)).Round(0).IntPart()
		d = r.capped(d)
	case KindFixed:
		d = r.Fixed
	default:
		return 0
	}
	return clamp(d, 0, base)
}

func (r Rule) capped(d Money) Money {
	if r.Kind == KindPercentage && r.MaxDiscount != nil && *r.MaxDiscount >= 0 && d > *r.MaxDiscount {
		return *r.MaxDiscount
	}
	return d
}

// SplitApplies reports whether the order is decomposed into a discounted first period.
func SplitApplies(c *Applied, periods int) bool {
	return c != nil && c.Rule.FirstPeriodOnly && periods > 1
}

// FirstPeriodGross returns the undiscounted value of period one. Minor units
// left over by the integer division go to period one.
func FirstPeriodGross(total Money, periods int) Money {
	if periods <= 1 {
		return total
	}
	base := total / Money(periods)
	return total - base*Money(periods-1)
}

// Discount computes the order discount for the given subtotal and period count.
func Discount(subtotal Money, periods int, c *Applied) Money {
	if c == nil || subtotal <= 0 {
		return 0
	}
	if SplitApplies(c, periods) {
		return c.Rule.Apply(FirstPeriodGross(subtotal, periods))
	}
	return clamp(c.Rule.capped(c.Amount), 0, subtotal)
}
