package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Input carries everything needed to price one checkout.
type Input struct {
	Items   []Item
	Periods int
	Coupon  *Applied
	TaxBps  int
	Mode    WholeOrderMode
}

// Quote is the priced result shared by every payment path.
type Quote struct {
	Periods   int
	Coupon    *Applied
	Breakdown *PeriodBreakdown
	LineItems []LineItem
	Totals    Totals
	// DiscountInLines is true when the line items already carry the discount.
	DiscountInLines bool
}

// ValidateInput rejects carts the engine cannot price.
func ValidateInput(items []Item, periods int) error {
	if periods < 1 {
		return ErrInvalidPeriods
	}
	if len(items) == 0 {
		return ErrEmptyCart
	}
	for _, it := range items {
		if it.Qty < 1 {
			return fmt.Errorf("item %s: %w", it.ProductID, ErrInvalidQuantity)
		}
		if it.UnitPrice < 0 {
			return fmt.Errorf("item %s: %w", it.ProductID, ErrNegativePrice)
		}
	}
	return nil
}

// BuildQuote computes discount, breakdown, line items and totals in one pass.
func BuildQuote(in Input) (Quote, error) {
	if err := ValidateInput(in.Items, in.Periods); err != nil {
		return Quote{}, err
	}
	subtotal := Subtotal(in.Items)
	if in.Coupon != nil && in.Coupon.OrderAmount != subtotal {
		return Quote{}, fmt.Errorf("validated for %d, subtotal is %d: %w", in.Coupon.OrderAmount, subtotal, ErrStaleCoupon)
	}
	discount := Discount(subtotal, in.Periods, in.Coupon)
	q := Quote{
		Periods:         in.Periods,
		Coupon:          in.Coupon,
		Breakdown:       Breakdown(subtotal, in.Periods, in.Coupon),
		LineItems:       BuildLineItems(in.Items, in.Periods, in.Coupon, discount, in.Mode),
		Totals:          ComputeTotals(subtotal, discount, in.TaxBps),
		DiscountInLines: discount > 0 && (SplitApplies(in.Coupon, in.Periods) || in.Mode == ModeProrate),
	}
	if err := q.Verify(); err != nil {
		return Quote{}, err
	}
	return q, nil
}

// Verify checks the conservation and sign invariants of the quote.
func (q Quote) Verify() error {
	if q.Totals.Total < 0 || q.Totals.Discount > q.Totals.Subtotal {
		return ErrNegativeTotal
	}
	var sum Money
	reconstructed := decimal.Zero
	for _, li := range q.LineItems {
		if li.Amount < 0 || li.UnitPrice.IsNegative() {
			return fmt.Errorf("line %q: %w", li.Label, ErrNegativeTotal)
		}
		sum += li.Amount
		reconstructed = reconstructed.Add(li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity))))
	}
	expected := q.Totals.Subtotal
	if q.DiscountInLines {
		expected -= q.Totals.Discount
	}
	if sum != expected {
		return fmt.Errorf("lines sum to %d, expected %d: %w", sum, expected, ErrConservation)
	}
	drift := reconstructed.Shift(-minorExp).Sub(decimal.NewFromInt(expected)).Abs()
	if drift.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("unit prices drift by %s minor units: %w", drift.String(), ErrConservation)
	}
	return nil
}

// LineSum returns the exact value of the line items.
func (q Quote) LineSum() Money {
	var sum Money
	for _, li := range q.LineItems {
		sum += li.Amount
	}
	return sum
}
