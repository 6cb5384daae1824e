package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Item describes a cart entry used for pricing calculation. UnitPrice covers
// the whole selected term.
type Item struct {
	ProductID string
	Name      string
	Qty       int
	UnitPrice Money
}

// Total returns the item's contribution to the subtotal.
func (it Item) Total() Money {
	return Money(it.Qty) * it.UnitPrice
}

// WholeOrderMode selects how a discount that spans every period reaches the line items.
type WholeOrderMode string

const (
	// ModeAggregate keeps source prices on the line items and carries the discount at order level.
	ModeAggregate WholeOrderMode = "aggregate"
	// ModeProrate spreads the discount across the line items.
	ModeProrate WholeOrderMode = "prorate"
)

// ParseWholeOrderMode falls back to ModeAggregate for unknown values.
func ParseWholeOrderMode(v string) WholeOrderMode {
	if WholeOrderMode(v) == ModeProrate {
		return ModeProrate
	}
	return ModeAggregate
}

// LineItem is one billable entry of the order payload.
type LineItem struct {
	ProductID string
	Label     string
	Quantity  int
	UnitPrice decimal.Decimal
	// Amount is the exact line value in minor units.
	Amount Money
	// Period is the billing period the line covers, zero for the whole term.
	Period int
}

// BuildLineItems expands cart items into order line items. The input must have
// passed ValidateInput and discount must come from Discount.
func BuildLineItems(items []Item, periods int, c *Applied, discount Money, mode WholeOrderMode) []LineItem {
	if SplitApplies(c, periods) {
		return splitLineItems(items, periods, discount)
	}
	out := make([]LineItem, 0, len(items))
	if mode != ModeProrate || discount <= 0 {
		for _, it := range items {
			out = append(out, LineItem{
				ProductID: it.ProductID,
				Label:     it.Name,
				Quantity:  it.Qty,
				UnitPrice: ToMajor(it.UnitPrice),
				Amount:    it.Total(),
			})
		}
		return out
	}
	weights := make([]Money, len(items))
	for i, it := range items {
		weights[i] = it.Total()
	}
	shares := Allocate(discount, weights)
	for i, it := range items {
		amount := weights[i] - shares[i]
		out = append(out, LineItem{
			ProductID: it.ProductID,
			Label:     it.Name,
			Quantity:  it.Qty,
			UnitPrice: UnitPrice(amount, it.Qty),
			Amount:    amount,
		})
	}
	return out
}

// splitLineItems derives each entry's periods from the order-level split so
// the period one lines sum to the breakdown's first period and the later lines
// to its remaining periods.
func splitLineItems(items []Item, periods int, discount Money) []LineItem {
	totals := make([]Money, len(items))
	var subtotal Money
	for i, it := range items {
		totals[i] = it.Total()
		subtotal += totals[i]
	}
	remaining := Allocate(subtotal-FirstPeriodGross(subtotal, periods), totals)
	gross := make([]Money, len(items))
	for i := range items {
		gross[i] = totals[i] - remaining[i]
	}
	shares := Allocate(discount, gross)

	later := Money(periods - 1)
	out := make([]LineItem, 0, len(items)*periods)
	for i, it := range items {
		first := gross[i] - shares[i]
		label := fmt.Sprintf("%s - Period 1", it.Name)
		if shares[i] > 0 {
			label += " (discounted)"
		}
		out = append(out, LineItem{
			ProductID: it.ProductID,
			Label:     label,
			Quantity:  it.Qty,
			UnitPrice: UnitPrice(first, it.Qty),
			Amount:    first,
			Period:    1,
		})
		base, extra := remaining[i]/later, remaining[i]%later
		for p := 2; p <= periods; p++ {
			amount := base
			if Money(p-1) <= extra {
				amount++
			}
			out = append(out, LineItem{
				ProductID: it.ProductID,
				Label:     fmt.Sprintf("%s - Period %d", it.Name, p),
				Quantity:  it.Qty,
				UnitPrice: UnitPrice(amount, it.Qty),
				Amount:    amount,
				Period:    p,
			})
		}
	}
	return out
}
