package pricing

// Totals aggregates computed pricing components.
type Totals struct {
	Subtotal Money `json:"subtotal"`
	Discount Money `json:"discount"`
	Tax      Money `json:"tax"`
	Total    Money `json:"total"`
}

// Subtotal sums the term value of every item.
func Subtotal(items []Item) Money {
	var subtotal Money
	for _, it := range items {
		if it.Qty <= 0 {
			continue
		}
		subtotal += it.Total()
	}
	return subtotal
}

// ComputeTotals combines subtotal, discount and tax. The total is clamped at zero.
func ComputeTotals(subtotal, discount Money, taxBps int) Totals {
	if subtotal < 0 {
		subtotal = 0
	}
	discount = clamp(discount, 0, subtotal)
	taxable := subtotal - discount
	var tax Money
	if taxBps > 0 {
		tax = (taxable * Money(taxBps)) / 10000
	}
	total := subtotal - discount + tax
	if total < 0 {
		total = 0
	}
	return Totals{
		Subtotal: subtotal,
		Discount: discount,
		Tax:      tax,
		Total:    total,
	}
}
