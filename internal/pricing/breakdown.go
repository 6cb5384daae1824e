package pricing

// PeriodBreakdown splits a multi-period order into its discounted first period
// and the full-price remainder.
type PeriodBreakdown struct {
	FirstPeriod      Money `json:"first_period"`
	RemainingPeriods Money `json:"remaining_periods"`
	Total            Money `json:"total"`
}

// Breakdown returns nil unless a first-period-only coupon spans several periods.
func Breakdown(subtotal Money, periods int, c *Applied) *PeriodBreakdown {
	if !SplitApplies(c, periods) {
		return nil
	}
	gross := FirstPeriodGross(subtotal, periods)
	first := gross - Discount(subtotal, periods, c)
	remaining := subtotal - gross
	return &PeriodBreakdown{
		FirstPeriod:      first,
		RemainingPeriods: remaining,
		Total:            first + remaining,
	}
}
