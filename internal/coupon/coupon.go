package coupon

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/panel-checkout/internal/pricing"
)

var (
	// ErrCodeRequired is returned for a blank coupon code. No remote call is made.
	ErrCodeRequired = errors.New("coupon code is required")
	// ErrRejected indicates the panel declined the coupon for this order.
	ErrRejected = errors.New("coupon rejected")
	// ErrUnavailable indicates validation could not be completed. The coupon is treated as not applied.
	ErrUnavailable = errors.New("coupon validation unavailable")
)

// Coupon is a validated discount rule as returned by the panel.
type Coupon struct {
	Code                   string           `json:"code"`
	Type                   pricing.Kind     `json:"type"`
	DiscountValue          decimal.Decimal  `json:"discount_value"`
	MaximumDiscount        *decimal.Decimal `json:"maximum_discount,omitempty"`
	FirstBillingPeriodOnly bool             `json:"first_billing_period_only"`
}

// Rule converts the coupon into its minor-unit pricing form.
func (c Coupon) Rule() pricing.Rule {
	rule := pricing.Rule{
		Code:            c.Code,
		Kind:            c.Type,
		FirstPeriodOnly: c.FirstBillingPeriodOnly,
	}
	switch c.Type {
	case pricing.KindPercentage:
		rule.Percent = c.DiscountValue
	case pricing.KindFixed:
		rule.Fixed = pricing.FromMajor(c.DiscountValue)
	}
	if c.MaximumDiscount != nil {
		limit := pricing.FromMajor(*c.MaximumDiscount)
		rule.MaxDiscount = &limit
	}
	return rule
}

// Application is the outcome of one validation call.
type Application struct {
	Valid          bool          `json:"valid"`
	Coupon         *Coupon       `json:"coupon,omitempty"`
	DiscountAmount pricing.Money `json:"discount_amount"`
	Message        string        `json:"message,omitempty"`
	// OrderAmount is the subtotal the validation was computed against.
	OrderAmount pricing.Money `json:"order_amount"`
}

// Applied returns the pricing form of a valid application, nil otherwise.
func (a *Application) Applied() *pricing.Applied {
	if a == nil || !a.Valid || a.Coupon == nil {
		return nil
	}
	return &pricing.Applied{
		Rule:        a.Coupon.Rule(),
		Amount:      a.DiscountAmount,
		OrderAmount: a.OrderAmount,
	}
}

// NormalizeCode trims and upper-cases a coupon code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
