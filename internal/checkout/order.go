package checkout

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/panel-checkout/internal/panelapi"
	"github.com/noah-isme/panel-checkout/internal/pricing"
)

// Payment methods as named in the order payload.
const (
	MethodStripe     = "stripe"
	MethodCreditCard = "credit_card"
)

// DefaultBillingPeriod is the billing cadence attached to every order.
const DefaultBillingPeriod = "monthly"

// OrderParams carries the non-pricing fields of an order payload.
type OrderParams struct {
	CustomerID      string
	Billing         panelapi.BillingInfo
	PaymentMethod   string
	PaymentIntentID string
	BillingPeriod   string
}

// BuildOrderRequest renders a quote as the panel's order creation body. Both
// payment paths go through here so field naming cannot drift.
func BuildOrderRequest(q pricing.Quote, p OrderParams) panelapi.CreateOrderRequest {
	items := make([]panelapi.OrderItem, 0, len(q.LineItems))
	for _, li := range q.LineItems {
		items = append(items, panelapi.OrderItem{
			ProductID:   li.ProductID,
			Description: li.Label,
			Quantity:    li.Quantity,
			UnitPrice:   panelapi.NewAmount(li.UnitPrice),
		})
	}

	percent := decimal.Zero
	var code *string
	if q.Coupon != nil {
		c := q.Coupon.Rule.Code
		code = &c
		if q.Coupon.Rule.Kind == pricing.KindPercentage {
			percent = q.Coupon.Rule.Percent
		}
	}

	billing := p.Billing
	billing.StripePaymentIntentID = ""
	if p.PaymentMethod == MethodStripe {
		billing.StripePaymentIntentID = p.PaymentIntentID
	}
	period := strings.TrimSpace(p.BillingPeriod)
	if period == "" {
		period = DefaultBillingPeriod
	}

	return panelapi.CreateOrderRequest{
		CustomerID:      p.CustomerID,
		Items:           items,
		Subtotal:        panelapi.NewAmount(pricing.ToMajor(q.Totals.Subtotal)),
		Tax:             panelapi.NewAmount(pricing.ToMajor(q.Totals.Tax)),
		Total:           panelapi.NewAmount(pricing.ToMajor(q.Totals.Total)),
		DiscountAmount:  panelapi.NewAmount(pricing.ToMajor(q.Totals.Discount)),
		DiscountPercent: panelapi.NewAmount(percent),
		CouponCode:      code,
		BillingPeriods:  q.Periods,
		PaymentMethod:   p.PaymentMethod,
		BillingInfo:     billing,
		BillingPeriod:   period,
	}
}
