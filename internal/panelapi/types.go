package panelapi

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount is a decimal that travels as a bare JSON number.
type Amount struct {
	decimal.Decimal
}

// NewAmount wraps a decimal value.
func NewAmount(d decimal.Decimal) Amount {
	return Amount{Decimal: d}
}

// MarshalJSON renders the amount unquoted.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.Decimal.String()), nil
}

// UnmarshalJSON accepts numbers, numeric strings and null.
func (a *Amount) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		a.Decimal = decimal.Zero
		return nil
	}
	return a.Decimal.UnmarshalJSON(data)
}

// ValidateCouponRequest is the body of POST /coupons/validate.
type ValidateCouponRequest struct {
	Code        string   `json:"code"`
	OrderAmount Amount   `json:"order_amount"`
	UserID      string   `json:"user_id"`
	ProductIDs  []string `json:"product_ids"`
}

// Coupon is the remote coupon representation.
type Coupon struct {
	Code                   string  `json:"code"`
	Type                   string  `json:"type"`
	DiscountValue          Amount  `json:"discount_value"`
	MaximumDiscount        *Amount `json:"maximum_discount"`
	FirstBillingPeriodOnly bool    `json:"first_billing_period_only"`
}

// ValidateCouponResponse is the validation outcome returned by the panel.
type ValidateCouponResponse struct {
	Valid          bool    `json:"valid"`
	DiscountAmount Amount  `json:"discount_amount"`
	Coupon         *Coupon `json:"coupon"`
	Message        *string `json:"message"`
}

// OrderItem is one line of an order creation request.
type OrderItem struct {
	ProductID   string `json:"product_id"`
	Description string `json:"description"`
	Quantity    int    `json:"quantity"`
	UnitPrice   Amount `json:"unit_price"`
}

// BillingAddress is the postal address attached to an order.
type BillingAddress struct {
	Street  string `json:"street" validate:"required"`
	City    string `json:"city" validate:"required"`
	State   string `json:"state"`
	ZipCode string `json:"zip_code" validate:"required"`
	Country string `json:"country" validate:"required"`
}

// BillingInfo identifies the paying customer.
type BillingInfo struct {
	CustomerName          string         `json:"customer_name" validate:"required"`
	CustomerEmail         string         `json:"customer_email" validate:"required,email"`
	CustomerPhone         *string        `json:"customer_phone"`
	BillingAddress        BillingAddress `json:"billing_address"`
	PaymentNotes          string         `json:"payment_notes"`
	StripePaymentIntentID string         `json:"stripe_payment_intent_id,omitempty"`
}

// CreateOrderRequest is the body of POST /orders.
type CreateOrderRequest struct {
	CustomerID      string      `json:"customer_id"`
	Items           []OrderItem `json:"items"`
	Subtotal        Amount      `json:"subtotal"`
	Tax             Amount      `json:"tax"`
	Total           Amount      `json:"total"`
	DiscountAmount  Amount      `json:"discount_amount"`
	DiscountPercent Amount      `json:"discount_percent"`
	CouponCode      *string     `json:"coupon_code"`
	BillingPeriods  int         `json:"billing_periods"`
	PaymentMethod   string      `json:"payment_method"`
	BillingInfo     BillingInfo `json:"billing_info"`
	BillingPeriod   string      `json:"billing_period"`
}

// OrderRef is an order identifier the panel may send as a string or a number.
type OrderRef string

// UnmarshalJSON accepts both JSON strings and numbers.
func (r *OrderRef) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*r = ""
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*r = OrderRef(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return err
	}
	*r = OrderRef(n.String())
	return nil
}

// CreateOrderResponse carries the created order identifiers and the raw body.
type CreateOrderResponse struct {
	ID          OrderRef        `json:"id"`
	OrderNumber OrderRef        `json:"order_number"`
	Raw         json.RawMessage `json:"-"`
}

// Reference returns the identifier the confirmation view should display.
func (r CreateOrderResponse) Reference() string {
	if r.ID != "" {
		return string(r.ID)
	}
	return string(r.OrderNumber)
}
