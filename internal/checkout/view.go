package checkout

import (
	"github.com/noah-isme/panel-checkout/internal/cart"
	"github.com/noah-isme/panel-checkout/internal/payment"
	"github.com/noah-isme/panel-checkout/internal/pricing"
)

// SessionView is the storefront representation of a session.
type SessionView struct {
	ID             string        `json:"id"`
	State          State         `json:"state"`
	Periods        int           `json:"periods"`
	Cart           cart.Snapshot `json:"cart"`
	Coupon         *CouponView   `json:"coupon,omitempty"`
	Quote          *QuoteView    `json:"quote,omitempty"`
	Payment        *PaymentView  `json:"payment,omitempty"`
	OrderReference string        `json:"order_reference,omitempty"`
	RedirectURL    string        `json:"redirect_url,omitempty"`
	Message        string        `json:"message,omitempty"`
}

// CouponView reports the coupon state of a session.
type CouponView struct {
	Code           string `json:"code"`
	Applied        bool   `json:"applied"`
	Pending        bool   `json:"pending,omitempty"`
	DiscountAmount string `json:"discount_amount,omitempty"`
	Message        string `json:"message,omitempty"`
}

// QuoteView carries amounts in major units with two decimals.
type QuoteView struct {
	Subtotal        string         `json:"subtotal"`
	Discount        string         `json:"discount"`
	Tax             string         `json:"tax"`
	Total           string         `json:"total"`
	Breakdown       *BreakdownView `json:"breakdown,omitempty"`
	LineItems       []LineItemView `json:"line_items"`
	DiscountInLines bool           `json:"discount_in_lines"`
}

// BreakdownView is the first-period split shown for multi-period coupons.
type BreakdownView struct {
	FirstPeriod      string `json:"first_period"`
	RemainingPeriods string `json:"remaining_periods"`
	Total            string `json:"total"`
}

// LineItemView is one billable line.
type LineItemView struct {
	ProductID   string `json:"product_id"`
	Description string `json:"description"`
	Quantity    int    `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	Amount      string `json:"amount"`
	Period      int    `json:"period,omitempty"`
}

// PaymentView tells the storefront what to charge and which metadata to attach.
type PaymentView struct {
	AmountMinor int64             `json:"amount_minor"`
	Currency    string            `json:"currency"`
	Metadata    map[string]string `json:"metadata"`
}

// View renders sess for the storefront.
func (s *Service) View(sess Session) SessionView {
	v := SessionView{
		ID:             sess.ID,
		State:          sess.State,
		Periods:        sess.Periods,
		Cart:           sess.Cart,
		OrderReference: sess.OrderReference,
	}
	if sess.CouponCode != "" {
		cv := &CouponView{
			Code:    sess.CouponCode,
			Pending: sess.State == StateCouponValidating,
			Message: sess.CouponMessage,
		}
		if sess.Coupon != nil && sess.Coupon.Valid {
			cv.Applied = true
		}
		v.Coupon = cv
	}

	q, err := s.Quote(sess)
	if err != nil {
		v.Message = err.Error()
	} else {
		v.Quote = quoteView(q)
		if v.Coupon != nil && v.Coupon.Applied {
			v.Coupon.DiscountAmount = major(q.Totals.Discount)
		}
		if sess.State.Editable() {
			v.Payment = &PaymentView{
				AmountMinor: q.Totals.Total,
				Currency:    s.Options.Currency,
				Metadata:    map[string]string{payment.MetadataSessionID: sess.ID},
			}
		}
	}

	switch {
	case sess.State.Completed():
		v.RedirectURL = s.redirectURL(sess.OrderReference)
	case sess.State == StateReconciliationRequired:
		if sess.OrderReference != "" {
			v.RedirectURL = s.redirectURL(sess.OrderReference)
		} else {
			v.Message = "Your payment was received but the order could not be recorded. Please contact support with payment ID " + sess.PaymentIntentID + "."
		}
	case sess.State == StateOrderFailed && sess.LastError != "":
		v.Message = "We could not place your order: " + sess.LastError
	}
	return v
}

func quoteView(q pricing.Quote) *QuoteView {
	qv := &QuoteView{
		Subtotal:        major(q.Totals.Subtotal),
		Discount:        major(q.Totals.Discount),
		Tax:             major(q.Totals.Tax),
		Total:           major(q.Totals.Total),
		LineItems:       make([]LineItemView, 0, len(q.LineItems)),
		DiscountInLines: q.DiscountInLines,
	}
	if q.Breakdown != nil {
		qv.Breakdown = &BreakdownView{
			FirstPeriod:      major(q.Breakdown.FirstPeriod),
			RemainingPeriods: major(q.Breakdown.RemainingPeriods),
			Total:            major(q.Breakdown.Total),
		}
	}
	for _, li := range q.LineItems {
		qv.LineItems = append(qv.LineItems, LineItemView{
			ProductID:   li.ProductID,
			Description: li.Label,
			Quantity:    li.Quantity,
			UnitPrice:   li.UnitPrice.String(),
			Amount:      major(li.Amount),
			Period:      li.Period,
		})
	}
	return qv
}

func major(m pricing.Money) string {
	return pricing.ToMajor(m).StringFixed(2)
}
