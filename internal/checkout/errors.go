package checkout

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/noah-isme/panel-checkout/internal/cart"
	"github.com/noah-isme/panel-checkout/internal/common"
	"github.com/noah-isme/panel-checkout/internal/coupon"
	"github.com/noah-isme/panel-checkout/internal/panelapi"
	"github.com/noah-isme/panel-checkout/internal/payment"
	"github.com/noah-isme/panel-checkout/internal/pricing"
)

var (
	ErrSessionNotFound      = errors.New("checkout session not found")
	ErrConfirmationNotFound = errors.New("order confirmation not found")
	ErrInvalidTransition    = errors.New("checkout: invalid state transition")
	ErrSubmissionInFlight   = errors.New("checkout: order submission already in flight")
	ErrCouponPending        = errors.New("checkout: coupon validation in progress")
	ErrSuperseded           = errors.New("checkout: superseded by a newer change")
	ErrInvalidBilling       = errors.New("checkout: invalid billing information")
	ErrInvalidRequest       = errors.New("checkout: invalid request")
	ErrIntentMismatch       = errors.New("checkout: payment belongs to another checkout")
	ErrOrderRejected        = errors.New("checkout: order rejected by panel")
	// ErrReconciliationRequired marks a captured charge without an order record.
	ErrReconciliationRequired = errors.New("checkout: payment captured but order creation failed")
)

// ReconciliationError carries the payment id the customer should quote to support.
type ReconciliationError struct {
	PaymentIntentID string
	Err             error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("payment %s captured but order creation failed: %v", e.PaymentIntentID, e.Err)
}

func (e *ReconciliationError) Unwrap() []error {
	return []error{ErrReconciliationRequired, e.Err}
}

// toAppError maps domain failures onto the API error taxonomy.
func toAppError(err error) *common.AppError {
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	var recErr *ReconciliationError
	if errors.As(err, &recErr) {
		e := common.NewAppError("RECONCILIATION_REQUIRED",
			"Your payment was received but the order could not be recorded. Please contact support with payment ID "+recErr.PaymentIntentID+".",
			http.StatusBadGateway, err)
		e.Details = map[string]any{"payment_intent_id": recErr.PaymentIntentID}
		return e
	}
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrConfirmationNotFound):
		return common.NewAppError("NOT_FOUND", err.Error(), http.StatusNotFound, err)
	case errors.Is(err, ErrSubmissionInFlight):
		return common.NewAppError("SUBMISSION_IN_FLIGHT", "An order submission is already in progress", http.StatusConflict, err)
	case errors.Is(err, ErrCouponPending):
		return common.NewAppError("COUPON_PENDING", "Please wait for the coupon check to finish", http.StatusConflict, err)
	case errors.Is(err, ErrSuperseded):
		return common.NewAppError("SUPERSEDED", "The checkout changed while this request was running", http.StatusConflict, err)
	case errors.Is(err, ErrInvalidTransition):
		return common.NewAppError("INVALID_STATE", err.Error(), http.StatusConflict, err)
	case errors.Is(err, pricing.ErrStaleCoupon):
		return common.NewAppError("STALE_COUPON", "The coupon no longer matches the cart", http.StatusConflict, err)
	case errors.Is(err, coupon.ErrCodeRequired):
		return common.NewAppError("VALIDATION", "Please enter a coupon code", http.StatusUnprocessableEntity, err)
	case errors.Is(err, ErrInvalidBilling),
		errors.Is(err, ErrInvalidRequest),
		errors.Is(err, cart.ErrInvalidInput),
		errors.Is(err, pricing.ErrInvalidPeriods),
		errors.Is(err, pricing.ErrInvalidQuantity),
		errors.Is(err, pricing.ErrNegativePrice),
		errors.Is(err, pricing.ErrEmptyCart):
		return common.NewAppError("VALIDATION", err.Error(), http.StatusUnprocessableEntity, err)
	case errors.Is(err, ErrOrderRejected):
		return common.NewAppError("ORDER_REJECTED", err.Error(), http.StatusUnprocessableEntity, err)
	case errors.Is(err, ErrIntentMismatch):
		return common.NewAppError("PAYMENT_MISMATCH", err.Error(), http.StatusConflict, err)
	case errors.Is(err, payment.ErrChargePending):
		e := common.NewAppError("PAYMENT_PENDING", "The payment has not settled yet", http.StatusConflict, err)
		e.Details = map[string]any{"retryable": true}
		return e
	case errors.Is(err, payment.ErrChargeFailed), errors.Is(err, payment.ErrAmountMismatch):
		return common.NewAppError("PAYMENT_NOT_CONFIRMED", err.Error(), http.StatusPaymentRequired, err)
	case errors.Is(err, coupon.ErrUnavailable),
		errors.Is(err, panelapi.ErrUnavailable),
		errors.Is(err, payment.ErrUnavailable):
		e := common.NewAppError("UPSTREAM_UNAVAILABLE", "A required service is temporarily unavailable, please try again", http.StatusServiceUnavailable, err)
		e.Details = map[string]any{"retryable": true}
		return e
	}
	return common.NewAppError("INTERNAL", "internal error", http.StatusInternalServerError, err)
}
