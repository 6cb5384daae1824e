package coupon

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/noah-isme/panel-checkout/internal/obs"
	"github.com/noah-isme/panel-checkout/internal/panelapi"
	"github.com/noah-isme/panel-checkout/internal/pricing"
)

// Remote captures the panel API call required by the validator.
type Remote interface {
	ValidateCoupon(ctx context.Context, in panelapi.ValidateCouponRequest) (panelapi.ValidateCouponResponse, error)
}

// Request describes the order a coupon should be validated against.
type Request struct {
	Code       string
	Subtotal   pricing.Money
	CustomerID string
	ProductIDs []string
}

// Validator adapts the panel's coupon validation endpoint.
type Validator struct {
	Remote Remote
	Logger zerolog.Logger
}

// Validate checks a coupon code with the panel. Rejections and outages return a
// not-applied Application alongside ErrRejected or ErrUnavailable.
func (v *Validator) Validate(ctx context.Context, req Request) (Application, error) {
	code := NormalizeCode(req.Code)
	if code == "" {
		record("invalid")
		return Application{Message: "Please enter a coupon code"}, ErrCodeRequired
	}
	if v == nil || v.Remote == nil {
		record("unavailable")
		return unavailable(req.Subtotal), fmt.Errorf("validator not configured: %w", ErrUnavailable)
	}

	resp, err := v.Remote.ValidateCoupon(ctx, panelapi.ValidateCouponRequest{
		Code:        code,
		OrderAmount: panelapi.NewAmount(pricing.ToMajor(req.Subtotal)),
		UserID:      req.CustomerID,
		ProductIDs:  req.ProductIDs,
	})
	if err != nil {
		var apiErr *panelapi.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			record("rejected")
			msg := apiErr.Message
			if msg == "" {
				msg = "This coupon cannot be applied"
			}
			return Application{Message: msg, OrderAmount: req.Subtotal}, fmt.Errorf("%s: %w", code, ErrRejected)
		}
		if errors.Is(err, context.Canceled) {
			return unavailable(req.Subtotal), err
		}
		record("unavailable")
		v.Logger.Warn().Err(err).Str("coupon_code", code).Msg("coupon validation failed")
		return unavailable(req.Subtotal), fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	if !resp.Valid {
		record("rejected")
		msg := "This coupon cannot be applied"
		if resp.Message != nil && *resp.Message != "" {
			msg = *resp.Message
		}
		return Application{Message: msg, OrderAmount: req.Subtotal}, fmt.Errorf("%s: %w", code, ErrRejected)
	}

	c, err := fromRemote(code, resp.Coupon)
	if err != nil {
		record("unavailable")
		v.Logger.Warn().Err(err).Str("coupon_code", code).Msg("malformed coupon response")
		return unavailable(req.Subtotal), fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	amount := pricing.FromMajor(resp.DiscountAmount.Decimal)
	if amount < 0 {
		amount = 0
	}
	if amount > req.Subtotal {
		amount = req.Subtotal
	}
	record("applied")
	app := Application{
		Valid:          true,
		Coupon:         &c,
		DiscountAmount: amount,
		OrderAmount:    req.Subtotal,
	}
	if resp.Message != nil {
		app.Message = *resp.Message
	}
	return app, nil
}

func fromRemote(code string, rc *panelapi.Coupon) (Coupon, error) {
	if rc == nil {
		return Coupon{}, errors.New("valid response without coupon")
	}
	kind := pricing.ParseKind(rc.Type)
	if kind != pricing.KindPercentage && kind != pricing.KindFixed {
		return Coupon{}, fmt.Errorf("unsupported coupon type %q", rc.Type)
	}
	if rc.DiscountValue.IsNegative() {
		return Coupon{}, errors.New("negative discount value")
	}
	c := Coupon{
		Code:                   code,
		Type:                   kind,
		DiscountValue:          rc.DiscountValue.Decimal,
		FirstBillingPeriodOnly: rc.FirstBillingPeriodOnly,
	}
	if rc.Code != "" {
		c.Code = NormalizeCode(rc.Code)
	}
	if rc.MaximumDiscount != nil {
		if rc.MaximumDiscount.IsNegative() {
			return Coupon{}, errors.New("negative maximum discount")
		}
		limit := rc.MaximumDiscount.Decimal
		c.MaximumDiscount = &limit
	}
	return c, nil
}

func unavailable(subtotal pricing.Money) Application {
	return Application{Message: "Coupon validation is temporarily unavailable, please try again", OrderAmount: subtotal}
}

func record(result string) {
	if obs.CouponValidationsTotal != nil {
		obs.CouponValidationsTotal.WithLabelValues(result).Inc()
	}
}
