package panelapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/panel-checkout/internal/panelapi"
	"github.com/noah-isme/panel-checkout/internal/resilience"
)

func newClient(t *testing.T, h http.HandlerFunc) *panelapi.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &panelapi.Client{
		BaseURL: srv.URL,
		Token:   "secret",
		HTTP:    resilience.HTTPClient{Client: srv.Client(), MaxAttempts: 2, BaseBackoff: time.Millisecond},
	}
}

func TestValidateCouponSendsWireShape(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/coupons/validate", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.JSONEq(t, `{"code":"SAVE20","order_amount":300,"user_id":"c-1","product_ids":["p1","p2"]}`, string(body))
		_, _ = io.WriteString(w, `{"valid":true,"discount_amount":"60.00","coupon":{"code":"SAVE20","type":"percentage","discount_value":20,"maximum_discount":null,"first_billing_period_only":true},"message":null}`)
	})

	out, err := client.ValidateCoupon(context.Background(), panelapi.ValidateCouponRequest{
		Code:        "SAVE20",
		OrderAmount: panelapi.NewAmount(decimal.NewFromInt(300)),
		UserID:      "c-1",
		ProductIDs:  []string{"p1", "p2"},
	})
	require.NoError(t, err)
	require.True(t, out.Valid)
	require.True(t, out.DiscountAmount.Equal(decimal.NewFromInt(60)))
	require.NotNil(t, out.Coupon)
	require.True(t, out.Coupon.FirstBillingPeriodOnly)
	require.Nil(t, out.Coupon.MaximumDiscount)
}

func TestCreateOrderSendsIdempotencyKeyAndParsesNumericID(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/orders", r.URL.Path)
		require.Equal(t, "pi_123", r.Header.Get("Idempotency-Key"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "monthly", body["billing_period"])
		require.Nil(t, body["coupon_code"])
		_, _ = io.WriteString(w, `{"data":{"id":4821,"status":"pending"}}`)
	})

	out, err := client.CreateOrder(context.Background(), "pi_123", panelapi.CreateOrderRequest{
		CustomerID:    "c-1",
		PaymentMethod: "stripe",
		BillingPeriod: "monthly",
	})
	require.NoError(t, err)
	require.Equal(t, "4821", out.Reference())
	require.JSONEq(t, `{"id":4821,"status":"pending"}`, string(out.Raw))
}

func TestCreateOrderFallsBackToOrderNumber(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"order_number":"ORD-9"}`)
	})
	out, err := client.CreateOrder(context.Background(), "k", panelapi.CreateOrderRequest{})
	require.NoError(t, err)
	require.Equal(t, "ORD-9", out.Reference())
}

func TestClientErrorsAreClassified(t *testing.T) {
	rejecting := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"error":{"code":"COUPON_EXPIRED","message":"coupon expired"}}`)
	})
	_, err := rejecting.ValidateCoupon(context.Background(), panelapi.ValidateCouponRequest{Code: "OLD"})
	var apiErr *panelapi.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, "COUPON_EXPIRED", apiErr.Code)
	require.Equal(t, "coupon expired", apiErr.Message)

	failing := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err = failing.ValidateCoupon(context.Background(), panelapi.ValidateCouponRequest{Code: "X"})
	require.ErrorIs(t, err, panelapi.ErrUnavailable)

	_, err = (&panelapi.Client{}).ValidateCoupon(context.Background(), panelapi.ValidateCouponRequest{})
	require.ErrorIs(t, err, panelapi.ErrNotConfigured)
}

func TestAmountMarshalsUnquoted(t *testing.T) {
	data, err := json.Marshal(panelapi.NewAmount(decimal.RequireFromString("26.66666667")))
	require.NoError(t, err)
	require.Equal(t, "26.66666667", string(data))
}
