package checkout_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/panel-checkout/internal/checkout"
	"github.com/noah-isme/panel-checkout/internal/http/middleware"
	"github.com/noah-isme/panel-checkout/internal/panelapi"
)

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error struct {
		Code    string         `json:"code"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func newRouter(f *fixture) http.Handler {
	h := &checkout.Handler{Svc: f.svc, Logger: zerolog.New(io.Discard)}
	r := chi.NewRouter()
	r.Use(middleware.Customer(""))
	r.Route("/sessions", h.Routes)
	return r
}

func do(t *testing.T, h http.Handler, method, path, customer string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if customer != "" {
		req.Header.Set(middleware.DefaultCustomerHeader, customer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func TestHandlerSessionLifecycle(t *testing.T) {
	f := newFixture(t)
	f.coupons.results["SAVE10"] = percentCoupon("SAVE10", 10, false)
	router := newRouter(f)

	rec, env := do(t, router, http.MethodPost, "/sessions/", "cust-1", map[string]any{"cart": sampleCart(), "periods": 2})
	require.Equal(t, http.StatusCreated, rec.Code)
	var view checkout.SessionView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	require.Equal(t, checkout.StateIdle, view.State)
	require.Equal(t, "200.00", view.Quote.Total)
	base := "/sessions/" + view.ID

	rec, env = do(t, router, http.MethodPost, base+"/coupon", "cust-1", map[string]string{"code": "bogus"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &view))
	require.False(t, view.Coupon.Applied)
	require.Equal(t, checkout.StateCouponRejected, view.State)

	rec, env = do(t, router, http.MethodPost, base+"/coupon", "cust-1", map[string]string{"code": "save10"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &view))
	require.True(t, view.Coupon.Applied)
	require.Equal(t, "180.00", view.Quote.Total)

	rec, _ = do(t, router, http.MethodPut, base+"/billing", "cust-1", sampleBilling())
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env = do(t, router, http.MethodPost, base+"/submit", "cust-1", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var conf checkout.Confirmation
	require.NoError(t, json.Unmarshal(env.Data, &conf))
	require.Equal(t, "ord-1001", conf.OrderReference)

	rec, _ = do(t, router, http.MethodGet, base+"/confirmation", "cust-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env = do(t, router, http.MethodPut, base+"/periods", "cust-1", map[string]int{"periods": 3})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "INVALID_STATE", env.Error.Code)
}

func TestHandlerRequiresCustomer(t *testing.T) {
	f := newFixture(t)
	router := newRouter(f)

	rec, env := do(t, router, http.MethodPost, "/sessions/", "", map[string]any{"cart": sampleCart()})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "UNAUTHORIZED", env.Error.Code)

	sess, err := f.svc.Start(t.Context(), "cust-1", sampleCart(), 1)
	require.NoError(t, err)
	rec, env = do(t, router, http.MethodGet, "/sessions/"+sess.ID, "cust-2", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestHandlerValidationErrors(t *testing.T) {
	f := newFixture(t)
	router := newRouter(f)

	rec, env := do(t, router, http.MethodPost, "/sessions/", "cust-1", map[string]any{"cart": sampleCart(), "periods": 99})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "VALIDATION", env.Error.Code)

	req := httptest.NewRequest(http.MethodPost, "/sessions/", bytes.NewBufferString("{"))
	req.Header.Set(middleware.DefaultCustomerHeader, "cust-1")
	raw := httptest.NewRecorder()
	router.ServeHTTP(raw, req)
	require.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestHandlerChargeNeedingReconciliation(t *testing.T) {
	f := newFixture(t)
	f.orders.setErr(panelapi.ErrUnavailable)
	router := newRouter(f)
	sess := f.startWithBilling(t, 1)
	f.succeededCharge("pi_h", sess.ID, 20000)

	rec, env := do(t, router, http.MethodPost, "/sessions/"+sess.ID+"/charge", "cust-1", map[string]string{"payment_intent_id": "pi_h"})
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Equal(t, "RECONCILIATION_REQUIRED", env.Error.Code)
	require.Equal(t, "pi_h", env.Error.Details["payment_intent_id"])
}
