package checkout

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/panel-checkout/internal/cart"
	"github.com/noah-isme/panel-checkout/internal/common"
	"github.com/noah-isme/panel-checkout/internal/coupon"
	"github.com/noah-isme/panel-checkout/internal/panelapi"
	"github.com/noah-isme/panel-checkout/internal/security"
)

// Handler exposes checkout sessions over HTTP.
type Handler struct {
	Svc *Service
	// CouponGuard throttles coupon attempts, typically per customer.
	CouponGuard func(http.Handler) http.Handler
	// Idempotency wraps order submission endpoints.
	Idempotency func(http.Handler) http.Handler
	Logger      zerolog.Logger
}

type createRequest struct {
	Cart    cart.Snapshot `json:"cart"`
	Periods int           `json:"periods"`
}

type periodsRequest struct {
	Periods int `json:"periods"`
}

type couponRequest struct {
	Code string `json:"code"`
}

type submitRequest struct {
	Billing *panelapi.BillingInfo `json:"billing_info,omitempty"`
}

// Routes mounts the session endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.Create)
	r.Route("/{sessionID}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Put("/periods", h.SetPeriods)
		r.Put("/cart", h.ReplaceCart)
		r.Put("/billing", h.SetBilling)
		r.With(middlewareOrNoop(h.CouponGuard)).Post("/coupon", h.ApplyCoupon)
		r.Delete("/coupon", h.RemoveCoupon)
		r.With(middlewareOrNoop(h.Idempotency)).Post("/submit", h.Submit)
		r.With(middlewareOrNoop(h.Idempotency)).Post("/charge", h.ConfirmCharge)
		r.Get("/confirmation", h.Confirmation)
	})
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.customer(w, r)
	if !ok {
		return
	}
	var req createRequest
	if !decode(w, r, &req) {
		return
	}
	sess, err := h.Svc.Start(r.Context(), customerID, req.Cart, req.Periods)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusCreated, h.Svc.View(sess))
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.customer(w, r)
	if !ok {
		return
	}
	sess, err := h.Svc.Get(r.Context(), customerID, chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, h.Svc.View(sess))
}

func (h *Handler) SetPeriods(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.customer(w, r)
	if !ok {
		return
	}
	var req periodsRequest
	if !decode(w, r, &req) {
		return
	}
	sess, err := h.Svc.SetPeriods(r.Context(), customerID, chi.URLParam(r, "sessionID"), req.Periods)
	h.writeCouponOutcome(w, sess, err)
}

func (h *Handler) ReplaceCart(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.customer(w, r)
	if !ok {
		return
	}
	var snap cart.Snapshot
	if !decode(w, r, &snap) {
		return
	}
	sess, err := h.Svc.ReplaceCart(r.Context(), customerID, chi.URLParam(r, "sessionID"), snap)
	h.writeCouponOutcome(w, sess, err)
}

func (h *Handler) SetBilling(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.customer(w, r)
	if !ok {
		return
	}
	var billing panelapi.BillingInfo
	if !decode(w, r, &billing) {
		return
	}
	sess, err := h.Svc.SetBilling(r.Context(), customerID, chi.URLParam(r, "sessionID"), billing)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, h.Svc.View(sess))
}

func (h *Handler) ApplyCoupon(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.customer(w, r)
	if !ok {
		return
	}
	var req couponRequest
	if !decode(w, r, &req) {
		return
	}
	sess, err := h.Svc.ApplyCoupon(r.Context(), customerID, chi.URLParam(r, "sessionID"), req.Code)
	h.writeCouponOutcome(w, sess, err)
}

func (h *Handler) RemoveCoupon(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.customer(w, r)
	if !ok {
		return
	}
	sess, err := h.Svc.RemoveCoupon(r.Context(), customerID, chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, h.Svc.View(sess))
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.customer(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	conf, err := h.Svc.SubmitManual(r.Context(), customerID, chi.URLParam(r, "sessionID"), req.Billing)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusCreated, conf)
}

func (h *Handler) ConfirmCharge(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.customer(w, r)
	if !ok {
		return
	}
	var in ChargeInput
	if !decode(w, r, &in) {
		return
	}
	conf, err := h.Svc.CompleteCharge(r.Context(), customerID, chi.URLParam(r, "sessionID"), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusCreated, conf)
}

func (h *Handler) Confirmation(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.customer(w, r)
	if !ok {
		return
	}
	conf, err := h.Svc.Confirmation(r.Context(), customerID, chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, conf)
}

// writeCouponOutcome treats a rejected coupon as a normal response.
func (h *Handler) writeCouponOutcome(w http.ResponseWriter, sess Session, err error) {
	switch {
	case err == nil, errors.Is(err, coupon.ErrRejected):
		common.Data(w, http.StatusOK, h.Svc.View(sess))
	case errors.Is(err, coupon.ErrUnavailable) && sess.ID != "":
		common.JSONError(w, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE",
			"Coupon could not be checked right now, please try again",
			map[string]any{"retryable": true, "session": h.Svc.View(sess)})
	default:
		h.writeError(w, err)
	}
}

func (h *Handler) customer(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout service not configured", nil)
		return "", false
	}
	id, ok := common.CustomerID(r.Context())
	if !ok || id == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "customer required", nil)
		return "", false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	appErr := toAppError(err)
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.Logger.Error().Err(err).Str("code", appErr.Code).Msg("checkout request failed")
	}
	common.WriteError(w, appErr)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if security.IsTooLarge(err) {
			security.TooLarge(w)
			return false
		}
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return false
	}
	return true
}

func middlewareOrNoop(mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if mw != nil {
		return mw
	}
	return func(next http.Handler) http.Handler { return next }
}
