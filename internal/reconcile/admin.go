package reconcile

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/panel-checkout/internal/common"
)

// Scheduling is satisfied by Scheduler.
type Scheduling interface {
	Schedule(ctx context.Context, paymentIntentID string) error
}

// AdminHandler lets operators inspect stranded charges and retry them.
type AdminHandler struct {
	Store     Store
	Scheduler Scheduling
	PageSize  int
	Logger    zerolog.Logger
}

// Routes mounts the admin endpoints.
func (h *AdminHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Get("/{paymentIntentID}", h.Get)
	r.Post("/{paymentIntentID}/retry", h.Retry)
}

// List returns outbox records, optionally filtered by status.
func (h *AdminHandler) List(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "outbox store unavailable", nil)
		return
	}
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	page := common.ParsePagination(r, h.pageSize(), maxPageSize)
	ctx := r.Context()
	total, err := h.Store.Count(ctx, status)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	records, err := h.Store.List(ctx, status, page.PerPage, page.Offset())
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"data":       records,
		"pagination": page.Result(total),
	})
}

// Get returns one outbox record.
func (h *AdminHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "outbox store unavailable", nil)
		return
	}
	rec, err := h.Store.Get(r.Context(), chi.URLParam(r, "paymentIntentID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	common.Data(w, http.StatusOK, rec)
}

// Retry schedules another reconciliation attempt for a record not yet created.
func (h *AdminHandler) Retry(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil || h.Scheduler == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "reconciliation dependencies unavailable", nil)
		return
	}
	ctx := r.Context()
	rec, err := h.Store.Get(ctx, chi.URLParam(r, "paymentIntentID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if rec.Status == StatusCreated {
		common.JSONError(w, http.StatusConflict, "ALREADY_CREATED", "order already exists for this charge",
			map[string]any{"order_reference": rec.OrderReference})
		return
	}
	if err := h.Scheduler.Schedule(ctx, rec.PaymentIntentID); err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	h.Logger.Info().Str("payment_intent_id", rec.PaymentIntentID).Msg("reconciliation retry scheduled")
	common.Data(w, http.StatusAccepted, map[string]any{
		"payment_intent_id": rec.PaymentIntentID,
		"scheduled":         true,
	})
}

func (h *AdminHandler) pageSize() int {
	if h.PageSize > 0 {
		return h.PageSize
	}
	return 50
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "charge record not found", nil)
		return
	}
	common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
}
