package audit

import (
	"net/http"

	"github.com/noah-isme/panel-checkout/internal/common"
)

// Handler exposes the audit trail to operators.
type Handler struct {
	Store Store
}

// List returns a page of audit entries, newest first.
func (h Handler) List(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "AUDIT_NOT_CONFIGURED", "audit store not configured", nil)
		return
	}
	page := common.ParsePagination(r, 50, 200)
	ctx := r.Context()
	total, err := h.Store.Count(ctx)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "AUDIT_QUERY_FAILED", "unable to fetch audit log", nil)
		return
	}
	entries, err := h.Store.List(ctx, page.PerPage, page.Offset())
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "AUDIT_QUERY_FAILED", "unable to fetch audit log", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"data":       entries,
		"pagination": page.Result(total),
	})
}
