package audit

import (
	"net/http"
	"strings"

	"github.com/noah-isme/panel-checkout/internal/obs"
)

// OperatorHeader optionally names the operator behind an admin token.
const OperatorHeader = "X-Operator"

// HTTPRecorder records mutating admin requests after they are handled.
// Reads are not audited.
type HTTPRecorder struct {
	Service *Service
	OnError func(error)
}

// Middleware implements chi middleware.
func (r HTTPRecorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.Service == nil || !r.Service.Enabled || safeMethod(req.Method) {
			next.ServeHTTP(w, req)
			return
		}
		recorder := obs.NewStatusRecorder(w)
		next.ServeHTTP(recorder, req)

		actor := strings.TrimSpace(req.Header.Get(OperatorHeader))
		if err := r.Service.Record(req.Context(), req, actor, "", recorder.Status(), nil); err != nil && r.OnError != nil {
			r.OnError(err)
		}
	})
}

func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
