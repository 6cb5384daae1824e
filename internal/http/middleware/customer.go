package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/noah-isme/panel-checkout/internal/common"
)

// DefaultCustomerHeader carries the customer id set by the trusted gateway.
const DefaultCustomerHeader = "X-Customer-ID"

// Customer copies the gateway-supplied customer id into the request context.
func Customer(header string) func(http.Handler) http.Handler {
	if header == "" {
		header = DefaultCustomerHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id := strings.TrimSpace(r.Header.Get(header)); id != "" {
				r = r.WithContext(common.WithCustomerID(r.Context(), id))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireCustomer rejects requests without a customer id in context.
func RequireCustomer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := common.CustomerID(r.Context()); !ok || id == "" {
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "customer required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AdminToken guards operator endpoints with a static bearer token. An empty
// token disables the endpoints entirely.
func AdminToken(token string) func(http.Handler) http.Handler {
	token = strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "not found", nil)
				return
			}
			got := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "admin token required", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
