package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/noah-isme/panel-checkout/internal/common"
)

// Config describes how to derive a rate limit key and thresholds.
type Config struct {
	Key    func(*http.Request) string
	Window time.Duration
	Max    int
}

// Handler enforces rate limits before delegating to the next handler.
type Handler struct {
	Limiter Limiter
	Config  Config
	OnError func(error)
}

// Middleware implements the http.Handler middleware interface.
func (h Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Config.Key == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := h.Config.Key(r)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		d, err := h.Limiter.Allow(r.Context(), key, h.Config.Window, h.Config.Max)
		if err != nil {
			if h.OnError != nil {
				h.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}

		headers := w.Header()
		headers.Set("X-RateLimit-Limit", strconv.Itoa(max(h.Config.Max, 0)))
		headers.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))

		if !d.Allowed {
			retryAfter := max(int(d.Reset.Sub(h.Limiter.now()).Round(time.Second)/time.Second), 1)
			headers.Set("Retry-After", strconv.Itoa(retryAfter))
			common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many attempts, please wait before trying again",
				map[string]any{"retry_after_seconds": retryAfter})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// CustomerKey limits per customer, falling back to the client address for
// anonymous requests.
func CustomerKey(scope string) func(*http.Request) string {
	return func(r *http.Request) string {
		if id, ok := common.CustomerID(r.Context()); ok && strings.TrimSpace(id) != "" {
			return scope + ":customer:" + id
		}
		return scope + ":ip:" + common.ClientIP(r)
	}
}
