// Package ratelimit applies fixed-window request limits keyed by method, route and client IP.
package ratelimit

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"fitnesse-backend/internal/observability"
)

const exceededMessage = "Rate limit exceeded. Too many requests."

// Rule allows Max requests per Window. A rule with Max <= 0 disables limiting.
type Rule struct {
	Max    int64
	Window time.Duration
}

func (r Rule) Enabled() bool {
	return r.Max > 0 && r.Window > 0
}

// Store counts hits in the window that contains now. resetIn is the time left in that window.
type Store interface {
	Hit(ctx context.Context, key string, window time.Duration) (count int64, resetIn time.Duration, err error)
}

type Limiter struct {
	store  Store
	ips    observability.ClientIPResolver
	logger *observability.Logger
}

func New(store Store, ips observability.ClientIPResolver, logger *observability.Logger) *Limiter {
	return &Limiter{store: store, ips: ips, logger: logger}
}

func Key(method, route, clientIP string) string {
	return method + "-" + route + "-" + clientIP
}

// Middleware lets requests through when the store fails. Auth state, not the limiter, is what
// protects accounts.
func (l *Limiter) Middleware(route string, rule Rule, next http.Handler) http.Handler {
	if !rule.Enabled() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := Key(r.Method, route, l.ips.ClientIP(r))

		count, resetIn, err := l.store.Hit(r.Context(), key, rule.Window)
		if err != nil {
			l.logger.Error("rate limit store failed", map[string]any{
				"error":      err.Error(),
				"route":      route,
				"request_id": observability.RequestID(r.Context()),
			})
			observability.CaptureError(err, map[string]string{"component": "ratelimit"})
			next.ServeHTTP(w, r)
			return
		}

		if count > rule.Max {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(resetIn)))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": exceededMessage})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func retryAfterSeconds(resetIn time.Duration) int {
	seconds := int(math.Ceil(resetIn.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}
