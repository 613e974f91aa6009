package middleware

import (
	"net/http"
	"strconv"
	"time"

	"cutout/internal/cache"
)

const defaultRequestsPerMinute = 60

// RateLimit applies a per-account sliding-window limit backed by Redis.
// Redis being unavailable fails open: the request proceeds unlimited rather
// than taking the API down with the cache.
func RateLimit(c cache.Cache, requestsPerMin int) func(http.Handler) http.Handler {
	if requestsPerMin <= 0 {
		requestsPerMin = defaultRequestsPerMinute
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID := AccountIDFromContext(r.Context())
			if accountID == "" || c == nil {
				next.ServeHTTP(w, r)
				return
			}

			count, err := c.IncrWithExpiry(r.Context(), cache.RateLimitKey(accountID), time.Minute)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			remaining := requestsPerMin - int(count)
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(requestsPerMin))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

			if count > int64(requestsPerMin) {
				w.Header().Set("Retry-After", "60")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":{"code":"rate_limited","message":"too many requests"}}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
