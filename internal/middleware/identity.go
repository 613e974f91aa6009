package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type identityKey string

const accountIDKey identityKey = "account_id"

// Identity extracts the authenticated account identifier from the
// X-Account-ID header set by the upstream auth layer. The core trusts this
// identity unconditionally; credential verification happens before traffic
// reaches this service.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID := r.Header.Get("X-Account-ID")
		if accountID == "" || uuid.Validate(accountID) != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"code":"unauthorized","message":"missing account identity"}}`))
			return
		}
		ctx := context.WithValue(r.Context(), accountIDKey, accountID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AccountIDFromContext returns the authenticated account id, if any.
func AccountIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(accountIDKey).(string); ok {
		return v
	}
	return ""
}
