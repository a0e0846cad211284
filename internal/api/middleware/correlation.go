// Package middleware provides HTTP middleware components for the clinquery API.
package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"
)

// 8 random bytes rendered as 16 hex characters.
const correlationIDSize = 8

// correlationIDKey is the context key for the correlation ID.
type correlationIDKey struct{}

// CorrelationID tags every request with a correlation ID: the caller's
// X-Correlation-ID header when present, a generated one otherwise. The ID is
// echoed on the response and stored in the request context for downstream
// handlers and log lines.
func CorrelationID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := r.Header.Get("X-Correlation-ID")
			if correlationID == "" {
				correlationID = generateCorrelationID()
			}

			w.Header().Set("X-Correlation-ID", correlationID)

			ctx := context.WithValue(r.Context(), correlationIDKey{}, correlationID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCorrelationID returns the request's correlation ID, or "unknown" when
// the middleware has not run.
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return correlationID
	}

	return "unknown"
}

// generateCorrelationID produces a random hex ID. If the entropy source
// fails, the nanosecond timestamp stands in; uniqueness degrades but log
// correlation within a request still works.
func generateCorrelationID() string {
	bytes := make([]byte, correlationIDSize)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%016x", time.Now().UnixNano())
	}

	return hex.EncodeToString(bytes)
}
