// Package middleware provides HTTP middleware components for the clinquery API.
package middleware

import (
	"log/slog"
	"net/http"

	"github.com/clinquery/clinquery/internal/storage"
)

// Option wraps a handler with one middleware layer.
type Option func(http.Handler) http.Handler

// Apply wraps handler with the given options. The first option ends up
// outermost, so requests traverse the chain in the order the options are
// listed.
func Apply(handler http.Handler, options ...Option) http.Handler {
	for i := len(options) - 1; i >= 0; i-- {
		handler = options[i](handler)
	}

	return handler
}

// passthrough leaves the handler unwrapped. Used by options whose
// dependency is not configured.
func passthrough(next http.Handler) http.Handler {
	return next
}

// WithCorrelationID tags requests with a correlation ID.
func WithCorrelationID() Option {
	return CorrelationID()
}

// WithRecovery converts handler panics into 500 responses.
func WithRecovery(logger *slog.Logger) Option {
	return Recovery(logger)
}

// WithClientAuth enforces API key authentication. A nil store disables the
// layer entirely.
func WithClientAuth(store storage.APIKeyStore, logger *slog.Logger) Option {
	if store == nil {
		return passthrough
	}

	return AuthenticateClient(store, logger)
}

// WithRateLimit applies per-client rate limiting. A nil limiter disables
// the layer entirely.
func WithRateLimit(limiter RateLimiter, logger *slog.Logger) Option {
	if limiter == nil {
		return passthrough
	}

	return RateLimit(limiter, logger)
}

// WithRequestLogger logs request completions.
func WithRequestLogger(logger *slog.Logger) Option {
	return RequestLogger(logger)
}

// WithCORS applies the cross-origin policy.
func WithCORS(config CORSConfig) Option {
	return CORS(config)
}
