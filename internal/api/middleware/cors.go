// Package middleware provides HTTP middleware components for the clinquery API.
package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
)

// CORSConfig supplies the cross-origin policy. The concrete type lives in
// the api package; the interface here avoids an import cycle.
type CORSConfig interface {
	GetAllowedOrigins() []string
	GetAllowedMethods() []string
	GetAllowedHeaders() []string
	GetMaxAge() int
}

// CORS applies the configured cross-origin policy and short-circuits
// preflight requests with 204.
func CORS(config CORSConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			applyCORSHeaders(w, r, config)

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// applyCORSHeaders writes the allow headers for the request's origin. A
// single "*" entry allows any origin; otherwise the request origin must
// match the configured list exactly. Responses vary by Origin so caches
// keep per-origin copies.
func applyCORSHeaders(w http.ResponseWriter, r *http.Request, config CORSConfig) {
	origins := config.GetAllowedOrigins()

	switch {
	case len(origins) == 0:
		// No origins configured, no CORS headers.
	case len(origins) == 1 && origins[0] == "*":
		w.Header().Set("Access-Control-Allow-Origin", "*")
	default:
		w.Header().Add("Vary", "Origin")

		if origin := r.Header.Get("Origin"); slices.Contains(origins, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
	}

	if methods := config.GetAllowedMethods(); len(methods) > 0 {
		w.Header().Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
	}

	if headers := config.GetAllowedHeaders(); len(headers) > 0 {
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(headers, ", "))
	}

	if maxAge := config.GetMaxAge(); maxAge > 0 {
		w.Header().Set("Access-Control-Max-Age", strconv.Itoa(maxAge))
	}
}
