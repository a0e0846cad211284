// Package api provides the HTTP API server implementation for the clinquery service.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/clinquery/clinquery/internal/api/middleware"
)

const (
	healthCheckTimeout     = 2 * time.Second
	expectedURLParts       = 2
	contentTypeProblemJSON = "application/problem+json"
)

type (
	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status        string `json:"status"`
		ServiceName   string `json:"serviceName"`
		Version       string `json:"version"`
		Uptime        string `json:"uptime,omitempty"`
		StaleMatviews int    `json:"staleMatviews,omitempty"`
	}

	// Route represents an HTTP route configuration with a path and handler.
	// Used for declarative route registration with middleware bypass support.
	Route struct {
		Path    string           // The URL path for this route (e.g., "/ping", "/api/v1/health")
		Handler http.HandlerFunc // The HTTP handler function for this route
	}
)

// setupRoutes sets up all HTTP routes for the API server.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Public health endpoints
	s.registerPublicRoutes(
		mux,
		Route{"GET /ping", s.handlePing},     // K8s liveness probe
		Route{"GET /ready", s.handleReady},   // K8s readiness probe
		Route{"GET /health", s.handleHealth}, // Basic health check - status, uptime, version
		Route{"/", s.handleNotFound},         // Catch-all handler for 404 responses
	)

	// View execution endpoints
	mux.HandleFunc("POST /api/v1/views/{name}/execute", s.handleExecuteView)
	mux.HandleFunc("POST /api/v1/views/{name}/count", s.handleCountView)
	mux.HandleFunc("GET /api/v1/views/{name}/schema", s.handleViewSchema)
	mux.HandleFunc("POST /api/v1/views/execute-batch", s.handleExecuteBatch)

	// View definition CRUD
	mux.HandleFunc("GET /api/v1/views", s.handleListViews)
	mux.HandleFunc("GET /api/v1/views/{name}", s.handleGetView)
	mux.HandleFunc("POST /api/v1/views", s.handleSaveView)
	mux.HandleFunc("DELETE /api/v1/views/{name}", s.handleDeleteView)

	// Cohort endpoints
	mux.HandleFunc("POST /api/v1/cohort/count", s.handleCohortCount)
	mux.HandleFunc("POST /api/v1/cohort/breakdown", s.handleCohortBreakdown)

	// Serving statistics
	mux.HandleFunc("GET /api/v1/statistics", s.handleStatistics)

	// Batch layer administration
	mux.HandleFunc("GET /api/v1/admin/matviews", s.handleListMatviews)
	mux.HandleFunc("GET /api/v1/admin/matviews/{name}", s.handleMatviewStatus)
	mux.HandleFunc("POST /api/v1/admin/matviews/{name}/refresh", s.handleRefreshMatview)
	mux.HandleFunc("POST /api/v1/admin/matviews/refresh-all", s.handleRefreshAll)
	mux.HandleFunc("POST /api/v1/admin/matviews/refresh-stale", s.handleRefreshStale)
	mux.HandleFunc("POST /api/v1/admin/matviews/{name}/create", s.handleCreateMatview)

	// Integrity validation
	mux.HandleFunc("POST /api/v1/admin/validate", s.handleValidateIntegrity)
}

// registerPublicRoutes registers HTTP routes that bypass authentication and rate limiting.
// This is a convenience method that:
//  1. Registers the route handler with the HTTP mux
//  2. Automatically registers the path as a public endpoint (bypasses auth middleware)
//
// Public routes should only be used for health check endpoints that need to be accessible
// without authentication (e.g., K8s liveness/readiness probes, monitoring tools).
//
// Security Warning: Never register business logic endpoints as public routes.
//
// Example:
//
//	s.registerPublicRoutes(
//	    mux,
//	    Route{"/ping", s.handlePing},
//	    Route{"/health", s.handleHealth},
//	)
func (s *Server) registerPublicRoutes(mux *http.ServeMux, routes ...Route) {
	validHTTPMethods := map[string]bool{
		"GET":    true,
		"POST":   true,
		"PUT":    true,
		"PATCH":  true,
		"DELETE": true,
	}

	for _, route := range routes {
		mux.Handle(route.Path, route.Handler)

		// Strip method prefix for public endpoint bypass registration
		// Go 1.22+ method-based routing uses "GET /path" format
		// But r.URL.Path is just "/path" (no method prefix)
		path := route.Path

		parts := strings.Fields(path)
		// If the route path contains a method prefix (e.g., "GET /ping"), extract the path part.
		if len(parts) == expectedURLParts && validHTTPMethods[parts[0]] {
			path = strings.TrimSpace(parts[1])
		}

		// Skip registering an empty path as a public
		if path == "" {
			s.logger.Warn("Malformed route path detected, ignoring route", slog.String("path", path))

			continue
		}

		// Always register (handles both "GET /ping" and "/" formats)
		middleware.RegisterPublicEndpoint(path)
	}
}

// handlePing responds to ping requests for basic server validation.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("X-Clinquery-Version", "v1.0.0") // TODO: inject version at build time
	w.WriteHeader(http.StatusOK)

	_, err := w.Write([]byte("pong"))
	if err != nil {
		s.logger.Error("Failed to write ping response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}

// handleReady responds to Kubernetes readiness probes with a document store
// health check.
//
// Response codes:
//   - 200 OK: The document store is healthy and ready to accept traffic
//   - 503 Service Unavailable: The document store is unhealthy or unreachable
//
// K8s readiness probes use this endpoint to determine if the pod should receive traffic.
// If this endpoint returns 503, K8s will stop routing requests to the pod until it recovers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	// If no engine connection is wired, return ready (degraded mode)
	if s.engine == nil || s.engine.Conn == nil {
		s.logger.Warn("Document store not configured - readiness check disabled",
			slog.String("correlation_id", correlationID),
		)

		s.writePlain(w, http.StatusOK, "ready", correlationID)

		return
	}

	// Create context with 2-second timeout for the storage health check
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.engine.Conn.HealthCheck(ctx); err != nil {
		s.logger.Error("Document store health check failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		s.writePlain(w, http.StatusServiceUnavailable, "storage unavailable", correlationID)

		return
	}

	s.writePlain(w, http.StatusOK, "ready", correlationID)
}

// handleHealth returns detailed health status information, including how many
// materialized views are currently stale when the batch layer is wired.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	// Calculate uptime if server has started
	var uptime string

	if !s.startTime.IsZero() {
		duration := time.Since(s.startTime)
		uptime = duration.Round(time.Second).String()
	}

	health := HealthStatus{
		Status:      "healthy",
		ServiceName: "clinquery",
		Version:     "v1.0.0", // TODO: inject version at build time
		Uptime:      uptime,
	}

	if s.engine != nil && s.engine.Matviews != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		if metas, err := s.engine.Matviews.ListViews(ctx); err == nil {
			for _, meta := range metas {
				if meta.IsStale {
					health.StaleMatviews++
				}
			}
		}
	}

	data, err := json.Marshal(health)
	if err != nil {
		s.logger.Error("Failed to encode health response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode health response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Clinquery-Version", "v1.0.0") // TODO: inject version at build time
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write health response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}

// handleNotFound returns RFC 7807 compliant 404 responses for unknown endpoints.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("The requested resource was not found"))
}

// writePlain writes a text/plain response, logging write failures.
func (s *Server) writePlain(w http.ResponseWriter, status int, body, correlationID string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)

	if _, err := w.Write([]byte(body)); err != nil {
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}

// hasJSONContentType checks if Content-Type header starts with "application/json".
// This allows charset parameters (e.g., "application/json; charset=utf-8").
func hasJSONContentType(contentType string) bool {
	return strings.HasPrefix(strings.TrimSpace(contentType), "application/json")
}
