// Package api provides HTTP API server implementation for the clinquery service.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/clinquery/clinquery/internal/api/middleware"
)

// ProblemDetail is an RFC 7807 problem document. Every error response the
// server produces goes through this shape.
type ProblemDetail struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail,omitempty"`
	Instance      string `json:"instance,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// NewProblemDetail builds a problem document for the given status. The type
// URI is derived from the status code.
func NewProblemDetail(status int, title, detail string) *ProblemDetail {
	return &ProblemDetail{
		Type:   "https://clinquery.io/problems/" + strconv.Itoa(status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
}

// BadRequest builds a 400 problem.
func BadRequest(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusBadRequest, "Bad Request", detail)
}

// NotFound builds a 404 problem.
func NotFound(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusNotFound, "Not Found", detail)
}

// InternalServerError builds a 500 problem.
func InternalServerError(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusInternalServerError, "Internal Server Error", detail)
}

// ServiceUnavailable builds a 503 problem.
func ServiceUnavailable(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusServiceUnavailable, "Service Unavailable", detail)
}

// WriteErrorResponse sends the problem document as application/problem+json.
// The request path and correlation ID fill in any fields the caller left
// blank.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, problem *ProblemDetail) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if problem.CorrelationID == "" {
		problem.CorrelationID = correlationID
	}

	if problem.Instance == "" {
		problem.Instance = r.URL.Path
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		logger.Error("Failed to encode error response",
			slog.String("correlation_id", correlationID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", problem.Status),
			slog.Any("encode_error", err),
		)
	}
}
