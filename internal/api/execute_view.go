package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/clinquery/clinquery/internal/api/middleware"
	"github.com/clinquery/clinquery/internal/runner"
	"github.com/clinquery/clinquery/internal/views"
)

// handleExecuteView executes a stored view definition against the serving
// layers and returns the projected rows.
//
// POST /api/v1/views/{name}/execute
//
// The body is optional; an empty body executes the view with no caller
// filters and the default row cap.
func (s *Server) handleExecuteView(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())
	name := r.PathValue("name")

	var req ExecuteViewRequest
	if !s.decodeOptionalJSONBody(w, r, &req) {
		return
	}

	def, ok := s.loadDefinition(w, r, name)
	if !ok {
		return
	}

	started := time.Now()

	result, err := s.engine.Runner.Execute(r.Context(), def, req.SearchParams, s.engine.executeLimit(req.Limit))
	if err != nil {
		s.writeQueryError(w, r, name, err)

		return
	}

	s.logger.Info("view executed",
		slog.String("view", name),
		slog.String("source", result.Source),
		slog.Int("rows", result.RowCount),
		slog.Duration("elapsed", time.Since(started)),
		slog.String("correlation_id", correlationID),
	)

	s.writeJSON(w, r, http.StatusOK, &ExecuteViewResponse{
		Result:        result,
		CorrelationID: correlationID,
	})
}

// loadDefinition resolves a stored view definition, writing a 404 problem
// response when it does not exist.
func (s *Server) loadDefinition(w http.ResponseWriter, r *http.Request, name string) (*views.ViewDefinition, bool) {
	def, err := s.engine.Views.Load(name)
	if err != nil {
		if errors.Is(err, views.ErrViewDefinitionNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("View definition not found: "+name))

			return nil, false
		}

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to load view definition"))

		return nil, false
	}

	return def, true
}

// writeQueryError maps the runner error taxonomy onto HTTP problem responses.
func (s *Server) writeQueryError(w http.ResponseWriter, r *http.Request, name string, err error) {
	var notMaterialized *runner.NotMaterializedError

	switch {
	case errors.Is(err, runner.ErrInvalidInput):
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))
	case errors.Is(err, runner.ErrViewNotFound):
		WriteErrorResponse(w, r, s.logger, NotFound("View not found: "+name))
	case errors.As(err, &notMaterialized):
		WriteErrorResponse(w, r, s.logger, NewProblemDetail(
			http.StatusConflict,
			"View Not Materialized",
			"View "+notMaterialized.View+" has no materialized backing; create it or use the relational mode",
		))
	case errors.Is(err, runner.ErrTransient):
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Query backend temporarily unavailable"))
	default:
		s.logger.Error("view execution failed",
			slog.String("view", name),
			slog.String("error", err.Error()),
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("View execution failed"))
	}
}

// decodeJSONBody decodes a required JSON request body, enforcing the
// configured request size cap and the JSON content type.
func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, NewProblemDetail(
			http.StatusUnsupportedMediaType,
			"Unsupported Media Type",
			"Content-Type must be application/json",
		))

		return false
	}

	body := http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("Malformed JSON body: "+err.Error()))

		return false
	}

	return true
}

// decodeOptionalJSONBody behaves like decodeJSONBody but treats an absent or
// empty body as an empty request.
func (s *Server) decodeOptionalJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)

	err := json.NewDecoder(body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}

	WriteErrorResponse(w, r, s.logger, BadRequest("Malformed JSON body: "+err.Error()))

	return false
}

// writeJSON marshals and writes a JSON response, logging write failures.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	correlationID := middleware.GetCorrelationID(r.Context())

	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("Failed to encode response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}
