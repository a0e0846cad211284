package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/clinquery/clinquery/internal/api/middleware"
	"github.com/clinquery/clinquery/internal/views"
)

// viewCacheClearer is the capability interface for runners that cache
// per-view serving state.
type viewCacheClearer interface {
	ClearViewCache()
}

// handleListViews lists all stored view definitions.
//
// GET /api/v1/views
func (s *Server) handleListViews(w http.ResponseWriter, r *http.Request) {
	defs, err := s.engine.Views.LoadAll()
	if err != nil {
		s.logger.Error("failed to list view definitions",
			slog.String("error", err.Error()),
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to list view definitions"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, &ViewListResponse{
		Views: defs,
		Total: len(defs),
	})
}

// handleGetView returns a single stored view definition.
//
// GET /api/v1/views/{name}
func (s *Server) handleGetView(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	def, ok := s.loadDefinition(w, r, name)
	if !ok {
		return
	}

	s.writeJSON(w, r, http.StatusOK, def)
}

// handleSaveView validates and stores a view definition under its own name.
// Saving over an existing name replaces the definition.
//
// POST /api/v1/views
func (s *Server) handleSaveView(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	var def views.ViewDefinition
	if !s.decodeJSONBody(w, r, &def) {
		return
	}

	if err := def.Validate(); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("Invalid view definition: "+err.Error()))

		return
	}

	if err := s.engine.Views.Save(&def, def.Name); err != nil {
		s.logger.Error("failed to save view definition",
			slog.String("view", def.Name),
			slog.String("error", err.Error()),
			slog.String("correlation_id", correlationID),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to save view definition"))

		return
	}

	s.clearRunnerViewCache()

	s.logger.Info("view definition saved",
		slog.String("view", def.Name),
		slog.String("correlation_id", correlationID),
	)

	s.writeJSON(w, r, http.StatusCreated, &def)
}

// handleDeleteView removes a stored view definition. The backing
// materialized view, if any, is left in place for explicit admin cleanup.
//
// DELETE /api/v1/views/{name}
func (s *Server) handleDeleteView(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())
	name := r.PathValue("name")

	if err := s.engine.Views.Delete(name); err != nil {
		if errors.Is(err, views.ErrViewDefinitionNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("View definition not found: "+name))

			return
		}

		s.logger.Error("failed to delete view definition",
			slog.String("view", name),
			slog.String("error", err.Error()),
			slog.String("correlation_id", correlationID),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to delete view definition"))

		return
	}

	s.clearRunnerViewCache()

	s.logger.Info("view definition deleted",
		slog.String("view", name),
		slog.String("correlation_id", correlationID),
	)

	w.WriteHeader(http.StatusNoContent)
}

// clearRunnerViewCache drops per-view serving caches after definition
// changes, when the wired runner maintains any.
func (s *Server) clearRunnerViewCache() {
	if clearer, ok := s.engine.Runner.(viewCacheClearer); ok {
		clearer.ClearViewCache()
	}
}
