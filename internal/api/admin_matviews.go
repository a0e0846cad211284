package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/clinquery/clinquery/internal/api/middleware"
	"github.com/clinquery/clinquery/internal/matview"
)

// handleListMatviews lists all materialized views in the analytics schema
// with their lifecycle metadata.
//
// GET /api/v1/admin/matviews
func (s *Server) handleListMatviews(w http.ResponseWriter, r *http.Request) {
	metas, err := s.engine.Matviews.ListViews(r.Context())
	if err != nil {
		s.logger.Error("failed to list materialized views",
			slog.String("error", err.Error()),
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to list materialized views"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, metas)
}

// handleMatviewStatus returns lifecycle metadata for one materialized view.
//
// GET /api/v1/admin/matviews/{name}
func (s *Server) handleMatviewStatus(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	meta, err := s.engine.Matviews.GetViewStatus(r.Context(), name)
	if err != nil {
		s.writeMatviewError(w, r, name, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, meta)
}

// handleRefreshMatview refreshes one materialized view synchronously.
//
// POST /api/v1/admin/matviews/{name}/refresh
func (s *Server) handleRefreshMatview(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())
	name := r.PathValue("name")

	started := time.Now()

	if err := s.engine.Matviews.RefreshView(r.Context(), name); err != nil {
		s.writeMatviewError(w, r, name, err)

		return
	}

	s.logger.Info("materialized view refreshed",
		slog.String("view", name),
		slog.Duration("elapsed", time.Since(started)),
		slog.String("correlation_id", correlationID),
	)

	s.writeJSON(w, r, http.StatusOK, &RefreshResponse{
		ViewName: name,
		Status:   matview.StatusActive,
	})
}

// handleRefreshAll refreshes every materialized view and reports the sweep.
//
// POST /api/v1/admin/matviews/refresh-all
func (s *Server) handleRefreshAll(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.Matviews.RefreshAll(r.Context())
	if err != nil {
		s.logger.Error("refresh-all sweep failed",
			slog.String("error", err.Error()),
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Refresh sweep failed"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, summary)
}

// handleRefreshStale refreshes only the views past the staleness threshold.
//
// POST /api/v1/admin/matviews/refresh-stale
func (s *Server) handleRefreshStale(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.Matviews.CheckAndRefreshStale(r.Context())
	if err != nil {
		s.logger.Error("refresh-stale sweep failed",
			slog.String("error", err.Error()),
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Refresh sweep failed"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, summary)
}

// handleCreateMatview materializes a stored view definition in the analytics
// schema, replacing any previous materialization of the same name.
//
// POST /api/v1/admin/matviews/{name}/create
func (s *Server) handleCreateMatview(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())
	name := r.PathValue("name")

	def, ok := s.loadDefinition(w, r, name)
	if !ok {
		return
	}

	started := time.Now()

	if err := s.engine.Matviews.CreateView(r.Context(), def); err != nil {
		s.logger.Error("materialized view creation failed",
			slog.String("view", name),
			slog.String("error", err.Error()),
			slog.String("correlation_id", correlationID),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Materialized view creation failed"))

		return
	}

	// The view now exists; drop any cached not-materialized verdicts.
	s.clearRunnerViewCache()

	s.logger.Info("materialized view created",
		slog.String("view", name),
		slog.Duration("elapsed", time.Since(started)),
		slog.String("correlation_id", correlationID),
	)

	s.writeJSON(w, r, http.StatusCreated, &RefreshResponse{
		ViewName: name,
		Status:   matview.StatusActive,
	})
}

// writeMatviewError maps batch-layer errors onto HTTP problem responses.
func (s *Server) writeMatviewError(w http.ResponseWriter, r *http.Request, name string, err error) {
	switch {
	case errors.Is(err, matview.ErrMatviewNotFound):
		WriteErrorResponse(w, r, s.logger, NotFound("Materialized view not found: "+name))
	case errors.Is(err, matview.ErrRefreshInProgress):
		WriteErrorResponse(w, r, s.logger, NewProblemDetail(
			http.StatusConflict,
			"Refresh In Progress",
			"View "+name+" is already refreshing",
		))
	default:
		s.logger.Error("materialized view operation failed",
			slog.String("view", name),
			slog.String("error", err.Error()),
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Materialized view operation failed"))
	}
}
