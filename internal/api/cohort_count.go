package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/clinquery/clinquery/internal/api/middleware"
	"github.com/clinquery/clinquery/internal/cohort"
)

// handleCohortCount counts the distinct subjects matching a multi-view
// cohort request.
//
// POST /api/v1/cohort/count
func (s *Server) handleCohortCount(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	var req CohortCountRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}

	started := time.Now()

	count, generatedSQL, err := s.engine.Cohort.Count(r.Context(), &req.Request)
	if err != nil {
		s.writeCohortError(w, r, err)

		return
	}

	s.logger.Info("cohort counted",
		slog.Int("views", len(req.Views)),
		slog.Int64("count", count),
		slog.Duration("elapsed", time.Since(started)),
		slog.String("correlation_id", correlationID),
	)

	s.writeJSON(w, r, http.StatusOK, &CohortCountResponse{
		Count:         count,
		GeneratedSQL:  generatedSQL,
		CorrelationID: correlationID,
	})
}

// handleCohortBreakdown groups a cohort count by a demographic dimension,
// optionally aggregating a numeric column per group.
//
// POST /api/v1/cohort/breakdown
func (s *Server) handleCohortBreakdown(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	var req CohortCountRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}

	if req.Breakdown == nil || req.Breakdown.Dimension == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Breakdown request must specify a dimension"))

		return
	}

	started := time.Now()

	groups, generatedSQL, err := s.engine.Cohort.CountBreakdown(r.Context(), &req.Request, req.Breakdown)
	if err != nil {
		s.writeCohortError(w, r, err)

		return
	}

	aggregation := req.Breakdown.Aggregation
	if aggregation == "" {
		aggregation = "count"
	}

	s.logger.Info("cohort breakdown computed",
		slog.String("dimension", req.Breakdown.Dimension),
		slog.Int("groups", len(groups)),
		slog.Duration("elapsed", time.Since(started)),
		slog.String("correlation_id", correlationID),
	)

	s.writeJSON(w, r, http.StatusOK, &CohortBreakdownResponse{
		Dimension:     req.Breakdown.Dimension,
		Aggregation:   aggregation,
		Groups:        groups,
		GeneratedSQL:  generatedSQL,
		CorrelationID: correlationID,
	})
}

// writeCohortError maps planner errors onto HTTP problem responses.
func (s *Server) writeCohortError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, cohort.ErrNoViews),
		errors.Is(err, cohort.ErrUnknownDimension),
		errors.Is(err, cohort.ErrUnknownAggregation):
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))
	default:
		s.logger.Error("cohort query failed",
			slog.String("error", err.Error()),
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Cohort query failed"))
	}
}
