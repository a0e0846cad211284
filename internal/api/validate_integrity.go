package api

import (
	"log/slog"
	"net/http"

	"github.com/clinquery/clinquery/internal/api/middleware"
)

// handleValidateIntegrity runs the analytics-schema integrity suite and
// returns the full report. A failing check does not change the HTTP status;
// callers inspect overall_passed.
//
// POST /api/v1/admin/validate
func (s *Server) handleValidateIntegrity(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	report, err := s.engine.Validator.Validate(r.Context())
	if err != nil {
		s.logger.Error("integrity validation failed to run",
			slog.String("error", err.Error()),
			slog.String("correlation_id", correlationID),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Integrity validation failed to run"))

		return
	}

	s.logger.Info("integrity validation completed",
		slog.Bool("passed", report.OverallPassed),
		slog.Int("checks", len(report.Results)),
		slog.String("correlation_id", correlationID),
	)

	s.writeJSON(w, r, http.StatusOK, report)
}
