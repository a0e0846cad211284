package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/clinquery/clinquery/internal/api/middleware"
)

// handleCountView returns the distinct-document cardinality of a stored view
// under the caller's filters.
//
// POST /api/v1/views/{name}/count
//
// Counts are always served from the batch path; speed-layer entries are not
// mixed into cardinalities.
func (s *Server) handleCountView(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())
	name := r.PathValue("name")

	var req CountViewRequest
	if !s.decodeOptionalJSONBody(w, r, &req) {
		return
	}

	def, ok := s.loadDefinition(w, r, name)
	if !ok {
		return
	}

	started := time.Now()

	count, err := s.engine.Runner.ExecuteCount(r.Context(), def, req.SearchParams)
	if err != nil {
		s.writeQueryError(w, r, name, err)

		return
	}

	s.logger.Info("view counted",
		slog.String("view", name),
		slog.Int64("count", count),
		slog.Duration("elapsed", time.Since(started)),
		slog.String("correlation_id", correlationID),
	)

	s.writeJSON(w, r, http.StatusOK, &CountViewResponse{
		ViewName:      name,
		Count:         count,
		CorrelationID: correlationID,
	})
}
