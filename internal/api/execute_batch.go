package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/clinquery/clinquery/internal/api/middleware"
	"github.com/clinquery/clinquery/internal/runner"
	"github.com/clinquery/clinquery/internal/views"
)

// handleExecuteBatch executes several stored views with a shared filter set.
// Views run sequentially and independently: a failing view lands in the
// errors map while the rest of the batch completes.
//
// POST /api/v1/views/execute-batch
func (s *Server) handleExecuteBatch(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	var req BatchExecuteRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}

	if len(req.Views) == 0 {
		WriteErrorResponse(w, r, s.logger, BadRequest("Batch request must name at least one view"))

		return
	}

	limit := s.engine.executeLimit(req.Limit)
	started := time.Now()

	resp := &BatchExecuteResponse{
		Results:       make(map[string]*runner.Result, len(req.Views)),
		Errors:        make(map[string]string),
		CorrelationID: correlationID,
	}

	for _, name := range req.Views {
		def, err := s.engine.Views.Load(name)
		if err != nil {
			if errors.Is(err, views.ErrViewDefinitionNotFound) {
				resp.Errors[name] = "view definition not found"
			} else {
				resp.Errors[name] = "failed to load view definition"
			}

			continue
		}

		result, err := s.engine.Runner.Execute(r.Context(), def, req.SearchParams, limit)
		if err != nil {
			resp.Errors[name] = err.Error()

			continue
		}

		resp.Results[name] = result
	}

	if len(resp.Errors) == 0 {
		resp.Errors = nil
	}

	s.logger.Info("batch executed",
		slog.Int("views", len(req.Views)),
		slog.Int("succeeded", len(resp.Results)),
		slog.Duration("elapsed", time.Since(started)),
		slog.String("correlation_id", correlationID),
	)

	s.writeJSON(w, r, http.StatusOK, resp)
}
