package api

import (
	"net/http"
	"time"

	"github.com/clinquery/clinquery/internal/runner"
)

// statisticsProvider is the capability interface for runners that track
// serving counters.
type statisticsProvider interface {
	Statistics() runner.StatisticsSnapshot
}

// handleStatistics reports serving-layer counters since process start.
//
// GET /api/v1/statistics
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	provider, ok := s.engine.Runner.(statisticsProvider)
	if !ok {
		WriteErrorResponse(w, r, s.logger, NotFound("The configured runner does not track statistics"))

		return
	}

	var uptime string
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	s.writeJSON(w, r, http.StatusOK, &StatisticsResponse{
		Statistics: provider.Statistics(),
		Uptime:     uptime,
	})
}
