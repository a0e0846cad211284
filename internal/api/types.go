// Package api provides the HTTP API server implementation for the clinquery service.
package api

import (
	"github.com/clinquery/clinquery/internal/cohort"
	"github.com/clinquery/clinquery/internal/runner"
	"github.com/clinquery/clinquery/internal/views"
)

type (
	// ExecuteViewRequest is the body for POST /api/v1/views/{name}/execute.
	// SearchParams are caller filters applied on top of the view definition.
	// A nil Limit applies the server default; a negative Limit removes the cap.
	ExecuteViewRequest struct {
		SearchParams map[string]any `json:"search_params,omitempty"`
		Limit        *int           `json:"limit,omitempty"`
	}

	// ExecuteViewResponse wraps a runner result with the request correlation ID.
	ExecuteViewResponse struct {
		*runner.Result

		CorrelationID string `json:"correlation_id"`
	}

	// CountViewRequest is the body for POST /api/v1/views/{name}/count.
	CountViewRequest struct {
		SearchParams map[string]any `json:"search_params,omitempty"`
	}

	// CountViewResponse reports the distinct-document cardinality of a view.
	CountViewResponse struct {
		ViewName      string `json:"view_name"`
		Count         int64  `json:"count"`
		CorrelationID string `json:"correlation_id"`
	}

	// ViewSchemaResponse reports the inferred column schema of a view.
	ViewSchemaResponse struct {
		ViewName string            `json:"view_name"`
		Kind     string            `json:"kind"`
		Schema   map[string]string `json:"schema"`
	}

	// BatchExecuteRequest is the body for POST /api/v1/views/execute-batch.
	// Each named view is executed independently; one failure does not abort
	// the batch.
	BatchExecuteRequest struct {
		Views        []string       `json:"views"`
		SearchParams map[string]any `json:"search_params,omitempty"`
		Limit        *int           `json:"limit,omitempty"`
	}

	// BatchExecuteResponse aggregates per-view outcomes of a batch request.
	BatchExecuteResponse struct {
		Results       map[string]*runner.Result `json:"results"`
		Errors        map[string]string         `json:"errors,omitempty"`
		CorrelationID string                    `json:"correlation_id"`
	}

	// ViewListResponse lists the stored view definitions.
	ViewListResponse struct {
		Views []*views.ViewDefinition `json:"views"`
		Total int                     `json:"total"`
	}

	// CohortCountRequest is the body for POST /api/v1/cohort/count and
	// /api/v1/cohort/breakdown. Breakdown is required only by the latter.
	CohortCountRequest struct {
		cohort.Request

		Breakdown *cohort.Breakdown `json:"breakdown,omitempty"`
	}

	// CohortCountResponse reports a distinct-subject cohort count together
	// with the join SQL that produced it.
	CohortCountResponse struct {
		Count         int64  `json:"count"`
		GeneratedSQL  string `json:"generated_sql"`
		CorrelationID string `json:"correlation_id"`
	}

	// CohortBreakdownResponse reports grouped aggregation rows.
	CohortBreakdownResponse struct {
		Dimension     string           `json:"dimension"`
		Aggregation   string           `json:"aggregation"`
		Groups        []map[string]any `json:"groups"`
		GeneratedSQL  string           `json:"generated_sql"`
		CorrelationID string           `json:"correlation_id"`
	}

	// StatisticsResponse reports serving-layer counters since process start.
	StatisticsResponse struct {
		Statistics runner.StatisticsSnapshot `json:"statistics"`
		Uptime     string                    `json:"uptime"`
	}

	// RefreshResponse reports the outcome of a single-view refresh request.
	RefreshResponse struct {
		ViewName string `json:"view_name"`
		Status   string `json:"status"`
	}
)
