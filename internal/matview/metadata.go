// Package matview manages the batch layer: creation and refresh of
// materialized views in the analytics schema, their lifecycle metadata and
// staleness tracking, and the integrity validator that guards the
// subject-reference invariants the join planner depends on.
package matview

import (
	"time"
)

// View lifecycle statuses.
const (
	StatusActive     = "active"
	StatusRefreshing = "refreshing"
	StatusFailed     = "failed"
	StatusUnknown    = "unknown"
)

// DefaultStalenessThreshold is the age past which a view is considered stale
// and eligible for auto refresh.
const DefaultStalenessThreshold = 24 * time.Hour

// ViewMetadata is the lifecycle record of one materialized view.
type ViewMetadata struct {
	ViewName           string     `json:"view_name"`
	Status             string     `json:"status"`
	LastRefreshedAt    *time.Time `json:"last_refreshed_at"`
	StalenessHours     float64    `json:"staleness_hours"`
	RefreshDurationMS  int64      `json:"refresh_duration_ms"`
	RowCount           int64      `json:"row_count"`
	SizeBytes          int64      `json:"size_bytes"`
	IsStale            bool       `json:"is_stale"`
	AutoRefreshEnabled bool       `json:"auto_refresh_enabled"`
	RefreshIntervalHrs int        `json:"refresh_interval_hours"`
	ErrorMessage       string     `json:"error_message,omitempty"`
}

// computeStaleness fills StalenessHours and IsStale from the refresh
// timestamp. A never-refreshed view is stale by definition.
func (m *ViewMetadata) computeStaleness(now time.Time, threshold time.Duration) {
	if m.LastRefreshedAt == nil {
		m.StalenessHours = 0
		m.IsStale = true

		return
	}

	age := now.Sub(*m.LastRefreshedAt)
	m.StalenessHours = age.Hours()
	m.IsStale = age >= threshold
}

// RefreshSummary reports one refresh-all or refresh-stale sweep.
type RefreshSummary struct {
	Total     int      `json:"total"`
	Refreshed int      `json:"refreshed"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}
