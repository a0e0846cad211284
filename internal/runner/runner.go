package runner

import (
	"context"
	"sync"
	"time"

	"github.com/clinquery/clinquery/internal/views"
)

type (
	// Result is one view execution outcome: the projected rows, the
	// inferred column schema, and the layer that served it.
	Result struct {
		ViewName     string            `json:"view_name"`
		Kind         string            `json:"kind"`
		RowCount     int               `json:"row_count"`
		Rows         []map[string]any  `json:"rows"`
		Schema       map[string]string `json:"schema"`
		Source       string            `json:"source"`
		GeneratedSQL string            `json:"generated_sql,omitempty"`
	}

	// Runner executes view definitions. Implemented by MaterializedRunner,
	// PostgresRunner, SpeedRunner, and HybridRunner.
	Runner interface {
		// Execute runs the view with the given caller filters and row cap.
		// A negative limit means no cap; zero returns an empty row list.
		Execute(ctx context.Context, def *views.ViewDefinition, filters map[string]any, limit int) (*Result, error)

		// ExecuteCount returns the distinct-document cardinality of the view
		// under the given filters.
		ExecuteCount(ctx context.Context, def *views.ViewDefinition, filters map[string]any) (int64, error)
	}

	// LastSQL is the capability interface for runners that record the last
	// emitted query for inspection.
	LastSQL interface {
		LastExecutedSQL() string
	}
)

// Layer labels used in Result.Source and statistics.
const (
	SourceMaterialized = "materialized"
	SourceRelational   = "postgres"
	SourceSpeedLayer   = "speed_layer"
)

// Statistics holds monotonic per-runner counters. Counters track database
// executions; results served from a runner's result cache show up in its
// cache counters instead. Counters reset only when the runner is destroyed.
type Statistics struct {
	mutex              sync.Mutex
	totalQueries       int64
	materializedCount  int64
	relationalCount    int64
	speedCount         int64
	fallbackCount      int64
	totalExecutionTime time.Duration
}

// StatisticsSnapshot is a point-in-time copy of the counters.
type StatisticsSnapshot struct {
	TotalQueries        int64         `json:"total_queries"`
	MaterializedQueries int64         `json:"materialized_queries"`
	RelationalQueries   int64         `json:"relational_queries"`
	SpeedQueries        int64         `json:"speed_queries"`
	Fallbacks           int64         `json:"fallbacks"`
	TotalExecutionTime  time.Duration `json:"total_execution_time_ns"`
}

// NewStatistics creates a zeroed counter set.
func NewStatistics() *Statistics {
	return &Statistics{}
}

// RecordQuery counts one completed query against the given layer.
func (s *Statistics) RecordQuery(source string, elapsed time.Duration) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.totalQueries++
	s.totalExecutionTime += elapsed

	switch source {
	case SourceMaterialized:
		s.materializedCount++
	case SourceRelational:
		s.relationalCount++
	case SourceSpeedLayer:
		s.speedCount++
	}
}

// RecordFallback counts one materialized-to-relational fallback.
func (s *Statistics) RecordFallback() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.fallbackCount++
}

// Snapshot returns a copy of the counters.
func (s *Statistics) Snapshot() StatisticsSnapshot {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return StatisticsSnapshot{
		TotalQueries:        s.totalQueries,
		MaterializedQueries: s.materializedCount,
		RelationalQueries:   s.relationalCount,
		SpeedQueries:        s.speedCount,
		Fallbacks:           s.fallbackCount,
		TotalExecutionTime:  s.totalExecutionTime,
	}
}
