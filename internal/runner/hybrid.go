package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/clinquery/clinquery/internal/views"
)

// ViewExistenceChecker probes whether a materialized view exists in the
// analytics schema.
//
// Implemented by: matview.Service.
type ViewExistenceChecker interface {
	Exists(ctx context.Context, name string) (bool, error)
}

// HybridRunner is the serving layer. Per request it routes to the
// materialized fast path when the target view exists, falls back to the
// relational path on any materialized failure, and optionally consults the
// recent-writes layer in parallel. The batch result is authoritative; the
// speed result is surfaced through statistics and logs.
type HybridRunner struct {
	materialized *MaterializedRunner
	relational   *PostgresRunner
	speed        *SpeedRunner
	checker      ViewExistenceChecker
	speedEnabled bool
	stats        *Statistics
	logger       *slog.Logger

	mutex     sync.Mutex
	existence map[string]bool
}

// HybridRunnerOption configures a HybridRunner.
type HybridRunnerOption func(*HybridRunner)

// WithSpeedLayer enables parallel recent-writes queries through the given
// runner.
func WithSpeedLayer(speed *SpeedRunner) HybridRunnerOption {
	return func(r *HybridRunner) {
		r.speed = speed
		r.speedEnabled = speed != nil
	}
}

// NewHybridRunner creates the serving layer over the two batch runners.
func NewHybridRunner(
	materialized *MaterializedRunner,
	relational *PostgresRunner,
	checker ViewExistenceChecker,
	logger *slog.Logger,
	opts ...HybridRunnerOption,
) *HybridRunner {
	r := &HybridRunner{
		materialized: materialized,
		relational:   relational,
		checker:      checker,
		stats:        NewStatistics(),
		logger:       logger,
		existence:    make(map[string]bool),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Execute routes the request per the serving contract and returns the batch
// result.
func (r *HybridRunner) Execute(ctx context.Context, def *views.ViewDefinition, filters map[string]any, limit int) (*Result, error) {
	var (
		speedResult *SpeedResult
		wg          sync.WaitGroup
	)

	if r.speedEnabled {
		wg.Add(1)

		go func() {
			defer wg.Done()

			// Recent-writes failures never fail the request.
			sr, err := r.speed.Query(ctx, def, filters, limit, time.Time{})
			if err != nil {
				r.logger.Warn("Recent-writes query failed, serving batch only",
					slog.String("view", def.Name),
					slog.String("error", err.Error()))

				return
			}

			speedResult = sr
		}()
	}

	start := time.Now()

	result, err := r.executeBatch(ctx, def, filters, limit)

	if r.speedEnabled {
		wg.Wait()
	}

	if err != nil {
		return nil, err
	}

	r.stats.RecordQuery(result.Source, time.Since(start))

	if speedResult != nil {
		r.stats.RecordQuery(SourceSpeedLayer, 0)

		r.logger.Info("Merged batch and recent-writes results",
			slog.String("view", def.Name),
			slog.Int("batch_rows", result.RowCount),
			slog.Int("speed_matches", speedResult.TotalCount))
	}

	return result, nil
}

// executeBatch picks the batch path. Any failure of the materialized path
// falls back to the relational runner and counts as a fallback.
func (r *HybridRunner) executeBatch(ctx context.Context, def *views.ViewDefinition, filters map[string]any, limit int) (*Result, error) {
	if !r.viewExists(ctx, def.Name) {
		return r.relational.Execute(ctx, def, filters, limit)
	}

	result, err := r.materialized.Execute(ctx, def, filters, limit)
	if err == nil {
		return result, nil
	}

	if IsNotMaterialized(err) {
		r.invalidate(def.Name)
	}

	r.logger.Warn("Materialized path failed, falling back to generated query",
		slog.String("view", def.Name),
		slog.String("error", err.Error()))

	r.stats.RecordFallback()

	return r.relational.Execute(ctx, def, filters, limit)
}

// ExecuteCount routes the count per the same contract. Counts never consult
// the recent-writes layer.
func (r *HybridRunner) ExecuteCount(ctx context.Context, def *views.ViewDefinition, filters map[string]any) (int64, error) {
	start := time.Now()

	if r.viewExists(ctx, def.Name) {
		count, err := r.materialized.ExecuteCount(ctx, def, filters)
		if err == nil {
			r.stats.RecordQuery(SourceMaterialized, time.Since(start))

			return count, nil
		}

		if IsNotMaterialized(err) {
			r.invalidate(def.Name)
		}

		r.logger.Warn("Materialized count failed, falling back to generated query",
			slog.String("view", def.Name),
			slog.String("error", err.Error()))

		r.stats.RecordFallback()
	}

	count, err := r.relational.ExecuteCount(ctx, def, filters)
	if err != nil {
		return 0, err
	}

	r.stats.RecordQuery(SourceRelational, time.Since(start))

	return count, nil
}

// GetSchema infers the column schema of the view. Pure function of the
// definition.
func (r *HybridRunner) GetSchema(def *views.ViewDefinition) map[string]string {
	return views.InferSchema(def)
}

// LastExecutedSQL returns the relational runner's last emitted query.
func (r *HybridRunner) LastExecutedSQL() string {
	return r.relational.LastExecutedSQL()
}

// Statistics returns a snapshot of the serving-layer counters.
func (r *HybridRunner) Statistics() StatisticsSnapshot {
	return r.stats.Snapshot()
}

// ClearViewCache drops the existence cache. Call after materialized views
// are created, dropped, or renamed; the next probe of any view re-reads the
// catalog.
func (r *HybridRunner) ClearViewCache() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.existence = make(map[string]bool)
}

// viewExists answers from the lazily populated existence cache. Probe
// failures are treated as not-materialized so the relational path serves the
// request.
func (r *HybridRunner) viewExists(ctx context.Context, name string) bool {
	r.mutex.Lock()
	exists, cached := r.existence[name]
	r.mutex.Unlock()

	if cached {
		return exists
	}

	exists, err := r.checker.Exists(ctx, name)
	if err != nil {
		r.logger.Warn("Materialized-view existence probe failed",
			slog.String("view", name),
			slog.String("error", err.Error()))

		return false
	}

	r.mutex.Lock()
	r.existence[name] = exists
	r.mutex.Unlock()

	return exists
}

func (r *HybridRunner) invalidate(name string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	delete(r.existence, name)
}

// Compile-time interface checks.
var (
	_ Runner  = (*HybridRunner)(nil)
	_ LastSQL = (*HybridRunner)(nil)
)
