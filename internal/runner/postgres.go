package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clinquery/clinquery/internal/storage"
	"github.com/clinquery/clinquery/internal/transpiler"
	"github.com/clinquery/clinquery/internal/views"
)

const slowQueryThreshold = 500 * time.Millisecond

// PostgresRunner executes generated queries against the document store. It is
// the compatibility path: any valid view definition runs here whether or not
// a materialized view exists. Successful results enter a TTL cache keyed by a
// fingerprint of the full request.
type PostgresRunner struct {
	conn       *storage.Connection
	transpiler *transpiler.Transpiler
	cache      *ResultCache
	stats      *Statistics
	logger     *slog.Logger

	mutex   sync.Mutex
	lastSQL string
}

// PostgresRunnerOption configures a PostgresRunner.
type PostgresRunnerOption func(*PostgresRunner)

// WithResultCache enables the TTL result cache.
func WithResultCache(ttl time.Duration) PostgresRunnerOption {
	return func(r *PostgresRunner) {
		r.cache = NewResultCache(ttl)
	}
}

// NewPostgresRunner creates a relational runner over the given connection.
func NewPostgresRunner(conn *storage.Connection, t *transpiler.Transpiler, logger *slog.Logger, opts ...PostgresRunnerOption) *PostgresRunner {
	r := &PostgresRunner{
		conn:       conn,
		transpiler: t,
		stats:      NewStatistics(),
		logger:     logger,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Execute builds the query plan for the view, consults the result cache, and
// runs the generated SQL. Cache hits return without touching the query
// counters; CacheCounters accounts for them.
func (r *PostgresRunner) Execute(ctx context.Context, def *views.ViewDefinition, filters map[string]any, limit int) (*Result, error) {
	plan, err := r.transpiler.BuildPlan(def, filters, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	var key string

	if r.cache != nil {
		key = cacheKey(def, filters, limit, plan.Predicates)
		if cached, ok := r.cache.Get(key); ok {
			r.logger.Debug("Result cache hit",
				slog.String("view", def.Name))

			return cached, nil
		}
	}

	query := plan.SQL()
	r.recordSQL(query)

	start := time.Now()

	rows, err := r.queryRows(ctx, query, plan)
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	r.stats.RecordQuery(SourceRelational, elapsed)

	if elapsed > slowQueryThreshold {
		r.logger.Warn("Slow generated query",
			slog.String("view", def.Name),
			slog.Duration("duration", elapsed),
			slog.Int("rows", len(rows)))
	} else {
		r.logger.Debug("Generated query executed",
			slog.String("view", def.Name),
			slog.Duration("duration", elapsed),
			slog.Int("rows", len(rows)))
	}

	result := &Result{
		ViewName:     def.Name,
		Kind:         plan.Kind,
		RowCount:     len(rows),
		Rows:         rows,
		Schema:       views.InferSchema(def),
		Source:       SourceRelational,
		GeneratedSQL: query,
	}

	if r.cache != nil {
		r.cache.Put(key, result)
	}

	return result, nil
}

// queryRows runs the generated SQL and scans every row into a column-name
// keyed map, preserving the plan's column order for the key set.
func (r *PostgresRunner) queryRows(ctx context.Context, query string, plan *transpiler.Plan) ([]map[string]any, error) {
	ctx, cancel := r.conn.WithQueryDeadline(ctx)
	defer cancel()

	dbRows, err := r.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, classifyQueryError(err)
	}

	defer func() {
		_ = dbRows.Close()
	}()

	results := make([]map[string]any, 0)
	values := make([]any, len(plan.Columns))
	scanTargets := make([]any, len(plan.Columns))

	for i := range values {
		scanTargets[i] = &values[i]
	}

	for dbRows.Next() {
		if err := dbRows.Scan(scanTargets...); err != nil {
			return nil, fmt.Errorf("failed to scan result row: %w", err)
		}

		row := make(map[string]any, len(plan.Columns))
		for i, col := range plan.Columns {
			row[col.Name] = normalizeValue(values[i])
		}

		results = append(results, row)
	}

	if err := dbRows.Err(); err != nil {
		return nil, classifyQueryError(err)
	}

	return results, nil
}

// ExecuteCount runs the distinct-cardinality emission of the plan.
func (r *PostgresRunner) ExecuteCount(ctx context.Context, def *views.ViewDefinition, filters map[string]any) (int64, error) {
	plan, err := r.transpiler.BuildPlan(def, filters, -1)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	query := plan.CountSQL()
	r.recordSQL(query)

	ctx, cancel := r.conn.WithQueryDeadline(ctx)
	defer cancel()

	start := time.Now()

	var count int64
	if err := r.conn.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, classifyQueryError(err)
	}

	r.stats.RecordQuery(SourceRelational, time.Since(start))

	return count, nil
}

// LastExecutedSQL returns the most recently emitted query.
func (r *PostgresRunner) LastExecutedSQL() string {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.lastSQL
}

func (r *PostgresRunner) recordSQL(query string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.lastSQL = query
}

// ClearCache drops all cached results and resets the hit/miss counters.
func (r *PostgresRunner) ClearCache() {
	if r.cache != nil {
		r.cache.Clear()
	}
}

// CacheCounters returns the result-cache hit and miss totals. Both are zero
// when the cache is disabled.
func (r *PostgresRunner) CacheCounters() (int64, int64) {
	if r.cache == nil {
		return 0, 0
	}

	return r.cache.Counters()
}

// Statistics returns a snapshot of this runner's counters.
func (r *PostgresRunner) Statistics() StatisticsSnapshot {
	return r.stats.Snapshot()
}

// normalizeValue converts driver byte slices to strings so rows serialize as
// text rather than base64.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}

	return v
}

// Compile-time interface checks.
var (
	_ Runner  = (*PostgresRunner)(nil)
	_ LastSQL = (*PostgresRunner)(nil)
)
