package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
	"gopkg.in/yaml.v3"

	"github.com/clinquery/clinquery/internal/storage"
	"github.com/clinquery/clinquery/internal/views"
)

// defaultParamColumns is the fixed search-parameter-to-column mapping of the
// materialized fast path. Filters never transpile here; keys missing from the
// mapping fall through to a column of the same name.
var defaultParamColumns = map[string]string{
	"_id":       "id",
	"gender":    "gender",
	"birthdate": "dob",
	"patient":   "patient_id",
	"subject":   "patient_id",
	"code":      "code",
	"status":    "status",
	"date":      "effective_date",
	"family":    "family_name",
	"city":      "city",
}

// paramColumnOverrides is the YAML shape of mapping overrides in
// .clinquery.yaml.
type paramColumnOverrides struct {
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	ParamColumns map[string]string `yaml:"param_columns"`
}

// LoadParamColumns returns the search-parameter mapping with any overrides
// from the YAML config file applied. A missing file keeps the defaults; a
// malformed file logs a warning and keeps the defaults.
func LoadParamColumns(path string, logger *slog.Logger) map[string]string {
	mapping := make(map[string]string, len(defaultParamColumns))
	for k, v := range defaultParamColumns {
		mapping[k] = v
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("Failed to read config file, keeping default column mapping",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}

		return mapping
	}

	var overrides paramColumnOverrides
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		logger.Warn("Invalid YAML in config file, keeping default column mapping",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return mapping
	}

	for param, column := range overrides.ParamColumns {
		mapping[strings.ToLower(param)] = column
	}

	return mapping
}

// MaterializedRunner queries pre-materialized tables in the analytics schema.
// It never transpiles: filters resolve through the fixed column mapping and
// render as parameterized predicates over the table's columns.
type MaterializedRunner struct {
	conn         *storage.Connection
	schema       string
	paramColumns map[string]string
	stats        *Statistics
	logger       *slog.Logger
}

// MaterializedRunnerOption configures a MaterializedRunner.
type MaterializedRunnerOption func(*MaterializedRunner)

// WithParamColumns replaces the search-parameter-to-column mapping.
func WithParamColumns(mapping map[string]string) MaterializedRunnerOption {
	return func(r *MaterializedRunner) {
		r.paramColumns = mapping
	}
}

// NewMaterializedRunner creates a fast-path runner over the given analytics
// schema.
func NewMaterializedRunner(conn *storage.Connection, schema string, logger *slog.Logger, opts ...MaterializedRunnerOption) *MaterializedRunner {
	r := &MaterializedRunner{
		conn:         conn,
		schema:       schema,
		paramColumns: defaultParamColumns,
		stats:        NewStatistics(),
		logger:       logger,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Execute queries the materialized view named after the view definition.
// Returns NotMaterializedError when the view does not exist so the serving
// layer can fall back.
func (r *MaterializedRunner) Execute(ctx context.Context, def *views.ViewDefinition, filters map[string]any, limit int) (*Result, error) {
	where, args, err := r.buildPredicates(filters)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT * FROM %s%s", r.tableRef(def.Name), where)

	if limit >= 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	start := time.Now()

	rows, err := r.queryRows(ctx, def.Name, query, args)
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	r.stats.RecordQuery(SourceMaterialized, elapsed)

	r.logger.Debug("Materialized query executed",
		slog.String("view", def.Name),
		slog.Duration("duration", elapsed),
		slog.Int("rows", len(rows)))

	return &Result{
		ViewName: def.Name,
		Kind:     def.ResourceKind(),
		RowCount: len(rows),
		Rows:     rows,
		Schema:   views.InferSchema(def),
		Source:   SourceMaterialized,
	}, nil
}

// ExecuteCount runs the COUNT(*) variant against the materialized view.
func (r *MaterializedRunner) ExecuteCount(ctx context.Context, def *views.ViewDefinition, filters map[string]any) (int64, error) {
	where, args, err := r.buildPredicates(filters)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", r.tableRef(def.Name), where)

	ctx, cancel := r.conn.WithQueryDeadline(ctx)
	defer cancel()

	start := time.Now()

	var count int64
	if err := r.conn.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		if isUndefinedTable(err) {
			return 0, &NotMaterializedError{View: def.Name}
		}

		return 0, classifyQueryError(err)
	}

	r.stats.RecordQuery(SourceMaterialized, time.Since(start))

	return count, nil
}

// queryRows executes the query and scans each row into a column-keyed map.
// Column names come from the result set because the table's shape is not
// known statically.
func (r *MaterializedRunner) queryRows(ctx context.Context, view, query string, args []any) ([]map[string]any, error) {
	ctx, cancel := r.conn.WithQueryDeadline(ctx)
	defer cancel()

	dbRows, err := r.conn.QueryContext(ctx, query, args...)
	if err != nil {
		if isUndefinedTable(err) {
			return nil, &NotMaterializedError{View: view}
		}

		return nil, classifyQueryError(err)
	}

	defer func() {
		_ = dbRows.Close()
	}()

	columns, err := dbRows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read result columns: %w", err)
	}

	results := make([]map[string]any, 0)
	values := make([]any, len(columns))
	scanTargets := make([]any, len(columns))

	for i := range values {
		scanTargets[i] = &values[i]
	}

	for dbRows.Next() {
		if err := dbRows.Scan(scanTargets...); err != nil {
			return nil, fmt.Errorf("failed to scan materialized row: %w", err)
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i])
		}

		results = append(results, row)
	}

	if err := dbRows.Err(); err != nil {
		return nil, classifyQueryError(err)
	}

	return results, nil
}

// buildPredicates renders the filter map into a parameterized WHERE clause.
// Strings match case-insensitive substrings, numbers and booleans match
// exactly, lists expand to ANY, and start/end maps become range predicates.
// Keys are processed in sorted order so emission is deterministic.
func (r *MaterializedRunner) buildPredicates(filters map[string]any) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}

	keys := sortedKeys(filters)

	var (
		preds []string
		args  []any
	)

	for _, key := range keys {
		column := r.columnFor(key)

		switch v := filters[key].(type) {
		case string:
			args = append(args, "%"+v+"%")
			preds = append(preds, fmt.Sprintf("%s::text ILIKE $%d", column, len(args)))
		case []string:
			args = append(args, pq.Array(v))
			preds = append(preds, fmt.Sprintf("%s = ANY($%d)", column, len(args)))
		case []any:
			strs, err := toStringSlice(v)
			if err != nil {
				return "", nil, fmt.Errorf("%w: filter %q", err, key)
			}

			args = append(args, pq.Array(strs))
			preds = append(preds, fmt.Sprintf("%s::text = ANY($%d)", column, len(args)))
		case map[string]any:
			if start, ok := v["start"]; ok {
				args = append(args, start)
				preds = append(preds, fmt.Sprintf("%s >= $%d", column, len(args)))
			}

			if end, ok := v["end"]; ok {
				args = append(args, end)
				preds = append(preds, fmt.Sprintf("%s <= $%d", column, len(args)))
			}
		case int, int64, float64, bool:
			args = append(args, v)
			preds = append(preds, fmt.Sprintf("%s = $%d", column, len(args)))
		default:
			return "", nil, fmt.Errorf("%w: filter %q", ErrInvalidInput, key)
		}
	}

	if len(preds) == 0 {
		return "", nil, nil
	}

	return " WHERE " + strings.Join(preds, " AND "), args, nil
}

// columnFor resolves a search parameter to a table column through the fixed
// mapping; unmapped keys use the key itself.
func (r *MaterializedRunner) columnFor(key string) string {
	if column, ok := r.paramColumns[strings.ToLower(key)]; ok {
		return pq.QuoteIdentifier(column)
	}

	r.logger.Debug("Unmapped search parameter, using key as column",
		slog.String("key", key))

	return pq.QuoteIdentifier(strings.ToLower(key))
}

func (r *MaterializedRunner) tableRef(view string) string {
	return pq.QuoteIdentifier(r.schema) + "." + pq.QuoteIdentifier(view)
}

// Statistics returns a snapshot of this runner's counters.
func (r *MaterializedRunner) Statistics() StatisticsSnapshot {
	return r.stats.Snapshot()
}

func toStringSlice(list []any) ([]string, error) {
	strs := make([]string, len(list))

	for i, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, ErrInvalidInput
		}

		strs[i] = s
	}

	return strs, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

var _ Runner = (*MaterializedRunner)(nil)
