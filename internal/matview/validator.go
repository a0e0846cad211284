package matview

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/clinquery/clinquery/internal/storage"
)

const (
	// DefaultJoinLatencyThreshold bounds the demographics join probe.
	DefaultJoinLatencyThreshold = 100 * time.Millisecond

	// DefaultPrimaryView is the demographics view child subjects must
	// resolve against.
	DefaultPrimaryView = "patient_demographics"

	sampleErrorCap = 5
)

type (
	// CheckResult is the outcome of one integrity check against one view.
	CheckResult struct {
		Check        string   `json:"check"`
		View         string   `json:"view"`
		Passed       bool     `json:"passed"`
		Total        int64    `json:"total"`
		Valid        int64    `json:"valid"`
		Invalid      int64    `json:"invalid"`
		SampleErrors []string `json:"sample_errors,omitempty"`
		Warnings     []string `json:"warnings,omitempty"`
		ElapsedMS    int64    `json:"elapsed_ms"`
	}

	// Report is one full validator run.
	Report struct {
		Timestamp     time.Time     `json:"timestamp"`
		OverallPassed bool          `json:"overall_passed"`
		Results       []CheckResult `json:"results"`
	}
)

// Validator runs the fixed integrity suite over the analytics schema: subject
// references resolve, dual columns agree, references are well formed, joins
// stay fast, cardinality holds, and subject indexes exist.
type Validator struct {
	conn             *storage.Connection
	schema           string
	primaryView      string
	latencyThreshold time.Duration
	logger           *slog.Logger
}

// NewValidator creates a validator for the given analytics schema.
func NewValidator(conn *storage.Connection, schema string, logger *slog.Logger) *Validator {
	return &Validator{
		conn:             conn,
		schema:           schema,
		primaryView:      DefaultPrimaryView,
		latencyThreshold: DefaultJoinLatencyThreshold,
		logger:           logger,
	}
}

// Validate runs the full suite against every child view carrying a subject
// reference column.
func (v *Validator) Validate(ctx context.Context) (*Report, error) {
	children, err := v.childViews(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Timestamp:     time.Now().UTC(),
		OverallPassed: true,
	}

	for _, child := range children {
		results := []CheckResult{
			v.checkOrphans(ctx, child),
			v.checkDualColumns(ctx, child),
			v.checkReferenceFormat(ctx, child),
			v.checkJoinLatency(ctx, child),
			v.checkCardinality(ctx, child),
		}

		report.Results = append(report.Results, results...)
	}

	report.Results = append(report.Results, v.checkIndexes(ctx, children))

	for _, result := range report.Results {
		if !result.Passed {
			report.OverallPassed = false

			break
		}
	}

	v.logger.Info("Integrity validation completed",
		slog.Bool("passed", report.OverallPassed),
		slog.Int("checks", len(report.Results)))

	return report, nil
}

// childViews lists materialized views in the schema that carry a subject
// reference column, excluding the primary demographics view.
func (v *Validator) childViews(ctx context.Context) ([]string, error) {
	query := `
		SELECT c.relname
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN pg_attribute a ON a.attrelid = c.oid
		WHERE n.nspname = $1
		  AND c.relkind = 'm'
		  AND a.attname = $2
		  AND NOT a.attisdropped
		  AND c.relname <> $3
		ORDER BY c.relname`

	ctx, cancel := v.conn.WithQueryDeadline(ctx)
	defer cancel()

	rows, err := v.conn.QueryContext(ctx, query, v.schema, subjectRefColumn, v.primaryView)
	if err != nil {
		return nil, fmt.Errorf("failed to list child views: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var children []string

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan child view name: %w", err)
		}

		children = append(children, name)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate child views: %w", err)
	}

	return children, nil
}

// checkOrphans verifies every non-null subject id joins to the primary
// demographics view.
func (v *Validator) checkOrphans(ctx context.Context, child string) CheckResult {
	result := CheckResult{Check: "subject_references_resolve", View: child}
	start := time.Now()

	query := fmt.Sprintf(`
		SELECT
			COUNT(*) FILTER (WHERE c.%[1]s IS NOT NULL),
			COUNT(*) FILTER (WHERE c.%[1]s IS NOT NULL AND p.%[1]s IS NULL)
		FROM %[2]s c
		LEFT JOIN %[3]s p ON p.%[1]s = c.%[1]s`,
		subjectIDColumn, v.tableRef(child), v.tableRef(v.primaryView))

	var total, orphans int64

	if err := v.scanRow(ctx, query, &total, &orphans); err != nil {
		return failedCheck(result, start, err)
	}

	result.Total = total
	result.Invalid = orphans
	result.Valid = total - orphans
	result.Passed = orphans == 0
	result.ElapsedMS = time.Since(start).Milliseconds()

	if orphans > 0 {
		result.SampleErrors = v.sampleValues(ctx, fmt.Sprintf(`
			SELECT DISTINCT c.%[1]s
			FROM %[2]s c
			LEFT JOIN %[3]s p ON p.%[1]s = c.%[1]s
			WHERE c.%[1]s IS NOT NULL AND p.%[1]s IS NULL
			LIMIT %[4]d`,
			subjectIDColumn, v.tableRef(child), v.tableRef(v.primaryView), sampleErrorCap))
	}

	return result
}

// checkDualColumns verifies the extracted id equals the suffix of the
// reference for every row.
func (v *Validator) checkDualColumns(ctx context.Context, child string) CheckResult {
	result := CheckResult{Check: "dual_column_consistency", View: child}
	start := time.Now()

	query := fmt.Sprintf(`
		SELECT
			COUNT(*) FILTER (WHERE %[1]s IS NOT NULL),
			COUNT(*) FILTER (WHERE %[1]s IS NOT NULL
				AND %[2]s IS DISTINCT FROM split_part(%[1]s, '/', 2))
		FROM %[3]s`,
		subjectRefColumn, subjectIDColumn, v.tableRef(child))

	var total, mismatched int64

	if err := v.scanRow(ctx, query, &total, &mismatched); err != nil {
		return failedCheck(result, start, err)
	}

	result.Total = total
	result.Invalid = mismatched
	result.Valid = total - mismatched
	result.Passed = mismatched == 0
	result.ElapsedMS = time.Since(start).Milliseconds()

	if mismatched > 0 {
		result.SampleErrors = v.sampleValues(ctx, fmt.Sprintf(`
			SELECT %[1]s || ' != ' || COALESCE(%[2]s, '<null>')
			FROM %[3]s
			WHERE %[1]s IS NOT NULL
			  AND %[2]s IS DISTINCT FROM split_part(%[1]s, '/', 2)
			LIMIT %[4]d`,
			subjectRefColumn, subjectIDColumn, v.tableRef(child), sampleErrorCap))
	}

	return result
}

// checkReferenceFormat verifies every reference matches <Kind>/<id>.
func (v *Validator) checkReferenceFormat(ctx context.Context, child string) CheckResult {
	result := CheckResult{Check: "reference_format", View: child}
	start := time.Now()

	query := fmt.Sprintf(`
		SELECT
			COUNT(*) FILTER (WHERE %[1]s IS NOT NULL),
			COUNT(*) FILTER (WHERE %[1]s IS NOT NULL AND %[1]s !~ '^[A-Za-z]+/.+$')
		FROM %[2]s`,
		subjectRefColumn, v.tableRef(child))

	var total, malformed int64

	if err := v.scanRow(ctx, query, &total, &malformed); err != nil {
		return failedCheck(result, start, err)
	}

	result.Total = total
	result.Invalid = malformed
	result.Valid = total - malformed
	result.Passed = malformed == 0
	result.ElapsedMS = time.Since(start).Milliseconds()

	if malformed > 0 {
		result.SampleErrors = v.sampleValues(ctx, fmt.Sprintf(`
			SELECT %[1]s FROM %[2]s
			WHERE %[1]s IS NOT NULL AND %[1]s !~ '^[A-Za-z]+/.+$'
			LIMIT %[3]d`,
			subjectRefColumn, v.tableRef(child), sampleErrorCap))
	}

	return result
}

// checkJoinLatency times the demographics join and fails past the threshold.
func (v *Validator) checkJoinLatency(ctx context.Context, child string) CheckResult {
	result := CheckResult{Check: "join_latency", View: child}
	start := time.Now()

	query := fmt.Sprintf(`
		SELECT COUNT(*)
		FROM %[1]s c
		JOIN %[2]s p ON p.%[3]s = c.%[3]s`,
		v.tableRef(child), v.tableRef(v.primaryView), subjectIDColumn)

	var joined int64

	if err := v.scanRow(ctx, query, &joined); err != nil {
		return failedCheck(result, start, err)
	}

	elapsed := time.Since(start)
	result.Total = joined
	result.Valid = joined
	result.ElapsedMS = elapsed.Milliseconds()
	result.Passed = elapsed <= v.latencyThreshold

	if !result.Passed {
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"join took %dms, threshold %dms",
			elapsed.Milliseconds(), v.latencyThreshold.Milliseconds()))
	}

	return result
}

// checkCardinality verifies child rows with a subject are at least as many
// as distinct subjects.
func (v *Validator) checkCardinality(ctx context.Context, child string) CheckResult {
	result := CheckResult{Check: "subject_cardinality", View: child}
	start := time.Now()

	query := fmt.Sprintf(`
		SELECT
			COUNT(*) FILTER (WHERE %[1]s IS NOT NULL),
			COUNT(DISTINCT %[1]s)
		FROM %[2]s`,
		subjectIDColumn, v.tableRef(child))

	var withSubject, distinct int64

	if err := v.scanRow(ctx, query, &withSubject, &distinct); err != nil {
		return failedCheck(result, start, err)
	}

	result.Total = withSubject
	result.Valid = distinct
	result.Passed = withSubject >= distinct
	result.ElapsedMS = time.Since(start).Milliseconds()

	return result
}

// checkIndexes verifies each child view carries an index on the subject id
// column.
func (v *Validator) checkIndexes(ctx context.Context, children []string) CheckResult {
	result := CheckResult{Check: "subject_indexes_exist", View: "*"}
	start := time.Now()

	if len(children) == 0 {
		result.Passed = true
		result.ElapsedMS = time.Since(start).Milliseconds()

		return result
	}

	query := `
		SELECT tablename
		FROM pg_indexes
		WHERE schemaname = $1
		  AND tablename = ANY($2)
		  AND indexdef LIKE '%' || $3 || '%'`

	ctx, cancel := v.conn.WithQueryDeadline(ctx)
	defer cancel()

	rows, err := v.conn.QueryContext(ctx, query, v.schema, pq.Array(children), subjectIDColumn)
	if err != nil {
		return failedCheck(result, start, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	indexed := make(map[string]bool)

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return failedCheck(result, start, err)
		}

		indexed[name] = true
	}

	if err := rows.Err(); err != nil {
		return failedCheck(result, start, err)
	}

	result.Total = int64(len(children))
	result.Passed = true

	for _, child := range children {
		if indexed[child] {
			result.Valid++

			continue
		}

		result.Invalid++
		result.Passed = false

		if len(result.SampleErrors) < sampleErrorCap {
			result.SampleErrors = append(result.SampleErrors,
				fmt.Sprintf("%s: no index on %s", child, subjectIDColumn))
		}
	}

	result.ElapsedMS = time.Since(start).Milliseconds()

	return result
}

func (v *Validator) scanRow(ctx context.Context, query string, targets ...any) error {
	ctx, cancel := v.conn.WithQueryDeadline(ctx)
	defer cancel()

	return v.conn.QueryRowContext(ctx, query).Scan(targets...)
}

// sampleValues collects up to the sample cap of offending values; failures
// here degrade to an empty sample.
func (v *Validator) sampleValues(ctx context.Context, query string) []string {
	ctx, cancel := v.conn.WithQueryDeadline(ctx)
	defer cancel()

	rows, err := v.conn.QueryContext(ctx, query)
	if err != nil {
		v.logger.Warn("Failed to sample validation errors",
			slog.String("error", err.Error()))

		return nil
	}

	defer func() {
		_ = rows.Close()
	}()

	var samples []string

	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			continue
		}

		samples = append(samples, value)
	}

	return samples
}

func failedCheck(result CheckResult, start time.Time, err error) CheckResult {
	result.Passed = false
	result.ElapsedMS = time.Since(start).Milliseconds()
	result.SampleErrors = append(result.SampleErrors, err.Error())

	return result
}

func (v *Validator) tableRef(name string) string {
	return pq.QuoteIdentifier(v.schema) + "." + pq.QuoteIdentifier(name)
}
