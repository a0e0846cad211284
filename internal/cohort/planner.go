package cohort

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/clinquery/clinquery/internal/storage"
)

// Sentinel errors for cohort planning.
var (
	// ErrNoViews is returned when a request names no views.
	ErrNoViews = errors.New("cohort request must name at least one view")

	// ErrUnknownDimension is returned for an unsupported breakdown
	// dimension.
	ErrUnknownDimension = errors.New("unknown breakdown dimension")

	// ErrUnknownAggregation is returned for an unsupported aggregation
	// type.
	ErrUnknownAggregation = errors.New("unknown aggregation type")
)

// Views whose rows are one-per-subject; the first requested member becomes
// the join primary.
var demographicViews = map[string]bool{
	"patient_demographics": true,
	"patient_simple":       true,
}

// DefaultPrimaryView anchors the join when no demographic view is requested.
const DefaultPrimaryView = "patient_demographics"

// Columns the coded fallback policy applies to.
var codeColumns = map[string]bool{
	"icd10_code":  true,
	"snomed_code": true,
}

// Supported aggregation types for breakdowns.
var aggregations = map[string]string{
	"count": "COUNT",
	"avg":   "AVG",
	"sum":   "SUM",
	"min":   "MIN",
	"max":   "MAX",
}

type (
	// CodedFilter is one coded-value predicate against a joined view.
	CodedFilter struct {
		Field         string `json:"field"`
		Value         string `json:"value"`
		ConditionName string `json:"condition_name,omitempty"`
		UseLike       bool   `json:"use_like,omitempty"`
		UseTextSearch bool   `json:"use_text_search,omitempty"`
		TextPattern   string `json:"text_pattern,omitempty"`
	}

	// Request is one cohort-count request: the views to join, demographic
	// filters applied to the primary, and coded filters applied to the
	// joined views in order.
	Request struct {
		Views        []string       `json:"views"`
		Demographics map[string]any `json:"demographics,omitempty"`
		CodedFilters []CodedFilter  `json:"coded_filters,omitempty"`
	}

	// Breakdown requests a grouped aggregation instead of a plain count.
	Breakdown struct {
		Dimension   string `json:"dimension"`
		Aggregation string `json:"aggregation,omitempty"`
		Column      string `json:"column,omitempty"`
	}
)

// Planner builds and executes subject-keyed joins over materialized views.
type Planner struct {
	conn   *storage.Connection
	schema string
	logger *slog.Logger
}

// NewPlanner creates a join planner over the given analytics schema.
func NewPlanner(conn *storage.Connection, schema string, logger *slog.Logger) *Planner {
	return &Planner{
		conn:   conn,
		schema: schema,
		logger: logger,
	}
}

// Count executes the cohort join and returns the distinct subject count plus
// the generated SQL.
func (p *Planner) Count(ctx context.Context, req *Request) (int64, string, error) {
	query, args, err := p.buildJoin(req, "SELECT COUNT(DISTINCT p.patient_id)", nil)
	if err != nil {
		return 0, "", err
	}

	ctx, cancel := p.conn.WithQueryDeadline(ctx)
	defer cancel()

	start := time.Now()

	var count int64
	if err := p.conn.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, query, fmt.Errorf("cohort count failed: %w", err)
	}

	p.logger.Debug("Cohort count executed",
		slog.Int64("count", count),
		slog.Duration("duration", time.Since(start)))

	return count, query, nil
}

// CountBreakdown executes a grouped variant of the cohort join, one row per
// dimension value, ordered by the grouping column.
func (p *Planner) CountBreakdown(ctx context.Context, req *Request, breakdown *Breakdown) ([]map[string]any, string, error) {
	groupExpr, err := dimensionExpr(breakdown.Dimension)
	if err != nil {
		return nil, "", err
	}

	aggExpr, err := aggregationExpr(breakdown)
	if err != nil {
		return nil, "", err
	}

	projection := fmt.Sprintf("SELECT %s AS %s, %s AS value",
		groupExpr, pq.QuoteIdentifier(breakdown.Dimension), aggExpr)

	suffix := fmt.Sprintf("GROUP BY %s ORDER BY %s", groupExpr, groupExpr)

	query, args, err := p.buildJoin(req, projection, &suffix)
	if err != nil {
		return nil, "", err
	}

	ctx, cancel := p.conn.WithQueryDeadline(ctx)
	defer cancel()

	rows, err := p.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, query, fmt.Errorf("cohort breakdown failed: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var results []map[string]any

	for rows.Next() {
		var (
			group any
			value any
		)

		if err := rows.Scan(&group, &value); err != nil {
			return nil, query, fmt.Errorf("failed to scan breakdown row: %w", err)
		}

		if b, ok := group.([]byte); ok {
			group = string(b)
		}

		results = append(results, map[string]any{
			breakdown.Dimension: group,
			"value":             value,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, query, fmt.Errorf("failed to iterate breakdown rows: %w", err)
	}

	return results, query, nil
}

// buildJoin assembles the join skeleton shared by the count and breakdown
// variants.
func (p *Planner) buildJoin(req *Request, projection string, suffix *string) (string, []any, error) {
	if len(req.Views) == 0 {
		return "", nil, ErrNoViews
	}

	primary, joined := p.splitViews(req.Views)

	var sb strings.Builder

	sb.WriteString(projection)
	sb.WriteString("\nFROM ")
	sb.WriteString(p.tableRef(primary))
	sb.WriteString(" p\n")

	aliases := make([]string, len(joined))

	for i, view := range joined {
		aliases[i] = fmt.Sprintf("a%d", i+1)
		sb.WriteString(fmt.Sprintf("JOIN %s %s ON p.patient_id = %s.patient_id\n",
			p.tableRef(view), aliases[i], aliases[i]))
	}

	var (
		preds []string
		args  []any
	)

	preds, args = appendDemographicPredicates(preds, args, req.Demographics)

	for i, filter := range req.CodedFilters {
		alias := "p"
		if len(aliases) > 0 {
			alias = aliases[min(i, len(aliases)-1)]
		}

		var pred string

		pred, args = codedPredicate(filter, alias, args)
		if pred != "" {
			preds = append(preds, pred)
		}
	}

	if len(preds) > 0 {
		sb.WriteString("WHERE ")
		sb.WriteString(strings.Join(preds, "\n  AND "))
		sb.WriteString("\n")
	}

	if suffix != nil {
		sb.WriteString(*suffix)
		sb.WriteString("\n")
	}

	return sb.String(), args, nil
}

// splitViews picks the primary (first demographic view, else the default)
// and returns the rest as joined views.
func (p *Planner) splitViews(requested []string) (string, []string) {
	primary := ""

	for _, view := range requested {
		if demographicViews[view] {
			primary = view

			break
		}
	}

	if primary == "" {
		return DefaultPrimaryView, requested
	}

	joined := make([]string, 0, len(requested)-1)

	for _, view := range requested {
		if view != primary {
			joined = append(joined, view)
		}
	}

	return primary, joined
}

// appendDemographicPredicates renders the primary-view filters: lowered
// gender equality and birth-date bounds.
func appendDemographicPredicates(preds []string, args []any, demographics map[string]any) ([]string, []any) {
	if gender, ok := demographics["gender"].(string); ok && gender != "" {
		args = append(args, strings.ToLower(gender))
		preds = append(preds, fmt.Sprintf("LOWER(p.gender) = $%d", len(args)))
	}

	if minDOB, ok := demographics["birthdate_min"].(string); ok && minDOB != "" {
		args = append(args, minDOB)
		preds = append(preds, fmt.Sprintf("p.dob >= $%d", len(args)))
	}

	if maxDOB, ok := demographics["birthdate_max"].(string); ok && maxDOB != "" {
		args = append(args, maxDOB)
		preds = append(preds, fmt.Sprintf("p.dob <= $%d", len(args)))
	}

	return preds, args
}

// codedPredicate renders one coded filter with the resilience policy: coded
// equality or LIKE, OR a case-insensitive substring on code_text using the
// core term of the condition label. With use_text_search set, only the text
// branch is emitted using the supplied pattern.
func codedPredicate(filter CodedFilter, alias string, args []any) (string, []any) {
	column := fmt.Sprintf("%s.%s", alias, pq.QuoteIdentifier(filter.Field))
	textColumn := fmt.Sprintf("%s.code_text", alias)

	if filter.UseTextSearch {
		pattern := filter.TextPattern
		if pattern == "" {
			pattern = "%" + CoreTerm(filter.ConditionName) + "%"
		}

		args = append(args, strings.ToLower(pattern))

		return fmt.Sprintf("LOWER(%s) LIKE $%d", textColumn, len(args)), args
	}

	var branches []string

	args = append(args, filter.Value)

	if filter.UseLike {
		branches = append(branches, fmt.Sprintf("%s LIKE $%d", column, len(args)))
	} else {
		branches = append(branches, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if codeColumns[filter.Field] {
		if term := CoreTerm(filter.ConditionName); term != "" {
			args = append(args, "%"+term+"%")
			branches = append(branches, fmt.Sprintf("LOWER(%s) LIKE $%d", textColumn, len(args)))
		}
	}

	if len(branches) == 1 {
		return branches[0], args
	}

	return "(" + strings.Join(branches, " OR ") + ")", args
}

// dimensionExpr renders the grouping expression: gender, derived age
// buckets, or an arbitrary primary-view column.
func dimensionExpr(dimension string) (string, error) {
	switch dimension {
	case "":
		return "", ErrUnknownDimension
	case "gender":
		return "LOWER(p.gender)", nil
	case "age_group":
		return `CASE
			WHEN EXTRACT(YEAR FROM AGE(NOW(), p.dob::date)) < 18 THEN '<18'
			WHEN EXTRACT(YEAR FROM AGE(NOW(), p.dob::date)) <= 30 THEN '18-30'
			WHEN EXTRACT(YEAR FROM AGE(NOW(), p.dob::date)) <= 50 THEN '31-50'
			WHEN EXTRACT(YEAR FROM AGE(NOW(), p.dob::date)) <= 70 THEN '51-70'
			ELSE '70+'
		END`, nil
	default:
		return "p." + pq.QuoteIdentifier(dimension), nil
	}
}

// aggregationExpr renders the aggregate. Count ignores the column and stays
// distinct on subjects.
func aggregationExpr(breakdown *Breakdown) (string, error) {
	agg := breakdown.Aggregation
	if agg == "" {
		agg = "count"
	}

	fn, ok := aggregations[agg]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAggregation, agg)
	}

	if agg == "count" || breakdown.Column == "" {
		return "COUNT(DISTINCT p.patient_id)", nil
	}

	return fmt.Sprintf("%s(%s::numeric)", fn, pq.QuoteIdentifier(breakdown.Column)), nil
}

func (p *Planner) tableRef(name string) string {
	return pq.QuoteIdentifier(p.schema) + "." + pq.QuoteIdentifier(name)
}
