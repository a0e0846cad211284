package transpiler

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/lib/pq"

	"github.com/clinquery/clinquery/internal/views"
)

// Sentinel errors for plan building.
var (
	// ErrUnsupportedFilterValue is returned when a caller filter carries a
	// value type the builder cannot express.
	ErrUnsupportedFilterValue = errors.New("unsupported filter value type")
)

// datePrefixes maps FHIR-style search prefixes to SQL comparators, checked in
// order against the leading characters of date filter values.
var datePrefixes = []struct {
	prefix string
	op     string
}{
	{"ge", ">="},
	{"le", "<="},
	{"gt", ">"},
	{"lt", "<"},
	{"eq", "="},
}

// Plan is the assembled query plan for one view execution: projection list,
// lateral joins in order, ANDed predicates, and an optional row cap. It
// renders both a row-returning and a distinct-cardinality SQL emission.
type Plan struct {
	View       string
	Kind       string
	Columns    []ProjectedColumn
	Joins      []LateralJoin
	Predicates []string
	Limit      int // negative means no limit
}

// BuildPlan assembles a complete plan from a view definition and a flat
// caller filter map. Predicates combine, in order: transpiled view
// predicates, transpiled caller filters, the deletion filter, and the kind
// filter.
func (t *Transpiler) BuildPlan(def *views.ViewDefinition, filters map[string]any, limit int) (*Plan, error) {
	proj, err := t.ExtractColumns(def)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		View:    def.Name,
		Kind:    def.ResourceKind(),
		Columns: proj.Columns,
		Joins:   proj.Joins,
		Limit:   limit,
	}

	for _, where := range def.Where {
		plan.Predicates = append(plan.Predicates, t.wherePredicate(where.Path))
	}

	filterPreds, err := t.filterPredicates(filters)
	if err != nil {
		return nil, err
	}

	plan.Predicates = append(plan.Predicates, filterPreds...)

	plan.Predicates = append(plan.Predicates,
		"r.deleted_at IS NULL",
		fmt.Sprintf("r.kind = %s", quoteLiteral(plan.Kind)),
	)

	return plan, nil
}

// SQL renders the row-returning emission.
func (p *Plan) SQL() string {
	var sb strings.Builder

	sb.WriteString("SELECT\n")

	for i, col := range p.Columns {
		sb.WriteString(fmt.Sprintf("  %s AS %s", col.SQL, quoteIdent(col.Name)))

		if i < len(p.Columns)-1 {
			sb.WriteString(",")
		}

		sb.WriteString("\n")
	}

	sb.WriteString(fromClause)

	for _, join := range p.Joins {
		sb.WriteString("  " + join.SQL() + "\n")
	}

	p.writeWhere(&sb)

	if p.Limit >= 0 {
		sb.WriteString(fmt.Sprintf("LIMIT %d\n", p.Limit))
	}

	return sb.String()
}

// CountSQL renders the distinct-cardinality emission. Lateral joins whose
// alias is not referenced by any predicate are omitted; they cannot change
// the distinct document count.
func (p *Plan) CountSQL() string {
	var sb strings.Builder

	sb.WriteString("SELECT COUNT(DISTINCT r.id)\n")
	sb.WriteString(fromClause)

	for _, join := range p.Joins {
		if p.joinReferenced(join.Alias) {
			sb.WriteString("  " + join.SQL() + "\n")
		}
	}

	p.writeWhere(&sb)

	return sb.String()
}

const fromClause = "FROM resources r\n" +
	"  JOIN resource_versions v ON v.id = r.id AND v.version = r.current_version\n"

func (p *Plan) writeWhere(sb *strings.Builder) {
	if len(p.Predicates) == 0 {
		return
	}

	sb.WriteString("WHERE ")
	sb.WriteString(strings.Join(p.Predicates, "\n  AND "))
	sb.WriteString("\n")
}

func (p *Plan) joinReferenced(alias string) bool {
	for _, pred := range p.Predicates {
		if strings.Contains(pred, alias+".item") {
			return true
		}
	}

	return false
}

// wherePredicate transpiles one view-level where path. Supported forms are
// single-field equality against a quoted literal and path.exists();
// everything else emits TRUE with a warning.
func (t *Transpiler) wherePredicate(path string) string {
	path = strings.TrimSpace(path)

	if strings.HasSuffix(path, ".exists()") {
		return t.Path(path, false, "").SQL
	}

	lhs, rhs, found := cutTopLevel(path, '=')
	if !found {
		t.logger.Warn("Unsupported view predicate, emitting TRUE",
			slog.String("path", path))

		return "TRUE"
	}

	rhs = strings.TrimSpace(rhs)
	rhs = strings.Trim(rhs, "'")

	expr := t.Path(strings.TrimSpace(lhs), true, "")

	return fmt.Sprintf("%s = %s", expr.SQL, quoteLiteral(rhs))
}

// filterPredicates maps the caller's flat filter map onto SQL predicates.
// Keys are processed in sorted order so emission is deterministic.
func (t *Transpiler) filterPredicates(filters map[string]any) ([]string, error) {
	if len(filters) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	var preds []string

	for _, key := range keys {
		pred, err := t.filterPredicate(key, filters[key])
		if err != nil {
			return nil, err
		}

		if pred != "" {
			preds = append(preds, pred)
		}
	}

	return preds, nil
}

func (t *Transpiler) filterPredicate(key string, value any) (string, error) {
	str, err := filterValueString(value)
	if err != nil {
		return "", fmt.Errorf("%w: filter %q", err, key)
	}

	switch key {
	case "_id":
		return fmt.Sprintf("r.id = %s", quoteLiteral(str)), nil
	case "gender":
		return fmt.Sprintf("%s->>'gender' = %s", DocColumn, quoteLiteral(strings.ToLower(str))), nil
	case "birthdate":
		op, val := parseDatePrefix(str)

		return fmt.Sprintf("(%s->>'birthDate') %s %s", DocColumn, op, quoteLiteral(val)), nil
	case "birthdate_min":
		_, val := parseDatePrefix(str)

		return fmt.Sprintf("(%s->>'birthDate') >= %s", DocColumn, quoteLiteral(val)), nil
	case "birthdate_max":
		_, val := parseDatePrefix(str)

		return fmt.Sprintf("(%s->>'birthDate') <= %s", DocColumn, quoteLiteral(val)), nil
	case "family":
		return fmt.Sprintf(
			"EXISTS (SELECT 1 FROM jsonb_array_elements(%s->'name') AS n WHERE n->>'family' = %s)",
			DocColumn, quoteLiteral(str),
		), nil
	default:
		t.logger.Warn("Unrecognized filter key, applying root field equality",
			slog.String("key", key))

		return fmt.Sprintf("%s->>%s = %s", DocColumn, quoteLiteral(key), quoteLiteral(str)), nil
	}
}

// filterValueString renders a scalar filter value. Lists and maps are handled
// by the materialized-view runner only; the generated-query path accepts
// scalars.
func filterValueString(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case fmt.Stringer:
		return v.String(), nil
	case int:
		return fmt.Sprintf("%d", v), nil
	case int64:
		return fmt.Sprintf("%d", v), nil
	case float64:
		return strings.TrimSuffix(fmt.Sprintf("%g", v), ".0"), nil
	case bool:
		return fmt.Sprintf("%t", v), nil
	default:
		return "", ErrUnsupportedFilterValue
	}
}

// parseDatePrefix parses a FHIR-style comparator prefix off a date value.
// A value without a recognized prefix is exact-equality.
func parseDatePrefix(value string) (string, string) {
	for _, p := range datePrefixes {
		if strings.HasPrefix(value, p.prefix) && len(value) > len(p.prefix) {
			rest := value[len(p.prefix):]
			if rest[0] >= '0' && rest[0] <= '9' {
				return p.op, rest
			}
		}
	}

	return "=", value
}

// cutTopLevel splits s around the first occurrence of sep outside quotes and
// parentheses.
func cutTopLevel(s string, sep rune) (string, string, bool) {
	depth := 0
	inQuote := false

	for i, r := range s {
		switch {
		case r == '\'':
			inQuote = !inQuote
		case r == '(' && !inQuote:
			depth++
		case r == ')' && !inQuote:
			depth--
		case r == sep && depth == 0 && !inQuote:
			return s[:i], s[i+1:], true
		}
	}

	return s, "", false
}

// quoteIdent quotes a SQL identifier.
func quoteIdent(name string) string {
	return pq.QuoteIdentifier(name)
}
