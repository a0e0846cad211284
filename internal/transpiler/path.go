// Package transpiler rewrites tree-path expressions over clinical documents
// into relational expressions over the JSONB document column, and assembles
// complete query plans from view definitions.
//
// The path language is a restricted FHIRPath subset: dotted field access,
// where(field='literal') filtering of array elements, first(), exists(),
// count(), empty(), and string concatenation with +. A small fixed set of
// field names (name, address, telecom, identifier, coding) is treated as
// arrays-by-convention and receives an implicit first-element index when
// followed by plain field access. Changing that set is a breaking
// change for every stored view definition.
package transpiler

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/lib/pq"
)

// DocColumn is the JSONB column holding the document body in generated queries.
const DocColumn = "v.content"

// arrayFields is the fixed arrays-by-convention set.
var arrayFields = map[string]bool{
	"name":       true,
	"address":    true,
	"telecom":    true,
	"identifier": true,
	"coding":     true,
}

// Expr is a transpiled SQL expression. RequiresSubquery is set when the
// emission contains a correlated subquery (where() filtering), which
// downstream assembly must not wrap in further member access.
type Expr struct {
	SQL              string
	RequiresSubquery bool
}

// Transpiler rewrites path expressions into PostgreSQL JSONB expressions.
type Transpiler struct {
	logger *slog.Logger
}

// New creates a Transpiler logging through the given logger.
func New(logger *slog.Logger) *Transpiler {
	return &Transpiler{logger: logger}
}

// Path transpiles a single path expression.
//
// Parameters:
//   - path: the path expression (may be empty)
//   - asText: when true, the final step extracts text (->>) instead of JSONB
//   - contextExpr: expression standing in for the current element during
//     array iteration; empty means the document root column
//
// Unknown functions fall back to plain field access with a log entry.
// Unsupported where() predicates emit TRUE with a warning.
func (t *Transpiler) Path(path string, asText bool, contextExpr string) Expr {
	base := contextExpr
	if base == "" {
		base = DocColumn
	}

	path = strings.TrimSpace(path)
	if path == "" {
		return Expr{SQL: base}
	}

	// Already-transpiled input passes through untouched, so the transpiler
	// is idempotent on its own output.
	if strings.Contains(path, "->") || strings.HasPrefix(path, "(SELECT") {
		return Expr{SQL: path}
	}

	if operands := splitConcat(path); len(operands) > 1 {
		return Expr{SQL: t.concatSQL(operands, contextExpr)}
	}

	segments := splitSegments(path)
	segments = stripResourcePrefix(segments)

	for i, seg := range segments {
		if strings.HasPrefix(seg, "where(") && strings.HasSuffix(seg, ")") {
			return t.whereSubquery(segments[:i], seg, segments[i+1:], asText, base)
		}
	}

	return Expr{SQL: t.chainSQL(segments, asText, base)}
}

// accessStep is one accessor in a rendered chain: a member lookup when
// member is set, otherwise a positional index.
type accessStep struct {
	member string
	index  int
}

// chainSQL renders a plain segment chain as chained member lookups. Array
// fields followed by further member access receive an implicit first-element
// index; first(), exists(), count(), and empty() operate on the array itself.
func (t *Transpiler) chainSQL(segments []string, asText bool, base string) string {
	var steps []accessStep

	for i, seg := range segments {
		switch {
		case seg == "first()":
			steps = append(steps, accessStep{index: 0})
		case seg == "exists()":
			return fmt.Sprintf("(%s) IS NOT NULL", renderSteps(base, steps, false))
		case seg == "count()":
			return fmt.Sprintf("COALESCE(jsonb_array_length(%s), 0)", renderSteps(base, steps, false))
		case seg == "empty()":
			inner := renderSteps(base, steps, false)

			return fmt.Sprintf("(%s IS NULL OR %s = '[]'::jsonb)", inner, inner)
		case strings.HasSuffix(seg, "()"):
			// Unknown function: treat as a field name.
			t.logger.Info("Unknown path function, treating as field",
				slog.String("segment", seg))

			steps = append(steps, accessStep{member: strings.TrimSuffix(seg, "()")})
		default:
			steps = append(steps, accessStep{member: seg})
			if arrayFields[seg] && i+1 < len(segments) && isPlainMember(segments[i+1]) {
				steps = append(steps, accessStep{index: 0})
			}
		}
	}

	return renderSteps(base, steps, asText)
}

// isPlainMember reports whether seg is a bare field name rather than a
// function call or where() filter.
func isPlainMember(seg string) bool {
	return !strings.HasSuffix(seg, ")")
}

// renderSteps emits base followed by member/index accessors; the final
// accessor uses text extraction when asText is set.
func renderSteps(base string, steps []accessStep, asText bool) string {
	if len(steps) == 0 {
		return base
	}

	var sb strings.Builder

	sb.WriteString(base)

	for i, st := range steps {
		op := "->"
		if asText && i == len(steps)-1 {
			op = "->>"
		}

		if st.member != "" {
			sb.WriteString(op)
			sb.WriteString(quoteLiteral(st.member))
		} else {
			sb.WriteString(op)
			sb.WriteString(fmt.Sprintf("%d", st.index))
		}
	}

	return sb.String()
}

// whereSubquery emits the unnest-filter-project subquery for
// arr.where(field='lit').tail expressions.
func (t *Transpiler) whereSubquery(head []string, whereSeg string, tail []string, asText bool, base string) Expr {
	field, literal, ok := parseWherePredicate(whereSeg)
	if !ok {
		t.logger.Warn("Unsupported where() predicate, emitting TRUE",
			slog.String("segment", whereSeg))

		return Expr{SQL: "TRUE"}
	}

	// The segment immediately before where() names the array to unnest; it
	// must not receive the implicit first-element index.
	arrExpr := base

	for i, seg := range head {
		arrExpr += "->" + quoteLiteral(seg)
		if arrayFields[seg] && i < len(head)-1 {
			arrExpr += "->0"
		}
	}

	// Project the tail of the matching element. first() on the tail is
	// redundant inside LIMIT 1 projection.
	var proj string

	effective := make([]string, 0, len(tail))

	for _, seg := range tail {
		if seg == "first()" {
			continue
		}

		effective = append(effective, seg)
	}

	if len(effective) == 0 {
		proj = "elem"
	} else {
		proj = "elem"
		for i, seg := range effective {
			op := "->"
			if asText && i == len(effective)-1 {
				op = "->>"
			}

			proj += op + quoteLiteral(seg)
		}
	}

	sql := fmt.Sprintf(
		"(SELECT %s FROM jsonb_array_elements(%s) AS elem WHERE elem->>%s = %s LIMIT 1)",
		proj, arrExpr, quoteLiteral(field), quoteLiteral(literal),
	)

	return Expr{SQL: sql, RequiresSubquery: true}
}

// concatSQL renders string concatenation with +. Quoted literals pass through;
// every other operand is transpiled as text and coalesced to ''.
func (t *Transpiler) concatSQL(operands []string, contextExpr string) string {
	parts := make([]string, len(operands))

	for i, op := range operands {
		op = strings.TrimSpace(op)

		if len(op) >= 2 && op[0] == '\'' && op[len(op)-1] == '\'' {
			parts[i] = quoteLiteral(op[1 : len(op)-1])

			continue
		}

		expr := t.Path(op, true, contextExpr)
		parts[i] = fmt.Sprintf("COALESCE(%s, '')", expr.SQL)
	}

	return strings.Join(parts, " || ")
}

// parseWherePredicate extracts field and literal from where(field='lit').
// Only single-field equality against a quoted literal is supported;
// conjunctions, disjunctions, and comparisons report !ok.
func parseWherePredicate(seg string) (string, string, bool) {
	inner := strings.TrimSuffix(strings.TrimPrefix(seg, "where("), ")")

	lowered := strings.ToLower(inner)
	if strings.Contains(lowered, " and ") || strings.Contains(lowered, " or ") {
		return "", "", false
	}

	field, rhs, found := strings.Cut(inner, "=")
	if !found {
		return "", "", false
	}

	field = strings.TrimSpace(field)
	rhs = strings.TrimSpace(rhs)

	if field == "" || len(rhs) < 2 || rhs[0] != '\'' || rhs[len(rhs)-1] != '\'' {
		return "", "", false
	}

	return field, rhs[1 : len(rhs)-1], true
}

// splitSegments splits a path on dots, ignoring dots inside parentheses or
// quotes (where(system='http://...') carries both).
func splitSegments(path string) []string {
	var (
		segments []string
		current  strings.Builder
		depth    int
		inQuote  bool
	)

	for _, r := range path {
		switch {
		case r == '\'':
			inQuote = !inQuote

			current.WriteRune(r)
		case r == '(' && !inQuote:
			depth++

			current.WriteRune(r)
		case r == ')' && !inQuote:
			depth--

			current.WriteRune(r)
		case r == '.' && depth == 0 && !inQuote:
			segments = append(segments, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}

	if current.Len() > 0 {
		segments = append(segments, current.String())
	}

	return segments
}

// splitConcat splits on top-level + operators, respecting quotes. A single
// operand means the path carries no concatenation.
func splitConcat(path string) []string {
	var (
		operands []string
		current  strings.Builder
		inQuote  bool
	)

	for _, r := range path {
		switch {
		case r == '\'':
			inQuote = !inQuote

			current.WriteRune(r)
		case r == '+' && !inQuote:
			operands = append(operands, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}

	operands = append(operands, current.String())

	return operands
}

// stripResourcePrefix drops a leading capitalized resource-type segment
// (Patient.gender → gender).
func stripResourcePrefix(segments []string) []string {
	if len(segments) > 1 && segments[0] != "" {
		first := segments[0][0]
		if first >= 'A' && first <= 'Z' && !strings.ContainsAny(segments[0], "()") {
			return segments[1:]
		}
	}

	return segments
}

// quoteLiteral renders a single-quoted SQL literal with escaping.
func quoteLiteral(s string) string {
	return pq.QuoteLiteral(s)
}
