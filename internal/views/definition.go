// Package views provides the view-definition model for declarative tabular
// projections over clinical documents.
//
// A view definition names a resource kind (Patient, Condition, Observation, ...)
// and an ordered list of projection scopes. Each scope is either a column list
// applied at the document root, an array-iteration scope (forEach/forEachOrNull),
// or a nested select inheriting the parent scope. Definitions are immutable per
// revision and addressed by name.
package views

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for view-definition validation.
var (
	// ErrViewNameEmpty is returned when a view definition has no name.
	ErrViewNameEmpty = errors.New("view definition name cannot be empty")

	// ErrNoColumns is returned when a view definition projects no columns.
	ErrNoColumns = errors.New("view definition must project at least one column")

	// ErrDuplicateColumn is returned when two columns share a name in the
	// flattened projection.
	ErrDuplicateColumn = errors.New("duplicate column name in view definition")

	// ErrConflictingScope is returned when a scope sets both forEach and
	// forEachOrNull.
	ErrConflictingScope = errors.New("scope cannot set both forEach and forEachOrNull")
)

// DefaultResourceKind is assumed when a definition names no resource kind.
const DefaultResourceKind = "Patient"

// ResourceKeyPath is the special column path resolving to the document id as text.
const ResourceKeyPath = "getResourceKey()"

type (
	// ViewDefinition is a named, declarative tabular projection over a
	// document kind. The JSON shape follows the SQL-on-FHIR view definition
	// layout: a select tree of scopes, each carrying columns and optional
	// array iteration, plus ANDed where predicates.
	ViewDefinition struct {
		Name        string           `json:"name"`
		Resource    string           `json:"resource"`
		Description string           `json:"description,omitempty"`
		Select      []SelectScope    `json:"select"`
		Where       []WherePredicate `json:"where,omitempty"`
	}

	// SelectScope is one projection scope. Exactly one of ForEach or
	// ForEachOrNull may be set; when neither is, columns apply at the parent
	// scope (document root for top-level scopes). Nested Select scopes
	// inherit the iteration context.
	SelectScope struct {
		Column        []Column      `json:"column,omitempty"`
		ForEach       string        `json:"forEach,omitempty"`
		ForEachOrNull string        `json:"forEachOrNull,omitempty"`
		Select        []SelectScope `json:"select,omitempty"`
	}

	// Column projects a single path expression into a named output column.
	// Type is advisory and never enforced against values.
	Column struct {
		Name        string `json:"name"`
		Path        string `json:"path"`
		Description string `json:"description,omitempty"`
		Type        string `json:"type,omitempty"`
	}

	// WherePredicate is a single path predicate; all predicates on a
	// definition are ANDed.
	WherePredicate struct {
		Path string `json:"path"`
	}
)

// Validate checks structural invariants: non-empty name, at least one column,
// unique column names across the flattened projection, and no scope carrying
// both forEach and forEachOrNull.
func (d *ViewDefinition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return ErrViewNameEmpty
	}

	columns := d.Columns()
	if len(columns) == 0 {
		return ErrNoColumns
	}

	seen := make(map[string]bool, len(columns))

	for _, col := range columns {
		if seen[col.Name] {
			return fmt.Errorf("%w: %q", ErrDuplicateColumn, col.Name)
		}

		seen[col.Name] = true
	}

	return validateScopes(d.Select)
}

func validateScopes(scopes []SelectScope) error {
	for _, scope := range scopes {
		if scope.ForEach != "" && scope.ForEachOrNull != "" {
			return ErrConflictingScope
		}

		if err := validateScopes(scope.Select); err != nil {
			return err
		}
	}

	return nil
}

// Columns returns the flattened projection in declaration order.
func (d *ViewDefinition) Columns() []Column {
	var out []Column

	var walk func(scopes []SelectScope)

	walk = func(scopes []SelectScope) {
		for _, scope := range scopes {
			out = append(out, scope.Column...)
			walk(scope.Select)
		}
	}

	walk(d.Select)

	return out
}

// ColumnNames returns the flattened projection names in declaration order.
func (d *ViewDefinition) ColumnNames() []string {
	columns := d.Columns()
	names := make([]string, len(columns))

	for i, col := range columns {
		names[i] = col.Name
	}

	return names
}

// ResourceKind returns the document kind the definition projects.
//
// Resolution order: the explicit resource field, then the capitalized prefix
// of the first scope's iteration path (e.g. "Condition.code" → "Condition"),
// then DefaultResourceKind.
func (d *ViewDefinition) ResourceKind() string {
	if d.Resource != "" {
		return d.Resource
	}

	for _, scope := range d.Select {
		path := scope.ForEach
		if path == "" {
			path = scope.ForEachOrNull
		}

		if path == "" {
			continue
		}

		head, _, _ := strings.Cut(path, ".")
		if head != "" && head[0] >= 'A' && head[0] <= 'Z' {
			return head
		}
	}

	return DefaultResourceKind
}
