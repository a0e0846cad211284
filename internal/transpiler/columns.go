package transpiler

import (
	"fmt"
	"strings"

	"github.com/clinquery/clinquery/internal/views"
)

type (
	// ProjectedColumn is one output column of a plan: its alias, the SQL
	// expression producing it, and whether iteration context makes it
	// nullable regardless of the underlying value.
	ProjectedColumn struct {
		Name     string
		SQL      string
		Type     string
		Nullable bool
	}

	// LateralJoin is one array expansion required by the projection, in
	// declaration order. Optional joins (forEachOrNull) preserve the outer
	// row when the array is empty.
	LateralJoin struct {
		Alias    string
		Source   string // transpiled array expression being unnested
		Optional bool
	}

	// Projection is the flattened output of walking a view definition's
	// select tree.
	Projection struct {
		Columns []ProjectedColumn
		Joins   []LateralJoin
	}
)

// SQL renders the lateral join clause.
func (j LateralJoin) SQL() string {
	if j.Optional {
		return fmt.Sprintf("LEFT JOIN LATERAL jsonb_array_elements(%s) AS %s(item) ON TRUE", j.Source, j.Alias)
	}

	return fmt.Sprintf("CROSS JOIN LATERAL jsonb_array_elements(%s) AS %s(item)", j.Source, j.Alias)
}

// ExtractColumns walks the select tree of a view definition, transpiling each
// leaf column and generating one lateral unnest per iteration scope. The
// special path getResourceKey() resolves to the document id as text.
// Duplicate column names fail fast.
func (t *Transpiler) ExtractColumns(def *views.ViewDefinition) (*Projection, error) {
	proj := &Projection{}
	seen := make(map[string]bool)
	aliasSeq := 0

	var walk func(scopes []views.SelectScope, contextExpr string, nullable bool) error

	walk = func(scopes []views.SelectScope, contextExpr string, nullable bool) error {
		for _, scope := range scopes {
			scopeCtx := contextExpr
			scopeNullable := nullable

			iterPath := scope.ForEach
			optional := false

			if iterPath == "" && scope.ForEachOrNull != "" {
				iterPath = scope.ForEachOrNull
				optional = true
			}

			if iterPath != "" {
				aliasSeq++
				alias := fmt.Sprintf("fe%d", aliasSeq)

				source := t.Path(iterPath, false, contextExpr)

				proj.Joins = append(proj.Joins, LateralJoin{
					Alias:    alias,
					Source:   source.SQL,
					Optional: optional,
				})

				scopeCtx = alias + ".item"
				scopeNullable = nullable || optional
			}

			for _, col := range scope.Column {
				if seen[col.Name] {
					return fmt.Errorf("%w: %q", views.ErrDuplicateColumn, col.Name)
				}

				seen[col.Name] = true

				sql := t.columnSQL(col, scopeCtx)

				proj.Columns = append(proj.Columns, ProjectedColumn{
					Name:     col.Name,
					SQL:      sql,
					Type:     col.Type,
					Nullable: scopeNullable,
				})
			}

			if err := walk(scope.Select, scopeCtx, scopeNullable); err != nil {
				return err
			}
		}

		return nil
	}

	if err := walk(def.Select, "", false); err != nil {
		return nil, err
	}

	if len(proj.Columns) == 0 {
		return nil, views.ErrNoColumns
	}

	return proj, nil
}

func (t *Transpiler) columnSQL(col views.Column, contextExpr string) string {
	if strings.TrimSpace(col.Path) == views.ResourceKeyPath {
		return "r.id::text"
	}

	return t.Path(col.Path, true, contextExpr).SQL
}
