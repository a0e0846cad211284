package transpiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinquery/clinquery/internal/views"
)

func demographicsDefinition() *views.ViewDefinition {
	return &views.ViewDefinition{
		Name:     "patient_demographics",
		Resource: "Patient",
		Select: []views.SelectScope{
			{
				Column: []views.Column{
					{Name: "id", Path: "getResourceKey()"},
					{Name: "gender", Path: "gender", Type: "code"},
					{Name: "birth_date", Path: "birthDate", Type: "date"},
				},
			},
		},
		Where: []views.WherePredicate{
			{Path: "active = 'true'"},
		},
	}
}

func TestBuildPlanPredicates(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tr := testTranspiler()

	plan, err := tr.BuildPlan(demographicsDefinition(), nil, 100)
	require.NoError(t, err)

	assert.Equal(t, "patient_demographics", plan.View)
	assert.Equal(t, "Patient", plan.Kind)
	assert.Len(t, plan.Columns, 3)

	// View predicate first, then deletion and kind filters.
	require.Len(t, plan.Predicates, 3)
	assert.Equal(t, "v.content->>'active' = 'true'", plan.Predicates[0])
	assert.Equal(t, "r.deleted_at IS NULL", plan.Predicates[1])
	assert.Equal(t, "r.kind = 'Patient'", plan.Predicates[2])
}

func TestBuildPlanCallerFilters(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tr := testTranspiler()

	tests := []struct {
		name    string
		filters map[string]any
		want    string
	}{
		{
			name:    "gender is lowercased",
			filters: map[string]any{"gender": "Female"},
			want:    "v.content->>'gender' = 'female'",
		},
		{
			name:    "id filter targets the document id",
			filters: map[string]any{"_id": "pat-001"},
			want:    "r.id = 'pat-001'",
		},
		{
			name:    "birthdate ge prefix",
			filters: map[string]any{"birthdate": "ge1990-01-01"},
			want:    "(v.content->>'birthDate') >= '1990-01-01'",
		},
		{
			name:    "birthdate without prefix is exact",
			filters: map[string]any{"birthdate": "1990-01-01"},
			want:    "(v.content->>'birthDate') = '1990-01-01'",
		},
		{
			name:    "birthdate_max ignores any prefix",
			filters: map[string]any{"birthdate_max": "le2000-12-31"},
			want:    "(v.content->>'birthDate') <= '2000-12-31'",
		},
		{
			name:    "family name searches the name array",
			filters: map[string]any{"family": "Smith"},
			want:    "EXISTS (SELECT 1 FROM jsonb_array_elements(v.content->'name') AS n WHERE n->>'family' = 'Smith')",
		},
		{
			name:    "unrecognized key falls back to root field equality",
			filters: map[string]any{"language": "en"},
			want:    "v.content->>'language' = 'en'",
		},
		{
			name:    "integer values are rendered",
			filters: map[string]any{"multipleBirthInteger": 2},
			want:    "v.content->>'multipleBirthInteger' = '2'",
		},
		{
			name:    "boolean values are rendered",
			filters: map[string]any{"active": true},
			want:    "v.content->>'active' = 'true'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := tr.BuildPlan(demographicsDefinition(), tt.filters, -1)
			require.NoError(t, err)

			assert.Contains(t, plan.Predicates, tt.want)
		})
	}
}

func TestBuildPlanFilterOrderIsDeterministic(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tr := testTranspiler()
	filters := map[string]any{"gender": "female", "birthdate": "ge1990", "_id": "x"}

	first, err := tr.BuildPlan(demographicsDefinition(), filters, -1)
	require.NoError(t, err)

	for range 10 {
		again, err := tr.BuildPlan(demographicsDefinition(), filters, -1)
		require.NoError(t, err)
		assert.Equal(t, first.Predicates, again.Predicates)
	}
}

func TestBuildPlanRejectsUnsupportedFilterValues(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tr := testTranspiler()

	_, err := tr.BuildPlan(demographicsDefinition(), map[string]any{"gender": []string{"f", "m"}}, -1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedFilterValue)
}

func TestPlanSQL(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tr := testTranspiler()

	plan, err := tr.BuildPlan(demographicsDefinition(), nil, 50)
	require.NoError(t, err)

	sql := plan.SQL()

	assert.Contains(t, sql, `r.id::text AS "id"`)
	assert.Contains(t, sql, `v.content->>'gender' AS "gender"`)
	assert.Contains(t, sql, "FROM resources r")
	assert.Contains(t, sql, "JOIN resource_versions v ON v.id = r.id AND v.version = r.current_version")
	assert.Contains(t, sql, "WHERE v.content->>'active' = 'true'")
	assert.Contains(t, sql, "LIMIT 50")
}

func TestPlanSQLNegativeLimitMeansNoCap(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tr := testTranspiler()

	plan, err := tr.BuildPlan(demographicsDefinition(), nil, -1)
	require.NoError(t, err)

	assert.NotContains(t, plan.SQL(), "LIMIT")
}

func TestCountSQLOmitsUnreferencedJoins(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tr := testTranspiler()

	def := &views.ViewDefinition{
		Name:     "patient_addresses",
		Resource: "Patient",
		Select: []views.SelectScope{
			{
				Column: []views.Column{{Name: "id", Path: "getResourceKey()"}},
			},
			{
				ForEach: "address",
				Column: []views.Column{
					{Name: "city", Path: "city"},
					{Name: "postal_code", Path: "postalCode"},
				},
			},
		},
	}

	plan, err := tr.BuildPlan(def, nil, 10)
	require.NoError(t, err)

	rowSQL := plan.SQL()
	assert.Contains(t, rowSQL, "CROSS JOIN LATERAL jsonb_array_elements(v.content->'address') AS fe1(item)")
	assert.Contains(t, rowSQL, `fe1.item->>'city' AS "city"`)

	countSQL := plan.CountSQL()
	assert.Contains(t, countSQL, "SELECT COUNT(DISTINCT r.id)")
	assert.NotContains(t, countSQL, "LATERAL")
	assert.NotContains(t, countSQL, "LIMIT")
}

func TestExtractColumnsNestedScopes(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tr := testTranspiler()

	def := &views.ViewDefinition{
		Name:     "condition_codings",
		Resource: "Condition",
		Select: []views.SelectScope{
			{
				Column: []views.Column{{Name: "id", Path: "getResourceKey()"}},
				Select: []views.SelectScope{
					{
						ForEachOrNull: "code.coding",
						Column: []views.Column{
							{Name: "system", Path: "system"},
							{Name: "code", Path: "code"},
						},
					},
				},
			},
		},
	}

	proj, err := tr.ExtractColumns(def)
	require.NoError(t, err)

	require.Len(t, proj.Joins, 1)
	assert.True(t, proj.Joins[0].Optional)
	assert.Contains(t, proj.Joins[0].SQL(), "LEFT JOIN LATERAL")

	require.Len(t, proj.Columns, 3)
	assert.False(t, proj.Columns[0].Nullable)
	assert.True(t, proj.Columns[1].Nullable)
	assert.Equal(t, "fe1.item->>'system'", proj.Columns[1].SQL)
}

func TestExtractColumnsRejectsDuplicates(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tr := testTranspiler()

	def := &views.ViewDefinition{
		Name:     "dupes",
		Resource: "Patient",
		Select: []views.SelectScope{
			{
				Column: []views.Column{
					{Name: "gender", Path: "gender"},
					{Name: "gender", Path: "gender"},
				},
			},
		},
	}

	_, err := tr.ExtractColumns(def)
	require.Error(t, err)
	assert.ErrorIs(t, err, views.ErrDuplicateColumn)
}

func TestExtractColumnsRejectsEmptyProjection(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tr := testTranspiler()

	_, err := tr.ExtractColumns(&views.ViewDefinition{Name: "empty", Resource: "Patient"})
	require.Error(t, err)
	assert.ErrorIs(t, err, views.ErrNoColumns)
}
