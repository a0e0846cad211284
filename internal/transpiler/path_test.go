package transpiler

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testTranspiler() *Transpiler {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPathSimpleFields(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tr := testTranspiler()

	tests := []struct {
		name    string
		path    string
		asText  bool
		context string
		want    string
	}{
		{
			name:   "single field as text",
			path:   "gender",
			asText: true,
			want:   "v.content->>'gender'",
		},
		{
			name:   "single field as jsonb",
			path:   "birthDate",
			asText: false,
			want:   "v.content->'birthDate'",
		},
		{
			name:   "resource prefix is stripped",
			path:   "Patient.gender",
			asText: true,
			want:   "v.content->>'gender'",
		},
		{
			name:   "array field gets implicit first element",
			path:   "name.family",
			asText: true,
			want:   "v.content->'name'->0->>'family'",
		},
		{
			name:   "explicit first()",
			path:   "contact.first()",
			asText: false,
			want:   "v.content->'contact'->0",
		},
		{
			name:   "explicit first() on array field indexes once",
			path:   "name.first().family",
			asText: true,
			want:   "v.content->'name'->0->>'family'",
		},
		{
			name:    "iteration context replaces document root",
			path:    "code",
			asText:  true,
			context: "fe1.item",
			want:    "fe1.item->>'code'",
		},
		{
			name:   "empty path returns the base",
			path:   "",
			asText: false,
			want:   "v.content",
		},
		{
			name:   "already transpiled input passes through",
			path:   "v.content->'name'->0->>'family'",
			asText: true,
			want:   "v.content->'name'->0->>'family'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tr.Path(tt.path, tt.asText, tt.context)
			assert.Equal(t, tt.want, got.SQL)
			assert.False(t, got.RequiresSubquery)
		})
	}
}

func TestPathFunctions(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tr := testTranspiler()

	tests := []struct {
		name string
		path string
		want string
	}{
		{
			name: "exists emits null check",
			path: "deceasedBoolean.exists()",
			want: "(v.content->'deceasedBoolean') IS NOT NULL",
		},
		{
			name: "count emits coalesced array length",
			path: "contact.count()",
			want: "COALESCE(jsonb_array_length(v.content->'contact'), 0)",
		},
		{
			name: "empty emits null-or-empty-array check",
			path: "contact.empty()",
			want: "(v.content->'contact' IS NULL OR v.content->'contact' = '[]'::jsonb)",
		},
		{
			name: "unknown function treated as field",
			path: "component.resolve()",
			want: "v.content->'component'->'resolve'",
		},
		{
			name: "count over array field measures the array",
			path: "name.count()",
			want: "COALESCE(jsonb_array_length(v.content->'name'), 0)",
		},
		{
			name: "empty over array field tests the array",
			path: "name.empty()",
			want: "(v.content->'name' IS NULL OR v.content->'name' = '[]'::jsonb)",
		},
		{
			name: "exists over array field tests the array",
			path: "name.exists()",
			want: "(v.content->'name') IS NOT NULL",
		},
		{
			name: "first over array field takes a single element",
			path: "telecom.first()",
			want: "v.content->'telecom'->0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tr.Path(tt.path, false, "")
			assert.Equal(t, tt.want, got.SQL)
		})
	}
}

func TestPathWhereFilter(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tr := testTranspiler()

	t.Run("where equality projects matching element", func(t *testing.T) {
		got := tr.Path("telecom.where(system='phone').value", true, "")

		want := "(SELECT elem->>'value' FROM jsonb_array_elements(v.content->'telecom') " +
			"AS elem WHERE elem->>'system' = 'phone' LIMIT 1)"
		assert.Equal(t, want, got.SQL)
		assert.True(t, got.RequiresSubquery)
	})

	t.Run("where with url literal keeps dots intact", func(t *testing.T) {
		got := tr.Path("identifier.where(system='http://hospital.org/mrn').value", true, "")

		want := "(SELECT elem->>'value' FROM jsonb_array_elements(v.content->'identifier') " +
			"AS elem WHERE elem->>'system' = 'http://hospital.org/mrn' LIMIT 1)"
		assert.Equal(t, want, got.SQL)
	})

	t.Run("redundant first on the tail is dropped", func(t *testing.T) {
		got := tr.Path("name.where(use='official').family.first()", true, "")

		want := "(SELECT elem->>'family' FROM jsonb_array_elements(v.content->'name') " +
			"AS elem WHERE elem->>'use' = 'official' LIMIT 1)"
		assert.Equal(t, want, got.SQL)
	})

	t.Run("where without tail projects the element", func(t *testing.T) {
		got := tr.Path("telecom.where(system='email')", false, "")

		want := "(SELECT elem FROM jsonb_array_elements(v.content->'telecom') " +
			"AS elem WHERE elem->>'system' = 'email' LIMIT 1)"
		assert.Equal(t, want, got.SQL)
	})

	t.Run("conjunction predicate emits TRUE", func(t *testing.T) {
		got := tr.Path("telecom.where(system='phone' and use='home').value", true, "")
		assert.Equal(t, "TRUE", got.SQL)
	})

	t.Run("comparison predicate emits TRUE", func(t *testing.T) {
		got := tr.Path("component.where(value>5).code", true, "")
		assert.Equal(t, "TRUE", got.SQL)
	})
}

func TestPathConcatenation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tr := testTranspiler()

	t.Run("fields joined with literal separator", func(t *testing.T) {
		got := tr.Path("family + ', ' + given", true, "")

		want := "COALESCE(v.content->>'family', '') || ', ' || COALESCE(v.content->>'given', '')"
		assert.Equal(t, want, got.SQL)
	})

	t.Run("plus inside quotes is not an operator", func(t *testing.T) {
		got := tr.Path("telecom.where(value='+155')", false, "")

		want := "(SELECT elem FROM jsonb_array_elements(v.content->'telecom') " +
			"AS elem WHERE elem->>'value' = '+155' LIMIT 1)"
		assert.Equal(t, want, got.SQL)
	})
}

func TestParseWherePredicate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name        string
		segment     string
		wantField   string
		wantLiteral string
		wantOK      bool
	}{
		{
			name:        "simple equality",
			segment:     "where(system='phone')",
			wantField:   "system",
			wantLiteral: "phone",
			wantOK:      true,
		},
		{
			name:        "literal with spaces",
			segment:     "where(use='old address')",
			wantField:   "use",
			wantLiteral: "old address",
			wantOK:      true,
		},
		{
			name:    "conjunction unsupported",
			segment: "where(a='1' and b='2')",
			wantOK:  false,
		},
		{
			name:    "disjunction unsupported",
			segment: "where(a='1' or b='2')",
			wantOK:  false,
		},
		{
			name:    "unquoted literal unsupported",
			segment: "where(count=5)",
			wantOK:  false,
		},
		{
			name:    "no comparison unsupported",
			segment: "where(active)",
			wantOK:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			field, literal, ok := parseWherePredicate(tt.segment)
			assert.Equal(t, tt.wantOK, ok)

			if tt.wantOK {
				assert.Equal(t, tt.wantField, field)
				assert.Equal(t, tt.wantLiteral, literal)
			}
		})
	}
}

func TestSplitSegments(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		path string
		want []string
	}{
		{
			name: "plain dots",
			path: "name.family",
			want: []string{"name", "family"},
		},
		{
			name: "dot inside where parentheses",
			path: "identifier.where(system='http://a.b').value",
			want: []string{"identifier", "where(system='http://a.b')", "value"},
		},
		{
			name: "single segment",
			path: "gender",
			want: []string{"gender"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitSegments(tt.path))
		})
	}
}
