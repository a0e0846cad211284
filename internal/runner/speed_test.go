package runner

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinquery/clinquery/internal/speedlayer"
	"github.com/clinquery/clinquery/internal/views"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func patientSimpleDef() *views.ViewDefinition {
	return &views.ViewDefinition{
		Name:     "patient_simple",
		Resource: "Patient",
		Select: []views.SelectScope{
			{Column: []views.Column{
				{Name: "id", Path: views.ResourceKeyPath},
				{Name: "gender", Path: "gender"},
			}},
		},
	}
}

func conditionSimpleDef() *views.ViewDefinition {
	return &views.ViewDefinition{
		Name:     "condition_simple",
		Resource: "Condition",
		Select: []views.SelectScope{
			{Column: []views.Column{
				{Name: "id", Path: views.ResourceKeyPath},
				{Name: "code_text", Path: "code.text"},
			}},
		},
	}
}

func seedPatients(t *testing.T, store speedlayer.Store) {
	t.Helper()

	ctx := context.Background()

	patients := []map[string]any{
		{"id": "pat-001", "gender": "female"},
		{"id": "pat-002", "gender": "male"},
		{"id": "pat-003", "gender": "female"},
	}

	for _, p := range patients {
		id, _ := p["id"].(string)
		require.NoError(t, store.Put(ctx, "Patient", id, p, time.Hour))
	}
}

func TestSpeedRunnerQuery(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := speedlayer.NewMemoryStore()
	seedPatients(t, store)

	r := NewSpeedRunner(store, discardLogger())

	result, err := r.Query(context.Background(), patientSimpleDef(), nil, -1, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, "patient_simple", result.ViewName)
	assert.Equal(t, SourceSpeedLayer, result.Source)
	assert.Equal(t, 3, result.TotalCount)
	assert.Len(t, result.Resources, 3)
	assert.ElementsMatch(t, []string{"pat-001", "pat-002", "pat-003"}, result.PatientIDs)
	assert.False(t, result.Since.IsZero())
}

func TestSpeedRunnerGenderFilter(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := speedlayer.NewMemoryStore()
	seedPatients(t, store)

	r := NewSpeedRunner(store, discardLogger())

	result, err := r.Query(context.Background(), patientSimpleDef(), map[string]any{"gender": "Female"}, -1, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, 2, result.TotalCount)
	assert.ElementsMatch(t, []string{"pat-001", "pat-003"}, result.PatientIDs)
}

func TestSpeedRunnerLimitCountsBeyondTruncation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := speedlayer.NewMemoryStore()
	seedPatients(t, store)

	r := NewSpeedRunner(store, discardLogger())

	result, err := r.Query(context.Background(), patientSimpleDef(), nil, 1, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, 3, result.TotalCount)
	assert.Len(t, result.Resources, 1)
}

func TestSpeedRunnerCodeFilter(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := speedlayer.NewMemoryStore()

	conditions := []map[string]any{
		{
			"id": "cond-001",
			"code": map[string]any{
				"coding": []any{
					map[string]any{"system": "http://snomed.info/sct", "code": "44054006"},
				},
				"text": "Diabetes mellitus type 2",
			},
			"subject": map[string]any{"reference": "Patient/pat-001"},
		},
		{
			"id": "cond-002",
			"code": map[string]any{
				"coding": []any{
					map[string]any{"system": "http://snomed.info/sct", "code": "38341003"},
				},
				"text": "Essential hypertension",
			},
			"subject": map[string]any{"reference": "Patient/pat-002"},
		},
	}

	for _, c := range conditions {
		id, _ := c["id"].(string)
		require.NoError(t, store.Put(ctx, "Condition", id, c, time.Hour))
	}

	r := NewSpeedRunner(store, discardLogger())

	t.Run("exact coding match", func(t *testing.T) {
		result, err := r.Query(ctx, conditionSimpleDef(), map[string]any{"code": "44054006"}, -1, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, 1, result.TotalCount)
		assert.Equal(t, []string{"pat-001"}, result.PatientIDs)
	})

	t.Run("text substring match is case insensitive", func(t *testing.T) {
		result, err := r.Query(ctx, conditionSimpleDef(), map[string]any{"code": "hypertension"}, -1, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, 1, result.TotalCount)
		assert.Equal(t, []string{"pat-002"}, result.PatientIDs)
	})

	t.Run("no match", func(t *testing.T) {
		result, err := r.Query(ctx, conditionSimpleDef(), map[string]any{"code": "asthma"}, -1, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, 0, result.TotalCount)
	})
}

func TestSpeedRunnerSinceWindow(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := speedlayer.NewMemoryStore()
	seedPatients(t, store)

	r := NewSpeedRunner(store, discardLogger())

	// A since timestamp in the future excludes everything already cached.
	result, err := r.Query(ctx, patientSimpleDef(), nil, -1, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, result.TotalCount)
}

func TestSpeedRunnerExecute(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := speedlayer.NewMemoryStore()
	seedPatients(t, store)

	r := NewSpeedRunner(store, discardLogger())

	result, err := r.Execute(context.Background(), patientSimpleDef(), nil, -1)
	require.NoError(t, err)

	assert.Equal(t, SourceSpeedLayer, result.Source)
	assert.Equal(t, "Patient", result.Kind)
	assert.Equal(t, 3, result.RowCount)
	assert.Contains(t, result.Schema, "gender")
}

func TestSpeedRunnerExecuteCount(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := speedlayer.NewMemoryStore()
	seedPatients(t, store)

	r := NewSpeedRunner(store, discardLogger())

	count, err := r.ExecuteCount(context.Background(), patientSimpleDef(), map[string]any{"gender": "male"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	snap := r.Statistics()
	assert.Equal(t, int64(1), snap.SpeedQueries)
}

func TestSubjectID(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name     string
		kind     string
		resource map[string]any
		want     string
	}{
		{
			name:     "patient uses its own id",
			kind:     "Patient",
			resource: map[string]any{"id": "pat-001"},
			want:     "pat-001",
		},
		{
			name: "other kinds use the subject reference",
			kind: "Observation",
			resource: map[string]any{
				"id":      "obs-001",
				"subject": map[string]any{"reference": "Patient/pat-042"},
			},
			want: "pat-042",
		},
		{
			name:     "missing subject yields empty",
			kind:     "Condition",
			resource: map[string]any{"id": "cond-001"},
			want:     "",
		},
		{
			name: "reference without slash yields empty",
			kind: "Condition",
			resource: map[string]any{
				"subject": map[string]any{"reference": "pat-001"},
			},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, subjectID(tt.kind, tt.resource))
		})
	}
}
