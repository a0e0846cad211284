package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinquery/clinquery/internal/runner"
	"github.com/clinquery/clinquery/internal/views"
)

// fakeRunner is a canned Runner for handler tests. It records the last
// request so tests can assert on limits and filters.
type fakeRunner struct {
	result   *runner.Result
	err      error
	count    int64
	countErr error

	lastDef     *views.ViewDefinition
	lastFilters map[string]any
	lastLimit   int

	stats        runner.StatisticsSnapshot
	cacheCleared int
}

func (f *fakeRunner) Execute(_ context.Context, def *views.ViewDefinition, filters map[string]any, limit int) (*runner.Result, error) {
	f.lastDef = def
	f.lastFilters = filters
	f.lastLimit = limit

	if f.err != nil {
		return nil, f.err
	}

	return f.result, nil
}

func (f *fakeRunner) ExecuteCount(_ context.Context, def *views.ViewDefinition, filters map[string]any) (int64, error) {
	f.lastDef = def
	f.lastFilters = filters

	return f.count, f.countErr
}

func (f *fakeRunner) Statistics() runner.StatisticsSnapshot {
	return f.stats
}

func (f *fakeRunner) ClearViewCache() {
	f.cacheCleared++
}

// bareRunner implements only the Runner interface, with no optional
// capabilities.
type bareRunner struct{}

func (bareRunner) Execute(context.Context, *views.ViewDefinition, map[string]any, int) (*runner.Result, error) {
	return &runner.Result{}, nil
}

func (bareRunner) ExecuteCount(context.Context, *views.ViewDefinition, map[string]any) (int64, error) {
	return 0, nil
}

func newTestServer(t *testing.T, rn runner.Runner) (*Server, *views.Store) {
	t.Helper()

	store, err := views.NewStore(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	server := NewServer(LoadServerConfig(), &Engine{Runner: rn, Views: store}, nil, nil)

	return server, store
}

func seedView(t *testing.T, store *views.Store, name string) {
	t.Helper()

	def := &views.ViewDefinition{
		Name:     name,
		Resource: "Patient",
		Select: []views.SelectScope{
			{Column: []views.Column{
				{Name: "id", Path: views.ResourceKeyPath},
				{Name: "gender", Path: "gender"},
			}},
		},
	}
	require.NoError(t, store.Save(def, ""))
}

func doRequest(server *Server, method, target, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rec, req)

	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) *ProblemDetail {
	t.Helper()

	var problem ProblemDetail

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))

	return &problem
}

func TestExecuteViewHandler(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fake := &fakeRunner{
		result: &runner.Result{
			ViewName: "patient_simple",
			Kind:     "Patient",
			RowCount: 2,
			Rows: []map[string]any{
				{"id": "pat-001", "gender": "female"},
				{"id": "pat-002", "gender": "male"},
			},
			Source: runner.SourceMaterialized,
		},
	}

	server, store := newTestServer(t, fake)
	seedView(t, store, "patient_simple")

	t.Run("executes with body filters and limit", func(t *testing.T) {
		rec := doRequest(server, http.MethodPost, "/api/v1/views/patient_simple/execute",
			`{"search_params":{"gender":"female"},"limit":25}`)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 25, fake.lastLimit)
		assert.Equal(t, map[string]any{"gender": "female"}, fake.lastFilters)

		var resp ExecuteViewResponse

		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "patient_simple", resp.ViewName)
		assert.Equal(t, 2, resp.RowCount)
		assert.Equal(t, runner.SourceMaterialized, resp.Source)
		assert.NotEmpty(t, resp.CorrelationID)
	})

	t.Run("empty body applies the default limit", func(t *testing.T) {
		rec := doRequest(server, http.MethodPost, "/api/v1/views/patient_simple/execute", "")

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, defaultExecuteLimit, fake.lastLimit)
	})

	t.Run("unknown view is 404", func(t *testing.T) {
		rec := doRequest(server, http.MethodPost, "/api/v1/views/nope/execute", "")

		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

		problem := decodeProblem(t, rec)
		assert.Contains(t, problem.Detail, "nope")
		assert.NotEmpty(t, problem.CorrelationID)
	})

	t.Run("malformed body is 400", func(t *testing.T) {
		rec := doRequest(server, http.MethodPost, "/api/v1/views/patient_simple/execute", "{not json")

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestExecuteViewErrorMapping(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{
			name:       "invalid input is 400",
			err:        runner.ErrInvalidInput,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "view not found is 404",
			err:        runner.ErrViewNotFound,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "not materialized is 409",
			err:        &runner.NotMaterializedError{View: "patient_simple"},
			wantStatus: http.StatusConflict,
		},
		{
			name:       "transient failure is 503",
			err:        runner.ErrTransient,
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "fatal failure is 500",
			err:        runner.ErrFatal,
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, store := newTestServer(t, &fakeRunner{err: tt.err})
			seedView(t, store, "patient_simple")

			rec := doRequest(server, http.MethodPost, "/api/v1/views/patient_simple/execute", "")
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestCountViewHandler(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fake := &fakeRunner{count: 42}
	server, store := newTestServer(t, fake)
	seedView(t, store, "patient_simple")

	rec := doRequest(server, http.MethodPost, "/api/v1/views/patient_simple/count",
		`{"search_params":{"gender":"female"}}`)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp CountViewResponse

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "patient_simple", resp.ViewName)
	assert.Equal(t, int64(42), resp.Count)
	assert.Equal(t, map[string]any{"gender": "female"}, fake.lastFilters)
}

func TestViewSchemaHandler(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	server, store := newTestServer(t, &fakeRunner{})
	seedView(t, store, "patient_simple")

	rec := doRequest(server, http.MethodGet, "/api/v1/views/patient_simple/schema", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ViewSchemaResponse

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "patient_simple", resp.ViewName)
	assert.Equal(t, "Patient", resp.Kind)
	assert.Equal(t, views.TypeString, resp.Schema["gender"])
}

func TestExecuteBatchHandler(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fake := &fakeRunner{
		result: &runner.Result{ViewName: "patient_simple", RowCount: 1, Source: runner.SourceRelational},
	}
	server, store := newTestServer(t, fake)
	seedView(t, store, "patient_simple")

	t.Run("missing view fails alone", func(t *testing.T) {
		rec := doRequest(server, http.MethodPost, "/api/v1/views/execute-batch",
			`{"views":["patient_simple","missing_view"]}`)

		require.Equal(t, http.StatusOK, rec.Code)

		var resp BatchExecuteResponse

		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Len(t, resp.Results, 1)
		assert.Contains(t, resp.Results, "patient_simple")
		assert.Equal(t, "view definition not found", resp.Errors["missing_view"])
	})

	t.Run("all succeeding omits the errors map", func(t *testing.T) {
		rec := doRequest(server, http.MethodPost, "/api/v1/views/execute-batch",
			`{"views":["patient_simple"]}`)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotContains(t, rec.Body.String(), `"errors"`)
	})

	t.Run("empty view list is 400", func(t *testing.T) {
		rec := doRequest(server, http.MethodPost, "/api/v1/views/execute-batch", `{"views":[]}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing content type is 415", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/views/execute-batch",
			strings.NewReader(`{"views":["patient_simple"]}`))

		rec := httptest.NewRecorder()
		server.httpServer.Handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	})
}

func TestViewDefinitionCRUD(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fake := &fakeRunner{}
	server, store := newTestServer(t, fake)
	seedView(t, store, "existing_view")

	t.Run("list", func(t *testing.T) {
		rec := doRequest(server, http.MethodGet, "/api/v1/views", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp ViewListResponse

		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Total)
		assert.Equal(t, "existing_view", resp.Views[0].Name)
	})

	t.Run("get", func(t *testing.T) {
		rec := doRequest(server, http.MethodGet, "/api/v1/views/existing_view", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var def views.ViewDefinition

		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &def))
		assert.Equal(t, "existing_view", def.Name)
	})

	t.Run("save clears the runner view cache", func(t *testing.T) {
		body := `{
			"name": "new_view",
			"resource": "Condition",
			"select": [{"column": [{"name": "id", "path": "getResourceKey()"}]}]
		}`

		before := fake.cacheCleared

		rec := doRequest(server, http.MethodPost, "/api/v1/views", body)
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, before+1, fake.cacheCleared)

		loaded, err := store.Load("new_view")
		require.NoError(t, err)
		assert.Equal(t, "Condition", loaded.Resource)
	})

	t.Run("save invalid definition is 400", func(t *testing.T) {
		rec := doRequest(server, http.MethodPost, "/api/v1/views", `{"name":"no_columns","select":[]}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("delete", func(t *testing.T) {
		rec := doRequest(server, http.MethodDelete, "/api/v1/views/existing_view", "")
		assert.Equal(t, http.StatusNoContent, rec.Code)

		rec = doRequest(server, http.MethodDelete, "/api/v1/views/existing_view", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestStatisticsHandler(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("runner with counters", func(t *testing.T) {
		fake := &fakeRunner{
			stats: runner.StatisticsSnapshot{TotalQueries: 7, MaterializedQueries: 5, Fallbacks: 1},
		}
		server, _ := newTestServer(t, fake)

		rec := doRequest(server, http.MethodGet, "/api/v1/statistics", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp StatisticsResponse

		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, int64(7), resp.Statistics.TotalQueries)
		assert.Equal(t, int64(1), resp.Statistics.Fallbacks)
	})

	t.Run("runner without counters is 404", func(t *testing.T) {
		server, _ := newTestServer(t, bareRunner{})

		rec := doRequest(server, http.MethodGet, "/api/v1/statistics", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHealthEndpoints(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	server, _ := newTestServer(t, &fakeRunner{})

	t.Run("ping", func(t *testing.T) {
		rec := doRequest(server, http.MethodGet, "/ping", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "pong", rec.Body.String())
	})

	t.Run("ready without storage is degraded-ready", func(t *testing.T) {
		rec := doRequest(server, http.MethodGet, "/ready", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ready", rec.Body.String())
	})

	t.Run("health", func(t *testing.T) {
		rec := doRequest(server, http.MethodGet, "/health", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var health HealthStatus

		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
		assert.Equal(t, "healthy", health.Status)
		assert.Equal(t, "clinquery", health.ServiceName)
	})

	t.Run("unknown path is 404 problem", func(t *testing.T) {
		rec := doRequest(server, http.MethodGet, "/api/v1/unknown", "")
		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	})
}

func TestEngineExecuteLimit(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	explicit := 10
	unlimited := -1

	t.Run("request limit wins", func(t *testing.T) {
		engine := &Engine{DefaultLimit: 500}
		assert.Equal(t, 10, engine.executeLimit(&explicit))
		assert.Equal(t, -1, engine.executeLimit(&unlimited))
	})

	t.Run("engine default applies when unset", func(t *testing.T) {
		engine := &Engine{DefaultLimit: 500}
		assert.Equal(t, 500, engine.executeLimit(nil))
	})

	t.Run("fallback default", func(t *testing.T) {
		engine := &Engine{}
		assert.Equal(t, defaultExecuteLimit, engine.executeLimit(nil))
	})
}
