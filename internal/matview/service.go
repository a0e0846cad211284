package matview

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/clinquery/clinquery/internal/storage"
	"github.com/clinquery/clinquery/internal/transpiler"
	"github.com/clinquery/clinquery/internal/views"
)

// Sentinel errors for view lifecycle operations.
var (
	// ErrMatviewNotFound is returned when the named materialized view does
	// not exist in the analytics schema.
	ErrMatviewNotFound = errors.New("materialized view not found")

	// ErrRefreshInProgress is returned when a refresh is requested for a
	// view already refreshing.
	ErrRefreshInProgress = errors.New("refresh already in progress")

	// ErrCreateFailed is returned when view creation fails.
	ErrCreateFailed = errors.New("failed to create materialized view")

	// ErrRefreshFailed is returned when a refresh fails.
	ErrRefreshFailed = errors.New("failed to refresh materialized view")
)

// Subject dual-column names added to every materialized view so the join
// planner can join directly on extracted ids while the full reference text
// stays available.
const (
	subjectRefColumn = "patient_ref"
	subjectIDColumn  = "patient_id"
)

// Service owns materialized views and their metadata. All lifecycle
// operations keep the metadata record consistent with the underlying
// relation.
type Service struct {
	conn       *storage.Connection
	transpiler *transpiler.Transpiler
	schema     string
	threshold  time.Duration
	logger     *slog.Logger

	mutex      sync.Mutex
	refreshing map[string]bool
}

// NewService creates a materialized-view service over the given analytics
// schema.
func NewService(conn *storage.Connection, t *transpiler.Transpiler, schema string, threshold time.Duration, logger *slog.Logger) *Service {
	if threshold <= 0 {
		threshold = DefaultStalenessThreshold
	}

	return &Service{
		conn:       conn,
		transpiler: t,
		schema:     schema,
		threshold:  threshold,
		logger:     logger,
		refreshing: make(map[string]bool),
	}
}

// Exists probes the catalog for the named materialized view.
func (s *Service) Exists(ctx context.Context, name string) (bool, error) {
	query := `SELECT EXISTS (
		SELECT 1 FROM pg_matviews WHERE schemaname = $1 AND matviewname = $2
	)`

	ctx, cancel := s.conn.WithQueryDeadline(ctx)
	defer cancel()

	var exists bool
	if err := s.conn.QueryRowContext(ctx, query, s.schema, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to probe materialized view %s: %w", name, err)
	}

	return exists, nil
}

// CreateView materializes a view definition: drops any previous relation,
// creates the view from the generated plan with the subject dual columns
// appended, builds indexes, and seeds the metadata record. The caller is
// responsible for invalidating any existence caches.
func (s *Service) CreateView(ctx context.Context, def *views.ViewDefinition) error {
	plan, err := s.transpiler.BuildPlan(def, nil, -1)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCreateFailed, err)
	}

	s.appendSubjectColumns(plan, def.ResourceKind())

	ref := s.tableRef(def.Name)

	statements := []string{
		fmt.Sprintf("DROP MATERIALIZED VIEW IF EXISTS %s", ref),
		fmt.Sprintf("CREATE MATERIALIZED VIEW %s AS\n%s", ref, plan.SQL()),
	}

	statements = append(statements, s.indexStatements(def.Name, plan)...)

	for _, stmt := range statements {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrCreateFailed, def.Name, err)
		}
	}

	if err := s.ensureMetadata(ctx, def.Name); err != nil {
		return err
	}

	s.logger.Info("Materialized view created",
		slog.String("view", def.Name),
		slog.String("schema", s.schema))

	return nil
}

// appendSubjectColumns adds the id column and the subject dual columns when
// the definition does not already project them.
func (s *Service) appendSubjectColumns(plan *transpiler.Plan, kind string) {
	existing := make(map[string]bool, len(plan.Columns))
	for _, col := range plan.Columns {
		existing[col.Name] = true
	}

	add := func(name, sql string) {
		if !existing[name] {
			plan.Columns = append(plan.Columns, transpiler.ProjectedColumn{Name: name, SQL: sql})
			existing[name] = true
		}
	}

	add("id", "r.id::text")

	if kind == views.DefaultResourceKind {
		add(subjectIDColumn, "r.id::text")

		return
	}

	subjectRef := transpiler.DocColumn + "->'subject'->>'reference'"

	add(subjectRefColumn, subjectRef)
	add(subjectIDColumn, fmt.Sprintf("split_part(%s, '/', 2)", subjectRef))
}

// indexStatements builds indexes on id, the subject id column, and commonly
// filtered coded columns the view happens to project.
func (s *Service) indexStatements(view string, plan *transpiler.Plan) []string {
	indexed := []string{"id", subjectIDColumn}

	for _, col := range plan.Columns {
		switch col.Name {
		case "code", "icd10_code", "snomed_code", "status", "gender":
			indexed = append(indexed, col.Name)
		}
	}

	stmts := make([]string, 0, len(indexed))

	for _, col := range indexed {
		stmts = append(stmts, fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			pq.QuoteIdentifier(fmt.Sprintf("idx_%s_%s", view, col)),
			s.tableRef(view),
			pq.QuoteIdentifier(col),
		))
	}

	return stmts
}

// RefreshView refreshes one materialized view and updates its metadata. A
// view already refreshing rejects the second refresh. Refreshes are
// idempotent with respect to the logical row set.
func (s *Service) RefreshView(ctx context.Context, name string) error {
	if !s.beginRefresh(name) {
		return fmt.Errorf("%w: %s", ErrRefreshInProgress, name)
	}

	defer s.endRefresh(name)

	exists, err := s.Exists(ctx, name)
	if err != nil {
		return err
	}

	if !exists {
		return fmt.Errorf("%w: %s", ErrMatviewNotFound, name)
	}

	jobID := uuid.NewString()

	s.logger.Info("Refreshing materialized view",
		slog.String("view", name),
		slog.String("job_id", jobID))

	if err := s.setStatus(ctx, name, StatusRefreshing); err != nil {
		return err
	}

	start := time.Now()

	_, refreshErr := s.conn.ExecContext(ctx, fmt.Sprintf("REFRESH MATERIALIZED VIEW %s", s.tableRef(name)))

	elapsed := time.Since(start)

	if refreshErr != nil {
		if err := s.recordFailure(ctx, name, refreshErr); err != nil {
			s.logger.Error("Failed to record refresh failure",
				slog.String("view", name),
				slog.String("error", err.Error()))
		}

		return fmt.Errorf("%w: %s: %w", ErrRefreshFailed, name, refreshErr)
	}

	rowCount, sizeBytes := s.collectSizing(ctx, name)

	if err := s.recordSuccess(ctx, name, elapsed, rowCount, sizeBytes); err != nil {
		return err
	}

	s.logger.Info("Materialized view refreshed",
		slog.String("view", name),
		slog.String("job_id", jobID),
		slog.Duration("duration", elapsed),
		slog.Int64("row_count", rowCount),
		slog.Int64("size_bytes", sizeBytes))

	return nil
}

// RefreshAll refreshes every materialized view in the schema and reports a
// summary. Individual failures do not stop the sweep.
func (s *Service) RefreshAll(ctx context.Context) (*RefreshSummary, error) {
	all, err := s.ListViews(ctx)
	if err != nil {
		return nil, err
	}

	summary := &RefreshSummary{Total: len(all)}

	for _, meta := range all {
		if err := s.RefreshView(ctx, meta.ViewName); err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", meta.ViewName, err))

			continue
		}

		summary.Refreshed++
	}

	return summary, nil
}

// CheckAndRefreshStale recomputes staleness for every auto-refresh view and
// refreshes the stale ones.
func (s *Service) CheckAndRefreshStale(ctx context.Context) (*RefreshSummary, error) {
	all, err := s.ListViews(ctx)
	if err != nil {
		return nil, err
	}

	summary := &RefreshSummary{}

	for _, meta := range all {
		if !meta.AutoRefreshEnabled || !meta.IsStale {
			continue
		}

		summary.Total++

		if err := s.RefreshView(ctx, meta.ViewName); err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", meta.ViewName, err))

			continue
		}

		summary.Refreshed++
	}

	return summary, nil
}

// ListViews returns metadata for every materialized view in the schema,
// staleness recomputed against the current clock.
func (s *Service) ListViews(ctx context.Context) ([]ViewMetadata, error) {
	query := `
		SELECT
			m.matviewname,
			COALESCE(md.status, 'unknown'),
			md.last_refreshed_at,
			COALESCE(md.refresh_duration_ms, 0),
			COALESCE(md.row_count, 0),
			COALESCE(md.size_bytes, 0),
			COALESCE(md.auto_refresh_enabled, TRUE),
			COALESCE(md.refresh_interval_hours, 24),
			COALESCE(md.error_message, '')
		FROM pg_matviews m
		LEFT JOIN ` + s.metadataTable() + ` md ON md.view_name = m.matviewname
		WHERE m.schemaname = $1
		ORDER BY m.matviewname`

	ctx, cancel := s.conn.WithQueryDeadline(ctx)
	defer cancel()

	rows, err := s.conn.QueryContext(ctx, query, s.schema)
	if err != nil {
		return nil, fmt.Errorf("failed to list materialized views: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	now := time.Now()

	var result []ViewMetadata

	for rows.Next() {
		var (
			meta        ViewMetadata
			refreshedAt sql.NullTime
		)

		err := rows.Scan(
			&meta.ViewName,
			&meta.Status,
			&refreshedAt,
			&meta.RefreshDurationMS,
			&meta.RowCount,
			&meta.SizeBytes,
			&meta.AutoRefreshEnabled,
			&meta.RefreshIntervalHrs,
			&meta.ErrorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan view metadata: %w", err)
		}

		if refreshedAt.Valid {
			t := refreshedAt.Time
			meta.LastRefreshedAt = &t
		}

		meta.computeStaleness(now, s.threshold)

		result = append(result, meta)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate view metadata: %w", err)
	}

	return result, nil
}

// GetViewStatus returns metadata for one materialized view.
func (s *Service) GetViewStatus(ctx context.Context, name string) (*ViewMetadata, error) {
	all, err := s.ListViews(ctx)
	if err != nil {
		return nil, err
	}

	for i := range all {
		if all[i].ViewName == name {
			return &all[i], nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrMatviewNotFound, name)
}

// beginRefresh marks the view as refreshing; false means a refresh is
// already running.
func (s *Service) beginRefresh(name string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.refreshing[name] {
		return false
	}

	s.refreshing[name] = true

	return true
}

func (s *Service) endRefresh(name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.refreshing, name)
}

func (s *Service) ensureMetadata(ctx context.Context, name string) error {
	query := `
		INSERT INTO ` + s.metadataTable() + ` (view_name, status)
		VALUES ($1, 'unknown')
		ON CONFLICT (view_name) DO NOTHING`

	if _, err := s.conn.ExecContext(ctx, query, name); err != nil {
		return fmt.Errorf("failed to seed view metadata for %s: %w", name, err)
	}

	return nil
}

func (s *Service) setStatus(ctx context.Context, name, status string) error {
	if err := s.ensureMetadata(ctx, name); err != nil {
		return err
	}

	query := `UPDATE ` + s.metadataTable() + ` SET status = $2 WHERE view_name = $1`

	if _, err := s.conn.ExecContext(ctx, query, name, status); err != nil {
		return fmt.Errorf("failed to update status for %s: %w", name, err)
	}

	return nil
}

func (s *Service) recordSuccess(ctx context.Context, name string, elapsed time.Duration, rowCount, sizeBytes int64) error {
	query := `
		UPDATE ` + s.metadataTable() + ` SET
			status = 'active',
			last_refreshed_at = NOW(),
			refresh_duration_ms = $2,
			row_count = $3,
			size_bytes = $4,
			error_message = NULL
		WHERE view_name = $1`

	if _, err := s.conn.ExecContext(ctx, query, name, elapsed.Milliseconds(), rowCount, sizeBytes); err != nil {
		return fmt.Errorf("failed to record refresh success for %s: %w", name, err)
	}

	return nil
}

func (s *Service) recordFailure(ctx context.Context, name string, cause error) error {
	query := `
		UPDATE ` + s.metadataTable() + ` SET
			status = 'failed',
			error_message = $2
		WHERE view_name = $1`

	if _, err := s.conn.ExecContext(ctx, query, name, cause.Error()); err != nil {
		return fmt.Errorf("failed to record refresh failure for %s: %w", name, err)
	}

	return nil
}

// collectSizing reads the post-refresh row count and relation size. Failures
// degrade to zero; sizing is informational.
func (s *Service) collectSizing(ctx context.Context, name string) (int64, int64) {
	var rowCount, sizeBytes int64

	ctx, cancel := s.conn.WithQueryDeadline(ctx)
	defer cancel()

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s", s.tableRef(name))
	if err := s.conn.QueryRowContext(ctx, countQuery).Scan(&rowCount); err != nil {
		s.logger.Warn("Failed to count refreshed view rows",
			slog.String("view", name),
			slog.String("error", err.Error()))
	}

	sizeQuery := "SELECT pg_total_relation_size($1)"
	if err := s.conn.QueryRowContext(ctx, sizeQuery, s.schema+"."+name).Scan(&sizeBytes); err != nil {
		s.logger.Warn("Failed to read refreshed view size",
			slog.String("view", name),
			slog.String("error", err.Error()))
	}

	return rowCount, sizeBytes
}

func (s *Service) tableRef(name string) string {
	return pq.QuoteIdentifier(s.schema) + "." + pq.QuoteIdentifier(name)
}

func (s *Service) metadataTable() string {
	return pq.QuoteIdentifier(s.schema) + ".view_metadata"
}
