package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/clinquery/clinquery/internal/speedlayer"
	"github.com/clinquery/clinquery/internal/views"
)

// DefaultSpeedWindow bounds how far back the recent-writes scan reaches when
// the caller supplies no since timestamp.
const DefaultSpeedWindow = 24 * time.Hour

// SpeedResult is the recent-writes answer for one view: matching documents,
// their subject ids, and the window that produced them.
type SpeedResult struct {
	ViewName       string           `json:"view_name"`
	Source         string           `json:"source"`
	TotalCount     int              `json:"total_count"`
	PatientIDs     []string         `json:"patient_ids"`
	Resources      []map[string]any `json:"resources"`
	QueryTimestamp time.Time        `json:"query_timestamp"`
	Since          time.Time        `json:"since"`
}

// SpeedRunner answers view queries from the recent-writes cache. It supports
// a small fixed filter subset and reports documents rather than projected
// rows; the serving layer uses it for freshness observability, and the
// in-memory runner mode serves it directly.
type SpeedRunner struct {
	store  speedlayer.Store
	window time.Duration
	stats  *Statistics
	logger *slog.Logger
}

// NewSpeedRunner creates a recent-writes runner over the given cache.
func NewSpeedRunner(store speedlayer.Store, logger *slog.Logger) *SpeedRunner {
	return &SpeedRunner{
		store:  store,
		window: DefaultSpeedWindow,
		stats:  NewStatistics(),
		logger: logger,
	}
}

// Query scans the recent-writes cache for documents of the view's kind
// written at or after since (zero means now minus the default window),
// applies the supported filters, and truncates to limit.
func (r *SpeedRunner) Query(ctx context.Context, def *views.ViewDefinition, filters map[string]any, limit int, since time.Time) (*SpeedResult, error) {
	now := time.Now().UTC()

	if since.IsZero() {
		since = now.Add(-r.window)
	}

	kind := def.ResourceKind()

	start := time.Now()

	entries, err := r.store.ScanKind(ctx, kind, since, 0)
	if err != nil {
		return nil, fmt.Errorf("recent-writes scan failed for kind %s: %w", kind, err)
	}

	result := &SpeedResult{
		ViewName:       def.Name,
		Source:         SourceSpeedLayer,
		PatientIDs:     make([]string, 0),
		Resources:      make([]map[string]any, 0),
		QueryTimestamp: now,
		Since:          since,
	}

	for _, entry := range entries {
		if !matchesSpeedFilters(kind, entry.Resource, filters) {
			continue
		}

		result.TotalCount++

		if limit >= 0 && len(result.Resources) >= limit {
			continue
		}

		result.Resources = append(result.Resources, entry.Resource)

		if id := subjectID(kind, entry.Resource); id != "" {
			result.PatientIDs = append(result.PatientIDs, id)
		}
	}

	r.stats.RecordQuery(SourceSpeedLayer, time.Since(start))

	r.logger.Debug("Recent-writes query completed",
		slog.String("view", def.Name),
		slog.String("kind", kind),
		slog.Int("scanned", len(entries)),
		slog.Int("matched", result.TotalCount))

	return result, nil
}

// Execute satisfies Runner for the in-memory runner mode: rows are the raw
// cached documents.
func (r *SpeedRunner) Execute(ctx context.Context, def *views.ViewDefinition, filters map[string]any, limit int) (*Result, error) {
	speed, err := r.Query(ctx, def, filters, limit, time.Time{})
	if err != nil {
		return nil, err
	}

	return &Result{
		ViewName: def.Name,
		Kind:     def.ResourceKind(),
		RowCount: len(speed.Resources),
		Rows:     speed.Resources,
		Schema:   views.InferSchema(def),
		Source:   SourceSpeedLayer,
	}, nil
}

// ExecuteCount counts recent-writes matches within the default window.
func (r *SpeedRunner) ExecuteCount(ctx context.Context, def *views.ViewDefinition, filters map[string]any) (int64, error) {
	speed, err := r.Query(ctx, def, filters, -1, time.Time{})
	if err != nil {
		return 0, err
	}

	return int64(speed.TotalCount), nil
}

// Statistics returns a snapshot of this runner's counters.
func (r *SpeedRunner) Statistics() StatisticsSnapshot {
	return r.stats.Snapshot()
}

// matchesSpeedFilters applies the supported filter subset: gender for
// Patient documents, code for everything else. Unsupported keys are ignored;
// the batch layer owns complete filtering.
func matchesSpeedFilters(kind string, resource map[string]any, filters map[string]any) bool {
	if len(filters) == 0 {
		return true
	}

	if kind == views.DefaultResourceKind {
		if want, ok := filters["gender"].(string); ok {
			got, _ := resource["gender"].(string)
			if !strings.EqualFold(got, want) {
				return false
			}
		}

		return true
	}

	if want, ok := filters["code"].(string); ok {
		return matchesCode(resource, want)
	}

	return true
}

// matchesCode reports whether the document's code matches: exact match on any
// coding element's code, or case-insensitive substring of code.text.
func matchesCode(resource map[string]any, want string) bool {
	code, _ := resource["code"].(map[string]any)
	if code == nil {
		return false
	}

	if codings, ok := code["coding"].([]any); ok {
		for _, c := range codings {
			coding, ok := c.(map[string]any)
			if !ok {
				continue
			}

			if value, _ := coding["code"].(string); value == want {
				return true
			}
		}
	}

	if text, ok := code["text"].(string); ok {
		return strings.Contains(strings.ToLower(text), strings.ToLower(want))
	}

	return false
}

// subjectID extracts the subject id: the document id for Patient documents,
// otherwise the portion of subject.reference after the first slash.
func subjectID(kind string, resource map[string]any) string {
	if kind == views.DefaultResourceKind {
		id, _ := resource["id"].(string)

		return id
	}

	subject, _ := resource["subject"].(map[string]any)
	if subject == nil {
		return ""
	}

	ref, _ := subject["reference"].(string)

	if _, id, found := strings.Cut(ref, "/"); found {
		return id
	}

	return ""
}

var _ Runner = (*SpeedRunner)(nil)
