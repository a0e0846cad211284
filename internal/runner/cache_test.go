package runner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinquery/clinquery/internal/views"
)

func TestResultCacheHitAndMiss(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cache := NewResultCache(time.Minute)

	_, ok := cache.Get("missing")
	assert.False(t, ok)

	cache.Put("key", &Result{ViewName: "patient_simple", RowCount: 3})

	got, ok := cache.Get("key")
	require.True(t, ok)
	assert.Equal(t, "patient_simple", got.ViewName)
	assert.Equal(t, 3, got.RowCount)

	hits, misses := cache.Counters()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestResultCacheExpiry(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cache := NewResultCache(time.Minute)

	current := time.Now()
	cache.now = func() time.Time { return current }

	cache.Put("key", &Result{ViewName: "patient_simple"})

	_, ok := cache.Get("key")
	assert.True(t, ok)

	// Past the TTL the entry is dropped on lookup.
	current = current.Add(2 * time.Minute)

	_, ok = cache.Get("key")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Len())
}

func TestResultCacheClearResetsCounters(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cache := NewResultCache(time.Minute)
	cache.Put("a", &Result{})
	cache.Get("a")
	cache.Get("b")

	cache.Clear()

	hits, misses := cache.Counters()
	assert.Equal(t, int64(0), hits)
	assert.Equal(t, int64(0), misses)
	assert.Equal(t, 0, cache.Len())

	_, ok := cache.Get("a")
	assert.False(t, ok)
}

func TestCacheKeyDiscriminates(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	def := &views.ViewDefinition{
		Name:     "patient_simple",
		Resource: "Patient",
		Select: []views.SelectScope{
			{Column: []views.Column{{Name: "id", Path: views.ResourceKeyPath}}},
		},
	}

	base := cacheKey(def, map[string]any{"gender": "female"}, 100, nil)

	t.Run("equal requests hash equally", func(t *testing.T) {
		assert.Equal(t, base, cacheKey(def, map[string]any{"gender": "female"}, 100, nil))
	})

	t.Run("different filters change the key", func(t *testing.T) {
		assert.NotEqual(t, base, cacheKey(def, map[string]any{"gender": "male"}, 100, nil))
	})

	t.Run("different limit changes the key", func(t *testing.T) {
		assert.NotEqual(t, base, cacheKey(def, map[string]any{"gender": "female"}, 10, nil))
	})

	t.Run("revised select tree changes the key", func(t *testing.T) {
		revised := *def
		revised.Select = []views.SelectScope{
			{Column: []views.Column{
				{Name: "id", Path: views.ResourceKeyPath},
				{Name: "gender", Path: "gender"},
			}},
		}

		assert.NotEqual(t, base, cacheKey(&revised, map[string]any{"gender": "female"}, 100, nil))
	})

	t.Run("predicates change the key", func(t *testing.T) {
		assert.NotEqual(t, base, cacheKey(def, map[string]any{"gender": "female"}, 100, []string{"r.kind = 'Patient'"}))
	})
}
