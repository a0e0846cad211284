package matview

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeStaleness(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	threshold := 24 * time.Hour

	t.Run("never refreshed is stale", func(t *testing.T) {
		meta := &ViewMetadata{ViewName: "mv_patient_demographics"}
		meta.computeStaleness(now, threshold)

		assert.True(t, meta.IsStale)
		assert.Zero(t, meta.StalenessHours)
	})

	t.Run("fresh view is not stale", func(t *testing.T) {
		refreshed := now.Add(-6 * time.Hour)
		meta := &ViewMetadata{ViewName: "mv_patient_demographics", LastRefreshedAt: &refreshed}
		meta.computeStaleness(now, threshold)

		assert.False(t, meta.IsStale)
		assert.InDelta(t, 6.0, meta.StalenessHours, 0.001)
	})

	t.Run("view at the threshold is stale", func(t *testing.T) {
		refreshed := now.Add(-threshold)
		meta := &ViewMetadata{ViewName: "mv_patient_demographics", LastRefreshedAt: &refreshed}
		meta.computeStaleness(now, threshold)

		assert.True(t, meta.IsStale)
		assert.InDelta(t, 24.0, meta.StalenessHours, 0.001)
	})

	t.Run("old view is stale", func(t *testing.T) {
		refreshed := now.Add(-72 * time.Hour)
		meta := &ViewMetadata{ViewName: "mv_condition_simple", LastRefreshedAt: &refreshed}
		meta.computeStaleness(now, threshold)

		assert.True(t, meta.IsStale)
		assert.InDelta(t, 72.0, meta.StalenessHours, 0.001)
	})
}
