package history

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportguard/internal/verify"
)

// trendTracker advances the clock one hour per ingested run so every run
// lands at a distinct timestamp inside the query window.
func trendTracker(t *testing.T) (*Tracker, *time.Time) {
	t.Helper()
	current := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tracker, err := NewTracker(TrackerConfig{
		Now: func() time.Time { return current },
	})
	require.NoError(t, err)
	return tracker, &current
}

func ingestTimed(t *testing.T, tracker *Tracker, clock *time.Time, project string, outcome verify.Outcome, duration float64) {
	t.Helper()
	*clock = clock.Add(time.Hour)
	_, err := tracker.Ingest(project, reportWith(outcome, duration), fmt.Sprintf("run-%s", clock.Format("15")))
	require.NoError(t, err)
}

func TestTestTrendsAggregatesOutcomesAndDurations(t *testing.T) {
	tracker, clock := trendTracker(t)
	durations := []float64{0.2, 0.4, 0.6}
	for _, d := range durations {
		ingestTimed(t, tracker, clock, "proj", verify.OutcomePassed, d)
	}
	ingestTimed(t, tracker, clock, "proj", verify.OutcomeFailed, 0.8)

	trends, err := tracker.TestTrends("proj", "test_target", 7)
	require.NoError(t, err)
	assert.Equal(t, 4, trends.TotalRuns)
	assert.Equal(t, 3, trends.Passed)
	assert.Equal(t, 1, trends.Failed)
	assert.InDelta(t, 75.0, trends.SuccessRate, 1e-9)
	assert.InDelta(t, 0.5, trends.Durations.Mean, 1e-9)
	assert.InDelta(t, 0.5, trends.Durations.Median, 1e-9)
	assert.InDelta(t, 0.2, trends.Durations.Min, 1e-9)
	assert.InDelta(t, 0.8, trends.Durations.Max, 1e-9)
	assert.Len(t, trends.RecentRuns, 4)
	assert.False(t, trends.PerformanceRegression)
}

func TestTestTrendsUnknownTestReturnsErrNoData(t *testing.T) {
	tracker, clock := trendTracker(t)
	ingestTimed(t, tracker, clock, "proj", verify.OutcomePassed, 0.1)

	_, err := tracker.TestTrends("proj", "test_missing", 7)
	assert.ErrorIs(t, err, ErrNoData)

	_, err = tracker.TestTrends("other-project", "test_target", 7)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestTestTrendsDetectsPerformanceRegression(t *testing.T) {
	tracker, clock := trendTracker(t)
	// Stable baseline, then the last five runs slow down sharply.
	for i := 0; i < 10; i++ {
		ingestTimed(t, tracker, clock, "proj", verify.OutcomePassed, 0.1)
	}
	for i := 0; i < 5; i++ {
		ingestTimed(t, tracker, clock, "proj", verify.OutcomePassed, 2.0)
	}

	trends, err := tracker.TestTrends("proj", "test_target", 7)
	require.NoError(t, err)
	require.True(t, trends.PerformanceRegression)
	// recent mean 2.0 over overall mean (10*0.1+5*2.0)/15
	assert.InDelta(t, 2.0/(11.0/15.0), trends.RegressionFactor, 1e-9)
}

func TestTestTrendsNoRegressionBelowSampleMinimum(t *testing.T) {
	tracker, clock := trendTracker(t)
	for i := 0; i < 4; i++ {
		ingestTimed(t, tracker, clock, "proj", verify.OutcomePassed, 5.0)
	}
	trends, err := tracker.TestTrends("proj", "test_target", 7)
	require.NoError(t, err)
	assert.False(t, trends.PerformanceRegression)
}

func TestTestTrendsExcludesRunsOutsideWindow(t *testing.T) {
	tracker, clock := trendTracker(t)
	ingestTimed(t, tracker, clock, "proj", verify.OutcomeFailed, 0.3)
	// Jump the clock far past the first run before the second.
	*clock = clock.Add(10 * 24 * time.Hour)
	ingestTimed(t, tracker, clock, "proj", verify.OutcomePassed, 0.3)

	trends, err := tracker.TestTrends("proj", "test_target", 7)
	require.NoError(t, err)
	assert.Equal(t, 1, trends.TotalRuns)
	assert.Equal(t, 0, trends.Failed)
}

func TestProjectHealthSeries(t *testing.T) {
	tracker, clock := trendTracker(t)
	ingestTimed(t, tracker, clock, "proj", verify.OutcomePassed, 0.2)
	ingestTimed(t, tracker, clock, "proj", verify.OutcomeFailed, 0.2)

	points := tracker.ProjectHealth("proj", 7)
	require.Len(t, points, 2)
	// Each run carries test_target plus the always-passing test_stable.
	assert.InDelta(t, 100.0, points[0].SuccessRate, 1e-9)
	assert.Equal(t, 2, points[0].TotalTests)
	assert.InDelta(t, 50.0, points[1].SuccessRate, 1e-9)
	assert.Equal(t, 1, points[1].FailedTests)

	assert.Empty(t, tracker.ProjectHealth("unknown", 7))
}

func TestSummarizeDurations(t *testing.T) {
	stats := summarizeDurations([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.InDelta(t, 5.0, stats.Mean, 1e-9)
	assert.InDelta(t, 4.5, stats.Median, 1e-9)
	assert.InDelta(t, 2.0, stats.Min, 1e-9)
	assert.InDelta(t, 9.0, stats.Max, 1e-9)
	// sample standard deviation of the classic example set
	assert.InDelta(t, 2.138, stats.StdDev, 1e-3)

	assert.Equal(t, DurationStats{}, summarizeDurations(nil))
	single := summarizeDurations([]float64{3})
	assert.Equal(t, 0.0, single.StdDev)
	assert.Equal(t, 3.0, single.Mean)
}
