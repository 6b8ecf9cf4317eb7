package history

import (
	"errors"
	"math"
	"sort"
	"time"

	"reportguard/internal/verify"
)

// Recent durations beyond this factor of the window mean flag a regression.
const regressionFactorLimit = 1.5

// Regression detection needs at least this many recorded durations.
const minRegressionSamples = 5

// ErrNoData is returned when a trend query matches no stored runs.
var ErrNoData = errors.New("history: no data for requested window")

// DurationStats summarizes a test's recorded durations.
type DurationStats struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// TrendPoint is one historical observation of a test.
type TrendPoint struct {
	Timestamp string         `json:"timestamp"`
	Outcome   verify.Outcome `json:"outcome"`
	Duration  float64        `json:"duration"`
}

// Trends is the day-windowed summary for one named test. The regression
// flag is an early-warning heuristic, not a hypothesis test; it accepts
// false positives on small samples.
type Trends struct {
	TestID                string        `json:"test_id"`
	PeriodDays            int           `json:"period_days"`
	TotalRuns             int           `json:"total_runs"`
	Passed                int           `json:"passed"`
	Failed                int           `json:"failed"`
	Skipped               int           `json:"skipped"`
	SuccessRate           float64       `json:"success_rate"`
	Durations             DurationStats `json:"duration_stats"`
	RecentRuns            []TrendPoint  `json:"recent_runs"`
	PerformanceRegression bool          `json:"performance_regression"`
	RegressionFactor      float64       `json:"regression_factor,omitempty"`
}

// HealthPoint is one run's aggregate health within a project's history.
type HealthPoint struct {
	Timestamp   string  `json:"timestamp"`
	SuccessRate float64 `json:"success_rate"`
	TotalTests  int     `json:"total_tests"`
	FailedTests int     `json:"failed_tests"`
	Duration    float64 `json:"duration"`
}

// TestTrends computes outcome and duration trends for one test over the
// given day window.
func (t *Tracker) TestTrends(project, testID string, days int) (Trends, error) {
	if days <= 0 {
		days = 7
	}
	cutoff := t.cfg.Now().Add(-time.Duration(days) * 24 * time.Hour)

	points := make([]TrendPoint, 0)
	for _, run := range t.store.Runs(project) {
		if !withinWindow(run.Timestamp, cutoff) {
			continue
		}
		tc, ok := run.Tests[testID]
		if !ok {
			continue
		}
		points = append(points, TrendPoint{
			Timestamp: run.Timestamp,
			Outcome:   tc.Outcome,
			Duration:  tc.Duration,
		})
	}
	if len(points) == 0 {
		return Trends{}, ErrNoData
	}

	trends := Trends{
		TestID:     testID,
		PeriodDays: days,
		TotalRuns:  len(points),
	}
	durations := make([]float64, 0, len(points))
	for _, p := range points {
		switch p.Outcome {
		case verify.OutcomePassed:
			trends.Passed++
		case verify.OutcomeFailed:
			trends.Failed++
		case verify.OutcomeSkipped:
			trends.Skipped++
		}
		if p.Duration > 0 {
			durations = append(durations, p.Duration)
		}
	}
	trends.SuccessRate = float64(trends.Passed) / float64(len(points)) * 100
	trends.Durations = summarizeDurations(durations)

	recent := points
	if len(recent) > patternLength {
		recent = recent[len(recent)-patternLength:]
	}
	trends.RecentRuns = recent

	if len(durations) >= minRegressionSamples {
		recentMean := mean(durations[len(durations)-minRegressionSamples:])
		overallMean := mean(durations)
		if overallMean > 0 && recentMean > overallMean*regressionFactorLimit {
			trends.PerformanceRegression = true
			trends.RegressionFactor = recentMean / overallMean
		}
	}
	return trends, nil
}

// ProjectHealth returns the per-run success-rate series for a project over
// the given day window.
func (t *Tracker) ProjectHealth(project string, days int) []HealthPoint {
	if days <= 0 {
		days = 30
	}
	cutoff := t.cfg.Now().Add(-time.Duration(days) * 24 * time.Hour)
	out := make([]HealthPoint, 0)
	for _, run := range t.store.Runs(project) {
		if !withinWindow(run.Timestamp, cutoff) || run.Total == 0 {
			continue
		}
		out = append(out, HealthPoint{
			Timestamp:   run.Timestamp,
			SuccessRate: float64(run.Passed) / float64(run.Total) * 100,
			TotalTests:  run.Total,
			FailedTests: run.Failed,
			Duration:    run.Duration,
		})
	}
	return out
}

func withinWindow(timestamp string, cutoff time.Time) bool {
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return false
	}
	return !ts.Before(cutoff)
}

func summarizeDurations(values []float64) DurationStats {
	if len(values) == 0 {
		return DurationStats{}
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	stats := DurationStats{
		Mean:   mean(values),
		Median: median(sorted),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
	}
	if len(values) > 1 {
		stats.StdDev = stddev(values, stats.Mean)
	}
	return stats
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// stddev is the sample standard deviation (n-1 denominator).
func stddev(values []float64, avg float64) float64 {
	sum := 0.0
	for _, v := range values {
		d := v - avg
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)-1))
}
