package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportguard/internal/deception"
	"reportguard/internal/verify"
)

func newTestMonitor(t *testing.T, threshold int) *Monitor {
	t.Helper()
	m, err := NewMonitor(MonitorConfig{
		AlertThreshold: threshold,
		Now:            func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return m
}

func hallucinatedResult() verify.DetectionResult {
	return verify.DetectionResult{
		Verified: false,
		Discrepancies: []verify.Discrepancy{
			{Kind: "missing_failure_count", Severity: verify.SeverityCritical},
		},
		TrustScore: 0.8,
	}
}

func cleanResult() verify.DetectionResult {
	return verify.DetectionResult{Verified: true, TrustScore: 1.0}
}

func TestRecordDetectionFiresAlertAtThreshold(t *testing.T) {
	m := newTestMonitor(t, 3)
	ctx := context.Background()

	var alerts []Alert
	m.AddAlertCallback(func(a Alert) error {
		alerts = append(alerts, a)
		return nil
	})

	for i := 0; i < 2; i++ {
		alert, err := m.RecordDetection(ctx, "proj", hallucinatedResult())
		require.NoError(t, err)
		assert.Nil(t, alert)
	}
	alert, err := m.RecordDetection(ctx, "proj", hallucinatedResult())
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, "proj", alert.Project)
	assert.Equal(t, 3, alert.HallucinationCount)
	assert.Equal(t, 3, alert.Metrics.HallucinationsDetected, "alert snapshot is taken before the reset")
	require.Len(t, alerts, 1)

	// The detection counter resets with the alert.
	afterAlert, ok := m.Metrics("proj")
	require.True(t, ok)
	assert.Equal(t, 0, afterAlert.HallucinationsDetected)
	assert.Equal(t, 3, afterAlert.TotalChecks)

	// The next detection starts a fresh window.
	next, err := m.RecordDetection(ctx, "proj", hallucinatedResult())
	require.NoError(t, err)
	assert.Nil(t, next)
	require.Len(t, alerts, 1)

	metrics, ok := m.Metrics("proj")
	require.True(t, ok)
	assert.Equal(t, 4, metrics.TotalChecks)
	assert.Equal(t, 1, metrics.HallucinationsDetected)
	assert.Equal(t, 4, metrics.SeverityBreakdown["critical"], "breakdowns survive the reset")
}

func TestRecordDetectionCleanResultsNeverAlert(t *testing.T) {
	m := newTestMonitor(t, 2)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		alert, err := m.RecordDetection(ctx, "proj", cleanResult())
		require.NoError(t, err)
		assert.Nil(t, alert)
	}
	metrics, ok := m.Metrics("proj")
	require.True(t, ok)
	assert.Equal(t, 10, metrics.TotalChecks)
	assert.Equal(t, 0, metrics.HallucinationsDetected)
}

func TestCallbackFailuresAreIsolated(t *testing.T) {
	m := newTestMonitor(t, 1)
	ctx := context.Background()

	var order []string
	m.AddAlertCallback(func(Alert) error {
		order = append(order, "first")
		return errors.New("first failed")
	})
	m.AddAlertCallback(func(Alert) error {
		order = append(order, "second")
		panic("second panicked")
	})
	m.AddAlertCallback(func(Alert) error {
		order = append(order, "third")
		return nil
	})

	alert, err := m.RecordDetection(ctx, "proj", hallucinatedResult())
	require.NotNil(t, alert)
	require.Error(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, order)

	var cbErr *CallbackError
	require.ErrorAs(t, err, &cbErr)

	// The reset went through despite the failures.
	next, nextErr := m.RecordDetection(ctx, "proj", cleanResult())
	assert.Nil(t, next)
	assert.NoError(t, nextErr)
}

func TestSeverityAndPatternBreakdownsAccumulate(t *testing.T) {
	m := newTestMonitor(t, 100)
	ctx := context.Background()

	_, err := m.RecordDetection(ctx, "proj", verify.DetectionResult{
		Discrepancies: []verify.Discrepancy{
			{Kind: "missing_failure_count", Severity: verify.SeverityCritical},
			{Kind: "incorrect_success_rate", Severity: verify.SeverityHigh},
		},
	})
	require.NoError(t, err)
	_, err = m.RecordDetection(ctx, "proj", verify.DetectionResult{
		Discrepancies: []verify.Discrepancy{
			{Kind: "false_deployment_approval", Severity: verify.SeverityCritical},
		},
	})
	require.NoError(t, err)

	m.RecordDeception(ctx, "proj", deception.Score{Project: "proj", Tier: deception.TierSuspicious}, []PatternFinding{
		{Pattern: PatternMockAbuse, Severity: verify.SeverityCritical},
		{Pattern: PatternInstantPass, Severity: verify.SeverityHigh},
	})
	m.RecordDeception(ctx, "proj", deception.Score{Project: "proj"}, []PatternFinding{
		{Pattern: PatternMockAbuse, Severity: verify.SeverityCritical},
	})

	metrics, ok := m.Metrics("proj")
	require.True(t, ok)
	assert.Equal(t, 2, metrics.SeverityBreakdown["critical"])
	assert.Equal(t, 1, metrics.SeverityBreakdown["high"])
	assert.Equal(t, 2, metrics.PatternBreakdown[PatternMockAbuse])
	assert.Equal(t, 1, metrics.PatternBreakdown[PatternInstantPass])
}

func TestMetricsSnapshotDoesNotAliasLiveState(t *testing.T) {
	m := newTestMonitor(t, 100)
	_, err := m.RecordDetection(context.Background(), "proj", hallucinatedResult())
	require.NoError(t, err)

	snap, ok := m.Metrics("proj")
	require.True(t, ok)
	snap.SeverityBreakdown["critical"] = 99

	fresh, _ := m.Metrics("proj")
	assert.Equal(t, 1, fresh.SeverityBreakdown["critical"])
}

func TestDetectionLogIsAppendOnlyJSONL(t *testing.T) {
	dir := t.TempDir()
	m, err := NewMonitor(MonitorConfig{
		LogDir:         dir,
		AlertThreshold: 100,
		Now:            func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = m.RecordDetection(ctx, "proj", hallucinatedResult())
	require.NoError(t, err)
	m.RecordDeception(ctx, "proj", deception.Score{Project: "proj", TrustScore: 0.4, Tier: deception.TierDeceptive}, nil)

	f, err := os.Open(filepath.Join(dir, "proj_detections.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var kinds []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		kinds = append(kinds, entry["kind"].(string))
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{"claim_check", "deception_score"}, kinds)
}

func TestSummarizeRanksPatternsAndComputesRates(t *testing.T) {
	m := newTestMonitor(t, 100)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := m.RecordDetection(ctx, "proj", cleanResult())
		require.NoError(t, err)
	}
	_, err := m.RecordDetection(ctx, "proj", hallucinatedResult())
	require.NoError(t, err)
	m.RecordDeception(ctx, "proj", deception.Score{Project: "proj"}, []PatternFinding{
		{Pattern: PatternSkeletonImpl},
		{Pattern: PatternMockAbuse},
		{Pattern: PatternMockAbuse},
	})

	summary := m.Summarize()
	require.Len(t, summary.Projects, 1)
	ps := summary.Projects[0]
	assert.Equal(t, 5, ps.TotalChecks)
	assert.Equal(t, 1, ps.Hallucinations)
	assert.InDelta(t, 0.2, ps.HallucinationRate, 1e-9)
	require.Len(t, ps.TopPatterns, 2)
	assert.Equal(t, PatternMockAbuse, ps.TopPatterns[0].Pattern)
	assert.Equal(t, 2, ps.TopPatterns[0].Count)
}

func TestWriteSummaryPersistsDigest(t *testing.T) {
	dir := t.TempDir()
	m, err := NewMonitor(MonitorConfig{
		LogDir: dir,
		Now:    func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	_, err = m.RecordDetection(context.Background(), "proj", hallucinatedResult())
	require.NoError(t, err)

	_, err = m.WriteSummary()
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "monitor_summary.json"))
	require.NoError(t, err)
	var summary Summary
	require.NoError(t, json.Unmarshal(data, &summary))
	require.Len(t, summary.Projects, 1)
	assert.Equal(t, "proj", summary.Projects[0].Project)
}

func TestProjectsAreIsolated(t *testing.T) {
	m := newTestMonitor(t, 2)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		project := fmt.Sprintf("proj-%d", i%2)
		_, err := m.RecordDetection(ctx, project, hallucinatedResult())
		require.NoError(t, err)
	}
	// proj-0 hit the threshold and reset; proj-1 is mid-window.
	a, _ := m.Metrics("proj-0")
	b, _ := m.Metrics("proj-1")
	assert.Equal(t, 0, a.HallucinationsDetected)
	assert.Equal(t, 2, a.SeverityBreakdown["critical"])
	assert.Equal(t, 1, b.HallucinationsDetected)
	assert.Equal(t, []string{"proj-0", "proj-1"}, m.Projects())
}
