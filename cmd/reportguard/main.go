package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"reportguard/internal/deception"
	"reportguard/internal/history"
	"reportguard/internal/monitor"
	"reportguard/internal/verify"
)

func main() {
	mode := flag.String("mode", "build", "Operation: build|verify|check|score|ingest|flaky|trends|health|prompt|summary (check/score alert windows count within one invocation; the JSONL detection log accumulates across runs)")
	configPath := flag.String("config", envOr("REPORTGUARD_CONFIG", ""), "Path to yaml/json config file")
	reportPath := flag.String("report", "", "Path to test-run report JSON")
	recordPath := flag.String("record", "", "Path to verified record JSON")
	claimText := flag.String("claim", "", "Claim text to check against a record")
	claimPath := flag.String("claim-file", "", "File containing the claim text")
	signalsPath := flag.String("signals", "", "Path to deception signals JSON")
	project := flag.String("project", envOr("REPORTGUARD_PROJECT", "default"), "Project name for history and monitoring")
	testID := flag.String("test", "", "Test identifier for trends")
	days := flag.Int("days", 7, "Day window for trends and health queries")
	format := flag.String("format", "text", "Output format: text|json")
	outputPath := flag.String("out", "", "Write the result JSON to this file")
	strict := flag.Bool("strict", false, "Exit non-zero when verification fails or discrepancies are found")
	flag.Parse()

	cfg, err := monitor.LoadConfig(*configPath)
	if err != nil {
		exitWith("failed to load config: " + err.Error())
	}

	switch strings.ToLower(strings.TrimSpace(*mode)) {
	case "build":
		runBuild(cfg, *reportPath, *format, *outputPath)
	case "verify":
		runVerify(*recordPath, *format, *strict)
	case "check":
		runCheck(cfg, *recordPath, *claimText, *claimPath, *project, *format, *outputPath, *strict)
	case "score":
		runScore(cfg, *signalsPath, *format, *outputPath, *strict)
	case "ingest":
		runIngest(cfg, *reportPath, *project, *format)
	case "flaky":
		runFlaky(cfg, *project, *format)
	case "trends":
		runTrends(cfg, *project, *testID, *days, *format)
	case "health":
		runHealth(cfg, *project, *days, *format)
	case "prompt":
		runPrompt(*recordPath)
	case "summary":
		runSummary(cfg, *days, *format, *outputPath)
	default:
		exitWith("unknown mode: " + *mode)
	}
}

func runBuild(cfg monitor.Config, reportPath, format, outputPath string) {
	report := readReport(cfg, reportPath)
	record, err := newBuilder(cfg).Build(report)
	if err != nil {
		exitWith("failed to build record: " + err.Error())
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		printJSON(record)
	default:
		printRecordText(record)
	}
	writeOptionalJSON(outputPath, record)
}

func runVerify(recordPath, format string, strict bool) {
	record := readRecord(recordPath)
	ok := verify.VerifyRecord(record)
	result := map[string]any{
		"hash":     record.Verification.Hash,
		"verified": ok,
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		printJSON(result)
	default:
		if ok {
			fmt.Printf("VERIFIED %s\n", record.Verification.Hash)
		} else {
			fmt.Printf("HASH MISMATCH %s\n", record.Verification.Hash)
		}
	}
	if strict && !ok {
		os.Exit(1)
	}
}

func runCheck(cfg monitor.Config, recordPath, claimText, claimPath, project, format, outputPath string, strict bool) {
	record := readRecord(recordPath)
	claim := claimText
	if strings.TrimSpace(claimPath) != "" {
		data, err := os.ReadFile(filepath.Clean(claimPath))
		if err != nil {
			exitWith("failed to read claim file: " + err.Error())
		}
		claim = string(data)
	}
	if strings.TrimSpace(claim) == "" {
		exitWith("-claim or -claim-file is required for check mode")
	}

	result := verify.CheckClaim(claim, record)

	// Monitor state lives for this invocation only; the JSONL detection
	// log under cfg.LogDir is what persists across runs. Long-lived
	// deployments embed the monitor package directly.
	mon, err := monitor.NewMonitor(monitor.MonitorConfig{
		LogDir:         cfg.LogDir,
		AlertThreshold: cfg.AlertThreshold,
	})
	if err != nil {
		exitWith("failed to init monitor: " + err.Error())
	}
	if alert, alertErr := mon.RecordDetection(context.Background(), project, result); alertErr != nil {
		fmt.Fprintln(os.Stderr, "warning: alert delivery:", alertErr)
	} else if alert != nil {
		fmt.Fprintf(os.Stderr, "ALERT: %s reached %d detections\n", alert.Project, alert.HallucinationCount)
	}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		printJSON(result)
	default:
		printDetectionText(result)
	}
	writeOptionalJSON(outputPath, result)
	if strict && (!result.Verified || len(result.Discrepancies) > 0) {
		os.Exit(1)
	}
}

func runScore(cfg monitor.Config, signalsPath, format, outputPath string, strict bool) {
	if strings.TrimSpace(signalsPath) == "" {
		exitWith("-signals is required for score mode")
	}
	data, err := os.ReadFile(filepath.Clean(signalsPath))
	if err != nil {
		exitWith("failed to read signals: " + err.Error())
	}
	var signals deception.Signals
	if err := json.Unmarshal(data, &signals); err != nil {
		exitWith("failed to parse signals: " + err.Error())
	}

	score := deception.Aggregate(signals, cfg.Weights, cfg.Tiers)

	mon, err := monitor.NewMonitor(monitor.MonitorConfig{
		LogDir:         cfg.LogDir,
		AlertThreshold: cfg.AlertThreshold,
	})
	if err != nil {
		exitWith("failed to init monitor: " + err.Error())
	}
	mon.RecordDeception(context.Background(), score.Project, score, nil)

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		printJSON(score)
	default:
		printScoreText(score)
	}
	writeOptionalJSON(outputPath, score)
	if strict && score.Tier == deception.TierDeceptive {
		os.Exit(1)
	}
}

func runIngest(cfg monitor.Config, reportPath, project, format string) {
	report := readReport(cfg, reportPath)
	tracker := newTracker(cfg)
	result, err := tracker.Ingest(project, report, "")
	if err != nil {
		exitWith("failed to persist run: " + err.Error())
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		printJSON(result)
	default:
		fmt.Printf("Run %s ingested for %s: total=%d passed=%d failed=%d skipped=%d\n",
			result.RunID, project, result.Run.Total, result.Run.Passed, result.Run.Failed, result.Run.Skipped)
		printFlakyText(result.FlakyTests)
	}
}

func runFlaky(cfg monitor.Config, project, format string) {
	tracker := newTracker(cfg)
	flaky := tracker.FlakyTests(project)
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		printJSON(flaky)
	default:
		if len(flaky) == 0 {
			fmt.Printf("No flaky tests recorded for %s\n", project)
			return
		}
		printFlakyText(flaky)
	}
}

func runTrends(cfg monitor.Config, project, testID string, days int, format string) {
	if strings.TrimSpace(testID) == "" {
		exitWith("-test is required for trends mode")
	}
	tracker := newTracker(cfg)
	trends, err := tracker.TestTrends(project, testID, days)
	if err != nil {
		exitWith("failed to compute trends: " + err.Error())
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		printJSON(trends)
	default:
		fmt.Printf("%s over %dd: runs=%d passed=%d failed=%d skipped=%d success=%.1f%%\n",
			trends.TestID, trends.PeriodDays, trends.TotalRuns,
			trends.Passed, trends.Failed, trends.Skipped, trends.SuccessRate)
		fmt.Printf("  duration: mean=%.3fs median=%.3fs min=%.3fs max=%.3fs\n",
			trends.Durations.Mean, trends.Durations.Median, trends.Durations.Min, trends.Durations.Max)
		if trends.PerformanceRegression {
			fmt.Printf("  PERFORMANCE REGRESSION: recent runs %.1fx slower than the window mean\n",
				trends.RegressionFactor)
		}
	}
}

func runHealth(cfg monitor.Config, project string, days int, format string) {
	tracker := newTracker(cfg)
	points := tracker.ProjectHealth(project, days)
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		printJSON(points)
	default:
		if len(points) == 0 {
			fmt.Printf("No runs recorded for %s in the last %dd\n", project, days)
			return
		}
		for _, p := range points {
			fmt.Printf("%s  success=%.1f%%  tests=%d  failed=%d  duration=%.1fs\n",
				p.Timestamp, p.SuccessRate, p.TotalTests, p.FailedTests, p.Duration)
		}
	}
}

func runPrompt(recordPath string) {
	record := readRecord(recordPath)
	fmt.Println(verify.PromptTemplate(record))
}

func runSummary(cfg monitor.Config, days int, format, outputPath string) {
	tracker := newTracker(cfg)
	type projectDigest struct {
		Project    string  `json:"project"`
		Runs       int     `json:"runs"`
		LastRate   float64 `json:"last_success_rate"`
		FlakyTests int     `json:"flaky_tests"`
	}
	digests := []projectDigest{}
	for project, set := range tracker.AllFlakyTests() {
		points := tracker.ProjectHealth(project, days)
		d := projectDigest{Project: project, Runs: len(points), FlakyTests: len(set.Tests)}
		if len(points) > 0 {
			d.LastRate = points[len(points)-1].SuccessRate
		}
		digests = append(digests, d)
	}
	sort.Slice(digests, func(i, j int) bool { return digests[i].Project < digests[j].Project })

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		printJSON(digests)
	default:
		for _, d := range digests {
			fmt.Printf("%s: runs=%d last_success=%.1f%% flaky=%d\n",
				d.Project, d.Runs, d.LastRate, d.FlakyTests)
		}
		if len(digests) == 0 {
			fmt.Println("No project history recorded")
		}
	}
	writeOptionalJSON(outputPath, digests)
}

func newTracker(cfg monitor.Config) *history.Tracker {
	tracker, err := history.NewTracker(history.TrackerConfig{
		Dir:        cfg.HistoryDir,
		WindowSize: cfg.FlakyWindowRuns,
		MaxRuns:    cfg.HistoryMaxRuns,
	})
	if err != nil {
		exitWith("failed to open history store: " + err.Error())
	}
	return tracker
}

func newBuilder(cfg monitor.Config) *verify.Builder {
	return verify.NewBuilder(verify.BuilderConfig{
		RatePrecision: cfg.RatePrecision,
		ErrorLimit:    cfg.ErrorMessageLimit,
	})
}

func readReport(cfg monitor.Config, path string) verify.TestRunReport {
	if strings.TrimSpace(path) == "" {
		exitWith("-report is required for this mode")
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		exitWith("failed to read report: " + err.Error())
	}
	report, err := newBuilder(cfg).ParseReport(data)
	if err != nil {
		exitWith("failed to parse report: " + err.Error())
	}
	return report
}

func readRecord(path string) verify.ImmutableRecord {
	if strings.TrimSpace(path) == "" {
		exitWith("-record is required for this mode")
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		exitWith("failed to read record: " + err.Error())
	}
	var record verify.ImmutableRecord
	if err := json.Unmarshal(data, &record); err != nil {
		exitWith("failed to parse record: " + err.Error())
	}
	return record
}

func printRecordText(record verify.ImmutableRecord) {
	fmt.Printf("Tests: total=%d passed=%d failed=%d skipped=%d\n",
		record.Facts.TotalTestCount, record.Facts.PassedCount,
		record.Facts.FailedCount, record.Facts.SkippedCount)
	fmt.Printf("Success rate: %s%%\n", verify.RateString(record.Facts.ExactSuccessRate))
	fmt.Printf("Deployment allowed: %t\n", record.Facts.DeploymentAllowed)
	for _, detail := range record.FailedCaseDetails {
		fmt.Printf("  FAILED %s (%s)\n", detail.Name, detail.ErrorCategory)
	}
	fmt.Printf("Hash: %s\n", record.Verification.Hash)
}

func printDetectionText(result verify.DetectionResult) {
	if result.Verified {
		fmt.Println("Claim matches the verified record")
	} else {
		fmt.Printf("Claim check failed: %d discrepancies (max severity %s)\n",
			len(result.Discrepancies), result.MaxSeverity())
	}
	for _, d := range result.Discrepancies {
		fmt.Printf("  [%s] %s: %s\n", strings.ToUpper(string(d.Severity)), d.Kind, d.Explanation)
	}
	fmt.Printf("Trust score: %.2f\n", result.TrustScore)
}

func printScoreText(score deception.Score) {
	fmt.Printf("Project: %s\n", score.Project)
	fmt.Printf("Deception score: %.3f (trust %.3f, tier %s)\n",
		score.OverallDeceptionScore, score.TrustScore, score.Tier)
	names := make([]string, 0, len(score.Contributions))
	for name := range score.Contributions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %s: %.3f\n", name, score.Contributions[name])
	}
}

func printFlakyText(flaky map[string]history.FlakyTestEntry) {
	names := make([]string, 0, len(flaky))
	for name := range flaky {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		entry := flaky[name]
		fmt.Printf("  FLAKY %s score=%.3f pattern=%s (pass=%.0f%% over %d runs)\n",
			name, entry.FlakinessScore, entry.RecentPattern,
			entry.PassRate*100, entry.TotalRuns)
	}
}

func printJSON(value any) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		exitWith("failed to encode result JSON: " + err.Error())
	}
	fmt.Println(string(data))
}

func writeOptionalJSON(path string, value any) {
	if strings.TrimSpace(path) == "" {
		return
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		exitWith("failed to encode output JSON: " + err.Error())
	}
	if err := os.WriteFile(filepath.Clean(path), data, 0o644); err != nil {
		exitWith("failed to write output: " + err.Error())
	}
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func exitWith(message string) {
	fmt.Fprintln(os.Stderr, "error:", message)
	os.Exit(2)
}
