// Package history tracks test outcomes across runs: it maintains bounded
// per-project run windows, derives flakiness signals for inconsistent
// tests, and computes duration trends with a performance-regression
// heuristic.
package history

import (
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"reportguard/internal/verify"
)

const (
	defaultWindowSize = 20
	patternLength     = 10
	minFlakyRuns      = 3
)

// FlakyTestEntry describes one test's outcome inconsistency over the
// analysis window.
type FlakyTestEntry struct {
	FlakinessScore float64 `json:"flakiness_score"`
	PassRate       float64 `json:"pass_rate"`
	FailRate       float64 `json:"fail_rate"`
	TotalRuns      int     `json:"total_runs"`
	RecentPattern  string  `json:"recent_pattern"`
	LastOutcome    string  `json:"last_outcome"`
	DetectedAt     string  `json:"detected_at"`
}

// TrackerConfig tunes the tracker. Zero values take defaults.
type TrackerConfig struct {
	// Dir is the storage directory; empty keeps state in memory only.
	Dir string
	// WindowSize bounds the flakiness analysis window (default 20 runs).
	WindowSize int
	// MaxRuns bounds the persisted history per project (default 100 runs).
	MaxRuns int
	Logger  *slog.Logger
	Now     func() time.Time
}

// Tracker ingests test runs and maintains per-project outcome history.
// Ingestion for the same project is serialized by a per-project lock;
// unrelated projects never contend.
type Tracker struct {
	cfg   TrackerConfig
	store *Store
	locks *xsync.MapOf[string, *sync.Mutex]
}

// IngestResult is the state computed by one ingestion. Returned even when
// persistence fails so the caller can retry the storage step.
type IngestResult struct {
	RunID      string
	Run        RunRecord
	FlakyTests map[string]FlakyTestEntry
}

func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = defaultWindowSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	store, err := NewStore(cfg.Dir, cfg.MaxRuns)
	if err != nil {
		return nil, err
	}
	return &Tracker{
		cfg:   cfg,
		store: store,
		locks: xsync.NewMapOf[string, *sync.Mutex](),
	}, nil
}

func (t *Tracker) projectLock(project string) *sync.Mutex {
	lock, _ := t.locks.LoadOrStore(project, &sync.Mutex{})
	return lock
}

// Ingest appends one run to the project's history and regenerates the
// project's flaky-test set. Counts are recomputed from the case list, never
// taken from the report's own aggregate. A StorageIOError is returned
// alongside the computed result; in-memory state is already updated.
func (t *Tracker) Ingest(project string, report verify.TestRunReport, runID string) (IngestResult, error) {
	if strings.TrimSpace(runID) == "" {
		runID = uuid.NewString()
	}
	record := t.buildRunRecord(report, runID)

	lock := t.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	window, appendErr := t.store.AppendRun(project, record)
	flaky := analyzeFlaky(window, t.cfg.WindowSize, t.cfg.Now())
	result := IngestResult{RunID: runID, Run: record, FlakyTests: flaky}
	if appendErr != nil {
		t.cfg.Logger.Error("history persistence failed",
			"project", project, "run_id", runID, "error", appendErr)
		return result, appendErr
	}

	if err := t.store.SetFlaky(project, FlakySet{
		UpdatedAt: t.cfg.Now().UTC().Format(time.RFC3339),
		Tests:     flaky,
	}); err != nil {
		t.cfg.Logger.Error("flaky set persistence failed",
			"project", project, "error", err)
		return result, err
	}
	t.cfg.Logger.Debug("run ingested",
		"project", project, "run_id", runID,
		"total", record.Total, "failed", record.Failed, "flaky_tests", len(flaky))
	return result, nil
}

// FlakyTests returns the current flaky set for a project.
func (t *Tracker) FlakyTests(project string) map[string]FlakyTestEntry {
	set, ok := t.store.Flaky(project)
	if !ok {
		return map[string]FlakyTestEntry{}
	}
	return set.Tests
}

// AllFlakyTests returns every project's flaky set.
func (t *Tracker) AllFlakyTests() map[string]FlakySet {
	return t.store.AllFlaky()
}

// RetryPersist retries the history write after a StorageIOError.
func (t *Tracker) RetryPersist() error {
	return t.store.FlushHistory()
}

func (t *Tracker) buildRunRecord(report verify.TestRunReport, runID string) RunRecord {
	record := RunRecord{
		RunID:     runID,
		Timestamp: t.cfg.Now().UTC().Format(time.RFC3339),
		Duration:  report.Duration,
		Tests:     make(map[string]RunCase, len(report.Cases)),
	}
	for _, tc := range report.Cases {
		record.Total++
		switch tc.Outcome {
		case verify.OutcomePassed:
			record.Passed++
		case verify.OutcomeFailed:
			record.Failed++
		case verify.OutcomeSkipped:
			record.Skipped++
		}
		rc := RunCase{Outcome: tc.Outcome, Duration: tc.Duration}
		if tc.Error != nil {
			rc.Error = tc.Error.Message
		}
		record.Tests[tc.ID] = rc
	}
	return record
}

// analyzeFlaky derives the flaky set from the most recent runs. Only tests
// with at least minFlakyRuns observations containing both a pass and a
// failure are eligible; purely-failing or purely-skipped tests are not
// flaky, just broken or ignored.
func analyzeFlaky(runs []RunRecord, window int, now time.Time) map[string]FlakyTestEntry {
	if len(runs) < minFlakyRuns {
		return map[string]FlakyTestEntry{}
	}
	if len(runs) > window {
		runs = runs[len(runs)-window:]
	}
	outcomes := map[string][]verify.Outcome{}
	for _, run := range runs {
		for name, tc := range run.Tests {
			outcomes[name] = append(outcomes[name], tc.Outcome)
		}
	}

	flaky := map[string]FlakyTestEntry{}
	for name, seq := range outcomes {
		if len(seq) < minFlakyRuns {
			continue
		}
		var passed, failed int
		for _, o := range seq {
			switch o {
			case verify.OutcomePassed:
				passed++
			case verify.OutcomeFailed:
				failed++
			}
		}
		if passed == 0 || failed == 0 {
			continue
		}
		total := len(seq)
		flaky[name] = FlakyTestEntry{
			FlakinessScore: round3(1 - math.Abs(float64(passed-failed))/float64(total)),
			PassRate:       round3(float64(passed) / float64(total)),
			FailRate:       round3(float64(failed) / float64(total)),
			TotalRuns:      total,
			RecentPattern:  renderPattern(seq),
			LastOutcome:    string(seq[len(seq)-1]),
			DetectedAt:     now.UTC().Format(time.RFC3339),
		}
	}
	return flaky
}

// renderPattern compresses the most recent outcomes into a P/F/S string in
// chronological order for human audit.
func renderPattern(seq []verify.Outcome) string {
	if len(seq) > patternLength {
		seq = seq[len(seq)-patternLength:]
	}
	var b strings.Builder
	for _, o := range seq {
		switch o {
		case verify.OutcomePassed:
			b.WriteByte('P')
		case verify.OutcomeFailed:
			b.WriteByte('F')
		default:
			b.WriteByte('S')
		}
	}
	return b.String()
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
