// Package monitor watches verification and deception results across
// projects, keeps per-project metrics, fires threshold alerts through
// registered callbacks, and appends an auditable detection log.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-multierror"
	"github.com/puzpuzpuz/xsync/v3"

	"reportguard/internal/deception"
	"reportguard/internal/verify"
)

const defaultAlertThreshold = 5

// Alert is delivered to callbacks when a project's detections since the
// last alert reach the threshold. Metrics is a snapshot taken before the
// window counter resets.
type Alert struct {
	Project            string         `json:"project"`
	Timestamp          string         `json:"timestamp"`
	HallucinationCount int            `json:"hallucination_count"`
	Metrics            ProjectMetrics `json:"metrics"`
}

// AlertCallback receives alerts synchronously, in registration order. A
// failing or panicking callback never blocks the others or the reset.
type AlertCallback func(Alert) error

// CallbackError identifies which registered callback failed.
type CallbackError struct {
	Index int
	Err   error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("alert callback %d: %v", e.Index, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }

type projectEntry struct {
	mu          sync.Mutex
	metrics     ProjectMetrics
	alertsFired int
}

// MonitorConfig tunes the monitor. Zero values take defaults; an empty
// LogDir disables the detection log.
type MonitorConfig struct {
	LogDir         string
	AlertThreshold int
	Logger         *slog.Logger
	Observer       *Observability
	Now            func() time.Time
}

// Monitor tracks detections per project. Safe for concurrent use;
// unrelated projects never contend.
type Monitor struct {
	cfg      MonitorConfig
	projects *xsync.MapOf[string, *projectEntry]

	cbMu      sync.RWMutex
	callbacks []AlertCallback
}

func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.AlertThreshold <= 0 {
		cfg.AlertThreshold = defaultAlertThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	return &Monitor{
		cfg:      cfg,
		projects: xsync.NewMapOf[string, *projectEntry](),
	}, nil
}

// AddAlertCallback registers a callback. Registration order is delivery
// order.
func (m *Monitor) AddAlertCallback(cb AlertCallback) {
	if cb == nil {
		return
	}
	m.cbMu.Lock()
	m.callbacks = append(m.callbacks, cb)
	m.cbMu.Unlock()
}

func (m *Monitor) entry(project string) *projectEntry {
	e, _ := m.projects.LoadOrStore(project, &projectEntry{metrics: newProjectMetrics(project)})
	return e
}

// RecordDetection folds one claim-check result into the project's metrics.
// Returns the fired alert, if the detection tipped the window over the
// threshold, plus any callback failures. Callback failures never abort the
// reset or the audit log.
func (m *Monitor) RecordDetection(ctx context.Context, project string, result verify.DetectionResult) (*Alert, error) {
	e := m.entry(project)
	e.mu.Lock()
	e.metrics.TotalChecks++
	m.cfg.Observer.MarkCheck(ctx, project)

	hallucinated := !result.Verified || len(result.Discrepancies) > 0
	if hallucinated {
		e.metrics.HallucinationsDetected++
		for _, d := range result.Discrepancies {
			e.metrics.SeverityBreakdown[string(d.Severity)]++
		}
		m.cfg.Observer.MarkHallucination(ctx, project)
		logFn := m.cfg.Logger.Info
		if result.MaxSeverity() == verify.SeverityCritical {
			logFn = m.cfg.Logger.Error
		}
		logFn("hallucination detected",
			"project", project,
			"discrepancies", len(result.Discrepancies),
			"max_severity", string(result.MaxSeverity()),
			"trust_score", result.TrustScore)
	}

	// The detection counter resets once an alert fires; the severity and
	// pattern breakdowns never do. The alert carries a pre-reset snapshot.
	var alert *Alert
	if e.metrics.HallucinationsDetected >= m.cfg.AlertThreshold {
		alert = &Alert{
			Project:            project,
			Timestamp:          m.cfg.Now().UTC().Format(time.RFC3339),
			HallucinationCount: e.metrics.HallucinationsDetected,
			Metrics:            e.metrics.clone(),
		}
		e.metrics.HallucinationsDetected = 0
		e.alertsFired++
	}
	e.mu.Unlock()

	if logErr := m.appendDetectionLog(project, detectionLogEntry{
		Timestamp:     m.cfg.Now().UTC().Format(time.RFC3339),
		Kind:          "claim_check",
		Verified:      result.Verified,
		TrustScore:    result.TrustScore,
		Discrepancies: result.Discrepancies,
	}); logErr != nil {
		m.cfg.Logger.Error("detection log append failed", "project", project, "error", logErr)
	}

	if alert == nil {
		return nil, nil
	}
	m.cfg.Observer.MarkAlert(ctx, project)
	m.cfg.Logger.Warn("hallucination alert",
		"project", project, "count", alert.HallucinationCount)
	return alert, m.deliver(*alert)
}

// RecordDeception folds one deception score and its pattern findings into
// the project's metrics and the audit log. Pattern counts are cumulative.
func (m *Monitor) RecordDeception(ctx context.Context, project string, score deception.Score, patterns []PatternFinding) {
	e := m.entry(project)
	e.mu.Lock()
	for _, p := range patterns {
		e.metrics.PatternBreakdown[p.Pattern]++
	}
	e.mu.Unlock()

	m.cfg.Observer.MarkDeceptionScore(ctx, project, score.OverallDeceptionScore)

	if logErr := m.appendDetectionLog(project, detectionLogEntry{
		Timestamp:  m.cfg.Now().UTC().Format(time.RFC3339),
		Kind:       "deception_score",
		TrustScore: score.TrustScore,
		Tier:       string(score.Tier),
		Patterns:   patterns,
	}); logErr != nil {
		m.cfg.Logger.Error("detection log append failed", "project", project, "error", logErr)
	}
}

// Metrics returns a snapshot of one project's cumulative metrics.
func (m *Monitor) Metrics(project string) (ProjectMetrics, bool) {
	e, ok := m.projects.Load(project)
	if !ok {
		return ProjectMetrics{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics.clone(), true
}

// Projects lists every monitored project, sorted.
func (m *Monitor) Projects() []string {
	var out []string
	m.projects.Range(func(project string, _ *projectEntry) bool {
		out = append(out, project)
		return true
	})
	sort.Strings(out)
	return out
}

// deliver invokes every callback in registration order, isolating
// failures and panics so one bad subscriber cannot starve the rest.
func (m *Monitor) deliver(alert Alert) error {
	m.cbMu.RLock()
	callbacks := make([]AlertCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.cbMu.RUnlock()

	var errs *multierror.Error
	for i, cb := range callbacks {
		if err := m.invoke(i, cb, alert); err != nil {
			m.cfg.Logger.Error("alert callback failed",
				"project", alert.Project, "callback", i, "error", err)
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (m *Monitor) invoke(index int, cb AlertCallback, alert Alert) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &CallbackError{Index: index, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if cbErr := cb(alert); cbErr != nil {
		return &CallbackError{Index: index, Err: cbErr}
	}
	return nil
}

type detectionLogEntry struct {
	Timestamp     string               `json:"timestamp"`
	Kind          string               `json:"kind"`
	Verified      bool                 `json:"verified,omitempty"`
	TrustScore    float64              `json:"trust_score"`
	Tier          string               `json:"tier,omitempty"`
	Discrepancies []verify.Discrepancy `json:"discrepancies,omitempty"`
	Patterns      []PatternFinding     `json:"patterns,omitempty"`
}

// appendDetectionLog appends one JSONL entry to the project's detection
// log under an OS file lock. The log is append-only; entries are never
// rewritten.
func (m *Monitor) appendDetectionLog(project string, entry detectionLogEntry) error {
	if m.cfg.LogDir == "" {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode detection entry: %w", err)
	}
	path := filepath.Join(m.cfg.LogDir, project+"_detections.jsonl")
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock detection log: %w", err)
	}
	defer lock.Unlock()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open detection log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append detection log: %w", err)
	}
	return nil
}
