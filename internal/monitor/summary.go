package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
)

// ProjectSummary condenses one project's cumulative metrics for periodic
// reporting.
type ProjectSummary struct {
	Project           string         `json:"project"`
	TotalChecks       int            `json:"total_checks"`
	Hallucinations    int            `json:"hallucinations"`
	HallucinationRate float64        `json:"hallucination_rate"`
	AlertsFired       int            `json:"alerts_fired"`
	TopPatterns       []PatternCount `json:"top_patterns"`
}

type PatternCount struct {
	Pattern string `json:"pattern"`
	Count   int    `json:"count"`
}

// Summary is a point-in-time digest across every monitored project.
type Summary struct {
	GeneratedAt string           `json:"generated_at"`
	Projects    []ProjectSummary `json:"projects"`
}

// Summarize snapshots every project's metrics into a digest, projects
// sorted by name and patterns by descending count.
func (m *Monitor) Summarize() Summary {
	summary := Summary{
		GeneratedAt: m.cfg.Now().UTC().Format(time.RFC3339),
	}
	for _, project := range m.Projects() {
		e, ok := m.projects.Load(project)
		if !ok {
			continue
		}
		e.mu.Lock()
		metrics := e.metrics.clone()
		alerts := e.alertsFired
		e.mu.Unlock()

		ps := ProjectSummary{
			Project:           project,
			TotalChecks:       metrics.TotalChecks,
			Hallucinations:    metrics.HallucinationsDetected,
			HallucinationRate: metrics.HallucinationRate(),
			AlertsFired:       alerts,
		}
		for pattern, count := range metrics.PatternBreakdown {
			ps.TopPatterns = append(ps.TopPatterns, PatternCount{Pattern: pattern, Count: count})
		}
		sort.Slice(ps.TopPatterns, func(i, j int) bool {
			if ps.TopPatterns[i].Count != ps.TopPatterns[j].Count {
				return ps.TopPatterns[i].Count > ps.TopPatterns[j].Count
			}
			return ps.TopPatterns[i].Pattern < ps.TopPatterns[j].Pattern
		})
		summary.Projects = append(summary.Projects, ps)
	}
	return summary
}

// WriteSummary persists the current digest to monitor_summary.json in the
// log directory. No-op without a log directory.
func (m *Monitor) WriteSummary() (Summary, error) {
	summary := m.Summarize()
	if m.cfg.LogDir == "" {
		return summary, nil
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return summary, fmt.Errorf("encode summary: %w", err)
	}
	path := filepath.Join(m.cfg.LogDir, "monitor_summary.json")
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return summary, fmt.Errorf("lock summary: %w", err)
	}
	defer lock.Unlock()
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return summary, fmt.Errorf("write summary: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return summary, fmt.Errorf("rename summary: %w", err)
	}
	return summary, nil
}

// StartPeriodicSummary writes the digest on a fixed interval until the
// context is cancelled. Write failures are logged and do not stop the
// ticker.
func (m *Monitor) StartPeriodicSummary(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.WriteSummary(); err != nil {
					m.cfg.Logger.Error("periodic summary write failed", "error", err)
				}
			}
		}
	}()
}
