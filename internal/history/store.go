package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gofrs/flock"

	"reportguard/internal/verify"
)

const (
	historyFileName = "test_history.json"
	flakyFileName   = "flaky_tests.json"

	defaultMaxRuns = 100
)

// StorageIOError wraps a failed read or write of the persisted state.
// Distinguished from computation errors so callers can retry persistence
// without recomputing.
type StorageIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageIOError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageIOError) Unwrap() error { return e.Err }

// RunCase is one test's outcome within a stored run.
type RunCase struct {
	Outcome  verify.Outcome `json:"outcome"`
	Duration float64        `json:"duration"`
	Error    string         `json:"error,omitempty"`
}

// RunRecord is one ingested test run as persisted in the history file.
type RunRecord struct {
	RunID     string             `json:"run_id"`
	Timestamp string             `json:"timestamp"`
	Total     int                `json:"total"`
	Passed    int                `json:"passed"`
	Failed    int                `json:"failed"`
	Skipped   int                `json:"skipped"`
	Duration  float64            `json:"duration"`
	Tests     map[string]RunCase `json:"tests"`
}

// FlakySet is the current flaky-test analysis for one project, regenerated
// after every ingestion.
type FlakySet struct {
	UpdatedAt string                    `json:"updated_at"`
	Tests     map[string]FlakyTestEntry `json:"tests"`
}

// Store persists run history and the derived flaky-test sets as flat JSON
// files. Writes are marshal-to-temp-then-rename under an OS file lock, so a
// crash mid-update never corrupts the stored file.
type Store struct {
	mu          sync.Mutex
	historyPath string
	flakyPath   string
	maxRuns     int
	history     map[string][]RunRecord
	flaky       map[string]FlakySet
}

// NewStore opens (or initializes) the store under dir. An empty dir keeps
// the store purely in memory, which the tests rely on.
func NewStore(dir string, maxRuns int) (*Store, error) {
	if maxRuns <= 0 {
		maxRuns = defaultMaxRuns
	}
	s := &Store{
		maxRuns: maxRuns,
		history: map[string][]RunRecord{},
		flaky:   map[string]FlakySet{},
	}
	if dir == "" {
		return s, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &StorageIOError{Op: "mkdir", Path: dir, Err: err}
	}
	s.historyPath = filepath.Join(dir, historyFileName)
	s.flakyPath = filepath.Join(dir, flakyFileName)
	if err := loadJSON(s.historyPath, &s.history); err != nil {
		return nil, err
	}
	if err := loadJSON(s.flakyPath, &s.flaky); err != nil {
		return nil, err
	}
	return s, nil
}

// AppendRun appends one run to a project's history, prunes to the retention
// limit and persists. On a persistence failure the updated in-memory window
// is still returned alongside the error so the caller can retry with
// FlushHistory instead of recomputing.
func (s *Store) AppendRun(project string, record RunRecord) ([]RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := append(s.history[project], record)
	if len(runs) > s.maxRuns {
		runs = runs[len(runs)-s.maxRuns:]
	}
	s.history[project] = runs
	window := make([]RunRecord, len(runs))
	copy(window, runs)
	if err := s.persistHistoryLocked(); err != nil {
		return window, err
	}
	return window, nil
}

// Runs returns a copy of the stored window for a project.
func (s *Store) Runs(project string) []RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := s.history[project]
	out := make([]RunRecord, len(runs))
	copy(out, runs)
	return out
}

// Projects lists every project with stored history, sorted.
func (s *Store) Projects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.history))
	for project := range s.history {
		out = append(out, project)
	}
	sort.Strings(out)
	return out
}

// SetFlaky replaces a project's flaky-test set and persists the flaky file.
func (s *Store) SetFlaky(project string, set FlakySet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flaky[project] = set
	return s.persistFlakyLocked()
}

// Flaky returns the current flaky set for a project.
func (s *Store) Flaky(project string) (FlakySet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.flaky[project]
	return set, ok
}

// AllFlaky returns the flaky sets of every project.
func (s *Store) AllFlaky() map[string]FlakySet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]FlakySet, len(s.flaky))
	for project, set := range s.flaky {
		out[project] = set
	}
	return out
}

// FlushHistory retries persisting the history file after an earlier
// StorageIOError.
func (s *Store) FlushHistory() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistHistoryLocked()
}

func (s *Store) persistHistoryLocked() error {
	return writeJSONAtomic(s.historyPath, s.history)
}

func (s *Store) persistFlakyLocked() error {
	return writeJSONAtomic(s.flakyPath, s.flaky)
}

func loadJSON(path string, target any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &StorageIOError{Op: "read", Path: path, Err: err}
	}
	if err := json.Unmarshal(data, target); err != nil {
		return &StorageIOError{Op: "decode", Path: path, Err: err}
	}
	return nil
}

func writeJSONAtomic(path string, value any) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return &StorageIOError{Op: "encode", Path: path, Err: err}
	}
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return &StorageIOError{Op: "lock", Path: path, Err: err}
	}
	defer lock.Unlock()
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return &StorageIOError{Op: "write", Path: tmpPath, Err: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return &StorageIOError{Op: "rename", Path: path, Err: err}
	}
	return nil
}
