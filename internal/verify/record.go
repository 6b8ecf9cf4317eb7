package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	recordVersion   = "1.0"
	recordAlgorithm = "sha256"

	defaultRatePrecision = 2
	defaultErrorLimit    = 500
)

// MalformedReportError is returned when an input report cannot be parsed
// into well-formed case entries. Fatal for that one record only.
type MalformedReportError struct {
	Reason string
	Err    error
}

func (e *MalformedReportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed report: %s: %v", e.Reason, e.Err)
	}
	return "malformed report: " + e.Reason
}

func (e *MalformedReportError) Unwrap() error { return e.Err }

// BuilderConfig tunes record construction. Zero values take defaults.
type BuilderConfig struct {
	// RatePrecision is the decimal precision of exact_success_rate.
	RatePrecision int
	// ErrorLimit truncates case error messages before classification.
	ErrorLimit int
	// Now overrides the timestamp source.
	Now func() time.Time
}

// Builder turns raw test-run reports into immutable, hash-bound records.
// Pure: no side effects, safe for concurrent use.
type Builder struct {
	cfg BuilderConfig
}

func NewBuilder(cfg BuilderConfig) *Builder {
	if cfg.RatePrecision <= 0 {
		cfg.RatePrecision = defaultRatePrecision
	}
	if cfg.ErrorLimit <= 0 {
		cfg.ErrorLimit = defaultErrorLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Builder{cfg: cfg}
}

type rawCase struct {
	ID       string  `json:"id"`
	Outcome  string  `json:"outcome"`
	Duration float64 `json:"duration"`
	Error    *string `json:"error"`
}

type rawReport struct {
	Total    int       `json:"total"`
	Passed   int       `json:"passed"`
	Failed   int       `json:"failed"`
	Skipped  int       `json:"skipped"`
	Duration float64   `json:"duration"`
	Tests    []rawCase `json:"tests"`
}

// ParseReport decodes the input report schema. Unknown fields are ignored
// and a missing tests array yields a zero-case report. Case entries that
// are not well formed (empty id, unknown outcome, negative duration) make
// the whole report malformed.
func (b *Builder) ParseReport(data []byte) (TestRunReport, error) {
	var raw rawReport
	if err := json.Unmarshal(data, &raw); err != nil {
		return TestRunReport{}, &MalformedReportError{Reason: "invalid JSON", Err: err}
	}
	report := TestRunReport{
		Total:    raw.Total,
		Passed:   raw.Passed,
		Failed:   raw.Failed,
		Skipped:  raw.Skipped,
		Duration: raw.Duration,
		Cases:    make([]TestCaseResult, 0, len(raw.Tests)),
	}
	for i, tc := range raw.Tests {
		id := strings.TrimSpace(tc.ID)
		if id == "" {
			return TestRunReport{}, &MalformedReportError{Reason: fmt.Sprintf("case %d has empty id", i)}
		}
		outcome := Outcome(strings.ToLower(strings.TrimSpace(tc.Outcome)))
		switch outcome {
		case OutcomePassed, OutcomeFailed, OutcomeSkipped, OutcomeError:
		default:
			return TestRunReport{}, &MalformedReportError{Reason: fmt.Sprintf("case %q has unknown outcome %q", id, tc.Outcome)}
		}
		if tc.Duration < 0 {
			return TestRunReport{}, &MalformedReportError{Reason: fmt.Sprintf("case %q has negative duration", id)}
		}
		parsed := TestCaseResult{ID: id, Outcome: outcome, Duration: tc.Duration}
		if tc.Error != nil && strings.TrimSpace(*tc.Error) != "" {
			message := truncate(strings.TrimSpace(*tc.Error), b.cfg.ErrorLimit)
			parsed.Error = &ErrorSummary{
				Category: ClassifyError(message),
				Message:  message,
			}
		}
		report.Cases = append(report.Cases, parsed)
	}
	return report, nil
}

// BuildFromJSON parses and builds in one step.
func (b *Builder) BuildFromJSON(data []byte) (ImmutableRecord, error) {
	report, err := b.ParseReport(data)
	if err != nil {
		return ImmutableRecord{}, err
	}
	return b.Build(report)
}

// Build derives the immutable record from a report. Counts are always
// recomputed from the case list so a falsified aggregate cannot propagate.
func (b *Builder) Build(report TestRunReport) (ImmutableRecord, error) {
	var passed, failed, skipped int
	details := make([]FailedCaseDetail, 0)
	for _, tc := range report.Cases {
		switch tc.Outcome {
		case OutcomePassed:
			passed++
		case OutcomeFailed:
			failed++
			category := CategoryUnknown
			if tc.Error != nil {
				category = tc.Error.Category
			}
			details = append(details, FailedCaseDetail{Name: tc.ID, ErrorCategory: category})
		case OutcomeSkipped:
			skipped++
		case OutcomeError:
			// counts toward the total only
		default:
			return ImmutableRecord{}, &MalformedReportError{Reason: fmt.Sprintf("case %q has unknown outcome %q", tc.ID, tc.Outcome)}
		}
	}
	total := len(report.Cases)

	rate := 0.0
	if total > 0 {
		rate = roundTo(float64(passed)/float64(total)*100, b.cfg.RatePrecision)
	}
	facts := Facts{
		TotalTestCount:    total,
		PassedCount:       passed,
		FailedCount:       failed,
		SkippedCount:      skipped,
		ExactSuccessRate:  rate,
		DeploymentAllowed: failed == 0,
	}

	record := ImmutableRecord{
		Facts:             facts,
		FailedCaseDetails: details,
		Statements:        antiHallucinationStatements(facts),
		Verification: Verification{
			Version:   recordVersion,
			Algorithm: recordAlgorithm,
			Hash:      computeHash(facts, details),
			Timestamp: b.cfg.Now().UTC().Format(time.RFC3339),
		},
	}
	return record, nil
}

// VerifyRecord re-derives the binding hash from the record's facts and
// failed-case details and compares it to the stored value. A mismatch means
// the record was altered after creation; it is a reportable result, not an
// error.
func VerifyRecord(record ImmutableRecord) bool {
	return computeHash(record.Facts, record.FailedCaseDetails) == record.Verification.Hash
}

// canonicalRecord fixes the field order and numeric formatting of the
// digest input. Two independent implementations given the same facts must
// produce byte-identical bytes here.
type canonicalRecord struct {
	Facts struct {
		TotalTestCount    int    `json:"total_test_count"`
		PassedCount       int    `json:"passed_count"`
		FailedCount       int    `json:"failed_count"`
		SkippedCount      int    `json:"skipped_count"`
		ExactSuccessRate  string `json:"exact_success_rate"`
		DeploymentAllowed bool   `json:"deployment_allowed"`
	} `json:"facts"`
	FailedCaseDetails []FailedCaseDetail `json:"failed_case_details"`
}

func canonicalPayload(facts Facts, details []FailedCaseDetail) []byte {
	var c canonicalRecord
	c.Facts.TotalTestCount = facts.TotalTestCount
	c.Facts.PassedCount = facts.PassedCount
	c.Facts.FailedCount = facts.FailedCount
	c.Facts.SkippedCount = facts.SkippedCount
	c.Facts.ExactSuccessRate = RateString(facts.ExactSuccessRate)
	c.Facts.DeploymentAllowed = facts.DeploymentAllowed
	if details == nil {
		details = []FailedCaseDetail{}
	}
	c.FailedCaseDetails = details
	data, err := json.Marshal(c)
	if err != nil {
		// struct of ints, strings and bools cannot fail to marshal
		panic(err)
	}
	return data
}

func computeHash(facts Facts, details []FailedCaseDetail) string {
	sum := sha256.Sum256(canonicalPayload(facts, details))
	return hex.EncodeToString(sum[:])
}

// RateString renders a success rate with minimal digits and at least one
// decimal place: 90 -> "90.0", 33.33 -> "33.33". The same string feeds the
// canonical serialization and the claim checks.
func RateString(rate float64) string {
	s := strconv.FormatFloat(rate, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

func roundTo(v float64, precision int) float64 {
	p := math.Pow(10, float64(precision))
	return math.Round(v*p) / p
}

// truncate bounds s to max runes total, ellipsis included.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

func antiHallucinationStatements(facts Facts) []string {
	decision := "BLOCKED"
	if facts.DeploymentAllowed {
		decision = "ALLOWED"
	}
	return []string{
		fmt.Sprintf("EXACTLY %d tests are failing", facts.FailedCount),
		fmt.Sprintf("Success rate is EXACTLY %s%%", RateString(facts.ExactSuccessRate)),
		"Deployment is " + decision,
		"Any claim contradicting these facts is false",
	}
}

// ClassifyError maps a failure message onto the fixed error taxonomy.
// Ties break toward the first matching category in priority order.
func ClassifyError(message string) string {
	lower := strings.ToLower(message)
	switch {
	case containsAny(lower, "assert"):
		return CategoryAssertion
	case containsAny(lower, "import", "no module named", "modulenotfound", "dependency"):
		return CategoryImport
	case containsAny(lower, "timeout", "timed out", "deadline exceeded"):
		return CategoryTimeout
	case containsAny(lower, "connection", "refused", "unreachable"):
		return CategoryConnection
	default:
		return CategoryUnknown
	}
}

func containsAny(s string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}
