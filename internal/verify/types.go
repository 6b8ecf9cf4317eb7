package verify

// Outcome is the execution result of a single test case.
type Outcome string

const (
	OutcomePassed  Outcome = "passed"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
	OutcomeError   Outcome = "error"
)

// Error categories assigned to failing cases, in matching priority order.
const (
	CategoryAssertion  = "assertion"
	CategoryImport     = "import"
	CategoryTimeout    = "timeout"
	CategoryConnection = "connection"
	CategoryUnknown    = "unknown"
)

// ErrorSummary carries the classified category plus a truncated message.
type ErrorSummary struct {
	Category string `json:"category"`
	Message  string `json:"message,omitempty"`
}

// TestCaseResult is one executed test case. Immutable once parsed.
type TestCaseResult struct {
	ID       string        `json:"id"`
	Outcome  Outcome       `json:"outcome"`
	Duration float64       `json:"duration"`
	Error    *ErrorSummary `json:"error,omitempty"`
}

// TestRunReport is an ordered collection of case results plus the aggregate
// counts the producer claimed. The claimed counts are never trusted; every
// consumer recomputes them from Cases.
type TestRunReport struct {
	Total    int              `json:"total"`
	Passed   int              `json:"passed"`
	Failed   int              `json:"failed"`
	Skipped  int              `json:"skipped"`
	Duration float64          `json:"duration"`
	Cases    []TestCaseResult `json:"tests"`
}

// Facts are the frozen aggregate facts of a run. Field order here is the
// canonical serialization order and must not change.
type Facts struct {
	TotalTestCount    int     `json:"total_test_count"`
	PassedCount       int     `json:"passed_count"`
	FailedCount       int     `json:"failed_count"`
	SkippedCount      int     `json:"skipped_count"`
	ExactSuccessRate  float64 `json:"exact_success_rate"`
	DeploymentAllowed bool    `json:"deployment_allowed"`
}

// FailedCaseDetail names one failing case and its inferred error category.
type FailedCaseDetail struct {
	Name          string `json:"name"`
	ErrorCategory string `json:"error_category"`
}

// Verification binds a record to its digest.
type Verification struct {
	Version   string `json:"version"`
	Algorithm string `json:"algorithm"`
	Hash      string `json:"hash"`
	Timestamp string `json:"timestamp"`
}

// ImmutableRecord is the tamper-evident fact snapshot of one test run.
// Statements are derived display text and are excluded from the digest.
type ImmutableRecord struct {
	Facts             Facts              `json:"facts"`
	FailedCaseDetails []FailedCaseDetail `json:"failed_case_details"`
	Statements        []string           `json:"statements,omitempty"`
	Verification      Verification       `json:"verification"`
}

// Severity of a detected discrepancy.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank orders severities for aggregation: critical > high > medium > low.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Discrepancy kinds produced by the claim battery.
const (
	KindMissingFailureCount     = "missing_failure_count"
	KindIncorrectSuccessRate    = "incorrect_success_rate"
	KindFalseDeploymentApproval = "false_deployment_approval"
	KindMissingVerification     = "missing_verification"
)

// Discrepancy is one detected contradiction between a claim and the record.
type Discrepancy struct {
	Kind        string   `json:"kind"`
	Severity    Severity `json:"severity"`
	Expected    string   `json:"expected"`
	Explanation string   `json:"explanation"`
}

// DetectionResult is the outcome of checking one claim against one record.
type DetectionResult struct {
	Verified      bool          `json:"verified"`
	Discrepancies []Discrepancy `json:"discrepancies"`
	TrustScore    float64       `json:"trust_score"`
}

// MaxSeverity returns the highest severity among the discrepancies, or the
// empty string when the claim verified cleanly.
func (r DetectionResult) MaxSeverity() Severity {
	var max Severity
	for _, d := range r.Discrepancies {
		if d.Severity.Rank() > max.Rank() {
			max = d.Severity
		}
	}
	return max
}
