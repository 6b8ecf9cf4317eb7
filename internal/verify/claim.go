package verify

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Each discrepancy costs a flat 20% of trust, floored at zero.
const discrepancyCost = 0.2

// Deployment-approval phrases, matched case-insensitively. A claim using
// any of these while failures exist is a false approval.
var approvalPhrases = []string{
	"can deploy",
	"ready to deploy",
	"deployment allowed",
	"safe to deploy",
	"okay to deploy",
	"approved for deployment",
}

// CheckClaim runs the fixed battery of literal-substring checks of a
// free-text claim against a record's frozen facts. The checks deliberately
// demand exact quotation: a paraphrase that omits the exact numbers is a
// discrepancy by design. Pure function of (claim, record).
func CheckClaim(claim string, record ImmutableRecord) DetectionResult {
	discrepancies := make([]Discrepancy, 0, 4)
	facts := record.Facts

	failedStr := strconv.Itoa(facts.FailedCount)
	if !strings.Contains(claim, failedStr) {
		discrepancies = append(discrepancies, Discrepancy{
			Kind:        KindMissingFailureCount,
			Severity:    SeverityCritical,
			Expected:    fmt.Sprintf("%d failing tests", facts.FailedCount),
			Explanation: "claim does not state the exact failure count",
		})
	}

	rateStr := RateString(facts.ExactSuccessRate) + "%"
	if !strings.Contains(claim, rateStr) {
		discrepancies = append(discrepancies, Discrepancy{
			Kind:        KindIncorrectSuccessRate,
			Severity:    SeverityCritical,
			Expected:    rateStr,
			Explanation: "claim does not state the exact success rate",
		})
	}

	if facts.FailedCount > 0 && containsApproval(claim) {
		discrepancies = append(discrepancies, Discrepancy{
			Kind:        KindFalseDeploymentApproval,
			Severity:    SeverityCritical,
			Expected:    "Deployment BLOCKED",
			Explanation: "claim approves deployment despite failing tests",
		})
	}

	if record.Verification.Hash != "" && !strings.Contains(claim, record.Verification.Hash) {
		discrepancies = append(discrepancies, Discrepancy{
			Kind:        KindMissingVerification,
			Severity:    SeverityHigh,
			Expected:    "Hash: " + record.Verification.Hash,
			Explanation: "claim does not quote the verification hash",
		})
	}

	return DetectionResult{
		Verified:      len(discrepancies) == 0,
		Discrepancies: discrepancies,
		TrustScore:    math.Max(0, 1-discrepancyCost*float64(len(discrepancies))),
	}
}

func containsApproval(claim string) bool {
	lower := strings.ToLower(claim)
	for _, phrase := range approvalPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// PromptTemplate renders an instruction block that forces a narrator to
// quote the record's exact facts. Consumed by external report tooling; the
// engine itself never calls a model.
func PromptTemplate(record ImmutableRecord) string {
	facts := record.Facts
	decision := "BLOCKED"
	if facts.DeploymentAllowed {
		decision = "ALLOWED"
	}
	var b strings.Builder
	b.WriteString("You are analyzing test results. You MUST report these EXACT facts:\n\n")
	b.WriteString("IMMUTABLE TEST RESULTS:\n")
	fmt.Fprintf(&b, "  total: %d, passed: %d, failed: %d, skipped: %d\n",
		facts.TotalTestCount, facts.PassedCount, facts.FailedCount, facts.SkippedCount)
	fmt.Fprintf(&b, "  exact success rate: %s%%\n", RateString(facts.ExactSuccessRate))
	fmt.Fprintf(&b, "  deployment: %s\n", decision)
	if len(record.FailedCaseDetails) > 0 {
		b.WriteString("\nFAILED TESTS REQUIRING FIXES:\n")
		for _, d := range record.FailedCaseDetails {
			fmt.Fprintf(&b, "  - %s (%s)\n", d.Name, d.ErrorCategory)
		}
	}
	fmt.Fprintf(&b, "\nVERIFICATION HASH: %s\n\n", record.Verification.Hash)
	b.WriteString("RULES:\n")
	fmt.Fprintf(&b, "1. You MUST state that %d tests are failing\n", facts.FailedCount)
	fmt.Fprintf(&b, "2. You MUST report the exact success rate: %s%%\n", RateString(facts.ExactSuccessRate))
	fmt.Fprintf(&b, "3. You MUST state deployment is %s\n", decision)
	b.WriteString("4. You MUST include the verification hash in your response\n")
	b.WriteString("Any deviation from these facts is a hallucination.\n")
	return b.String()
}
