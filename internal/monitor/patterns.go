package monitor

import (
	"fmt"

	"reportguard/internal/verify"
)

// Pattern names recorded in per-project breakdowns.
const (
	PatternInstantPass  = "instant_pass"
	PatternPerfectSuite = "perfect_suite"
	PatternMockAbuse    = "mock_abuse"
	PatternSkeletonImpl = "skeleton_impl"
	PatternHoneypotPass = "honeypot_pass"
)

// instantThreshold is the duration below which a test completed too fast
// to have exercised anything real.
const instantThreshold = 0.001

// PatternFinding is one suspicious structural pattern spotted in a run or
// its accompanying deception signals.
type PatternFinding struct {
	Pattern     string          `json:"pattern"`
	Severity    verify.Severity `json:"severity"`
	Explanation string          `json:"explanation"`
}

// RunShape is the minimal run summary the pattern checks need.
type RunShape struct {
	Total           int
	Failed          int
	InstantCount    int
	MockAbuseRatio  float64
	SkeletonRatio   float64
	HoneypotsBroken int
}

// ShapeOf derives a RunShape from a parsed report. Heuristic ratios that
// come from external static analysis stay zero here.
func ShapeOf(report verify.TestRunReport) RunShape {
	shape := RunShape{}
	for _, tc := range report.Cases {
		shape.Total++
		if tc.Outcome == verify.OutcomeFailed {
			shape.Failed++
		}
		if tc.Outcome == verify.OutcomePassed && tc.Duration < instantThreshold {
			shape.InstantCount++
		}
	}
	return shape
}

// DetectPatterns flags suspicious shapes in one run. The checks are
// intentionally coarse; they feed the pattern breakdown and the deception
// signals, not a verdict on their own.
func DetectPatterns(shape RunShape) []PatternFinding {
	var findings []PatternFinding
	if shape.Total > 0 {
		instantRatio := float64(shape.InstantCount) / float64(shape.Total)
		if instantRatio > 0.2 {
			findings = append(findings, PatternFinding{
				Pattern:  PatternInstantPass,
				Severity: verify.SeverityHigh,
				Explanation: fmt.Sprintf("%d of %d tests passed in under %gs",
					shape.InstantCount, shape.Total, instantThreshold),
			})
		}
	}
	if shape.Total > 10 && shape.Failed == 0 {
		findings = append(findings, PatternFinding{
			Pattern:     PatternPerfectSuite,
			Severity:    verify.SeverityLow,
			Explanation: fmt.Sprintf("all %d tests passed; verify the suite asserts anything", shape.Total),
		})
	}
	if shape.MockAbuseRatio > 0 {
		findings = append(findings, PatternFinding{
			Pattern:     PatternMockAbuse,
			Severity:    verify.SeverityCritical,
			Explanation: fmt.Sprintf("%.0f%% of core logic under test is mocked out", shape.MockAbuseRatio*100),
		})
	}
	if shape.SkeletonRatio > 0.3 {
		findings = append(findings, PatternFinding{
			Pattern:     PatternSkeletonImpl,
			Severity:    verify.SeverityHigh,
			Explanation: fmt.Sprintf("%.0f%% of implementations are skeletons", shape.SkeletonRatio*100),
		})
	}
	if shape.HoneypotsBroken > 0 {
		findings = append(findings, PatternFinding{
			Pattern:     PatternHoneypotPass,
			Severity:    verify.SeverityCritical,
			Explanation: fmt.Sprintf("%d honeypot tests passed; they are designed to fail", shape.HoneypotsBroken),
		})
	}
	return findings
}
