package monitor

// ProjectMetrics is the detection record for one project.
// HallucinationsDetected counts detections since the last alert and goes
// back to zero when one fires; the breakdowns and TotalChecks never reset.
type ProjectMetrics struct {
	Project                string         `json:"project"`
	TotalChecks            int            `json:"total_checks"`
	HallucinationsDetected int            `json:"hallucinations_detected"`
	SeverityBreakdown      map[string]int `json:"severity_breakdown"`
	PatternBreakdown       map[string]int `json:"pattern_breakdown"`
}

func newProjectMetrics(project string) ProjectMetrics {
	return ProjectMetrics{
		Project:           project,
		SeverityBreakdown: map[string]int{},
		PatternBreakdown:  map[string]int{},
	}
}

// clone deep-copies the metrics so alert snapshots and read APIs never
// alias the live maps.
func (m ProjectMetrics) clone() ProjectMetrics {
	out := m
	out.SeverityBreakdown = make(map[string]int, len(m.SeverityBreakdown))
	for k, v := range m.SeverityBreakdown {
		out.SeverityBreakdown[k] = v
	}
	out.PatternBreakdown = make(map[string]int, len(m.PatternBreakdown))
	for k, v := range m.PatternBreakdown {
		out.PatternBreakdown[k] = v
	}
	return out
}

// HallucinationRate is the fraction of checks that surfaced at least one
// discrepancy, counting only detections since the last alert.
func (m ProjectMetrics) HallucinationRate() float64 {
	if m.TotalChecks == 0 {
		return 0
	}
	return float64(m.HallucinationsDetected) / float64(m.TotalChecks)
}
