// Package prioritizer buckets aggregated findings by severity and
// rebuilds the published summary from those buckets.
package prioritizer

import (
	"fmt"

	"github.com/codereview/revieworchestrator/internal/domain"
)

// bucketOf maps domain.Severity onto the prioritizer's four named
// buckets. domain.Severity's own labels (critical/major/minor/info) are
// the adopted naming throughout the rest of the system; "high", "medium"
// and "low" are presentation-layer bucket names used only here.
func bucketOf(s domain.Severity) string {
	switch s {
	case domain.SeverityCritical:
		return "critical"
	case domain.SeverityMajor:
		return "high"
	case domain.SeverityMinor:
		return "medium"
	default:
		return "low"
	}
}

// Metrics summarizes a prioritization pass for the published report.
type Metrics struct {
	InputCount      int
	OutputCount     int
	FilteredCount   int
	AverageConfidence float64
}

// PrioritizedFindings is the Prioritizer's output: findings sorted into
// severity buckets, in bucket-concatenated order (critical, high,
// medium, low).
type PrioritizedFindings struct {
	CriticalIssues     []domain.Finding
	HighPriorityIssues []domain.Finding
	MediumPriorityIssues []domain.Finding
	LowPriorityIssues  []domain.Finding
	Metrics            Metrics
	TotalIncludedCount int
	TotalFilteredCount int
	Summary            string
}

// All returns every bucket concatenated in critical, high, medium, low
// order.
func (p PrioritizedFindings) All() []domain.Finding {
	out := make([]domain.Finding, 0, p.TotalIncludedCount)
	out = append(out, p.CriticalIssues...)
	out = append(out, p.HighPriorityIssues...)
	out = append(out, p.MediumPriorityIssues...)
	out = append(out, p.LowPriorityIssues...)
	return out
}

// Prioritize buckets findings by severity, computes rollup metrics
// against the aggregator's rejected count, and rebuilds the summary text
// from the resulting buckets rather than any upstream chunk summary.
func Prioritize(findings []domain.Finding, aggregatorRejected int) PrioritizedFindings {
	out := PrioritizedFindings{}

	var confidenceSum float64
	var confidenceN int
	for _, f := range findings {
		switch bucketOf(f.Severity) {
		case "critical":
			out.CriticalIssues = append(out.CriticalIssues, f)
		case "high":
			out.HighPriorityIssues = append(out.HighPriorityIssues, f)
		case "medium":
			out.MediumPriorityIssues = append(out.MediumPriorityIssues, f)
		default:
			out.LowPriorityIssues = append(out.LowPriorityIssues, f)
		}
		if f.ConfidenceScore != nil {
			confidenceSum += *f.ConfidenceScore
			confidenceN++
		}
	}

	out.TotalIncludedCount = len(findings)
	out.TotalFilteredCount = aggregatorRejected

	avg := 0.0
	if confidenceN > 0 {
		avg = confidenceSum / float64(confidenceN)
	}
	out.Metrics = Metrics{
		InputCount:        out.TotalIncludedCount + out.TotalFilteredCount,
		OutputCount:        out.TotalIncludedCount,
		FilteredCount:      out.TotalFilteredCount,
		AverageConfidence:  avg,
	}

	out.Summary = buildSummary(out)
	return out
}

func buildSummary(p PrioritizedFindings) string {
	if p.TotalIncludedCount == 0 {
		return "No issues found."
	}
	return fmt.Sprintf(
		"%d issue(s) reported (%d critical, %d high, %d medium, %d low), avg confidence %.2f, %d filtered out.",
		p.TotalIncludedCount,
		len(p.CriticalIssues), len(p.HighPriorityIssues), len(p.MediumPriorityIssues), len(p.LowPriorityIssues),
		p.Metrics.AverageConfidence,
		p.TotalFilteredCount,
	)
}
