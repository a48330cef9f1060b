package aggregator_test

import (
	"testing"

	"github.com/codereview/revieworchestrator/internal/aggregator"
	"github.com/codereview/revieworchestrator/internal/domain"
	"github.com/stretchr/testify/assert"
)

func conf(v float64) *float64 { return &v }

func TestAggregate_MergesDuplicatesKeepingHighestConfidence(t *testing.T) {
	input := aggregator.Input{
		Findings: []domain.Finding{
			{File: "a.go", StartLine: 10, Severity: domain.SeverityMajor, Title: "missing nil check on input", ConfidenceScore: conf(0.6), Source: domain.SourceLLM},
			{File: "a.go", StartLine: 12, Severity: domain.SeverityMajor, Title: "Missing nil check on input", ConfidenceScore: conf(0.9), Source: domain.SourceLLM},
		},
	}

	out := aggregator.Aggregate(aggregator.DefaultConfig(), input)

	assert.Len(t, out.Issues, 1)
	assert.Equal(t, 0.9, *out.Issues[0].ConfidenceScore)
	assert.Equal(t, 1, out.RejectedCount)
}

func TestAggregate_MergesDuplicatesDespiteHyphenation(t *testing.T) {
	input := aggregator.Input{
		Findings: []domain.Finding{
			{File: "a.go", StartLine: 10, Severity: domain.SeverityMajor, Title: "Missing null check", ConfidenceScore: conf(0.6), Source: domain.SourceLLM},
			{File: "a.go", StartLine: 11, Severity: domain.SeverityMajor, Title: "missing null-check", ConfidenceScore: conf(0.9), Source: domain.SourceLLM},
		},
	}

	out := aggregator.Aggregate(aggregator.DefaultConfig(), input)

	assert.Len(t, out.Issues, 1)
	assert.Equal(t, 0.9, *out.Issues[0].ConfidenceScore)
	assert.Equal(t, 1, out.RejectedCount)
}

func TestAggregate_TieBreaksBySeverityThenSourcePrecedence(t *testing.T) {
	score := 0.8
	input := aggregator.Input{
		Findings: []domain.Finding{
			{File: "a.go", StartLine: 5, Severity: domain.SeverityMajor, Title: "unchecked error return value", ConfidenceScore: &score, Source: domain.SourceLLM},
			{File: "a.go", StartLine: 6, Severity: domain.SeverityMajor, Title: "unchecked error-return value", ConfidenceScore: &score, Source: domain.SourceTests},
		},
	}

	out := aggregator.Aggregate(aggregator.DefaultConfig(), input)

	assert.Len(t, out.Issues, 1)
	assert.Equal(t, domain.SourceTests, out.Issues[0].Source)
}

func TestAggregate_DifferentFilesAreNeverDuplicates(t *testing.T) {
	score := 0.8
	input := aggregator.Input{
		Findings: []domain.Finding{
			{File: "a.go", StartLine: 5, Severity: domain.SeverityMajor, Title: "unchecked error", ConfidenceScore: &score, Source: domain.SourceLLM},
			{File: "b.go", StartLine: 5, Severity: domain.SeverityMajor, Title: "unchecked error", ConfidenceScore: &score, Source: domain.SourceLLM},
		},
	}

	out := aggregator.Aggregate(aggregator.DefaultConfig(), input)

	assert.Len(t, out.Issues, 2)
}

func TestAggregate_OutsideLineToleranceIsNotADuplicate(t *testing.T) {
	score := 0.8
	cfg := aggregator.DefaultConfig()
	input := aggregator.Input{
		Findings: []domain.Finding{
			{File: "a.go", StartLine: 1, Severity: domain.SeverityMinor, Title: "unused variable x", ConfidenceScore: &score, Source: domain.SourceLLM},
			{File: "a.go", StartLine: 1 + cfg.LineTolerance + 1, Severity: domain.SeverityMinor, Title: "unused variable x", ConfidenceScore: &score, Source: domain.SourceLLM},
		},
	}

	out := aggregator.Aggregate(cfg, input)

	assert.Len(t, out.Issues, 2)
}

func TestAggregate_FiltersBelowMinConfidence(t *testing.T) {
	low := 0.5
	high := 0.95
	input := aggregator.Input{
		Findings: []domain.Finding{
			{File: "a.go", StartLine: 1, Severity: domain.SeverityMinor, Title: "minor nit one", ConfidenceScore: &low, Source: domain.SourceLLM},
			{File: "a.go", StartLine: 40, Severity: domain.SeverityMinor, Title: "minor nit two", ConfidenceScore: &high, Source: domain.SourceLLM},
		},
	}

	out := aggregator.Aggregate(aggregator.DefaultConfig(), input)

	assert.Len(t, out.Issues, 1)
	assert.Equal(t, "minor nit two", out.Issues[0].Title)
	assert.Equal(t, 1, out.RejectedCount)
}

func TestAggregate_CapsIssuesPerFileBySeverityThenConfidence(t *testing.T) {
	cfg := aggregator.DefaultConfig()
	cfg.MaxIssuesPerFile = 2

	mk := func(line int, sev domain.Severity, title string, c float64) domain.Finding {
		return domain.Finding{File: "a.go", StartLine: line, Severity: sev, Title: title, ConfidenceScore: conf(c), Source: domain.SourceLLM}
	}

	input := aggregator.Input{
		Findings: []domain.Finding{
			mk(1, domain.SeverityInfo, "info finding one", 0.99),
			mk(20, domain.SeverityCritical, "critical finding one", 0.9),
			mk(40, domain.SeverityMajor, "major finding one", 0.95),
			mk(60, domain.SeverityMinor, "minor finding one", 0.99),
		},
	}

	out := aggregator.Aggregate(cfg, input)

	assert.Len(t, out.Issues, 2)
	assert.Equal(t, "critical finding one", out.Issues[0].Title)
	assert.Equal(t, "major finding one", out.Issues[1].Title)
	assert.Equal(t, 2, out.RejectedCount)
}

func TestAggregate_NotesPassThroughUnmodified(t *testing.T) {
	input := aggregator.Input{
		Notes: []domain.Note{{File: "a.go", Line: 3, Text: "consider extracting this helper"}},
	}

	out := aggregator.Aggregate(aggregator.DefaultConfig(), input)

	assert.Equal(t, input.Notes, out.Notes)
}

func TestAggregate_EmptyInputProducesEmptyOutput(t *testing.T) {
	out := aggregator.Aggregate(aggregator.DefaultConfig(), aggregator.Input{})

	assert.Empty(t, out.Issues)
	assert.Equal(t, 0, out.RejectedCount)
}
