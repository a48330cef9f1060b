package llmresult_test

import (
	"testing"

	"github.com/codereview/revieworchestrator/internal/domain"
	"github.com/codereview/revieworchestrator/internal/errs"
	"github.com/codereview/revieworchestrator/internal/llmresult"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_SnakeCaseKeys(t *testing.T) {
	raw := `{
		"summary": "looks ok",
		"issues": [{"file": "a.go", "start_line": 5, "severity": "major", "title": "t", "suggestion": "s"}],
		"non_blocking_notes": [{"file": "a.go", "line": 2, "note": "note"}]
	}`

	result, err := llmresult.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "looks ok", result.Summary)
	require.Len(t, result.Issues, 1)
	assert.Equal(t, 5, result.Issues[0].StartLine)
	assert.Equal(t, domain.SeverityMajor, result.Issues[0].Severity)
	assert.Equal(t, "No explanation provided", result.Issues[0].ConfidenceExplanation)
	require.Len(t, result.Notes, 1)
	assert.Equal(t, 2, result.Notes[0].Line)
	assert.Equal(t, "note", result.Notes[0].Text)
}

func TestParse_CamelCaseKeys(t *testing.T) {
	raw := `{
		"summary": "looks ok",
		"issues": [{"file": "a.go", "startLine": 7, "severity": "critical", "title": "t", "suggestion": "s", "confidenceScore": 0.9, "confidenceExplanation": "strong match"}]
	}`

	result, err := llmresult.Parse(raw)
	require.NoError(t, err)
	require.Len(t, result.Issues, 1)
	assert.Equal(t, 7, result.Issues[0].StartLine)
	require.NotNil(t, result.Issues[0].ConfidenceScore)
	assert.Equal(t, 0.9, *result.Issues[0].ConfidenceScore)
	assert.Equal(t, "strong match", result.Issues[0].ConfidenceExplanation)
}

func TestParse_StripsFencesAndSchemaProperty(t *testing.T) {
	raw := "```json\n" + `{"$schema": "http://example.com/schema", "summary": "s", "issues": []}` + "\n```"

	result, err := llmresult.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "s", result.Summary)
}

func TestParse_StripsSchemaPropertyRegardlessOfPosition(t *testing.T) {
	raw := `{"summary": "s", "issues": [], "$schema": "http://example.com/schema"}`

	result, err := llmresult.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "s", result.Summary)
}

func TestParse_FiltersNonPositiveLineNumbers(t *testing.T) {
	raw := `{
		"summary": "s",
		"issues": [
			{"file": "a.go", "start_line": 0, "severity": "minor", "title": "t", "suggestion": "s"},
			{"file": "a.go", "start_line": 3, "severity": "minor", "title": "t", "suggestion": "s"}
		],
		"non_blocking_notes": [{"file": "a.go", "line": -1, "note": "dropped"}]
	}`

	result, err := llmresult.Parse(raw)
	require.NoError(t, err)
	require.Len(t, result.Issues, 1)
	assert.Equal(t, 3, result.Issues[0].StartLine)
	assert.Empty(t, result.Notes)
}

func TestParse_MalformedJSONReturnsProtocolViolation(t *testing.T) {
	_, err := llmresult.Parse("not json at all")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ProtocolViolation))
}

func TestParse_UnrecognizedSeverityReturnsProtocolViolation(t *testing.T) {
	raw := `{"summary": "s", "issues": [{"file": "a.go", "start_line": 1, "severity": "catastrophic", "title": "t", "suggestion": "s"}]}`
	_, err := llmresult.Parse(raw)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ProtocolViolation))
}
