// Package llmresult strips wrapping noise (markdown fences, a stray
// JSON-Schema $schema property, control characters) from a raw LLM
// response, decodes it against the finding schema, and maps it into
// domain records.
package llmresult

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/codereview/revieworchestrator/internal/domain"
	"github.com/codereview/revieworchestrator/internal/errs"
)

const defaultConfidenceExplanation = "No explanation provided"

// rawIssue accepts both snake_case and camelCase keys by declaring one
// field per naming convention, since encoding/json has no native
// matching across naming conventions.
type rawIssue struct {
	File                  string   `json:"file"`
	StartLineSnake        int      `json:"start_line"`
	StartLineCamel        int      `json:"startLine"`
	Severity              string   `json:"severity"`
	Title                 string   `json:"title"`
	Suggestion            string   `json:"suggestion"`
	ConfidenceScoreSnake  *float64 `json:"confidence_score"`
	ConfidenceScoreCamel  *float64 `json:"confidenceScore"`
	ConfidenceExplSnake   string   `json:"confidence_explanation"`
	ConfidenceExplCamel   string   `json:"confidenceExplanation"`
}

func (r rawIssue) startLine() int {
	if r.StartLineCamel != 0 {
		return r.StartLineCamel
	}
	return r.StartLineSnake
}

func (r rawIssue) confidenceScore() *float64 {
	if r.ConfidenceScoreCamel != nil {
		return r.ConfidenceScoreCamel
	}
	return r.ConfidenceScoreSnake
}

func (r rawIssue) confidenceExplanation() string {
	if strings.TrimSpace(r.ConfidenceExplCamel) != "" {
		return r.ConfidenceExplCamel
	}
	if strings.TrimSpace(r.ConfidenceExplSnake) != "" {
		return r.ConfidenceExplSnake
	}
	return defaultConfidenceExplanation
}

type rawNote struct {
	File      string `json:"file"`
	LineSnake int    `json:"line"`
	LineCamel int    `json:"lineNumber"`
	Text      string `json:"note"`
}

func (r rawNote) line() int {
	if r.LineCamel != 0 {
		return r.LineCamel
	}
	return r.LineSnake
}

type rawResponse struct {
	Summary          string     `json:"summary"`
	Issues           []rawIssue `json:"issues"`
	NonBlockingNotes []rawNote  `json:"non_blocking_notes"`
	NonBlockingAlt   []rawNote  `json:"nonBlockingNotes"`
}

var validSeverities = map[string]domain.Severity{
	string(domain.SeverityCritical): domain.SeverityCritical,
	string(domain.SeverityMajor):    domain.SeverityMajor,
	string(domain.SeverityMinor):    domain.SeverityMinor,
	string(domain.SeverityInfo):     domain.SeverityInfo,
}

// Parse cleans, decodes, and validates a raw LLM response string into a
// domain.ReviewResult. Findings with startLine <= 0 and notes with
// line <= 0 are silently dropped rather than rejecting the whole response.
func Parse(raw string) (*domain.ReviewResult, error) {
	cleaned := clean(raw)

	var parsed rawResponse
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return nil, errs.New(errs.ProtocolViolation, "llmresult.Parse", fmt.Errorf("invalid JSON: %w", err))
	}

	result := &domain.ReviewResult{
		Summary: parsed.Summary,
	}

	for _, ri := range parsed.Issues {
		if ri.startLine() <= 0 {
			continue
		}
		severity, ok := validSeverities[strings.ToLower(ri.Severity)]
		if !ok {
			return nil, errs.New(errs.ProtocolViolation, "llmresult.Parse", fmt.Errorf("unrecognized severity %q", ri.Severity))
		}
		if strings.TrimSpace(ri.Title) == "" || strings.TrimSpace(ri.Suggestion) == "" {
			return nil, errs.New(errs.ProtocolViolation, "llmresult.Parse", fmt.Errorf("issue missing required field (title/suggestion)"))
		}

		result.Issues = append(result.Issues, domain.Finding{
			File:                  ri.File,
			StartLine:             ri.startLine(),
			Severity:              severity,
			Title:                 ri.Title,
			Suggestion:            ri.Suggestion,
			ConfidenceScore:       ri.confidenceScore(),
			ConfidenceExplanation: ri.confidenceExplanation(),
			Source:                domain.SourceLLM,
		})
	}

	notes := parsed.NonBlockingNotes
	if len(notes) == 0 {
		notes = parsed.NonBlockingAlt
	}
	for _, rn := range notes {
		if rn.line() <= 0 {
			continue
		}
		result.Notes = append(result.Notes, domain.Note{
			File: rn.File,
			Line: rn.line(),
			Text: rn.Text,
		})
	}

	return result, nil
}

// clean strips fenced-code markers, a top-level JSON-Schema $schema property,
// surrounding whitespace, and control characters outside \t\n\r.
func clean(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```JSON")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)
	s = stripSchemaProperty(s)
	s = stripControlChars(s)
	return strings.TrimSpace(s)
}

// stripSchemaProperty removes a top-level "$schema" property some models
// prepend when told to emit schema-conformant JSON. Uses gjson/sjson
// rather than string surgery so the property can be removed regardless of
// its position in the object, not just when it's the first key.
func stripSchemaProperty(s string) string {
	if !gjson.Valid(s) || !gjson.Get(s, "$schema").Exists() {
		return s
	}
	out, err := sjson.Delete(s, "$schema")
	if err != nil {
		return s
	}
	return out
}

func stripControlChars(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		if r == '\t' || r == '\n' || r == '\r' || r >= 0x20 {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
