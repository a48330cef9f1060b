// Package promptcompose builds the system and user prompt segments sent to
// the LLM streaming client, combining diff text, repository metadata,
// related-file context, and optional ticket context while redacting
// anything that matches a configured secret pattern.
package promptcompose

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/codereview/revieworchestrator/internal/domain"
)

// TicketFetcher retrieves the body of a ticket by its extracted identifier.
// Implementations are expected to apply their own short timeout.
type TicketFetcher interface {
	FetchBody(ctx context.Context, ticketID string) (string, error)
}

// ContextFile is one related-file entry surfaced to the LLM as extra
// context alongside the diff (e.g. a file the agentic worker read while
// investigating a finding).
type ContextFile struct {
	Path       string
	Confidence float64
	Reason     string
	Evidence   string
}

// Config carries the tunables that make prompt composition configurable
// rather than hard-coded, per the redaction/ticket-extraction requirements.
type Config struct {
	TicketPattern   *regexp.Regexp
	RedactPatterns  []*regexp.Regexp
	TicketTimeout   time.Duration
	Focus           string
}

const defaultTicketTimeout = 5 * time.Second

// systemPrompt is the reviewer persona and output contract. It never varies
// per request, so it is a package-level constant rather than a template.
const systemPrompt = `You are an automated code reviewer. Review the supplied diff for correctness, security, performance, and maintainability issues.

Respond with a single JSON object conforming to the finding schema: "summary" (string); "issues" (array, each with file, start_line, severity as one of critical, major, minor, info, title, suggestion, and optionally confidenceScore between 0 and 1 and confidenceExplanation); and "non_blocking_notes" (array, each with file, line, and note). Do not wrap the JSON in prose, markdown fences, or any other text. Do not invent line numbers outside the diff's added or context lines.`

// ComposeSystemPrompt returns the fixed system directive.
func ComposeSystemPrompt() string {
	return systemPrompt
}

// ComposeUserPrompt builds the user segment: a repository metadata block, a
// per-line-numbered diff block, an optional related-files context block,
// and an optional ticket block. Ticket context is included only when a
// ticket ID is extracted from the title or description AND the ticket
// system returns a non-empty body.
func ComposeUserPrompt(ctx context.Context, cfg Config, req domain.ReviewRequest, meta domain.ChangeRequestMetadata, doc *domain.DiffDocument, contextFiles []ContextFile, fetcher TicketFetcher) (string, error) {
	var sb strings.Builder

	language := DetectLanguage(filePaths(doc))
	focus := cfg.Focus
	if focus == "" {
		focus = "correctness, security, performance, maintainability"
	}

	fmt.Fprintf(&sb, "## Repository\nlanguage: %s\nfocus: %s\n\n", language, focus)

	sb.WriteString("## Diff\n")
	sb.WriteString(renderDiffBlock(doc))
	sb.WriteString("\n\n")

	if len(contextFiles) > 0 {
		sb.WriteString("## Related files\n")
		for _, cf := range contextFiles {
			fmt.Fprintf(&sb, "- %s (confidence %.2f): %s\n  evidence: %s\n", cf.Path, cf.Confidence, cf.Reason, cf.Evidence)
		}
		sb.WriteString("\n")
	}

	ticketBlock, err := composeTicketBlock(ctx, cfg, meta, fetcher)
	if err != nil {
		return "", err
	}
	if ticketBlock != "" {
		sb.WriteString("## Ticket context\n")
		sb.WriteString(ticketBlock)
		sb.WriteString("\n\n")
	}

	return redact(cfg.RedactPatterns, sb.String()), nil
}

// composeTicketBlock extracts a ticket ID from the title (then description),
// and on match fetches its body with a bounded timeout. Returns "" (no
// error) whenever extraction fails or the ticket system returns an empty
// body — both are treated as "no ticket context", not failures.
func composeTicketBlock(ctx context.Context, cfg Config, meta domain.ChangeRequestMetadata, fetcher TicketFetcher) (string, error) {
	if cfg.TicketPattern == nil || fetcher == nil {
		return "", nil
	}

	ticketID, ok := ExtractTicketID(cfg.TicketPattern, meta.Title, meta.Description)
	if !ok {
		return "", nil
	}

	timeout := cfg.TicketTimeout
	if timeout <= 0 {
		timeout = defaultTicketTimeout
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := fetcher.FetchBody(fetchCtx, ticketID)
	if err != nil {
		// A ticket-system failure degrades to no ticket context rather than
		// failing the whole compose step — business context is an
		// enrichment, not a requirement.
		return "", nil
	}
	if strings.TrimSpace(body) == "" {
		return "", nil
	}
	return body, nil
}

// ExtractTicketID applies pattern to title first, then body, returning the
// first match's first capture group (or whole match if the pattern has no
// group).
func ExtractTicketID(pattern *regexp.Regexp, title, body string) (string, bool) {
	for _, text := range []string{title, body} {
		if m := pattern.FindStringSubmatch(text); m != nil {
			if len(m) > 1 {
				return m[1], true
			}
			return m[0], true
		}
	}
	return "", false
}

// redact replaces every match of every pattern with "[REDACTED]".
func redact(patterns []*regexp.Regexp, text string) string {
	for _, p := range patterns {
		text = p.ReplaceAllString(text, "[REDACTED]")
	}
	return text
}

// renderDiffBlock renders each hunk's lines as "<newLineNo> │ <marker> <text>",
// tracking the new-file line number the same way the position mapper does.
func renderDiffBlock(doc *domain.DiffDocument) string {
	var sb strings.Builder
	for _, f := range doc.Files {
		fmt.Fprintf(&sb, "### %s\n", f.Path())
		for _, h := range f.Hunks {
			newLineNumber := h.NewStart - 1
			oldLineNumber := h.OldStart - 1
			for _, l := range h.Lines {
				var lineNo string
				switch l.Marker {
				case domain.LineAdded:
					newLineNumber++
					lineNo = strconv.Itoa(newLineNumber)
				case domain.LineContext:
					newLineNumber++
					oldLineNumber++
					lineNo = strconv.Itoa(newLineNumber)
				case domain.LineRemoved:
					oldLineNumber++
					lineNo = "-"
				default:
					lineNo = "-"
				}
				fmt.Fprintf(&sb, "%s │ %c %s\n", lineNo, l.Marker, l.Text)
			}
		}
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func filePaths(doc *domain.DiffDocument) []string {
	paths := make([]string, 0, len(doc.Files))
	for _, f := range doc.Files {
		paths = append(paths, f.Path())
	}
	return paths
}

// languageExtensions maps file extensions to a language identifier, used to
// populate the repository metadata block's "language" field when the
// caller doesn't already know it.
var languageExtensions = map[string]string{
	".cpp": "cpp", ".cc": "cpp", ".cxx": "cpp", ".c": "cpp", ".h": "cpp", ".hpp": "cpp",
	".go":    "golang",
	".py":    "python",
	".java":  "java",
	".ts":    "typescript", ".tsx": "typescript",
	".js":    "javascript", ".jsx": "javascript",
	".rs":    "rust",
	".kt":    "kotlin", ".kts": "kotlin",
	".swift": "swift",
	".rb":    "ruby",
	".cs":    "csharp",
}

// DetectLanguage returns the most common language among the given file
// paths by extension, or "unknown" when none are recognized.
func DetectLanguage(files []string) string {
	counts := make(map[string]int)
	for _, file := range files {
		ext := strings.ToLower(filepath.Ext(file))
		if lang, ok := languageExtensions[ext]; ok {
			counts[lang]++
		}
	}

	maxLang := "unknown"
	maxCount := 0
	for lang, count := range counts {
		if count > maxCount {
			maxCount = count
			maxLang = lang
		}
	}
	return maxLang
}
