// Package aggregator deduplicates and filters findings from multiple
// sources (LLM output, mapped test failures) into one AggregatedFindings.
// Two findings are considered duplicates when they share a file and
// severity, fall within a configurable line-distance tolerance of each
// other, and have a normalized-title word-set similarity at or above a
// configurable threshold.
package aggregator

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/codereview/revieworchestrator/internal/domain"
)

// nonWordRun matches any run of characters that isn't a letter or digit, so
// punctuation (hyphens, underscores, apostrophes) is treated as a word
// boundary rather than part of a token.
var nonWordRun = regexp.MustCompile(`[^a-z0-9]+`)

func normalizeTitle(s string) []string {
	normalized := nonWordRun.ReplaceAllString(strings.ToLower(s), " ")
	return strings.Fields(normalized)
}

// Config controls dedup and filtering thresholds, all defaulted.
type Config struct {
	// SimilarityThreshold is the minimum normalized-title similarity for
	// two same-file, same-severity findings within LineTolerance to be
	// considered duplicates.
	SimilarityThreshold float64
	// LineTolerance bounds how many lines apart two findings' StartLine
	// may be and still be considered the same location.
	LineTolerance int
	// MinConfidence drops findings scoring below it.
	MinConfidence float64
	// MaxIssuesPerFile caps retained findings per file after sorting by
	// severity then confidence, descending.
	MaxIssuesPerFile int
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.85,
		LineTolerance:       5,
		MinConfidence:       0.7,
		MaxIssuesPerFile:    10,
	}
}

// Input is the multi-source finding set REASONING hands to Aggregate.
type Input struct {
	Findings []domain.Finding
	Notes    []domain.Note
}

// AggregatedFindings is Aggregate's output.
type AggregatedFindings struct {
	Issues        []domain.Finding
	Notes         []domain.Note
	RejectedCount int
	Summary       string
}

// Aggregate deduplicates Input.Findings (same file + severity + similar
// normalized title within LineTolerance lines), keeping the
// highest-confidence member of each duplicate group (ties broken by
// severity weight, then source precedence), then drops
// below-MinConfidence findings and caps MaxIssuesPerFile per file.
func Aggregate(cfg Config, input Input) AggregatedFindings {
	groups := groupDuplicates(cfg, input.Findings)

	kept := make([]domain.Finding, 0, len(groups))
	for _, g := range groups {
		kept = append(kept, representative(g))
	}

	deduped := len(input.Findings) - len(kept)
	rejected := deduped
	var surviving []domain.Finding
	for _, f := range kept {
		if f.ConfidenceScore != nil && *f.ConfidenceScore < cfg.MinConfidence {
			rejected++
			continue
		}
		surviving = append(surviving, f)
	}

	surviving, capped := capPerFile(surviving, cfg.MaxIssuesPerFile)
	rejected += capped

	return AggregatedFindings{
		Issues:        surviving,
		Notes:         input.Notes,
		RejectedCount: rejected,
		Summary:       summarize(len(input.Findings), len(surviving), rejected-deduped, deduped),
	}
}

// groupDuplicates clusters findings greedily: a finding joins the first
// existing group whose representative it matches on file, severity,
// line tolerance, and title similarity; otherwise it starts a new group.
func groupDuplicates(cfg Config, findings []domain.Finding) [][]domain.Finding {
	var groups [][]domain.Finding
	for _, f := range findings {
		placed := false
		for i, g := range groups {
			if isDuplicate(cfg, g[0], f) {
				groups[i] = append(groups[i], f)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, []domain.Finding{f})
		}
	}
	return groups
}

func isDuplicate(cfg Config, a, b domain.Finding) bool {
	if a.File != b.File || a.Severity != b.Severity {
		return false
	}
	if abs(a.StartLine-b.StartLine) > cfg.LineTolerance {
		return false
	}
	return titleSimilarity(a.Title, b.Title) >= cfg.SimilarityThreshold
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// representative picks the group member to keep: highest confidence
// score first, then severity weight, then source precedence.
func representative(group []domain.Finding) domain.Finding {
	best := group[0]
	for _, f := range group[1:] {
		if confidenceOf(f) > confidenceOf(best) {
			best = f
			continue
		}
		if confidenceOf(f) < confidenceOf(best) {
			continue
		}
		if f.Severity.Weight() > best.Severity.Weight() {
			best = f
			continue
		}
		if f.Severity.Weight() < best.Severity.Weight() {
			continue
		}
		if f.Source.SourcePrecedence() > best.Source.SourcePrecedence() {
			best = f
		}
	}
	return best
}

func confidenceOf(f domain.Finding) float64 {
	if f.ConfidenceScore == nil {
		return 0
	}
	return *f.ConfidenceScore
}

// capPerFile sorts findings by severity then confidence descending within
// each file and retains at most max per file, returning the retained set
// and the count dropped by the cap.
func capPerFile(findings []domain.Finding, max int) ([]domain.Finding, int) {
	if max <= 0 {
		return findings, 0
	}

	byFile := make(map[string][]domain.Finding)
	var order []string
	for _, f := range findings {
		if _, ok := byFile[f.File]; !ok {
			order = append(order, f.File)
		}
		byFile[f.File] = append(byFile[f.File], f)
	}

	dropped := 0
	var result []domain.Finding
	for _, file := range order {
		list := byFile[file]
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Severity.Weight() != list[j].Severity.Weight() {
				return list[i].Severity.Weight() > list[j].Severity.Weight()
			}
			return confidenceOf(list[i]) > confidenceOf(list[j])
		})
		if len(list) > max {
			dropped += len(list) - max
			list = list[:max]
		}
		result = append(result, list...)
	}
	return result, dropped
}

func summarize(total, kept, rejected, deduped int) string {
	return fmt.Sprintf("%d findings in, %d kept, %d deduplicated, %d filtered out", total, kept, deduped, rejected)
}

// titleSimilarity is a normalized-word-set Jaccard similarity.
func titleSimilarity(a, b string) float64 {
	wordsA := normalizeTitle(a)
	wordsB := normalizeTitle(b)
	if len(wordsA) == 0 && len(wordsB) == 0 {
		return 1.0
	}
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0.0
	}

	setA := make(map[string]bool, len(wordsA))
	setB := make(map[string]bool, len(wordsB))
	for _, w := range wordsA {
		setA[w] = true
	}
	for _, w := range wordsB {
		setB[w] = true
	}

	intersection := 0
	for w := range setA {
		if setB[w] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}
