// Package diffparse parses the unified-diff text format into a
// file/hunk tree (domain.DiffDocument) and maps (path, new-line) positions
// to and from a provider's comment-position coordinate space. One parse
// feeds both the position mapper and the chunker.
package diffparse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/codereview/revieworchestrator/internal/domain"
)

// MalformedDiff is returned when a diff header cannot be parsed.
type MalformedDiff struct {
	Line string
}

func (e *MalformedDiff) Error() string {
	return fmt.Sprintf("malformed diff header: %q", e.Line)
}

var (
	oldFileHeader = regexp.MustCompile(`^--- (.+)$`)
	newFileHeader = regexp.MustCompile(`^\+\+\+ (.+)$`)
	hunkHeader    = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)
)

// Parse parses unified-diff text into a DiffDocument. Unknown trailing
// metadata lines (e.g. "diff --git", "index ...") are tolerated and
// skipped; only the "--- "/"+++ "/"@@" triad drives structure.
func Parse(diffText string) (*domain.DiffDocument, error) {
	// The final line terminator is not a line of its own; without the trim
	// it would become an extra empty context line in the last hunk.
	lines := strings.Split(strings.TrimSuffix(diffText, "\n"), "\n")

	doc := &domain.DiffDocument{}
	var currentFile *domain.FileModification
	var currentHunk *domain.DiffHunk

	flushHunk := func() {
		if currentFile != nil && currentHunk != nil {
			currentFile.Hunks = append(currentFile.Hunks, *currentHunk)
			currentHunk = nil
		}
	}
	flushFile := func() {
		flushHunk()
		if currentFile != nil {
			doc.Files = append(doc.Files, *currentFile)
			currentFile = nil
		}
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]

		if m := oldFileHeader.FindStringSubmatch(line); m != nil && !strings.HasPrefix(line, "--- /dev/null") {
			flushFile()
			currentFile = &domain.FileModification{OldPath: stripGitPrefix(m[1])}
			continue
		}
		if strings.HasPrefix(line, "--- /dev/null") {
			flushFile()
			currentFile = &domain.FileModification{}
			continue
		}
		if m := newFileHeader.FindStringSubmatch(line); m != nil && !strings.HasPrefix(line, "+++ /dev/null") {
			if currentFile == nil {
				return nil, &MalformedDiff{Line: line}
			}
			currentFile.NewPath = stripGitPrefix(m[1])
			continue
		}
		if strings.HasPrefix(line, "+++ /dev/null") {
			continue
		}

		if m := hunkHeader.FindStringSubmatch(line); m != nil {
			if currentFile == nil {
				return nil, &MalformedDiff{Line: line}
			}
			flushHunk()
			oldStart, _ := strconv.Atoi(m[1])
			oldCount := countOrDefault(m[2])
			newStart, _ := strconv.Atoi(m[3])
			newCount := countOrDefault(m[4])
			currentHunk = &domain.DiffHunk{
				OldStart: oldStart,
				OldCount: oldCount,
				NewStart: newStart,
				NewCount: newCount,
			}
			continue
		}

		if currentHunk == nil {
			// Tolerate trailing/leading metadata outside any hunk.
			continue
		}

		if line == "" {
			currentHunk.Lines = append(currentHunk.Lines, domain.DiffLine{Marker: domain.LineContext, Text: ""})
			continue
		}

		switch line[0] {
		case '+':
			currentHunk.Lines = append(currentHunk.Lines, domain.DiffLine{Marker: domain.LineAdded, Text: line[1:]})
		case '-':
			currentHunk.Lines = append(currentHunk.Lines, domain.DiffLine{Marker: domain.LineRemoved, Text: line[1:]})
		case ' ':
			currentHunk.Lines = append(currentHunk.Lines, domain.DiffLine{Marker: domain.LineContext, Text: line[1:]})
		case '\\':
			currentHunk.Lines = append(currentHunk.Lines, domain.DiffLine{Marker: domain.LineNoNL, Text: line[1:]})
		default:
			// Unknown trailing metadata line mid-hunk; tolerate it as context.
			currentHunk.Lines = append(currentHunk.Lines, domain.DiffLine{Marker: domain.LineContext, Text: line})
		}
	}
	flushFile()

	return doc, nil
}

func countOrDefault(s string) int {
	if s == "" {
		return 1
	}
	n, _ := strconv.Atoi(s)
	return n
}

func stripGitPrefix(path string) string {
	path = strings.TrimSpace(path)
	// Drop trailing tab-separated timestamp some diff generators add.
	if idx := strings.IndexByte(path, '\t'); idx >= 0 {
		path = path[:idx]
	}
	path = strings.TrimPrefix(path, domain.PathPrefixGitSource)
	path = strings.TrimPrefix(path, domain.PathPrefixGitDestination)
	path = strings.TrimPrefix(path, domain.PathPrefixSVNSourceURI)
	path = strings.TrimPrefix(path, domain.PathPrefixSVNDestURI)
	path = strings.TrimPrefix(path, domain.PathPrefixSVNSource)
	path = strings.TrimPrefix(path, domain.PathPrefixSVNDest)
	return path
}

// Serialize renders a DiffDocument back to unified-diff text. The output is
// a normalized rendering, not a byte-exact copy of the text Parse read:
// paths always carry "a/"/"b/" prefixes, a hunk count of 1 is omitted from
// the header, text after a hunk header's closing "@@" and metadata lines
// that Parse skipped are not reproduced, and no trailing newline is written.
func Serialize(doc *domain.DiffDocument) string {
	var sb strings.Builder
	for _, f := range doc.Files {
		oldPath := f.OldPath
		if oldPath == "" {
			oldPath = "/dev/null"
		} else {
			oldPath = domain.PathPrefixGitSource + oldPath
		}
		newPath := f.NewPath
		if newPath == "" {
			newPath = "/dev/null"
		} else {
			newPath = domain.PathPrefixGitDestination + newPath
		}
		sb.WriteString("--- ")
		sb.WriteString(oldPath)
		sb.WriteString("\n")
		sb.WriteString("+++ ")
		sb.WriteString(newPath)
		sb.WriteString("\n")

		for _, h := range f.Hunks {
			sb.WriteString(formatHunkHeader(h))
			sb.WriteString("\n")
			for i, l := range h.Lines {
				sb.WriteByte(byte(l.Marker))
				sb.WriteString(l.Text)
				if i < len(h.Lines)-1 {
					sb.WriteString("\n")
				}
			}
			sb.WriteString("\n")
		}
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func formatHunkHeader(h domain.DiffHunk) string {
	old := fmt.Sprintf("-%d,%d", h.OldStart, h.OldCount)
	if h.OldCount == 1 {
		old = fmt.Sprintf("-%d", h.OldStart)
	}
	nw := fmt.Sprintf("+%d,%d", h.NewStart, h.NewCount)
	if h.NewCount == 1 {
		nw = fmt.Sprintf("+%d", h.NewStart)
	}
	return fmt.Sprintf("@@ %s %s @@", old, nw)
}
