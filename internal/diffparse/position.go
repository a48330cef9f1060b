package diffparse

import "github.com/codereview/revieworchestrator/internal/domain"

// NotFound is the sentinel position returned when the target line is not
// represented on the added/context side of the diff.
const NotFound = -1

// MapPosition computes the provider-kind-A comment position for (path,
// newLine): the 1-based line index within the unified-diff text, scoped to
// the target file.
//
// The mapper walks files in order; for each non-matching file it skips
// 1+len(hunk.Lines) per hunk (header + content). Within the matching file,
// each hunk contributes 1 for its own header, then the running position
// advances once per line while newLineNumber (tracked from hunk.NewStart)
// advances only on '+'/' ' lines — matching when newLineNumber == target.
func MapPosition(doc *domain.DiffDocument, path string, newLine int) int {
	position := 0

	for _, f := range doc.Files {
		if f.Path() != path {
			for _, h := range f.Hunks {
				position += 1 + len(h.Lines)
			}
			continue
		}

		for _, h := range f.Hunks {
			position++ // hunk header
			newLineNumber := h.NewStart - 1

			for _, l := range h.Lines {
				position++
				switch l.Marker {
				case domain.LineAdded, domain.LineContext:
					newLineNumber++
					if newLineNumber == newLine {
						return position
					}
				}
			}
		}
		// Matching file exhausted without finding the target line.
		return NotFound
	}

	return NotFound
}
