package diffparse

import "github.com/codereview/revieworchestrator/internal/domain"

// Chunk is one sub-document produced by greedy packing.
type Chunk struct {
	Doc   domain.DiffDocument
	Lines int
}

// hunkLineCount is the number of diff-text lines a hunk contributes,
// including its own header line — the same unit the position mapper
// advances by per hunk.
func hunkLineCount(h domain.DiffHunk) int {
	return 1 + len(h.Lines)
}

// Split produces an ordered sequence of sub-documents by greedily packing
// files/hunks until maxLinesPerChunk is exceeded. A single hunk larger than
// the cap is emitted alone — a hunk is never split across chunks, so the
// LLM always sees it intact.
func Split(doc *domain.DiffDocument, maxLinesPerChunk int) []Chunk {
	if maxLinesPerChunk <= 0 {
		maxLinesPerChunk = 1500
	}

	var chunks []Chunk
	var currentFiles []domain.FileModification
	currentLines := 0

	flush := func() {
		if len(currentFiles) > 0 {
			chunks = append(chunks, Chunk{Doc: domain.DiffDocument{Files: currentFiles}, Lines: currentLines})
			currentFiles = nil
			currentLines = 0
		}
	}

	for _, f := range doc.Files {
		fileLines := 2 // --- / +++ header lines
		for _, h := range f.Hunks {
			fileLines += hunkLineCount(h)
		}

		if fileLines > maxLinesPerChunk && len(f.Hunks) > 1 {
			// Split this file hunk-by-hunk, never splitting a single hunk.
			flush()
			var groupHunks []domain.DiffHunk
			groupLines := 2
			for _, h := range f.Hunks {
				hl := hunkLineCount(h)
				if groupLines+hl > maxLinesPerChunk && len(groupHunks) > 0 {
					chunks = append(chunks, Chunk{
						Doc:   domain.DiffDocument{Files: []domain.FileModification{{OldPath: f.OldPath, NewPath: f.NewPath, Hunks: groupHunks}}},
						Lines: groupLines,
					})
					groupHunks = nil
					groupLines = 2
				}
				groupHunks = append(groupHunks, h)
				groupLines += hl
			}
			if len(groupHunks) > 0 {
				chunks = append(chunks, Chunk{
					Doc:   domain.DiffDocument{Files: []domain.FileModification{{OldPath: f.OldPath, NewPath: f.NewPath, Hunks: groupHunks}}},
					Lines: groupLines,
				})
			}
			continue
		}

		if currentLines+fileLines > maxLinesPerChunk && len(currentFiles) > 0 {
			flush()
		}
		currentFiles = append(currentFiles, f)
		currentLines += fileLines
	}
	flush()

	return chunks
}
