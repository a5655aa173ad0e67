package ingest

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/vcetai/vcet-assist/engine/domain"
)

// splitText cuts text into windows of size runes, each starting size-overlap
// runes after the previous one. The last window may be shorter.
func splitText(text string, size, overlap int) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	step := size - overlap
	var out []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return out
}

// ChunkDocuments splits documents into overlapping chunks in document order.
// Whitespace-only windows are dropped.
func ChunkDocuments(docs []domain.Document, opts Options) []domain.Chunk {
	opts = opts.normalized()
	var chunks []domain.Chunk
	for _, doc := range docs {
		idx := 0
		for _, piece := range splitText(doc.Text, opts.ChunkSize, opts.Overlap) {
			text := strings.TrimSpace(piece)
			if text == "" {
				continue
			}
			chunks = append(chunks, domain.Chunk{
				ID:     chunkID(doc.ID, doc.Page, idx),
				DocID:  doc.ID,
				Index:  idx,
				Text:   text,
				Source: doc.Name,
				Page:   doc.Page,
			})
			idx++
		}
	}
	return chunks
}

// chunkID is a deterministic UUID so rebuilds over unchanged documents keep IDs.
func chunkID(docID string, page, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s:%d:%d", docID, page, index))).String()
}
