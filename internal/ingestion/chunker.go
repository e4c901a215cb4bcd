package ingestion

import (
	"strings"

	"github.com/akshyv/rag-pdf/internal/apperr"
)

// Span is one window of a document's text. Offsets count characters
// (Unicode code points), not bytes.
type Span struct {
	// Seq is the zero-based position of the span in the document.
	Seq int
	// Start is the offset of the first character.
	Start int
	// End is the offset one past the last character.
	End int
	// Text is the span content.
	Text string
}

// Chunk splits text into a sliding window of at most maxChars characters,
// each window starting maxChars-overlap characters after the previous one.
// The last window ends at the end of text.
//
// Text for which strings.TrimSpace returns "" yields no spans, so a
// whitespace-only document processes to zero chunks. Reconcile applies the
// same rule and keeps such a document marked processed.
func Chunk(text string, maxChars, overlap int) ([]Span, error) {
	const op = "ingestion.chunk"

	if maxChars <= 0 {
		return nil, apperr.Configuration(op, "chunk size must be positive, got %d", maxChars)
	}
	if overlap < 0 {
		return nil, apperr.Configuration(op, "chunk overlap must not be negative, got %d", overlap)
	}
	if overlap >= maxChars {
		return nil, apperr.Configuration(op, "chunk overlap %d must be smaller than chunk size %d", overlap, maxChars)
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	runes := []rune(text)
	step := maxChars - overlap
	spans := make([]Span, 0, len(runes)/step+1)
	for start := 0; start < len(runes); start += step {
		end := min(start+maxChars, len(runes))
		spans = append(spans, Span{
			Seq:   len(spans),
			Start: start,
			End:   end,
			Text:  string(runes[start:end]),
		})
		if end == len(runes) {
			break
		}
	}
	return spans, nil
}
