package embedder

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

// HashEmbedder is an offline rag.Embedder that projects a bag of words onto a
// fixed number of dimensions with the hashing trick. It needs no model
// download or network access, so it suits tests, demos and air-gapped use.
// Similarity reflects shared vocabulary only. It is safe for concurrent use.
type HashEmbedder struct {
	// dims is the output vector length.
	dims int
	// tokenPattern matches words (letters with inner apostrophes) and numbers.
	tokenPattern *regexp.Regexp
	// stopwords are dropped before hashing.
	stopwords map[string]struct{}
}

// NewHashEmbedder returns a HashEmbedder producing dims-length vectors.
// dims <= 0 selects the default of 256.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = defaultHashDimensions
	}
	return &HashEmbedder{
		dims:         dims,
		tokenPattern: regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*|\p{N}+`),
		stopwords:    defaultStopwords(),
	}
}

// Model identifies the embedder and its dimension.
func (e *HashEmbedder) Model() string { return fmt.Sprintf("hash/%d", e.dims) }

// Embed returns one L2-normalised vector per text. Text without any
// countable token maps to the zero vector.
func (e *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("hash embedder: %w", err)
		}
		out[i] = e.embedOne(t)
	}
	return out, nil
}

func (e *HashEmbedder) embedOne(text string) []float32 {
	counts := make(map[string]int)
	for _, tok := range e.tokenize(text) {
		counts[tok]++
	}

	vec := make([]float64, e.dims)
	for tok, n := range counts {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims)) //nolint:gosec // dims is positive
		sign := 1.0
		if sum>>63 == 1 {
			sign = -1.0
		}
		// Sublinear term frequency.
		vec[idx] += sign * (1 + math.Log(float64(n)))
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	res := make([]float32, e.dims)
	if norm == 0 {
		return res
	}
	for i, v := range vec {
		res[i] = float32(v / norm)
	}
	return res
}

func (e *HashEmbedder) tokenize(text string) []string {
	raw := e.tokenPattern.FindAllString(strings.ToLower(text), -1)
	out := raw[:0]
	for _, t := range raw {
		if _, isStop := e.stopwords[t]; isStop {
			continue
		}
		out = append(out, t)
	}
	return out
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at",
		"by", "with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "its", "this", "that",
		"these", "those", "from", "up", "down", "over", "under", "again", "further", "than", "so", "such",
		"into", "about", "between", "through", "during", "before", "after", "above", "below", "out", "off",
		"own", "same", "too", "very", "can", "will", "just", "don", "should", "now", "what", "which", "who",
		"whom", "do", "does", "did", "how", "why", "where", "when",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
