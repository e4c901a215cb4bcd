package rag

import (
	"errors"
	"math"
	"sort"
)

// ErrDimensionMismatch is returned when a query vector and a stored vector
// have different lengths, which means they came from different embedders.
var ErrDimensionMismatch = errors.New("rag: vector dimension mismatch")

// Cosine returns the cosine similarity of a and b. A zero vector has
// similarity 0 with everything.
func Cosine(a, b []float32) (float32, error) {
	if len(a) != len(b) {
		return 0, ErrDimensionMismatch
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb))), nil
}

// Rank orders hits by descending score. hits must already be in insertion
// order; the stable sort keeps that order among equal scores. The result is
// truncated to k.
func Rank(hits []Hit, k int) []Hit {
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits
}
