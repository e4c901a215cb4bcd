package rag

import (
	"context"
	"fmt"
	"sync"
)

// memEntry is a stored chunk tagged with its global insertion sequence.
type memEntry struct {
	seq   uint64
	chunk Chunk
}

// MemoryIndex is a process-local VectorIndex using brute-force cosine
// similarity. Entries are kept in insertion order so ranking ties resolve
// naturally. Contents are lost on restart.
type MemoryIndex struct {
	// mu guards entries and next. Replace holds the write lock for the whole
	// swap so readers never see a partial chunk set.
	mu sync.RWMutex
	// entries is ordered by seq.
	entries []memEntry
	// next is the sequence number assigned to the next inserted chunk.
	next uint64
}

// NewMemoryIndex returns an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{}
}

// Insert appends chunk to the index.
func (m *MemoryIndex) Insert(_ context.Context, chunk Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.chunk.Document == chunk.Document && e.chunk.Seq == chunk.Seq {
			return fmt.Errorf("rag: memory index: chunk %s#%d already exists", chunk.Document, chunk.Seq)
		}
	}
	m.appendLocked(chunk)
	return nil
}

// Replace swaps the chunk set of document under a single write lock.
func (m *MemoryIndex) Replace(ctx context.Context, document string, chunks []Chunk) ([]Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("rag: memory index: replace %s: %w", document, err)
	}
	for _, c := range chunks {
		if c.Document != document {
			return nil, fmt.Errorf("rag: memory index: chunk belongs to %q, not %q", c.Document, document)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	previous := m.removeLocked(document)
	for _, c := range chunks {
		m.appendLocked(c)
	}
	return previous, nil
}

// DeleteByDocument removes every chunk of document.
func (m *MemoryIndex) DeleteByDocument(_ context.Context, document string) ([]Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(document), nil
}

// Query scores every stored chunk against vector.
func (m *MemoryIndex) Query(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return []Hit{}, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	hits := make([]Hit, 0, len(m.entries))
	for _, e := range m.entries {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("rag: memory index: query: %w", err)
		}
		score, err := Cosine(vector, e.chunk.Vector)
		if err != nil {
			return nil, fmt.Errorf("rag: memory index: query against %s#%d: %w", e.chunk.Document, e.chunk.Seq, err)
		}
		c := e.chunk
		c.Vector = nil
		hits = append(hits, Hit{Chunk: c, Score: score})
	}
	return Rank(hits, k), nil
}

// Count returns the number of stored chunks.
func (m *MemoryIndex) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

// Documents returns the chunk count per document.
func (m *MemoryIndex) Documents(_ context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int)
	for _, e := range m.entries {
		out[e.chunk.Document]++
	}
	return out, nil
}

// Close is a no-op.
func (m *MemoryIndex) Close() error { return nil }

// appendLocked stores a copy of c with the next sequence number.
func (m *MemoryIndex) appendLocked(c Chunk) {
	c.Vector = append([]float32(nil), c.Vector...)
	m.entries = append(m.entries, memEntry{seq: m.next, chunk: c})
	m.next++
}

// removeLocked drops the chunks of document, preserving the order of the
// rest, and returns the removed chunks ordered by Seq.
func (m *MemoryIndex) removeLocked(document string) []Chunk {
	var removed []Chunk
	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.chunk.Document == document {
			removed = append(removed, e.chunk)
			continue
		}
		kept = append(kept, e)
	}
	// Clear the tail so dropped vectors can be collected.
	for i := len(kept); i < len(m.entries); i++ {
		m.entries[i] = memEntry{}
	}
	m.entries = kept
	return removed
}
