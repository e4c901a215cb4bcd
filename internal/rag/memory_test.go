package rag

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunkOf(doc string, seq int, vec ...float32) Chunk {
	return Chunk{Document: doc, Seq: seq, Text: fmt.Sprintf("%s-%d", doc, seq), Vector: vec}
}

func TestMemoryIndex_InsertAndQuery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	idx := NewMemoryIndex()

	require.NoError(t, idx.Insert(ctx, chunkOf("a.txt", 0, 1, 0)))
	require.NoError(t, idx.Insert(ctx, chunkOf("b.txt", 0, 0, 1)))
	require.NoError(t, idx.Insert(ctx, chunkOf("c.txt", 0, 1, 1)))

	hits, err := idx.Query(ctx, []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a.txt", hits[0].Chunk.Document)
	assert.Equal(t, "c.txt", hits[1].Chunk.Document)
	assert.Nil(t, hits[0].Chunk.Vector, "query results should not carry vectors")
	assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)
}

func TestMemoryIndex_InsertDuplicate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	idx := NewMemoryIndex()

	require.NoError(t, idx.Insert(ctx, chunkOf("a.txt", 0, 1)))
	assert.Error(t, idx.Insert(ctx, chunkOf("a.txt", 0, 1)))
}

func TestMemoryIndex_TiesResolveByInsertionOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	idx := NewMemoryIndex()

	for _, doc := range []string{"x", "y", "z"} {
		require.NoError(t, idx.Insert(ctx, chunkOf(doc, 0, 1, 1)))
	}
	for range 5 {
		hits, err := idx.Query(ctx, []float32{1, 1}, 3)
		require.NoError(t, err)
		require.Len(t, hits, 3)
		assert.Equal(t, []string{"x", "y", "z"},
			[]string{hits[0].Chunk.Document, hits[1].Chunk.Document, hits[2].Chunk.Document})
	}
}

func TestMemoryIndex_QueryZeroK(t *testing.T) {
	t.Parallel()
	idx := NewMemoryIndex()
	require.NoError(t, idx.Insert(context.Background(), chunkOf("a", 0, 1)))

	hits, err := idx.Query(context.Background(), []float32{1}, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestMemoryIndex_QueryDimensionMismatch(t *testing.T) {
	t.Parallel()
	idx := NewMemoryIndex()
	require.NoError(t, idx.Insert(context.Background(), chunkOf("a", 0, 1, 2)))

	_, err := idx.Query(context.Background(), []float32{1, 2, 3}, 1)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestMemoryIndex_ReplaceReturnsPrevious(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	idx := NewMemoryIndex()

	_, err := idx.Replace(ctx, "a", []Chunk{chunkOf("a", 0, 1), chunkOf("a", 1, 1)})
	require.NoError(t, err)
	require.NoError(t, idx.Insert(ctx, chunkOf("b", 0, 1)))

	prev, err := idx.Replace(ctx, "a", []Chunk{chunkOf("a", 0, 2)})
	require.NoError(t, err)
	assert.Len(t, prev, 2)

	docs, err := idx.Documents(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, docs)
}

func TestMemoryIndex_ReplaceRejectsForeignChunk(t *testing.T) {
	t.Parallel()
	idx := NewMemoryIndex()

	_, err := idx.Replace(context.Background(), "a", []Chunk{chunkOf("b", 0, 1)})
	assert.Error(t, err)
	n, _ := idx.Count(context.Background())
	assert.Zero(t, n)
}

func TestMemoryIndex_ReplaceCancelledLeavesIndexUntouched(t *testing.T) {
	t.Parallel()
	idx := NewMemoryIndex()
	require.NoError(t, idx.Insert(context.Background(), chunkOf("a", 0, 1)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := idx.Replace(ctx, "a", []Chunk{chunkOf("a", 0, 2), chunkOf("a", 1, 2)})
	require.ErrorIs(t, err, context.Canceled)

	docs, _ := idx.Documents(context.Background())
	assert.Equal(t, map[string]int{"a": 1}, docs)
}

func TestMemoryIndex_DeleteByDocument(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	idx := NewMemoryIndex()

	require.NoError(t, idx.Insert(ctx, chunkOf("a", 0, 1)))
	require.NoError(t, idx.Insert(ctx, chunkOf("b", 0, 1)))
	require.NoError(t, idx.Insert(ctx, chunkOf("a", 1, 1)))

	removed, err := idx.DeleteByDocument(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, removed, 2)

	removed, err = idx.DeleteByDocument(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, removed)

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryIndex_ConcurrentReadersSeeWholeSets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	idx := NewMemoryIndex()

	set := func(n int) []Chunk {
		out := make([]Chunk, n)
		for i := range out {
			out[i] = chunkOf("doc", i, 1)
		}
		return out
	}
	_, err := idx.Replace(ctx, "doc", set(3))
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range 200 {
			n := 3
			if i%2 == 0 {
				n = 7
			}
			_, _ = idx.Replace(ctx, "doc", set(n))
		}
	}()

	for range 200 {
		hits, err := idx.Query(ctx, []float32{1}, 100)
		require.NoError(t, err)
		assert.Contains(t, []int{3, 7}, len(hits))
	}
	wg.Wait()
}
