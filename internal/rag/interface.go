// Package rag defines the retrieval data model and the contracts between the
// ingestion side (which writes chunk vectors) and the query side (which
// searches them). Concrete indexes (in-memory, SQLite, Qdrant) satisfy
// [VectorIndex] so the coordinator and retriever never depend on a backend.
package rag

import (
	"context"
	"time"
)

// Document is an uploaded file as held by the document store.
type Document struct {
	// Name is the sanitised upload filename and the document's identity.
	Name string

	// Size is the byte size of the uploaded file.
	Size int64

	// Content is the text extracted from the upload.
	Content string

	// Processed is true when the index holds exactly the chunk set derived
	// from the current Content.
	Processed bool

	// CreatedAt is when the document was first uploaded.
	CreatedAt time.Time

	// UpdatedAt is when the content or processed flag last changed.
	UpdatedAt time.Time
}

// DocumentInfo is the listing view of a Document without its content.
type DocumentInfo struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	Processed bool   `json:"processed"`
}

// Info returns the listing view of d.
func (d Document) Info() DocumentInfo {
	return DocumentInfo{Name: d.Name, Size: d.Size, Processed: d.Processed}
}

// Chunk is one contiguous span of a document's text together with its
// embedding. A chunk is identified by (Document, Seq).
type Chunk struct {
	// Document is the parent document name.
	Document string

	// Seq is the zero-based position of the chunk within its document.
	Seq int

	// Text is the chunk text.
	Text string

	// Start is the offset of the first character (code point) in the parent text.
	Start int

	// End is the offset one past the last character (code point).
	End int

	// Vector is the chunk embedding. Indexes may leave it nil on query results.
	Vector []float32
}

// Hit is a chunk returned by a similarity query.
type Hit struct {
	// Chunk is the matched chunk. Chunk.Document is the parent document name.
	Chunk Chunk

	// Score is the cosine similarity to the query vector; higher is better.
	Score float32
}

// VectorIndex stores chunk vectors and answers nearest-neighbour queries.
// Implementations must be safe to call from multiple goroutines, and a
// concurrent Query must observe either the full previous chunk set of a
// document or the full new one, never a mix.
type VectorIndex interface {
	// Insert appends a single chunk. Inserting a (Document, Seq) pair that
	// already exists is an error.
	Insert(ctx context.Context, chunk Chunk) error

	// Replace atomically swaps the chunk set of document for chunks and
	// returns the chunks it replaced. On error the previous set is intact.
	Replace(ctx context.Context, document string, chunks []Chunk) ([]Chunk, error)

	// DeleteByDocument atomically removes every chunk of document and
	// returns them. Deleting a document without chunks is a no-op.
	DeleteByDocument(ctx context.Context, document string) ([]Chunk, error)

	// Query returns at most k hits ordered by descending cosine similarity,
	// ties broken by insertion order (earlier first).
	Query(ctx context.Context, vector []float32, k int) ([]Hit, error)

	// Count returns the total number of chunks held.
	Count(ctx context.Context) (int, error)

	// Documents returns the chunk count per document name.
	Documents(ctx context.Context) (map[string]int, error)

	// Close releases any resources held by the index.
	Close() error
}

// Embedder converts text into dense vectors.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into embeddings parallel to texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Model identifies the embedding model. Two embedders with the same
	// Model produce comparable vectors.
	Model() string
}
