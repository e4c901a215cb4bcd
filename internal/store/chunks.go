package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/akshyv/rag-pdf/internal/rag"
)

// metaEmbedderModel is the meta key holding the embedding model that wrote
// the stored vectors.
const metaEmbedderModel = "embedder_model"

// ErrModelMismatch is returned by BindModel when stored vectors were written
// by a different embedding model.
var ErrModelMismatch = errors.New("store: embedding model mismatch")

// ChunkIndex is a rag.VectorIndex over the chunks table of a SQLiteStore.
// Queries are brute-force cosine scans in insertion (rowid) order, which is
// adequate for a single-user document set.
type ChunkIndex struct {
	// s is the owning store; ChunkIndex does not close it.
	s *SQLiteStore
}

// Chunks returns the VectorIndex view of the store.
func (s *SQLiteStore) Chunks() *ChunkIndex {
	return &ChunkIndex{s: s}
}

// BindModel records model as the embedder that writes vectors into this
// database. Binding a different model while chunks exist returns
// ErrModelMismatch; with no chunks stored the binding is simply updated.
func (c *ChunkIndex) BindModel(ctx context.Context, model string) error {
	tx, err := c.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: bind model: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, metaEmbedderModel).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: bind model: lookup: %w", err)
	}
	if current == model {
		return nil
	}

	if current != "" {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
			return fmt.Errorf("store: bind model: count: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("store: %d chunks were embedded with %q, not %q: %w", n, current, model, ErrModelMismatch)
		}
	}

	const q = `INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := tx.ExecContext(ctx, q, metaEmbedderModel, model); err != nil {
		return fmt.Errorf("store: bind model: write: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: bind model: commit: %w", err)
	}
	return nil
}

// Insert stores a single chunk. The parent document must exist.
func (c *ChunkIndex) Insert(ctx context.Context, chunk rag.Chunk) error {
	if err := insertChunk(ctx, c.s.db, chunk); err != nil {
		return fmt.Errorf("store: insert chunk %s#%d: %w", chunk.Document, chunk.Seq, err)
	}
	return nil
}

// Replace swaps the chunk set of document inside one transaction.
func (c *ChunkIndex) Replace(ctx context.Context, document string, chunks []rag.Chunk) ([]rag.Chunk, error) {
	for _, ch := range chunks {
		if ch.Document != document {
			return nil, fmt.Errorf("store: replace: chunk belongs to %q, not %q", ch.Document, document)
		}
	}

	tx, err := c.s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: replace %s: begin: %w", document, err)
	}
	defer func() { _ = tx.Rollback() }()

	previous, err := selectChunks(ctx, tx, document)
	if err != nil {
		return nil, fmt.Errorf("store: replace %s: %w", document, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document = ?`, document); err != nil {
		return nil, fmt.Errorf("store: replace %s: delete: %w", document, err)
	}
	for _, ch := range chunks {
		if err := insertChunk(ctx, tx, ch); err != nil {
			return nil, fmt.Errorf("store: replace %s: insert #%d: %w", document, ch.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: replace %s: commit: %w", document, err)
	}
	return previous, nil
}

// DeleteByDocument removes every chunk of document inside one transaction.
func (c *ChunkIndex) DeleteByDocument(ctx context.Context, document string) ([]rag.Chunk, error) {
	tx, err := c.s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: delete chunks %s: begin: %w", document, err)
	}
	defer func() { _ = tx.Rollback() }()

	previous, err := selectChunks(ctx, tx, document)
	if err != nil {
		return nil, fmt.Errorf("store: delete chunks %s: %w", document, err)
	}
	if len(previous) == 0 {
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document = ?`, document); err != nil {
		return nil, fmt.Errorf("store: delete chunks %s: %w", document, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: delete chunks %s: commit: %w", document, err)
	}
	return previous, nil
}

// Query scores every stored chunk against vector and returns the top k.
func (c *ChunkIndex) Query(ctx context.Context, vector []float32, k int) ([]rag.Hit, error) {
	if k <= 0 {
		return []rag.Hit{}, nil
	}

	const q = `SELECT document, seq, text, start_off, end_off, vector FROM chunks ORDER BY id ASC`
	rows, err := c.s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	defer rows.Close()

	var hits []rag.Hit
	for rows.Next() {
		var (
			ch  rag.Chunk
			raw []byte
		)
		if err := rows.Scan(&ch.Document, &ch.Seq, &ch.Text, &ch.Start, &ch.End, &raw); err != nil {
			return nil, fmt.Errorf("store: query scan: %w", err)
		}
		score, err := rag.Cosine(vector, bytesToFloat32Slice(raw))
		if err != nil {
			return nil, fmt.Errorf("store: query against %s#%d: %w", ch.Document, ch.Seq, err)
		}
		hits = append(hits, rag.Hit{Chunk: ch, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: query rows: %w", err)
	}
	if hits == nil {
		return []rag.Hit{}, nil
	}
	return rag.Rank(hits, k), nil
}

// Count returns the number of stored chunks.
func (c *ChunkIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := c.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count chunks: %w", err)
	}
	return n, nil
}

// Documents returns the chunk count per document.
func (c *ChunkIndex) Documents(ctx context.Context) (map[string]int, error) {
	rows, err := c.s.db.QueryContext(ctx, `SELECT document, COUNT(*) FROM chunks GROUP BY document`)
	if err != nil {
		return nil, fmt.Errorf("store: chunk documents: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			name string
			n    int
		)
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("store: chunk documents scan: %w", err)
		}
		out[name] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: chunk documents rows: %w", err)
	}
	return out, nil
}

// Close is a no-op; the owning SQLiteStore holds the connection.
func (c *ChunkIndex) Close() error { return nil }

// execQuerier is satisfied by *sql.DB and *sql.Tx.
type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func insertChunk(ctx context.Context, db execQuerier, ch rag.Chunk) error {
	const q = `INSERT INTO chunks (document, seq, text, start_off, end_off, vector) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, q, ch.Document, ch.Seq, ch.Text, ch.Start, ch.End, float32SliceToBytes(ch.Vector))
	return err
}

// selectChunks returns the chunks of document ordered by seq, vectors included.
func selectChunks(ctx context.Context, db execQuerier, document string) ([]rag.Chunk, error) {
	const q = `SELECT seq, text, start_off, end_off, vector FROM chunks WHERE document = ? ORDER BY seq ASC`
	rows, err := db.QueryContext(ctx, q, document)
	if err != nil {
		return nil, fmt.Errorf("select chunks: %w", err)
	}
	defer rows.Close()

	var out []rag.Chunk
	for rows.Next() {
		ch := rag.Chunk{Document: document}
		var raw []byte
		if err := rows.Scan(&ch.Seq, &ch.Text, &ch.Start, &ch.End, &raw); err != nil {
			return nil, fmt.Errorf("select chunks scan: %w", err)
		}
		ch.Vector = bytesToFloat32Slice(raw)
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select chunks rows: %w", err)
	}
	return out, nil
}

// float32SliceToBytes encodes a vector as little-endian IEEE 754 floats.
func float32SliceToBytes(floats []float32) []byte {
	buf := make([]byte, len(floats)*4)
	for i, f := range floats {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// bytesToFloat32Slice decodes a vector written by float32SliceToBytes.
func bytesToFloat32Slice(data []byte) []float32 {
	if len(data) == 0 {
		return nil
	}
	floats := make([]float32, len(data)/4)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return floats
}
