package rag

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// Payload keys written on every point.
const (
	payloadDocument   = "document"
	payloadSeq        = "seq"
	payloadText       = "text"
	payloadStart      = "start"
	payloadEnd        = "end"
	payloadOrder      = "order"
	payloadGeneration = "generation"
)

// scrollPage is the page size used when listing points.
const scrollPage = 256

// insertOrder hands out monotonically increasing insertion stamps. It is
// seeded from the wall clock so stamps from a later process sort after
// those of an earlier one.
var insertOrder atomic.Int64

func init() {
	insertOrder.Store(time.Now().UnixNano())
}

// QdrantConfig holds connection parameters for a Qdrant vector index.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the Qdrant collection name (default: ragpdf-chunks).
	Collection string

	// VectorSize is the dimensionality of the embeddings stored in this collection.
	VectorSize uint64

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// Overfetch is the number of extra candidates requested beyond k so ties
	// at the cut-off can be ordered by insertion. Defaults to 16.
	Overfetch int
}

// QdrantIndex implements VectorIndex backed by a Qdrant collection.
//
// Qdrant has no multi-point transactions, so Replace writes the new chunk
// set under a fresh generation tag and then deletes every other generation
// of the document. The index-level lock keeps in-process readers from
// observing the window in between.
type QdrantIndex struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client
	// cfg holds the resolved configuration for this index.
	cfg *QdrantConfig
	// mu serialises writers against readers.
	mu sync.RWMutex
}

// NewQdrantIndex connects to Qdrant, ensures the target collection exists
// (creating it if necessary), and returns a ready-to-use index.
func NewQdrantIndex(ctx context.Context, cfg *QdrantConfig) (*QdrantIndex, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		cfg.Collection = "ragpdf-chunks"
	}
	if cfg.Overfetch <= 0 {
		cfg.Overfetch = 16
	}
	if cfg.VectorSize == 0 {
		return nil, fmt.Errorf("qdrant: vector size must be set")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	idx := &QdrantIndex{client: client, cfg: cfg}
	if err := idx.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return idx, nil
}

// Ping reports whether Qdrant answers its health RPC and still holds the
// configured collection. A collection dropped out from under a running
// server makes every query fail, so readiness treats it as down.
func (q *QdrantIndex) Ping(ctx context.Context) error {
	if _, err := q.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant: health check failed: %w", err)
	}
	exists, err := q.client.CollectionExists(ctx, q.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: collection lookup failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("qdrant: collection %q is missing", q.cfg.Collection)
	}
	return nil
}

// ensureCollection creates the Qdrant collection if it does not already exist.
func (q *QdrantIndex) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     q.cfg.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", q.cfg.Collection, err)
	}
	return nil
}

// Insert upserts a single chunk after checking it does not already exist.
func (q *QdrantIndex) Insert(ctx context.Context, chunk Chunk) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	exact := true
	n, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: q.cfg.Collection,
		Filter: &qdrant.Filter{Must: []*qdrant.Condition{
			qdrant.NewMatch(payloadDocument, chunk.Document),
			qdrant.NewMatchInt(payloadSeq, int64(chunk.Seq)),
		}},
		Exact: &exact,
	})
	if err != nil {
		return fmt.Errorf("qdrant: insert: count existing: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("qdrant: insert: chunk %s#%d already exists", chunk.Document, chunk.Seq)
	}
	return q.upsert(ctx, []Chunk{chunk}, uuid.NewString())
}

// Replace writes chunks under a new generation, then removes every older
// generation of document. If the removal fails the new generation is
// rolled back so the previous set stays authoritative.
func (q *QdrantIndex) Replace(ctx context.Context, document string, chunks []Chunk) ([]Chunk, error) {
	for _, c := range chunks {
		if c.Document != document {
			return nil, fmt.Errorf("qdrant: replace: chunk belongs to %q, not %q", c.Document, document)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	previous, err := q.scroll(ctx, documentFilter(document), true)
	if err != nil {
		return nil, fmt.Errorf("qdrant: replace %s: %w", document, err)
	}

	gen := uuid.NewString()
	if len(chunks) > 0 {
		if err := q.upsert(ctx, chunks, gen); err != nil {
			q.dropGeneration(document, gen)
			return nil, fmt.Errorf("qdrant: replace %s: %w", document, err)
		}
	}

	stale := &qdrant.Filter{
		Must:    []*qdrant.Condition{qdrant.NewMatch(payloadDocument, document)},
		MustNot: []*qdrant.Condition{qdrant.NewMatch(payloadGeneration, gen)},
	}
	if err := q.delete(ctx, stale); err != nil {
		q.dropGeneration(document, gen)
		return nil, fmt.Errorf("qdrant: replace %s: remove previous generation: %w", document, err)
	}
	return previous, nil
}

// DeleteByDocument removes every point belonging to document.
func (q *QdrantIndex) DeleteByDocument(ctx context.Context, document string) ([]Chunk, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	previous, err := q.scroll(ctx, documentFilter(document), true)
	if err != nil {
		return nil, fmt.Errorf("qdrant: delete %s: %w", document, err)
	}
	if len(previous) == 0 {
		return nil, nil
	}
	if err := q.delete(ctx, documentFilter(document)); err != nil {
		return nil, fmt.Errorf("qdrant: delete %s: %w", document, err)
	}
	return previous, nil
}

// Query performs a cosine similarity search. Qdrant orders equal scores
// arbitrarily, so the result is overfetched and re-sorted by insertion stamp
// before truncating to k.
func (q *QdrantIndex) Query(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return []Hit{}, nil
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	limit := uint64(k + q.cfg.Overfetch) //nolint:gosec // k is bounded by the retriever
	results, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.cfg.Collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: search failed: %w", err)
	}

	type ordered struct {
		hit   Hit
		order int64
	}
	rows := make([]ordered, 0, len(results))
	for _, r := range results {
		c, order := chunkFromPayload(r.GetPayload())
		rows = append(rows, ordered{hit: Hit{Chunk: c, Score: r.GetScore()}, order: order})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].hit.Score != rows[j].hit.Score {
			return rows[i].hit.Score > rows[j].hit.Score
		}
		return rows[i].order < rows[j].order
	})

	if k < len(rows) {
		rows = rows[:k]
	}
	hits := make([]Hit, len(rows))
	for i, r := range rows {
		hits[i] = r.hit
	}
	return hits, nil
}

// Count returns the exact number of points in the collection.
func (q *QdrantIndex) Count(ctx context.Context) (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	exact := true
	n, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: q.cfg.Collection,
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("qdrant: count failed: %w", err)
	}
	return int(n), nil //nolint:gosec // collection sizes fit in int
}

// Documents returns the chunk count per document by scrolling payloads.
func (q *QdrantIndex) Documents(ctx context.Context) (map[string]int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	chunks, err := q.scroll(ctx, nil, false)
	if err != nil {
		return nil, fmt.Errorf("qdrant: documents: %w", err)
	}
	out := make(map[string]int)
	for _, c := range chunks {
		out[c.Document]++
	}
	return out, nil
}

// Close closes the underlying Qdrant gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

// upsert writes chunks as new points tagged with gen.
func (q *QdrantIndex) upsert(ctx context.Context, chunks []Chunk, gen string) error {
	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for _, c := range chunks {
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(uuid.NewString()),
			Vectors: qdrant.NewVectors(c.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				payloadDocument:   c.Document,
				payloadSeq:        int64(c.Seq),
				payloadText:       c.Text,
				payloadStart:      int64(c.Start),
				payloadEnd:        int64(c.End),
				payloadOrder:      insertOrder.Add(1),
				payloadGeneration: gen,
			}),
		})
	}

	wait := true
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.cfg.Collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("upsert failed: %w", err)
	}
	return nil
}

// delete removes every point matching filter.
func (q *QdrantIndex) delete(ctx context.Context, filter *qdrant.Filter) error {
	wait := true
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.cfg.Collection,
		Wait:           &wait,
		Points:         qdrant.NewPointsSelectorFilter(filter),
	})
	if err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}
	return nil
}

// dropGeneration best-effort removes the points written under gen. It runs
// on a fresh context because the caller's may already be cancelled.
func (q *QdrantIndex) dropGeneration(document, gen string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = q.delete(ctx, &qdrant.Filter{Must: []*qdrant.Condition{
		qdrant.NewMatch(payloadDocument, document),
		qdrant.NewMatch(payloadGeneration, gen),
	}})
}

// scroll lists every point matching filter, ordered by Seq within each document.
func (q *QdrantIndex) scroll(ctx context.Context, filter *qdrant.Filter, withVectors bool) ([]Chunk, error) {
	var (
		out    []Chunk
		offset *qdrant.PointId
	)
	limit := uint32(scrollPage)
	for {
		points, next, err := q.client.ScrollAndOffset(ctx, &qdrant.ScrollPoints{
			CollectionName: q.cfg.Collection,
			Filter:         filter,
			Offset:         offset,
			Limit:          &limit,
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(withVectors),
		})
		if err != nil {
			return nil, fmt.Errorf("scroll failed: %w", err)
		}
		for _, p := range points {
			c, _ := chunkFromPayload(p.GetPayload())
			if withVectors {
				c.Vector = denseVector(p.GetVectors())
			}
			out = append(out, c)
		}
		if next == nil || len(points) == 0 {
			break
		}
		offset = next
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Document != out[j].Document {
			return out[i].Document < out[j].Document
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

// documentFilter matches every point of document.
func documentFilter(document string) *qdrant.Filter {
	return &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch(payloadDocument, document)}}
}

// chunkFromPayload decodes a point payload into a Chunk and its insertion stamp.
func chunkFromPayload(p map[string]*qdrant.Value) (Chunk, int64) {
	c := Chunk{
		Document: p[payloadDocument].GetStringValue(),
		Seq:      int(p[payloadSeq].GetIntegerValue()),
		Text:     p[payloadText].GetStringValue(),
		Start:    int(p[payloadStart].GetIntegerValue()),
		End:      int(p[payloadEnd].GetIntegerValue()),
	}
	return c, p[payloadOrder].GetIntegerValue()
}

// denseVector extracts the unnamed dense vector from a point.
func denseVector(v *qdrant.VectorsOutput) []float32 {
	out := v.GetVector()
	if d := out.GetDense(); d != nil {
		return d.GetData()
	}
	return out.GetData() //nolint:staticcheck // servers older than 1.13 only fill Data
}
