package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akshyv/rag-pdf/internal/apperr"
	"github.com/akshyv/rag-pdf/internal/rag"
	"github.com/akshyv/rag-pdf/internal/store"
)

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

// wordEmbedder maps text onto a small vocabulary. It can be switched to fail.
type wordEmbedder struct {
	vocab []string
	fail  atomic.Bool
	calls atomic.Int32
}

func newWordEmbedder() *wordEmbedder {
	return &wordEmbedder{vocab: []string{"paris", "capital", "france", "berlin", "alpha", "beta"}}
}

func (e *wordEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	if e.fail.Load() {
		return nil, errors.New("embedder unreachable")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, len(e.vocab)+1)
		lower := strings.ToLower(t)
		for j, w := range e.vocab {
			v[j] = float32(strings.Count(lower, w))
		}
		v[len(e.vocab)] = 0.01 // keeps vectors non-zero
		out[i] = v
	}
	return out, nil
}

func (e *wordEmbedder) Model() string { return "word-test" }

// flakyDocs wraps a DocumentStore and fails SetProcessed or Delete on demand.
type flakyDocs struct {
	DocumentStore
	failSetProcessed atomic.Bool
	failDelete       atomic.Bool
}

func (f *flakyDocs) SetProcessed(ctx context.Context, name string, processed bool) error {
	if f.failSetProcessed.Load() {
		return errors.New("disk full")
	}
	return f.DocumentStore.SetProcessed(ctx, name, processed)
}

func (f *flakyDocs) Delete(ctx context.Context, name string) error {
	if f.failDelete.Load() {
		return errors.New("disk full")
	}
	return f.DocumentStore.Delete(ctx, name)
}

type fixture struct {
	coord *Coordinator
	docs  *flakyDocs
	db    *store.SQLiteStore
	index rag.VectorIndex
	emb   *wordEmbedder
}

// newFixture builds a Coordinator over an in-memory SQLite store. With
// memIndex set the chunks live in a MemoryIndex instead of the store.
func newFixture(t *testing.T, memIndex bool, cfg *Config) *fixture {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var index rag.VectorIndex = db.Chunks()
	if memIndex {
		index = rag.NewMemoryIndex()
	}
	docs := &flakyDocs{DocumentStore: db}
	emb := newWordEmbedder()
	if cfg == nil {
		cfg = &Config{ChunkSize: 100, ChunkOverlap: 10, AllowedExtensions: []string{"txt", "md"}}
	}
	coord, err := NewCoordinator(docs, index, emb, cfg)
	require.NoError(t, err)
	return &fixture{coord: coord, docs: docs, db: db, index: index, emb: emb}
}

func (f *fixture) upload(t *testing.T, name, content string) rag.Document {
	t.Helper()
	doc, err := f.coord.Upload(context.Background(), name, []byte(content))
	require.NoError(t, err)
	return doc
}

func (f *fixture) chunkTexts(t *testing.T, name string) []string {
	t.Helper()
	hits, err := f.index.Query(context.Background(), make([]float32, len(f.emb.vocab)+1), 1000)
	require.NoError(t, err)
	var out []string
	for _, h := range hits {
		if h.Chunk.Document == name {
			out = append(out, h.Chunk.Text)
		}
	}
	return out
}

func (f *fixture) chunkCount(t *testing.T, name string) int {
	t.Helper()
	counts, err := f.index.Documents(context.Background())
	require.NoError(t, err)
	return counts[name]
}

// ---------------------------------------------------------------------------
// construction
// ---------------------------------------------------------------------------

func TestNewCoordinator_Validation(t *testing.T) {
	t.Parallel()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = NewCoordinator(nil, db.Chunks(), newWordEmbedder(), nil)
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))
	_, err = NewCoordinator(db, nil, newWordEmbedder(), nil)
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))
	_, err = NewCoordinator(db, db.Chunks(), nil, nil)
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))
	_, err = NewCoordinator(db, db.Chunks(), newWordEmbedder(), &Config{DuplicatePolicy: "merge"})
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))

	for _, cfg := range []*Config{
		{ChunkSize: 100, ChunkOverlap: 200},
		{ChunkSize: 100, ChunkOverlap: 100},
		{ChunkSize: -1},
		{ChunkOverlap: -5},
		{ChunkOverlap: 1000},
	} {
		_, err = NewCoordinator(db, db.Chunks(), newWordEmbedder(), cfg)
		assert.True(t, apperr.Is(err, apperr.KindConfiguration), "size=%d overlap=%d: got %v", cfg.ChunkSize, cfg.ChunkOverlap, err)
	}

	c, err := NewCoordinator(db, db.Chunks(), newWordEmbedder(), &Config{AllowedExtensions: []string{".PDF", " txt"}})
	require.NoError(t, err)
	cfg := c.Config()
	assert.Equal(t, []string{"pdf", "txt"}, cfg.AllowedExtensions)
	assert.Equal(t, 1000, cfg.ChunkSize)
	assert.Equal(t, int64(16<<20), cfg.MaxUploadBytes)
	assert.Equal(t, DuplicateReplace, cfg.DuplicatePolicy)
}

// ---------------------------------------------------------------------------
// scenarios
// ---------------------------------------------------------------------------

func TestCoordinator_ParisScenario(t *testing.T) {
	t.Parallel()
	for _, mem := range []bool{false, true} {
		t.Run(fmt.Sprintf("memory=%v", mem), func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, mem, nil)
			ctx := context.Background()

			doc := f.upload(t, "notes.txt", "Paris is the capital of France.")
			assert.Equal(t, int64(31), doc.Size)
			assert.False(t, doc.Processed)

			n, err := f.coord.Process(ctx, "notes.txt")
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			got, err := f.coord.Get(ctx, "notes.txt")
			require.NoError(t, err)
			assert.True(t, got.Processed)

			r, err := rag.NewRetriever(f.emb, f.index, nil)
			require.NoError(t, err)
			hits, err := r.Search(ctx, "capital of France", 3)
			require.NoError(t, err)
			require.NotEmpty(t, hits)
			assert.Equal(t, "notes.txt", hits[0].Chunk.Document)
			assert.Equal(t, "Paris is the capital of France.", hits[0].Chunk.Text)
			assert.Equal(t, 0, hits[0].Chunk.Start)
			assert.Equal(t, 31, hits[0].Chunk.End)
		})
	}
}

func TestCoordinator_EmptyDocument(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, nil)
	ctx := context.Background()

	f.upload(t, "empty.txt", "")
	n, err := f.coord.Process(ctx, "empty.txt")
	require.NoError(t, err)
	assert.Zero(t, n)

	doc, err := f.coord.Get(ctx, "empty.txt")
	require.NoError(t, err)
	assert.True(t, doc.Processed)

	r, err := rag.NewRetriever(f.emb, f.index, nil)
	require.NoError(t, err)
	hits, err := r.Search(ctx, "anything at all", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestCoordinator_ReprocessIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, nil)
	ctx := context.Background()
	f.upload(t, "long.txt", strings.Repeat("alpha beta gamma delta ", 40))

	first, err := f.coord.Process(ctx, "long.txt")
	require.NoError(t, err)
	firstTexts := f.chunkTexts(t, "long.txt")

	for range 3 {
		n, err := f.coord.Process(ctx, "long.txt")
		require.NoError(t, err)
		assert.Equal(t, first, n)
	}
	assert.Equal(t, first, f.chunkCount(t, "long.txt"))
	assert.Equal(t, firstTexts, f.chunkTexts(t, "long.txt"))
}

func TestCoordinator_DeleteCompleteness(t *testing.T) {
	t.Parallel()
	for _, mem := range []bool{false, true} {
		t.Run(fmt.Sprintf("memory=%v", mem), func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, mem, nil)
			ctx := context.Background()
			f.upload(t, "a.txt", strings.Repeat("alpha ", 100))
			f.upload(t, "b.txt", "beta")

			created, err := f.coord.Process(ctx, "a.txt")
			require.NoError(t, err)
			require.Greater(t, created, 1)
			_, err = f.coord.Process(ctx, "b.txt")
			require.NoError(t, err)

			deleted, err := f.coord.Delete(ctx, "a.txt")
			require.NoError(t, err)
			assert.Equal(t, created, deleted)
			assert.Zero(t, f.chunkCount(t, "a.txt"))
			assert.Equal(t, 1, f.chunkCount(t, "b.txt"))

			_, err = f.coord.Get(ctx, "a.txt")
			assert.True(t, apperr.Is(err, apperr.KindNotFound))

			_, err = f.coord.Delete(ctx, "a.txt")
			assert.True(t, apperr.Is(err, apperr.KindNotFound))
		})
	}
}

func TestCoordinator_DeleteUnprocessed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, nil)
	f.upload(t, "a.txt", "alpha")

	n, err := f.coord.Delete(context.Background(), "a.txt")
	require.NoError(t, err)
	assert.Zero(t, n)
}

// ---------------------------------------------------------------------------
// failure atomicity
// ---------------------------------------------------------------------------

func TestCoordinator_ProcessMissingDocument(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, nil)

	_, err := f.coord.Process(context.Background(), "nope.txt")
	assert.True(t, apperr.Is(err, apperr.KindProcessing))
}

func TestCoordinator_EmbeddingFailureLeavesStateIntact(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, nil)
	ctx := context.Background()
	f.upload(t, "a.txt", "alpha beta")
	_, err := f.coord.Process(ctx, "a.txt")
	require.NoError(t, err)
	before := f.chunkTexts(t, "a.txt")

	f.emb.fail.Store(true)
	_, err = f.coord.Process(ctx, "a.txt")
	assert.True(t, apperr.Is(err, apperr.KindEmbedding))

	assert.Equal(t, before, f.chunkTexts(t, "a.txt"))
	doc, err := f.coord.Get(ctx, "a.txt")
	require.NoError(t, err)
	assert.True(t, doc.Processed)
}

func TestCoordinator_SetProcessedFailureRestoresChunks(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, nil)
	ctx := context.Background()
	f.upload(t, "a.txt", "alpha")
	_, err := f.coord.Process(ctx, "a.txt")
	require.NoError(t, err)

	// New content, then a failure after the index swap.
	_, err = f.db.Put(ctx, rag.Document{Name: "a.txt", Size: 4, Content: "beta", Processed: true})
	require.NoError(t, err)
	f.docs.failSetProcessed.Store(true)

	_, err = f.coord.Process(ctx, "a.txt")
	assert.True(t, apperr.Is(err, apperr.KindProcessing))
	assert.Equal(t, []string{"alpha"}, f.chunkTexts(t, "a.txt"))
}

func TestCoordinator_DeleteFailureRestoresChunks(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, nil)
	ctx := context.Background()
	f.upload(t, "a.txt", "alpha")
	_, err := f.coord.Process(ctx, "a.txt")
	require.NoError(t, err)

	f.docs.failDelete.Store(true)
	_, err = f.coord.Delete(ctx, "a.txt")
	assert.True(t, apperr.Is(err, apperr.KindProcessing))
	assert.Equal(t, 1, f.chunkCount(t, "a.txt"))

	doc, err := f.coord.Get(ctx, "a.txt")
	require.NoError(t, err)
	assert.True(t, doc.Processed)
}

func TestCoordinator_CancelledProcessLeavesIndexUntouched(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, nil)
	f.upload(t, "a.txt", "alpha")
	_, err := f.coord.Process(context.Background(), "a.txt")
	require.NoError(t, err)

	_, err = f.db.Put(context.Background(), rag.Document{Name: "a.txt", Size: 4, Content: "beta", Processed: true})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.coord.Process(ctx, "a.txt")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindProcessing))
	assert.Equal(t, []string{"alpha"}, f.chunkTexts(t, "a.txt"))
}

// ---------------------------------------------------------------------------
// upload
// ---------------------------------------------------------------------------

func TestCoordinator_UploadValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, &Config{MaxUploadBytes: 10})
	ctx := context.Background()

	tests := []struct {
		name     string
		filename string
		data     string
	}{
		{name: "no file name", filename: "  ", data: "x"},
		{name: "no usable characters", filename: "///", data: "x"},
		{name: "extension not allowed", filename: "image.png", data: "x"},
		{name: "no extension", filename: "README", data: "x"},
		{name: "too large", filename: "big.txt", data: strings.Repeat("x", 11)},
		{name: "corrupt pdf", filename: "broken.pdf", data: "not a pdf"},
	}
	for _, tc := range tests {
		_, err := f.coord.Upload(ctx, tc.filename, []byte(tc.data))
		assert.True(t, apperr.Is(err, apperr.KindValidation), "%s: %v", tc.name, err)
	}

	infos, err := f.coord.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, infos)
}

// cyclicPDF is a parseable PDF whose page tree lists itself as its only kid.
func cyclicPDF() []byte {
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [2 0 R] /Count 1 >>",
	}
	var b strings.Builder
	b.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, body := range objects {
		offsets[i] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return []byte(b.String())
}

func TestCoordinator_UploadCyclicPDFIsValidationError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, &Config{ExtractTimeout: 5 * time.Second})

	done := make(chan error, 1)
	go func() {
		_, err := f.coord.Upload(context.Background(), "loop.pdf", cyclicPDF())
		done <- err
	}()

	select {
	case err := <-done:
		assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)
	case <-time.After(15 * time.Second):
		t.Fatal("upload of a cyclic PDF did not return")
	}

	_, err := f.coord.Get(context.Background(), "loop.pdf")
	assert.Error(t, err)
}

func TestCoordinator_UploadSanitisesName(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, nil)

	doc := f.upload(t, "../secret dir/My Notes.txt", "alpha")
	assert.Equal(t, "My_Notes.txt", doc.Name)
}

func TestCoordinator_ReuploadReplacesContent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, nil)
	ctx := context.Background()
	f.upload(t, "a.txt", "alpha")
	_, err := f.coord.Process(ctx, "a.txt")
	require.NoError(t, err)

	doc := f.upload(t, "a.txt", "beta beta")
	assert.False(t, doc.Processed)
	assert.Equal(t, "beta beta", doc.Content)
	assert.Equal(t, int64(9), doc.Size)
	assert.Zero(t, f.chunkCount(t, "a.txt"))
}

func TestCoordinator_ReuploadIdenticalKeepsChunks(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, nil)
	ctx := context.Background()
	f.upload(t, "a.txt", "alpha")
	_, err := f.coord.Process(ctx, "a.txt")
	require.NoError(t, err)

	doc := f.upload(t, "a.txt", "alpha")
	assert.True(t, doc.Processed)
	assert.Equal(t, 1, f.chunkCount(t, "a.txt"))
}

func TestCoordinator_RejectDuplicates(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, &Config{DuplicatePolicy: DuplicateReject})
	ctx := context.Background()
	f.upload(t, "a.txt", "alpha")

	_, err := f.coord.Upload(ctx, "a.txt", []byte("beta"))
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	doc, err := f.coord.Get(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "alpha", doc.Content)
}

func TestCoordinator_ListSorted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, nil)
	ctx := context.Background()
	for _, name := range []string{"c.txt", "a.txt", "b.md"} {
		f.upload(t, name, "alpha "+name)
	}
	_, err := f.coord.Process(ctx, "b.md")
	require.NoError(t, err)

	infos, err := f.coord.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, "a.txt", infos[0].Name)
	assert.Equal(t, rag.DocumentInfo{Name: "b.md", Size: int64(len("alpha b.md")), Processed: true}, infos[1])
	assert.Equal(t, "c.txt", infos[2].Name)
}

// ---------------------------------------------------------------------------
// concurrency
// ---------------------------------------------------------------------------

func TestCoordinator_ConcurrentProcessAndDelete(t *testing.T) {
	t.Parallel()
	for i := range 20 {
		f := newFixture(t, i%2 == 0, nil)
		ctx := context.Background()
		f.upload(t, "a.txt", strings.Repeat("alpha beta ", 60))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.coord.Process(ctx, "a.txt")
		}()
		go func() {
			defer wg.Done()
			_, _ = f.coord.Delete(ctx, "a.txt")
		}()
		wg.Wait()

		_, err := f.coord.Get(ctx, "a.txt")
		docGone := apperr.Is(err, apperr.KindNotFound)
		chunks := f.chunkCount(t, "a.txt")
		if docGone {
			assert.Zero(t, chunks, "iteration %d: chunks survived their document", i)
		} else {
			assert.NoError(t, err)
			assert.Positive(t, chunks, "iteration %d: document present but not fully processed", i)
		}
	}
}

func TestCoordinator_ParallelDocumentsWithReaders(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, &Config{ChunkSize: 20, ChunkOverlap: 5, BatchSize: 2, Concurrency: 3, AllowedExtensions: []string{"txt"}})
	ctx := context.Background()
	r, err := rag.NewRetriever(f.emb, f.index, nil)
	require.NoError(t, err)

	names := []string{"a.txt", "b.txt", "c.txt", "d.txt"}
	for _, name := range names {
		f.upload(t, name, strings.Repeat("paris capital ", 20))
	}

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 3 {
				_, err := f.coord.Process(ctx, name)
				assert.NoError(t, err)
			}
		}()
	}
	stop := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_, err := r.Search(ctx, "paris", 5)
			assert.NoError(t, err)
		}
	}()
	wg.Wait()
	close(stop)
	readers.Wait()

	spans, err := Chunk(strings.Repeat("paris capital ", 20), 20, 5)
	require.NoError(t, err)
	for _, name := range names {
		assert.Equal(t, len(spans), f.chunkCount(t, name), name)
	}
}

// ---------------------------------------------------------------------------
// reconcile
// ---------------------------------------------------------------------------

func TestCoordinator_Reconcile(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, nil)
	ctx := context.Background()

	// Orphaned chunk whose document never existed.
	require.NoError(t, f.index.Insert(ctx, rag.Chunk{Document: "ghost.txt", Text: "boo", Vector: []float32{1, 0, 0, 0, 0, 0, 0}}))
	// Processed flag without chunks, as after a restart with a memory index.
	f.upload(t, "stale.txt", "alpha")
	require.NoError(t, f.db.SetProcessed(ctx, "stale.txt", true))
	// Empty document: processed with zero chunks is valid.
	f.upload(t, "empty.txt", "")
	_, err := f.coord.Process(ctx, "empty.txt")
	require.NoError(t, err)
	// Whitespace-only text chunks to nothing, so the same applies.
	f.upload(t, "blank.txt", " \n\t \n")
	n, err := f.coord.Process(ctx, "blank.txt")
	require.NoError(t, err)
	assert.Zero(t, n)
	// Chunks present but flag cleared, as after a crash mid-process.
	f.upload(t, "half.txt", "beta")
	require.NoError(t, f.index.Insert(ctx, rag.Chunk{Document: "half.txt", Text: "beta", Vector: []float32{0, 0, 0, 0, 0, 1, 0}}))

	report, err := f.coord.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{OrphansRemoved: 1, FlagsCleared: 1, FlagsSet: 1}, report)

	assert.Zero(t, f.chunkCount(t, "ghost.txt"))
	stale, err := f.coord.Get(ctx, "stale.txt")
	require.NoError(t, err)
	assert.False(t, stale.Processed)
	empty, err := f.coord.Get(ctx, "empty.txt")
	require.NoError(t, err)
	assert.True(t, empty.Processed)
	blank, err := f.coord.Get(ctx, "blank.txt")
	require.NoError(t, err)
	assert.True(t, blank.Processed)
	half, err := f.coord.Get(ctx, "half.txt")
	require.NoError(t, err)
	assert.True(t, half.Processed)

	again, err := f.coord.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{}, again)
}
