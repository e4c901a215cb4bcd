// Package ingestion turns uploaded files into indexed chunks and keeps the
// document store and the vector index consistent while documents are
// uploaded, processed, reprocessed and deleted concurrently.
//
// Every mutation of a document runs under a per-name lock. The index swap
// for a document is a single VectorIndex.Replace call, so readers observe
// either the old or the new chunk set. When a later step fails, the previous
// chunk set is written back before the error is returned.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/akshyv/rag-pdf/internal/apperr"
	"github.com/akshyv/rag-pdf/internal/extract"
	"github.com/akshyv/rag-pdf/internal/logging"
	"github.com/akshyv/rag-pdf/internal/rag"
	"github.com/akshyv/rag-pdf/internal/store"
)

// DuplicatePolicy decides what an upload does when the name already exists.
type DuplicatePolicy string

const (
	// DuplicateReplace overwrites the existing document and drops its chunks.
	DuplicateReplace DuplicatePolicy = "replace"
	// DuplicateReject fails the upload with a validation error.
	DuplicateReject DuplicatePolicy = "reject"
)

// DocumentStore persists documents. store.SQLiteStore satisfies it.
// Lookups of a missing name must return an error wrapping store.ErrNotFound.
type DocumentStore interface {
	// Put stores doc and reports whether the name already existed.
	Put(ctx context.Context, doc rag.Document) (bool, error)
	// Get returns the named document.
	Get(ctx context.Context, name string) (rag.Document, error)
	// List returns every document without content, ordered by name.
	List(ctx context.Context) ([]rag.DocumentInfo, error)
	// SetProcessed updates the processed flag.
	SetProcessed(ctx context.Context, name string, processed bool) error
	// Delete removes the named document.
	Delete(ctx context.Context, name string) error
}

// Config holds the configuration for the Coordinator.
type Config struct {
	// ChunkSize is the maximum number of characters per chunk.
	// Defaults to 1000 if zero.
	ChunkSize int

	// ChunkOverlap is the number of characters shared by consecutive chunks.
	// Negative values are rejected by Process.
	ChunkOverlap int

	// BatchSize is the number of chunks sent to the embedder per call.
	// Defaults to 32 if zero.
	BatchSize int

	// Concurrency bounds the number of embedding calls in flight for one
	// document. Defaults to 4 if zero.
	Concurrency int

	// EmbedTimeout bounds each embedding call. Defaults to 60s if zero.
	EmbedTimeout time.Duration

	// ExtractTimeout bounds text extraction of one upload. A file whose
	// parser runs past it is rejected as unreadable. Defaults to 30s if zero.
	ExtractTimeout time.Duration

	// MaxUploadBytes is the largest accepted upload. Defaults to 16 MiB if zero.
	MaxUploadBytes int64

	// AllowedExtensions lists the accepted upload extensions without dots.
	// Defaults to pdf and txt if empty.
	AllowedExtensions []string

	// DuplicatePolicy decides how uploads of an existing name are handled.
	// Defaults to DuplicateReplace.
	DuplicatePolicy DuplicatePolicy
}

// Coordinator runs upload, process and delete for documents.
type Coordinator struct {
	// docs persists document text and flags.
	docs DocumentStore
	// index holds the chunk vectors.
	index rag.VectorIndex
	// embedder converts chunk text to vectors.
	embedder rag.Embedder
	// cfg holds the resolved configuration.
	cfg *Config
	// locks serialises mutations per document name.
	locks *keyedMutex
}

// ReconcileReport summarises the repairs made by Reconcile.
type ReconcileReport struct {
	// OrphansRemoved counts chunks deleted because their document was gone.
	OrphansRemoved int
	// FlagsCleared counts documents marked unprocessed because they had no chunks.
	FlagsCleared int
	// FlagsSet counts documents marked processed because chunks existed.
	FlagsSet int
}

// NewCoordinator constructs a Coordinator. The embedder must be the same one
// the retriever uses.
func NewCoordinator(docs DocumentStore, index rag.VectorIndex, embedder rag.Embedder, cfg *Config) (*Coordinator, error) {
	const op = "ingestion.new"

	if docs == nil {
		return nil, apperr.Configuration(op, "document store must not be nil")
	}
	if index == nil {
		return nil, apperr.Configuration(op, "vector index must not be nil")
	}
	if embedder == nil {
		return nil, apperr.Configuration(op, "embedder must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 1000
	}
	if _, err := Chunk("", cfg.ChunkSize, cfg.ChunkOverlap); err != nil {
		return nil, err
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = 60 * time.Second
	}
	if cfg.ExtractTimeout <= 0 {
		cfg.ExtractTimeout = 30 * time.Second
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 16 << 20
	}
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = []string{"pdf", "txt"}
	}
	for i, ext := range cfg.AllowedExtensions {
		cfg.AllowedExtensions[i] = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	}
	switch cfg.DuplicatePolicy {
	case "":
		cfg.DuplicatePolicy = DuplicateReplace
	case DuplicateReplace, DuplicateReject:
	default:
		return nil, apperr.Configuration(op, "unknown duplicate policy %q (want replace or reject)", cfg.DuplicatePolicy)
	}

	return &Coordinator{
		docs:     docs,
		index:    index,
		embedder: embedder,
		cfg:      cfg,
		locks:    newKeyedMutex(),
	}, nil
}

// Config returns the resolved configuration.
func (c *Coordinator) Config() Config { return *c.cfg }

// Upload validates and stores a file, extracting its text. Re-uploading
// different content under an existing name drops the old chunks and clears
// the processed flag; re-uploading identical content keeps both.
func (c *Coordinator) Upload(ctx context.Context, filename string, data []byte) (rag.Document, error) {
	const op = "ingestion.upload"

	if strings.TrimSpace(filename) == "" {
		return rag.Document{}, apperr.Validation(op, "no file selected")
	}
	name := SanitizeFilename(filename)
	if name == "" {
		return rag.Document{}, apperr.Validation(op, "file name %q has no usable characters", filename)
	}
	ext := extract.Ext(name)
	if !slices.Contains(c.cfg.AllowedExtensions, ext) {
		return rag.Document{}, apperr.Validation(op, "file type not allowed; use one of: %s",
			strings.Join(c.cfg.AllowedExtensions, ", "))
	}
	if int64(len(data)) > c.cfg.MaxUploadBytes {
		return rag.Document{}, apperr.Validation(op, "file is %d bytes; the limit is %d", len(data), c.cfg.MaxUploadBytes)
	}

	extractCtx, cancel := context.WithTimeout(ctx, c.cfg.ExtractTimeout)
	content, err := extract.Text(extractCtx, name, data)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return rag.Document{}, apperr.Processing(op, "upload cancelled while reading "+name, ctx.Err())
		}
		return rag.Document{}, apperr.New(apperr.KindValidation, op, "could not read text from "+name, err)
	}

	unlock, err := c.locks.Lock(ctx, name)
	if err != nil {
		return rag.Document{}, apperr.Processing(op, "waiting for document lock failed", err)
	}
	defer unlock()

	doc := rag.Document{Name: name, Size: int64(len(data)), Content: content}

	existing, err := c.docs.Get(ctx, name)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return rag.Document{}, apperr.Processing(op, "reading existing document failed", err)
	default:
		if c.cfg.DuplicatePolicy == DuplicateReject {
			return rag.Document{}, apperr.Validation(op, "document %q already exists", name)
		}
		if existing.Content == content {
			doc.Processed = existing.Processed
			if _, err := c.docs.Put(ctx, doc); err != nil {
				return rag.Document{}, apperr.Processing(op, "storing document failed", err)
			}
			return c.reread(ctx, op, name)
		}
	}

	removed, err := c.index.DeleteByDocument(ctx, name)
	if err != nil {
		return rag.Document{}, apperr.Processing(op, "dropping previous chunks failed", err)
	}
	if _, err := c.docs.Put(ctx, doc); err != nil {
		c.restore(ctx, name, removed)
		return rag.Document{}, apperr.Processing(op, "storing document failed", err)
	}

	logging.FromContext(ctx).Info("document uploaded",
		slog.String("document", name),
		slog.Int64("size", doc.Size),
		slog.Int("chars", len([]rune(content))),
		slog.Int("chunks_dropped", len(removed)),
	)
	return c.reread(ctx, op, name)
}

// Process chunks, embeds and indexes the named document and returns the
// number of chunks created. On any failure the document's chunk set and
// processed flag are left as they were.
func (c *Coordinator) Process(ctx context.Context, name string) (int, error) {
	const op = "ingestion.process"
	log := logging.FromContext(ctx).With(slog.String("document", name))
	start := time.Now()

	unlock, err := c.locks.Lock(ctx, name)
	if err != nil {
		return 0, apperr.Processing(op, "waiting for document lock failed", err)
	}
	defer unlock()

	doc, err := c.docs.Get(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return 0, apperr.Processing(op, fmt.Sprintf("document %q not found", name), err)
	}
	if err != nil {
		return 0, apperr.Processing(op, "reading document failed", err)
	}

	spans, err := Chunk(doc.Content, c.cfg.ChunkSize, c.cfg.ChunkOverlap)
	if err != nil {
		return 0, err
	}

	vectors, err := c.embed(ctx, spans)
	if err != nil {
		if ctx.Err() != nil {
			return 0, apperr.Processing(op, "processing cancelled before indexing", ctx.Err())
		}
		return 0, apperr.Embedding(op, "embedding chunks failed", err)
	}

	chunks := make([]rag.Chunk, len(spans))
	for i, s := range spans {
		chunks[i] = rag.Chunk{
			Document: name,
			Seq:      s.Seq,
			Text:     s.Text,
			Start:    s.Start,
			End:      s.End,
			Vector:   vectors[i],
		}
	}

	// Last point at which cancellation leaves the index untouched.
	if err := ctx.Err(); err != nil {
		return 0, apperr.Processing(op, "processing cancelled before indexing", err)
	}

	previous, err := c.index.Replace(ctx, name, chunks)
	if err != nil {
		return 0, apperr.Processing(op, "replacing indexed chunks failed", err)
	}

	// The swap is committed; finish the bookkeeping even if ctx is cancelled.
	if err := c.docs.SetProcessed(context.WithoutCancel(ctx), name, true); err != nil {
		c.restore(ctx, name, previous)
		return 0, apperr.Processing(op, "marking document processed failed", err)
	}

	log.Info("document processed",
		slog.Int("chunks", len(chunks)),
		slog.Int("replaced", len(previous)),
		slog.Duration("duration", time.Since(start)),
	)
	return len(chunks), nil
}

// Delete removes the named document and every chunk referencing it and
// returns the number of chunks removed.
func (c *Coordinator) Delete(ctx context.Context, name string) (int, error) {
	const op = "ingestion.delete"

	unlock, err := c.locks.Lock(ctx, name)
	if err != nil {
		return 0, apperr.Processing(op, "waiting for document lock failed", err)
	}
	defer unlock()

	if _, err := c.docs.Get(ctx, name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, apperr.NotFound(op, name)
		}
		return 0, apperr.Processing(op, "reading document failed", err)
	}

	removed, err := c.index.DeleteByDocument(ctx, name)
	if err != nil {
		return 0, apperr.Processing(op, "removing indexed chunks failed", err)
	}
	if err := c.docs.Delete(context.WithoutCancel(ctx), name); err != nil {
		c.restore(ctx, name, removed)
		return 0, apperr.Processing(op, "removing document failed", err)
	}

	logging.FromContext(ctx).Info("document deleted",
		slog.String("document", name),
		slog.Int("chunks", len(removed)),
	)
	return len(removed), nil
}

// Get returns the named document including its content.
func (c *Coordinator) Get(ctx context.Context, name string) (rag.Document, error) {
	const op = "ingestion.get"

	doc, err := c.docs.Get(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return rag.Document{}, apperr.NotFound(op, name)
	}
	if err != nil {
		return rag.Document{}, apperr.Processing(op, "reading document failed", err)
	}
	return doc, nil
}

// List returns every document without content, ordered by name.
func (c *Coordinator) List(ctx context.Context) ([]rag.DocumentInfo, error) {
	infos, err := c.docs.List(ctx)
	if err != nil {
		return nil, apperr.Processing("ingestion.list", "listing documents failed", err)
	}
	return infos, nil
}

// Reconcile repairs drift between the document store and the index, as can
// happen after a crash or when the index is not persistent. Chunks whose
// document is gone are deleted, and each processed flag is made to agree
// with whether the document has chunks.
func (c *Coordinator) Reconcile(ctx context.Context) (ReconcileReport, error) {
	const op = "ingestion.reconcile"
	var report ReconcileReport

	counts, err := c.index.Documents(ctx)
	if err != nil {
		return report, apperr.Processing(op, "listing indexed documents failed", err)
	}
	infos, err := c.docs.List(ctx)
	if err != nil {
		return report, apperr.Processing(op, "listing documents failed", err)
	}

	known := make(map[string]rag.DocumentInfo, len(infos))
	for _, info := range infos {
		known[info.Name] = info
	}

	for name := range counts {
		if _, ok := known[name]; ok {
			continue
		}
		n, err := c.reconcileOrphan(ctx, name)
		if err != nil {
			return report, apperr.Processing(op, "removing orphaned chunks failed", err)
		}
		report.OrphansRemoved += n
	}

	for _, info := range infos {
		hasChunks := counts[info.Name] > 0
		if info.Processed == hasChunks {
			continue
		}
		changed, err := c.reconcileFlag(ctx, info.Name)
		if err != nil {
			return report, apperr.Processing(op, "repairing processed flag failed", err)
		}
		switch changed {
		case flagCleared:
			report.FlagsCleared++
		case flagSet:
			report.FlagsSet++
		}
	}

	if report != (ReconcileReport{}) {
		logging.FromContext(ctx).Warn("index reconciled",
			slog.Int("orphans_removed", report.OrphansRemoved),
			slog.Int("flags_cleared", report.FlagsCleared),
			slog.Int("flags_set", report.FlagsSet),
		)
	}
	return report, nil
}

type flagChange int

const (
	flagUnchanged flagChange = iota
	flagCleared
	flagSet
)

// reconcileOrphan deletes the chunks of name if the document is still absent
// once its lock is held.
func (c *Coordinator) reconcileOrphan(ctx context.Context, name string) (int, error) {
	unlock, err := c.locks.Lock(ctx, name)
	if err != nil {
		return 0, err
	}
	defer unlock()

	if _, err := c.docs.Get(ctx, name); !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}
	removed, err := c.index.DeleteByDocument(ctx, name)
	return len(removed), err
}

// reconcileFlag re-checks name under its lock and aligns the processed flag.
// Empty content legitimately has no chunks, so it is left processed.
func (c *Coordinator) reconcileFlag(ctx context.Context, name string) (flagChange, error) {
	unlock, err := c.locks.Lock(ctx, name)
	if err != nil {
		return flagUnchanged, err
	}
	defer unlock()

	doc, err := c.docs.Get(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return flagUnchanged, nil
	}
	if err != nil {
		return flagUnchanged, err
	}
	counts, err := c.index.Documents(ctx)
	if err != nil {
		return flagUnchanged, err
	}
	hasChunks := counts[name] > 0

	switch {
	case doc.Processed && !hasChunks && strings.TrimSpace(doc.Content) != "":
		return flagCleared, c.docs.SetProcessed(ctx, name, false)
	case !doc.Processed && hasChunks:
		return flagSet, c.docs.SetProcessed(ctx, name, true)
	}
	return flagUnchanged, nil
}

// embed vectorises spans in batches with bounded parallelism. The result is
// parallel to spans.
func (c *Coordinator) embed(ctx context.Context, spans []Span) ([][]float32, error) {
	vectors := make([][]float32, len(spans))
	if len(spans) == 0 {
		return vectors, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)

	for lo := 0; lo < len(spans); lo += c.cfg.BatchSize {
		hi := min(lo+c.cfg.BatchSize, len(spans))
		g.Go(func() error {
			texts := make([]string, hi-lo)
			for i := range texts {
				texts[i] = spans[lo+i].Text
			}

			callCtx, cancel := context.WithTimeout(gctx, c.cfg.EmbedTimeout)
			defer cancel()
			out, err := c.embedder.Embed(callCtx, texts)
			if err != nil {
				return fmt.Errorf("batch %d-%d: %w", lo, hi, err)
			}
			if len(out) != len(texts) {
				return fmt.Errorf("batch %d-%d: embedder returned %d vectors for %d texts", lo, hi, len(out), len(texts))
			}
			copy(vectors[lo:hi], out)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	dim := len(vectors[0])
	for i, v := range vectors {
		if len(v) == 0 || len(v) != dim {
			return nil, fmt.Errorf("chunk %d: embedder returned a %d-dimension vector, want %d", i, len(v), dim)
		}
	}
	return vectors, nil
}

// restore writes chunks back as the chunk set of name after a failed
// mutation. It runs detached from ctx cancellation; a failure is logged
// because the original error is what the caller needs to see.
func (c *Coordinator) restore(ctx context.Context, name string, chunks []rag.Chunk) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if _, err := c.index.Replace(rctx, name, chunks); err != nil {
		logging.FromContext(ctx).Error("restoring previous chunks failed",
			slog.String("document", name),
			slog.Int("chunks", len(chunks)),
			slog.String("error", err.Error()),
		)
	}
}

// reread returns the stored form of name after a successful write.
func (c *Coordinator) reread(ctx context.Context, op, name string) (rag.Document, error) {
	doc, err := c.docs.Get(ctx, name)
	if err != nil {
		return rag.Document{}, apperr.Processing(op, "reading stored document failed", err)
	}
	return doc, nil
}
