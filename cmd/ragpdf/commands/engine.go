package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/akshyv/rag-pdf/internal/answer"
	"github.com/akshyv/rag-pdf/internal/apperr"
	"github.com/akshyv/rag-pdf/internal/embedder"
	"github.com/akshyv/rag-pdf/internal/ingestion"
	"github.com/akshyv/rag-pdf/internal/provider"
	"github.com/akshyv/rag-pdf/internal/rag"
	"github.com/akshyv/rag-pdf/internal/server"
	"github.com/akshyv/rag-pdf/internal/store"
)

// engineOptions selects the optional parts of an engine.
type engineOptions struct {
	// withModel builds the chat model and answer synthesizer.
	withModel bool
	// reconcile repairs store/index drift before returning.
	reconcile bool
}

// engine is the wired set of components every command works against.
type engine struct {
	store     *store.SQLiteStore
	index     rag.VectorIndex
	embedder  rag.Embedder
	coord     *ingestion.Coordinator
	retriever *rag.Retriever
	// asker is nil unless the engine was built withModel.
	asker   *answer.Synthesizer
	pingers []server.Pinger
}

// buildEngine opens the store, selects the vector index backend, and wires
// the coordinator, retriever and (optionally) the synthesizer from env vars.
func buildEngine(ctx context.Context, log *slog.Logger, opts engineOptions) (_ *engine, err error) {
	embCfg := embedder.ConfigFromEnv()
	if err := embedder.Preflight(embCfg, log); err != nil {
		return nil, err
	}
	emb, err := embedder.New(embCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise embedder: %w", err)
	}
	log.Info("embedder initialised",
		slog.String("provider", embCfg.Provider),
		slog.String("model", emb.Model()),
	)

	dbPath := os.Getenv("RAGPDF_DB")
	if dbPath == "" {
		if dbPath, err = store.DefaultDBPath(); err != nil {
			return nil, err
		}
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	e := &engine{store: st, embedder: emb}
	defer func() {
		if err != nil {
			e.Close()
		}
	}()
	log.Info("store opened", slog.String("path", dbPath))

	e.pingers = append(e.pingers, server.NewPinger("store", st.Ping))
	if p, ok := emb.(interface{ Ping(context.Context) error }); ok {
		e.pingers = append(e.pingers, server.NewPinger("embedder", p.Ping))
	}

	if e.index, err = openIndex(ctx, log, st, emb, embCfg, e); err != nil {
		return nil, err
	}

	e.coord, err = ingestion.NewCoordinator(st, e.index, emb, ingestConfigFromEnv(embCfg))
	if err != nil {
		return nil, err
	}

	// A memory index starts empty, so stored processed flags must be cleared.
	if _, inMemory := e.index.(*rag.MemoryIndex); opts.reconcile || inMemory {
		report, err := e.coord.Reconcile(ctx)
		if err != nil {
			return nil, fmt.Errorf("startup reconciliation failed: %w", err)
		}
		if report != (ingestion.ReconcileReport{}) {
			log.Info("store reconciled",
				slog.Int("orphans_removed", report.OrphansRemoved),
				slog.Int("flags_cleared", report.FlagsCleared),
				slog.Int("flags_set", report.FlagsSet),
			)
		}
	}

	e.retriever, err = rag.NewRetriever(emb, e.index, &rag.RetrieverConfig{
		MaxK:         getEnvInt("RETRIEVAL_MAX_K", 0),
		EmbedTimeout: embCfg.Timeout,
	})
	if err != nil {
		return nil, err
	}

	if opts.withModel {
		providerCfg := provider.ConfigFromEnv()
		chatModel, err := provider.New(ctx, providerCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialise model provider: %w", err)
		}
		log.Info("provider initialised",
			slog.String("provider", string(providerCfg.Backend)),
			slog.String("model", providerCfg.ModelName()),
		)
		e.asker, err = answer.NewSynthesizer(e.retriever, chatModel, &answer.Config{
			MaxContextTokens: getEnvInt("RETRIEVAL_CONTEXT_TOKENS", 0),
			Timeout:          providerCfg.Tuning.Timeout,
			History:          st,
		})
		if err != nil {
			return nil, err
		}
	}
	return e, nil
}

// openIndex builds the vector index selected by INDEX_BACKEND.
func openIndex(ctx context.Context, log *slog.Logger, st *store.SQLiteStore, emb rag.Embedder, embCfg *embedder.Config, e *engine) (rag.VectorIndex, error) {
	backend := strings.ToLower(getEnvOrDefault("INDEX_BACKEND", "sqlite"))
	switch backend {
	case "sqlite":
		ci := st.Chunks()
		if err := ci.BindModel(ctx, emb.Model()); err != nil {
			if errors.Is(err, store.ErrModelMismatch) {
				return nil, apperr.New(apperr.KindConfiguration, "engine.index",
					"the stored chunks were embedded with a different model; switch back or delete and re-process the documents", err)
			}
			return nil, err
		}
		log.Info("vector index ready", slog.String("backend", backend))
		return ci, nil

	case "memory":
		log.Info("vector index ready", slog.String("backend", backend))
		return rag.NewMemoryIndex(), nil

	case "qdrant":
		q, err := rag.NewQdrantIndex(ctx, &rag.QdrantConfig{
			Host:       getEnvOrDefault("QDRANT_HOST", "localhost"),
			Port:       getEnvInt("QDRANT_PORT", 6334),
			Collection: getEnvOrDefault("QDRANT_COLLECTION", "ragpdf-chunks"),
			VectorSize: uint64(embCfg.VectorSize()), //nolint:gosec // dimensions are bounded
			APIKey:     os.Getenv("QDRANT_API_KEY"),
			UseTLS:     getEnvBool("QDRANT_TLS"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
		}
		e.pingers = append(e.pingers, server.NewPinger("qdrant", q.Ping))
		log.Info("vector index ready",
			slog.String("backend", backend),
			slog.String("collection", getEnvOrDefault("QDRANT_COLLECTION", "ragpdf-chunks")),
		)
		return q, nil
	}
	return nil, apperr.Configuration("engine.index", "unknown INDEX_BACKEND %q (want sqlite, memory or qdrant)", backend)
}

// ingestConfigFromEnv resolves the coordinator settings. Zero values fall
// back to the coordinator defaults. An unset overlap is capped at a fifth of
// the chunk size so a small INGEST_CHUNK_SIZE alone stays valid.
func ingestConfigFromEnv(embCfg *embedder.Config) *ingestion.Config {
	size := getEnvInt("INGEST_CHUNK_SIZE", 0)
	overlapDefault := 200
	if size > 0 {
		overlapDefault = min(overlapDefault, size/5)
	}
	return &ingestion.Config{
		ChunkSize:         size,
		ChunkOverlap:      getEnvInt("INGEST_CHUNK_OVERLAP", overlapDefault),
		BatchSize:         getEnvInt("EMBEDDING_BATCH_SIZE", 0),
		Concurrency:       getEnvInt("EMBEDDING_CONCURRENCY", 0),
		EmbedTimeout:      embCfg.Timeout,
		MaxUploadBytes:    getEnvInt64("INGEST_MAX_UPLOAD_BYTES", 0),
		AllowedExtensions: getEnvList("INGEST_ALLOWED_EXTENSIONS"),
		DuplicatePolicy:   ingestion.DuplicatePolicy(strings.ToLower(os.Getenv("INGEST_DUPLICATE_POLICY"))),
	}
}

// Close releases the index and the store.
func (e *engine) Close() {
	if e.index != nil {
		_ = e.index.Close()
	}
	if e.store != nil {
		_ = e.store.Close()
	}
}
