package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/akshyv/rag-pdf/internal/apperr"
	"github.com/akshyv/rag-pdf/internal/logging"
)

// RetrieverConfig holds the tunables for a Retriever.
type RetrieverConfig struct {
	// MaxK caps the number of hits a single search may request.
	// Defaults to 50 if zero.
	MaxK int

	// EmbedTimeout bounds the query embedding call. Defaults to 30s if zero.
	EmbedTimeout time.Duration
}

// Retriever answers free-text queries against a VectorIndex. It must be
// built with the same Embedder used for ingestion so query and chunk
// vectors are comparable.
type Retriever struct {
	// embedder converts query text to a vector.
	embedder Embedder
	// index performs the similarity search.
	index VectorIndex
	// cfg holds the resolved configuration.
	cfg *RetrieverConfig
}

// NewRetriever constructs a Retriever from the given Embedder and VectorIndex.
func NewRetriever(embedder Embedder, index VectorIndex, cfg *RetrieverConfig) (*Retriever, error) {
	if embedder == nil {
		return nil, apperr.Configuration("rag.retriever", "embedder must not be nil")
	}
	if index == nil {
		return nil, apperr.Configuration("rag.retriever", "index must not be nil")
	}
	if cfg == nil {
		cfg = &RetrieverConfig{}
	}
	if cfg.MaxK <= 0 {
		cfg.MaxK = 50
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = 30 * time.Second
	}
	return &Retriever{embedder: embedder, index: index, cfg: cfg}, nil
}

// Search embeds query and returns up to k hits with their parent document
// names. k <= 0 or an empty index yields an empty result without calling
// the embedder. A blank query is a validation error.
func (r *Retriever) Search(ctx context.Context, query string, k int) ([]Hit, error) {
	const op = "rag.search"

	if strings.TrimSpace(query) == "" {
		return nil, apperr.Validation(op, "query must not be empty")
	}
	if k <= 0 {
		return []Hit{}, nil
	}
	if k > r.cfg.MaxK {
		k = r.cfg.MaxK
	}

	n, err := r.index.Count(ctx)
	if err != nil {
		return nil, apperr.Processing(op, "counting indexed chunks failed", err)
	}
	if n == 0 {
		return []Hit{}, nil
	}

	embedCtx, cancel := context.WithTimeout(ctx, r.cfg.EmbedTimeout)
	vectors, err := r.embedder.Embed(embedCtx, []string{query})
	cancel()
	if err != nil {
		return nil, apperr.Embedding(op, "embedding the query failed", err)
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return nil, apperr.Embedding(op, "embedder returned no vector for the query", nil)
	}

	hits, err := r.index.Query(ctx, vectors[0], k)
	if err != nil {
		if errors.Is(err, ErrDimensionMismatch) {
			return nil, apperr.New(apperr.KindConfiguration, op,
				"query vector does not match the indexed vectors; re-process documents after changing the embedding model", err)
		}
		return nil, apperr.Processing(op, "vector search failed", fmt.Errorf("rag: %w", err))
	}

	logging.FromContext(ctx).Debug("search complete",
		slog.Int("k", k),
		slog.Int("hits", len(hits)),
	)
	return hits, nil
}
