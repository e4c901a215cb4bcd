package embedder

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OllamaEmbedder calls a local Ollama server's /api/embed. It needs no
// credentials and is safe for concurrent use.
type OllamaEmbedder struct {
	host  string
	model string
	api   *jsonAPI
}

// OllamaConfig configures NewOllamaEmbedder.
type OllamaConfig struct {
	// Host is the server base URL, e.g. http://localhost:11434.
	Host string
	// Model is an embedding model such as nomic-embed-text.
	Model string
	// Timeout bounds each HTTP call. Defaults to 60s.
	Timeout time.Duration
}

// NewOllamaEmbedder builds an OllamaEmbedder. A trailing slash on Host is
// tolerated.
func NewOllamaEmbedder(cfg *OllamaConfig) *OllamaEmbedder {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &OllamaEmbedder{
		host:  strings.TrimRight(cfg.Host, "/"),
		model: cfg.Model,
		api:   &jsonAPI{backend: "ollama", client: &http.Client{Timeout: timeout}},
	}
}

// Model reports "ollama/<model>".
func (e *OllamaEmbedder) Model() string { return "ollama/" + e.model }

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
	// Truncate asks the server to clip inputs longer than the model's
	// context instead of rejecting the whole batch.
	Truncate bool `json:"truncate"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

func (r *ollamaEmbedResponse) failure() string { return r.Error }

// Embed returns one vector per text, in input order.
func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var out ollamaEmbedResponse
	in := ollamaEmbedRequest{Model: e.model, Input: texts, Truncate: true}
	if err := e.api.post(ctx, e.host+"/api/embed", in, &out); err != nil {
		return nil, err
	}
	if len(out.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embedder: expected %d embeddings, got %d", len(texts), len(out.Embeddings))
	}
	return out.Embeddings, nil
}

// Ping checks that the server lists its local models.
func (e *OllamaEmbedder) Ping(ctx context.Context) error {
	return e.api.probe(ctx, e.host+"/api/tags")
}
