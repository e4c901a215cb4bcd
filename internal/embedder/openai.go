// Package embedder turns text into dense vectors for the rag index. The
// remote backends (OpenAI, Azure OpenAI, Ollama) speak their JSON HTTP APIs;
// HashEmbedder works offline. Every implementation reports a Model identity
// because ingestion and retrieval must agree on one embedder.
package embedder

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// OpenAIEmbedder calls the OpenAI embeddings API or an Azure OpenAI
// deployment of it. It is safe for concurrent use.
type OpenAIEmbedder struct {
	base       string
	model      string
	dimensions int
	azure      bool
	apiVersion string
	api        *jsonAPI
}

// OpenAIConfig configures NewOpenAIEmbedder.
type OpenAIConfig struct {
	// BaseURL is https://api.openai.com/v1 for OpenAI or
	// https://<resource>.openai.azure.com/openai for Azure.
	BaseURL string
	APIKey  string
	// Model is the model name, or the deployment name on Azure.
	Model string
	// Dimensions shortens vectors on models that support it; 0 keeps the
	// model default.
	Dimensions int
	// Azure switches to api-key auth and deployment-scoped URLs.
	Azure bool
	// APIVersion is the Azure api-version query value.
	APIVersion string
	// Timeout bounds each HTTP call. Defaults to 60s.
	Timeout time.Duration
}

// NewOpenAIEmbedder builds an OpenAIEmbedder.
func NewOpenAIEmbedder(cfg *OpenAIConfig) *OpenAIEmbedder {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	e := &OpenAIEmbedder{
		base:       strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		azure:      cfg.Azure,
		apiVersion: cfg.APIVersion,
	}
	backend := "openai"
	if cfg.Azure {
		backend = "azure"
	}
	key := cfg.APIKey
	e.api = &jsonAPI{
		backend: backend,
		client:  &http.Client{Timeout: timeout},
		auth: func(req *http.Request) {
			if cfg.Azure {
				req.Header.Set("api-key", key)
				return
			}
			req.Header.Set("Authorization", "Bearer "+key)
		},
	}
	return e
}

// Model reports "<backend>/<model>", suffixed with "@<dimensions>" when the
// vector length was overridden, since shortened vectors are not comparable
// with full-length ones.
func (e *OpenAIEmbedder) Model() string {
	id := e.api.backend + "/" + e.model
	if e.dimensions > 0 {
		id = fmt.Sprintf("%s@%d", id, e.dimensions)
	}
	return id
}

type openaiEmbedRequest struct {
	Input          []string `json:"input"`
	Model          string   `json:"model"`
	Dimensions     int      `json:"dimensions,omitempty"`
	EncodingFormat string   `json:"encoding_format"`
}

type openaiEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (r *openaiEmbedResponse) failure() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Message
}

// endpoint builds the URL for path, scoping it to the deployment and adding
// api-version on Azure.
func (e *OpenAIEmbedder) endpoint(path string, deployment bool) string {
	if !e.azure {
		return e.base + path
	}
	u := e.base
	if deployment {
		u += "/deployments/" + url.PathEscape(e.model)
	}
	return u + path + "?api-version=" + url.QueryEscape(e.apiVersion)
}

// Embed returns one vector per text, in input order. The API is free to
// return items in any order, so each is placed by its index field.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	in := openaiEmbedRequest{Input: texts, Model: e.model, Dimensions: e.dimensions, EncodingFormat: "float"}
	var out openaiEmbedResponse
	if err := e.api.post(ctx, e.endpoint("/embeddings", true), in, &out); err != nil {
		return nil, err
	}
	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("%s embedder: expected %d embeddings, got %d", e.api.backend, len(texts), len(out.Data))
	}

	vectors := make([][]float32, len(texts))
	for _, item := range out.Data {
		switch {
		case item.Index < 0 || item.Index >= len(texts):
			return nil, fmt.Errorf("%s embedder: index %d out of range [0, %d)", e.api.backend, item.Index, len(texts))
		case vectors[item.Index] != nil:
			return nil, fmt.Errorf("%s embedder: duplicate index %d", e.api.backend, item.Index)
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}

// Ping lists models, which checks reachability and credentials without
// spending tokens.
func (e *OpenAIEmbedder) Ping(ctx context.Context) error {
	return e.api.probe(ctx, e.endpoint("/models", false))
}
