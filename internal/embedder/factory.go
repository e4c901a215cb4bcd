package embedder

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/akshyv/rag-pdf/internal/apperr"
	"github.com/akshyv/rag-pdf/internal/rag"
)

// Default embedding models per backend.
const (
	defaultOllamaModel = "nomic-embed-text"
	defaultOpenAIModel = "text-embedding-3-small"

	// defaultOllamaDimensions is the output dimension of nomic-embed-text.
	// Other Ollama models may differ; override with EMBEDDING_DIMENSIONS.
	defaultOllamaDimensions = 768
	// defaultOpenAIDimensions is the output dimension of text-embedding-3-small.
	defaultOpenAIDimensions = 1536
	// defaultHashDimensions is the vector size of the offline hash embedder.
	defaultHashDimensions = 256

	defaultTimeout = 60 * time.Second
)

// Config selects and configures an embedding backend.
type Config struct {
	// Provider is one of ollama, openai, azure or hash.
	Provider string
	// Model is the embedding model name. Ignored by hash.
	Model string
	// Endpoint is the backend base URL (Ollama host, OpenAI base URL, Azure resource endpoint).
	Endpoint string
	// APIKey authenticates against OpenAI or Azure.
	APIKey string
	// Dimensions is the vector length. Zero selects the backend default.
	Dimensions int
	// Timeout bounds each HTTP call. Defaults to 60s.
	Timeout time.Duration
	// AzureAPIVersion is the api-version query parameter for Azure.
	AzureAPIVersion string
}

// ConfigFromEnv resolves a Config using cascading defaults that inherit from
// the chat provider configuration when embedding-specific overrides are not
// set.
//
// Resolution order:
//
//  1. EMBEDDING_PROVIDER, else MODEL_PROVIDER when it names an embedding
//     backend, else ollama
//  2. Per-backend credentials are inherited from the chat provider's env vars
//  3. EMBEDDING_MODEL, EMBEDDING_API_KEY, EMBEDDING_ENDPOINT override them
//  4. EMBEDDING_DIMENSIONS overrides the default vector size
//  5. EMBEDDING_TIMEOUT (Go duration) bounds each call
func ConfigFromEnv() *Config {
	backend := strings.ToLower(getEnv("EMBEDDING_PROVIDER"))
	if backend == "" {
		switch p := strings.ToLower(getEnv("MODEL_PROVIDER")); p {
		case "ollama", "openai", "azure":
			backend = p
		default:
			backend = "ollama"
		}
	}

	cfg := &Config{
		Provider:        backend,
		Model:           getEnv("EMBEDDING_MODEL"),
		Endpoint:        getEnv("EMBEDDING_ENDPOINT"),
		APIKey:          getEnv("EMBEDDING_API_KEY"),
		Dimensions:      getEnvInt("EMBEDDING_DIMENSIONS", 0),
		Timeout:         getEnvDuration("EMBEDDING_TIMEOUT", defaultTimeout),
		AzureAPIVersion: getEnvOrDefault("AZURE_OPENAI_API_VERSION", "2025-04-01-preview"),
	}

	switch backend {
	case "ollama":
		if cfg.Endpoint == "" {
			cfg.Endpoint = getEnvOrDefault("OLLAMA_HOST", "http://localhost:11434")
		}
	case "openai":
		if cfg.APIKey == "" {
			cfg.APIKey = getEnv("OPENAI_API_KEY")
		}
		if cfg.Endpoint == "" {
			cfg.Endpoint = getEnvOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1")
		}
	case "azure":
		if cfg.APIKey == "" {
			cfg.APIKey = getEnv("AZURE_OPENAI_API_KEY")
		}
		if cfg.Endpoint == "" {
			cfg.Endpoint = getEnv("AZURE_OPENAI_ENDPOINT")
		}
	}
	return cfg
}

// Validate reports configuration that can never work.
func (c *Config) Validate() error {
	const op = "embedder.config"

	switch c.Provider {
	case "ollama", "hash":
	case "openai":
		if c.APIKey == "" {
			return apperr.Configuration(op, "openai embedding requires OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
	case "azure":
		if c.APIKey == "" {
			return apperr.Configuration(op, "azure embedding requires AZURE_OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		if c.Endpoint == "" {
			return apperr.Configuration(op, "azure embedding requires AZURE_OPENAI_ENDPOINT or EMBEDDING_ENDPOINT")
		}
	default:
		return apperr.Configuration(op, "unknown embedding provider %q (valid: ollama, openai, azure, hash)", c.Provider)
	}
	if c.Dimensions < 0 {
		return apperr.Configuration(op, "embedding dimensions must not be negative, got %d", c.Dimensions)
	}
	return nil
}

// VectorSize returns the vector size the configured backend produces.
// Callers that pre-size a vector store (e.g. Qdrant collection creation)
// should use this rather than hardcoding a value.
func (c *Config) VectorSize() int {
	if c.Dimensions > 0 {
		return c.Dimensions
	}
	switch c.Provider {
	case "ollama":
		return defaultOllamaDimensions
	case "hash":
		return defaultHashDimensions
	default:
		return defaultOpenAIDimensions
	}
}

// New constructs the rag.Embedder described by cfg.
func New(cfg *Config) (rag.Embedder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	switch cfg.Provider {
	case "ollama":
		model := cfg.Model
		if model == "" {
			model = defaultOllamaModel
		}
		host := cfg.Endpoint
		if host == "" {
			host = "http://localhost:11434"
		}
		return NewOllamaEmbedder(&OllamaConfig{Host: host, Model: model, Timeout: timeout}), nil

	case "openai", "azure":
		model := cfg.Model
		if model == "" {
			model = defaultOpenAIModel
		}
		oc := &OpenAIConfig{
			BaseURL:    strings.TrimRight(cfg.Endpoint, "/"),
			APIKey:     cfg.APIKey,
			Model:      model,
			Dimensions: cfg.Dimensions,
			Timeout:    timeout,
		}
		if oc.BaseURL == "" {
			oc.BaseURL = "https://api.openai.com/v1"
		}
		if cfg.Provider == "azure" {
			oc.BaseURL = strings.TrimRight(cfg.Endpoint, "/") + "/openai"
			oc.Azure = true
			oc.APIVersion = cfg.AzureAPIVersion
		}
		return NewOpenAIEmbedder(oc), nil

	case "hash":
		return NewHashEmbedder(cfg.VectorSize()), nil
	}
	return nil, fmt.Errorf("embedder: unreachable provider %q", cfg.Provider)
}

// NewFromEnv constructs a rag.Embedder from ConfigFromEnv.
func NewFromEnv() (rag.Embedder, error) {
	return New(ConfigFromEnv())
}

// getEnv returns the value of the named environment variable, or empty string.
func getEnv(key string) string {
	return os.Getenv(key)
}

// getEnvOrDefault returns the value of the named environment variable, or
// fallback if the variable is unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the integer value of the named environment variable, or
// fallback if the variable is unset, empty, or not parseable.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

// getEnvDuration parses the named variable as a Go duration, or returns fallback.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
