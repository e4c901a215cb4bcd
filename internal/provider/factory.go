package provider

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"

	"github.com/akshyv/rag-pdf/internal/apperr"
)

// DefaultTimeout bounds one answer generation when MODEL_TIMEOUT is unset.
const DefaultTimeout = 120 * time.Second

// ConfigFromEnv reads provider configuration from environment variables.
// MODEL_PROVIDER selects the backend; each provider uses its own native
// credential env vars.
//
// Environment variables:
//
//	MODEL_PROVIDER              = ollama | openai | azure | ark | gemini (default: ollama)
//
//	Ollama:  OLLAMA_HOST (default: http://localhost:11434), OLLAMA_MODEL (default: llama3)
//	OpenAI:  OPENAI_API_KEY, OPENAI_MODEL (default: gpt-4o), OPENAI_BASE_URL
//	Azure:   AZURE_OPENAI_API_KEY, AZURE_OPENAI_ENDPOINT, AZURE_OPENAI_DEPLOYMENT,
//	         AZURE_OPENAI_API_VERSION (default: 2025-04-01-preview)
//	Ark:     ARK_API_KEY, ARK_MODEL, ARK_BASE_URL
//	Gemini:  GOOGLE_API_KEY, GEMINI_MODEL (default: gemini-2.5-flash)
//
//	Shared:  MODEL_MAX_TOKENS (default: 1024), MODEL_TEMPERATURE (default: 0.2),
//	         MODEL_TIMEOUT (default: 120s)
func ConfigFromEnv() *Config {
	return &Config{
		Backend: Backend(getEnvOrDefault("MODEL_PROVIDER", string(BackendOllama))),
		Ollama: ProviderOllama{
			Host:  getEnvOrDefault("OLLAMA_HOST", "http://localhost:11434"),
			Model: getEnvOrDefault("OLLAMA_MODEL", "llama3"),
		},
		OpenAI: ProviderOpenAI{
			APIKey:  os.Getenv("OPENAI_API_KEY"),
			Model:   getEnvOrDefault("OPENAI_MODEL", "gpt-4o"),
			BaseURL: os.Getenv("OPENAI_BASE_URL"),
		},
		AzureOpenAI: ProviderAzureOpenAI{
			APIKey:     os.Getenv("AZURE_OPENAI_API_KEY"),
			Endpoint:   os.Getenv("AZURE_OPENAI_ENDPOINT"),
			Deployment: os.Getenv("AZURE_OPENAI_DEPLOYMENT"),
			APIVersion: getEnvOrDefault("AZURE_OPENAI_API_VERSION", "2025-04-01-preview"),
		},
		Ark: ProviderArk{
			APIKey:  os.Getenv("ARK_API_KEY"),
			Model:   os.Getenv("ARK_MODEL"),
			BaseURL: os.Getenv("ARK_BASE_URL"),
		},
		Gemini: ProviderGemini{
			APIKey: os.Getenv("GOOGLE_API_KEY"),
			Model:  getEnvOrDefault("GEMINI_MODEL", "gemini-2.5-flash"),
		},
		Tuning: SharedTuning{
			MaxTokens:   getEnvInt("MODEL_MAX_TOKENS", 1024),
			Temperature: getEnvFloat32("MODEL_TEMPERATURE", 0.2),
			Timeout:     getEnvDuration("MODEL_TIMEOUT", DefaultTimeout),
		},
	}
}

// setting pairs an env var name with the value it produced.
type setting struct {
	env   string
	value string
}

// required lists the settings the selected backend cannot start without.
// ok is false for an unknown backend.
func (c *Config) required() (list []setting, ok bool) {
	switch c.Backend {
	case BackendOllama:
		return []setting{{"OLLAMA_HOST", c.Ollama.Host}, {"OLLAMA_MODEL", c.Ollama.Model}}, true
	case BackendOpenAI:
		return []setting{{"OPENAI_API_KEY", c.OpenAI.APIKey}, {"OPENAI_MODEL", c.OpenAI.Model}}, true
	case BackendAzure:
		return []setting{
			{"AZURE_OPENAI_API_KEY", c.AzureOpenAI.APIKey},
			{"AZURE_OPENAI_ENDPOINT", c.AzureOpenAI.Endpoint},
			{"AZURE_OPENAI_DEPLOYMENT", c.AzureOpenAI.Deployment},
		}, true
	case BackendArk:
		return []setting{{"ARK_API_KEY", c.Ark.APIKey}, {"ARK_MODEL", c.Ark.Model}}, true
	case BackendGemini:
		return []setting{{"GOOGLE_API_KEY", c.Gemini.APIKey}, {"GEMINI_MODEL", c.Gemini.Model}}, true
	}
	return nil, false
}

// Validate reports every missing setting for the selected backend in one
// error, naming the env vars to set.
func (c *Config) Validate() error {
	const op = "provider.config"

	list, ok := c.required()
	if !ok {
		return apperr.Configuration(op, "unknown backend %q (valid values: ollama, openai, azure, ark, gemini)", c.Backend)
	}
	var missing []string
	for _, s := range list {
		if strings.TrimSpace(s.value) == "" {
			missing = append(missing, s.env)
		}
	}
	if len(missing) > 0 {
		return apperr.Configuration(op, "%s must be set for the %s backend", strings.Join(missing, ", "), c.Backend)
	}
	if c.Tuning.Temperature < 0 || c.Tuning.Temperature > 2 {
		return apperr.Configuration(op, "MODEL_TEMPERATURE must be within [0, 2], got %g", c.Tuning.Temperature)
	}
	if c.Tuning.MaxTokens < 0 {
		return apperr.Configuration(op, "MODEL_MAX_TOKENS must not be negative, got %d", c.Tuning.MaxTokens)
	}
	return nil
}

// New validates cfg and builds the chat model for its backend.
func New(ctx context.Context, cfg *Config) (model.BaseChatModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case BackendOllama:
		return newOllama(ctx, cfg)
	case BackendOpenAI:
		return newOpenAI(ctx, cfg)
	case BackendAzure:
		return newAzure(ctx, cfg)
	case BackendArk:
		return newArk(ctx, cfg)
	default:
		return newGemini(ctx, cfg)
	}
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat32(key string, fallback float32) float32 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			return float32(f)
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
