package embedder

import (
	"log/slog"
	"regexp"
	"strings"
)

// chatModelPattern matches names of chat/completion model families, which
// produce poor vectors when pointed at an embeddings endpoint.
var chatModelPattern = regexp.MustCompile(
	`(?i)(gpt-(4|3\.5|35)|\bo[13]\b|llama-?[23]|mi[sx]tral|gemma|\bphi|claude|command-r|deepseek|qwen|solar|vicuna|falcon|\byi-)`,
)

// looksLikeChatModel reports whether model resembles a chat model rather
// than an embedding model. Anything mentioning "embed" is trusted.
func looksLikeChatModel(model string) bool {
	if strings.Contains(strings.ToLower(model), "embed") {
		return false
	}
	return chatModelPattern.MatchString(model)
}

// Preflight validates cfg and logs warnings for settings that work but are
// probably mistakes. Call it before building the index so operators get a
// clear error at startup rather than a failure on the first process call.
func Preflight(cfg *Config, log *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.Model != "" && looksLikeChatModel(cfg.Model) {
		log.Warn("embedder: EMBEDDING_MODEL looks like a chat model, not an embedding model; "+
			"this will likely produce poor or broken embeddings",
			slog.String("model", cfg.Model),
			slog.String("hint", "use a dedicated embedding model e.g. nomic-embed-text, text-embedding-3-small"),
		)
	}
	if cfg.Provider == "hash" {
		log.Info("embedder: using the offline hash embedder; retrieval matches shared words only",
			slog.Int("dimensions", cfg.VectorSize()),
		)
	}
	return nil
}
