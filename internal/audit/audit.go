// Package audit emits one structured record when a CLI command starts and
// one when it finishes, so operators can see which backends a run used and
// how it ended. Credentials are logged as "set" or "unset", never by value.
package audit

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/akshyv/rag-pdf/internal/apperr"
)

// envSections groups the audited env vars by concern. Each section becomes
// a nested object in the start record.
var envSections = []struct {
	name string
	keys []string
}{
	{"model", []string{
		"MODEL_PROVIDER", "OLLAMA_HOST", "OLLAMA_MODEL", "OPENAI_API_KEY", "OPENAI_MODEL",
		"AZURE_OPENAI_API_KEY", "AZURE_OPENAI_ENDPOINT", "AZURE_OPENAI_DEPLOYMENT",
		"ARK_API_KEY", "ARK_MODEL", "GOOGLE_API_KEY", "GEMINI_MODEL",
	}},
	{"embedding", []string{"EMBEDDING_PROVIDER", "EMBEDDING_MODEL", "EMBEDDING_API_KEY"}},
	{"index", []string{"INDEX_BACKEND", "QDRANT_HOST", "QDRANT_COLLECTION", "QDRANT_API_KEY", "RAGPDF_DB"}},
	{"server", []string{"RAGPDF_API_KEY", "LOG_LEVEL"}},
	{"tracing", []string{"LANGFUSE_HOST", "LANGFUSE_PUBLIC_KEY", "LANGFUSE_SECRET_KEY"}},
}

// isCredential reports whether key names a credential. Every credential
// this program reads ends in _KEY.
func isCredential(key string) bool {
	return strings.HasSuffix(key, "_KEY")
}

// LogCommandStart records the command name, the config file it loaded and
// the effective environment, one group per concern.
func LogCommandStart(ctx context.Context, log *slog.Logger, command, configPath string) {
	attrs := make([]slog.Attr, 0, len(envSections)+2)
	attrs = append(attrs,
		slog.String("command", command),
		slog.String("config_file", sanitiseConfigPath(configPath)),
	)
	for _, sec := range envSections {
		group := make([]any, 0, len(sec.keys))
		for _, k := range sec.keys {
			group = append(group, slog.String(k, SanitiseKey(k, os.Getenv(k))))
		}
		attrs = append(attrs, slog.Group(sec.name, group...))
	}
	log.LogAttrs(ctx, slog.LevelInfo, "audit: command start", attrs...)
}

// LogCommandEnd records the outcome and elapsed time. A failed command
// records its error kind only; the message may quote user content.
func LogCommandEnd(ctx context.Context, log *slog.Logger, command string, start time.Time, err error) {
	outcome, level := "ok", slog.LevelInfo
	if err != nil {
		outcome, level = string(apperr.KindOf(err)), slog.LevelWarn
	}
	log.LogAttrs(ctx, level, "audit: command end",
		slog.String("command", command),
		slog.String("outcome", outcome),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
}

// SanitiseKey renders value for the audit log: credentials collapse to
// "set" or "unset", anything else is shown as is ("unset" when empty).
func SanitiseKey(key, value string) string {
	switch {
	case value == "":
		return "unset"
	case isCredential(key):
		return "set"
	}
	return value
}

// sanitiseConfigPath shortens the home directory to "~"; "none" means no
// file was loaded.
func sanitiseConfigPath(p string) string {
	if p == "" {
		return "none"
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return p
	}
	if rel, err := filepath.Rel(home, p); err == nil && !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel) {
		return filepath.Join("~", rel)
	}
	return p
}
