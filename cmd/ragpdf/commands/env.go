package commands

import (
	"os"
	"strconv"
	"strings"
)

// envOr parses the named variable with parse and returns fallback when it
// is unset, empty or malformed. Config files and .env reach these helpers
// through config.Load, which exports them as env vars first.
func envOr[T any](key string, fallback T, parse func(string) (T, error)) T {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := parse(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getEnvOrDefault(key, fallback string) string {
	return envOr(key, fallback, func(s string) (string, error) { return s, nil })
}

func getEnvInt(key string, fallback int) int {
	return envOr(key, fallback, strconv.Atoi)
}

// getEnvInt64 is getEnvInt for byte sizes.
func getEnvInt64(key string, fallback int64) int64 {
	return envOr(key, fallback, func(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) })
}

func getEnvFloat64(key string, fallback float64) float64 {
	return envOr(key, fallback, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

// getEnvBool accepts anything strconv.ParseBool does; unset is false.
func getEnvBool(key string) bool {
	return envOr(key, false, strconv.ParseBool)
}

// getEnvList splits a comma-separated variable, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for part := range strings.SplitSeq(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
