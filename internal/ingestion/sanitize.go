package ingestion

import (
	"path/filepath"
	"strings"
)

// SanitizeFilename reduces an uploaded filename to a safe base name: path
// components are stripped, whitespace becomes underscores, and only ASCII
// letters, digits, '.', '-' and '_' survive. Leading dots and underscores
// are removed so the result is never hidden or a relative path. An empty
// result means the name had no usable characters.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "..", "_")

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ' || r == '\t':
			b.WriteByte('_')
		}
	}
	out := strings.TrimLeft(b.String(), "._")
	if out == "" || out == "." {
		return ""
	}
	return out
}
