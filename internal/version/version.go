// Package version holds build-time version information for the ragpdf binary.
// The variables are populated at build time via -ldflags:
//
//	go build -ldflags="-X github.com/akshyv/rag-pdf/internal/version.Version=v0.3.0 \
//	                    -X github.com/akshyv/rag-pdf/internal/version.Commit=abc1234 \
//	                    -X github.com/akshyv/rag-pdf/internal/version.BuildDate=2026-01-01" ./cmd/ragpdf
//
// Without ldflags (e.g. `go run`) the values fall back to readable defaults.
package version

import "fmt"

// Version is the semantic version of the binary. Defaults to "dev".
var Version = "dev"

// Commit is the short git SHA the binary was built from.
var Commit = "unknown"

// BuildDate is the UTC build date (RFC3339).
var BuildDate = "unknown"

// String renders the version line printed by `ragpdf version`.
func String() string {
	return fmt.Sprintf("ragpdf %s (commit: %s, built: %s)", Version, Commit, BuildDate)
}
