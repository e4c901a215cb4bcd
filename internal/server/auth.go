package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/akshyv/rag-pdf/internal/logging"
)

// apiKeyHeader is accepted as an alternative to "Authorization: Bearer".
const apiKeyHeader = "X-API-Key"

// requireAPIKey returns chi middleware that admits only requests carrying
// key, either as a Bearer token or in the X-API-Key header. An empty key
// disables the check; server.New logs that once at startup.
//
// Rejected requests get 401 with a Bearer challenge. The presented value is
// never logged.
func requireAPIKey(key string) func(http.Handler) http.Handler {
	if key == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	want := sha256.Sum256([]byte(key))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented, source := credentials(r)
			if presented == "" {
				rejectAuth(w, r, "authorization required", `Bearer realm="ragpdf"`, source)
				return
			}
			got := sha256.Sum256([]byte(presented))
			if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
				rejectAuth(w, r, "invalid api key", `Bearer realm="ragpdf", error="invalid_token"`, source)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// credentials returns the presented key and where it came from. The Bearer
// header wins when both are set.
func credentials(r *http.Request) (string, string) {
	if tok := bearerToken(r.Header.Get("Authorization")); tok != "" {
		return tok, "bearer"
	}
	if k := strings.TrimSpace(r.Header.Get(apiKeyHeader)); k != "" {
		return k, "header"
	}
	return "", "none"
}

func rejectAuth(w http.ResponseWriter, r *http.Request, msg, challenge, source string) {
	logging.FromContext(r.Context()).Warn("request rejected by api key check",
		slog.String("path", r.URL.Path),
		slog.String("credential_source", source),
	)
	w.Header().Set("WWW-Authenticate", challenge)
	writeJSON(r.Context(), w, http.StatusUnauthorized, errorResponse{Error: msg, Kind: "unauthorized"})
}

// bearerToken parses "Bearer <token>" with a case-insensitive scheme.
func bearerToken(hdr string) string {
	scheme, tok, ok := strings.Cut(strings.TrimSpace(hdr), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}
