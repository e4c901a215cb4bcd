package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/akshyv/rag-pdf/internal/apperr"
	"github.com/akshyv/rag-pdf/internal/logging"
)

// writeJSON encodes v as the response body with the given status.
func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(ctx).Error("response encode error", slog.Any("error", err))
	}
}

// writeError maps err to an HTTP status and writes {"error", "kind"}.
// Server-side failures are logged with their full cause; the client only
// sees the classified message.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(ctx).Error("request failed",
			slog.String("kind", string(kind)),
			slog.Any("error", err),
		)
	}
	writeJSON(ctx, w, status, errorResponse{Error: apperr.Message(err), Kind: string(kind)})
}

// statusFor maps an error kind to its HTTP status. Upstream model failures
// are 502, or 504 when they timed out.
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindEmbedding, apperr.KindSynthesis:
		if apperr.IsTimeout(err) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a JSON request body into v, rejecting unknown shapes
// with a validation error.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("server.decode", "invalid request body: %v", err)
	}
	return nil
}
