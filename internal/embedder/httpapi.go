package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxErrorBody caps how much of a non-JSON error body is quoted back.
const maxErrorBody = 512

// StatusError is returned when an embedding API answers with a non-2xx
// status. Message carries the provider's own explanation when it sent one.
type StatusError struct {
	Backend string
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s embedder: HTTP %d", e.Backend, e.Status)
	}
	return fmt.Sprintf("%s embedder: HTTP %d: %s", e.Backend, e.Status, e.Message)
}

// Retryable reports whether the failure is a throttle or a server fault.
func (e *StatusError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// apiFailure is implemented by response envelopes that can carry an error
// message alongside (or instead of) a payload.
type apiFailure interface {
	failure() string
}

// jsonAPI is the HTTP plumbing shared by the remote embedders.
type jsonAPI struct {
	backend string
	client  *http.Client
	// auth decorates outgoing requests with credentials; may be nil.
	auth func(*http.Request)
}

// post sends in as JSON to url and decodes the reply into out.
func (a *jsonAPI) post(ctx context.Context, url string, in any, out apiFailure) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s embedder: marshal request: %w", a.backend, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s embedder: create request: %w", a.backend, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if a.auth != nil {
		a.auth(req)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s embedder: request failed: %w", a.backend, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s embedder: read response: %w", a.backend, err)
	}
	decodeErr := json.Unmarshal(body, out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{Backend: a.backend, Status: resp.StatusCode}
		if decodeErr == nil {
			se.Message = out.failure()
		}
		if se.Message == "" {
			se.Message = truncate(strings.TrimSpace(string(body)), maxErrorBody)
		}
		return se
	}
	if decodeErr != nil {
		return fmt.Errorf("%s embedder: decode response: %w", a.backend, decodeErr)
	}
	return nil
}

// probe issues a GET and expects 200; used by Ping.
func (a *jsonAPI) probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%s embedder: create ping request: %w", a.backend, err)
	}
	if a.auth != nil {
		a.auth(req)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s embedder: ping failed: %w", a.backend, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Backend: a.backend, Status: resp.StatusCode, Message: "ping rejected"}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
