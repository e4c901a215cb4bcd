package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/akshyv/rag-pdf/internal/logging"
)

func TestWithRequestLog_ReusesInboundID(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logging.NewWithOptions(logging.Options{Level: "debug", Format: "json", Output: &buf})
	h := withRequestLog(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logging.FromContext(r.Context()).Info("inside handler")
		http.Error(w, "nope", http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/files/x.pdf", nil)
	req.Header.Set(requestIDHeader, "upstream-42")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if got := w.Header().Get(requestIDHeader); got != "upstream-42" {
		t.Errorf("X-Request-ID = %q, want upstream-42", got)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected handler line and access line, got %d: %s", len(lines), buf.String())
	}
	for _, line := range lines {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("log line is not JSON: %v", err)
		}
		if rec["request_id"] != "upstream-42" {
			t.Errorf("request_id = %v in %s", rec["request_id"], line)
		}
	}
	var access map[string]any
	_ = json.Unmarshal([]byte(lines[1]), &access)
	if access["level"] != "WARN" || access["status"] != float64(http.StatusNotFound) {
		t.Errorf("access line = %v, want WARN with status 404", access)
	}
	if access["bytes"].(float64) == 0 {
		t.Error("access line should count body bytes")
	}
}

func TestValidRequestID(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"abc123":                true,
		"trace-1.span_2":        true,
		"":                      false,
		"has space":             false,
		"inject\nnewline":       false,
		"semi;colon":            false,
		strings.Repeat("a", 64): true,
		strings.Repeat("a", 65): false,
	}
	for id, want := range cases {
		if got := validRequestID(id); got != want {
			t.Errorf("validRequestID(%q) = %v, want %v", id, got, want)
		}
	}
}

func TestAllowOrigin_Preflight(t *testing.T) {
	t.Parallel()

	called := false
	h := allowOrigin("https://app.example")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodOptions, "/api/ask", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if called {
		t.Error("preflight must not reach the handler")
	}
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if !strings.Contains(w.Header().Get("Access-Control-Allow-Headers"), apiKeyHeader) {
		t.Errorf("Allow-Headers = %q, want %s listed", w.Header().Get("Access-Control-Allow-Headers"), apiKeyHeader)
	}
	if w.Header().Get("Vary") != "Origin" {
		t.Errorf("Vary = %q, want Origin", w.Header().Get("Vary"))
	}
}
