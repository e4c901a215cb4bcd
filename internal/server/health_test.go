package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// fakePinger is a test double for the Pinger interface.
type fakePinger struct {
	name  string
	err   error
	delay time.Duration
}

func (f *fakePinger) Name() string { return f.name }

func (f *fakePinger) Ping(ctx context.Context) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func newReadyTestServer(pingers ...Pinger) *Server {
	s := newTestServer()
	s.pingers = pingers
	return s
}

func getReady(t *testing.T, s *Server) (int, readyResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	w := httptest.NewRecorder()
	s.handleReady(w, req)

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: expected application/json, got %q", ct)
	}
	var resp readyResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode ready response: %v", err)
	}
	return w.Code, resp
}

func TestHandleHealth_OK(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d; body: %s", w.Code, w.Body.String())
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if body["status"] != "ok" || body["message"] != "Server is running!" {
		t.Errorf("body = %v, want status ok and the running message", body)
	}
}

func TestHandleReady(t *testing.T) {
	t.Parallel()

	down := errors.New("connection refused")
	tests := []struct {
		name      string
		pingers   []Pinger
		wantCode  int
		wantReady bool
		wantOK    []bool
	}{
		{
			name:      "no pingers",
			wantCode:  http.StatusOK,
			wantReady: true,
			wantOK:    []bool{},
		},
		{
			name:      "all healthy",
			pingers:   []Pinger{&fakePinger{name: "store"}, &fakePinger{name: "embedder"}},
			wantCode:  http.StatusOK,
			wantReady: true,
			wantOK:    []bool{true, true},
		},
		{
			name:      "one failing",
			pingers:   []Pinger{&fakePinger{name: "store"}, &fakePinger{name: "qdrant", err: down}},
			wantCode:  http.StatusServiceUnavailable,
			wantReady: false,
			wantOK:    []bool{true, false},
		},
		{
			name:      "all failing",
			pingers:   []Pinger{&fakePinger{name: "store", err: down}, &fakePinger{name: "embedder", err: down}},
			wantCode:  http.StatusServiceUnavailable,
			wantReady: false,
			wantOK:    []bool{false, false},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, resp := getReady(t, newReadyTestServer(tt.pingers...))

			if code != tt.wantCode {
				t.Errorf("status = %d, want %d", code, tt.wantCode)
			}
			if resp.Ready != tt.wantReady {
				t.Errorf("ready = %v, want %v", resp.Ready, tt.wantReady)
			}
			if resp.Checks == nil {
				t.Fatal("checks must be an array, got null")
			}
			if len(resp.Checks) != len(tt.wantOK) {
				t.Fatalf("checks = %d, want %d", len(resp.Checks), len(tt.wantOK))
			}
			for i, c := range resp.Checks {
				if c.Name != tt.pingers[i].Name() {
					t.Errorf("check %d name = %q, want registration order %q", i, c.Name, tt.pingers[i].Name())
				}
				if c.OK != tt.wantOK[i] {
					t.Errorf("check %s ok = %v, want %v", c.Name, c.OK, tt.wantOK[i])
				}
				if !c.OK && c.Error != down.Error() {
					t.Errorf("check %s error = %q, want %q", c.Name, c.Error, down.Error())
				}
			}
		})
	}
}

func TestProbeAll_RunsConcurrently(t *testing.T) {
	t.Parallel()

	pingers := []Pinger{
		&fakePinger{name: "a", delay: 200 * time.Millisecond},
		&fakePinger{name: "b", delay: 200 * time.Millisecond},
		&fakePinger{name: "c", delay: 200 * time.Millisecond},
	}
	start := time.Now()
	checks := probeAll(context.Background(), pingers)
	elapsed := time.Since(start)

	if elapsed >= 550*time.Millisecond {
		t.Errorf("probes took %v; expected them to overlap", elapsed)
	}
	for _, c := range checks {
		if !c.OK || c.LatencyMS < 150 {
			t.Errorf("check %s = %+v, want ok with ~200ms latency", c.Name, c)
		}
	}
}

func TestNewPinger_WrapsError(t *testing.T) {
	t.Parallel()

	p := NewPinger("store", func(context.Context) error { return errors.New("database is closed") })
	if p.Name() != "store" {
		t.Errorf("Name() = %q, want store", p.Name())
	}
	if err := p.Ping(context.Background()); err == nil || err.Error() != "store: database is closed" {
		t.Errorf("Ping() = %v, want labelled error", err)
	}

	ok := NewPinger("embedder", func(context.Context) error { return nil })
	if err := ok.Ping(context.Background()); err != nil {
		t.Errorf("Ping() = %v, want nil", err)
	}
}
