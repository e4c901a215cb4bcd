package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/akshyv/rag-pdf/internal/answer"
	"github.com/akshyv/rag-pdf/internal/rag"
	"github.com/akshyv/rag-pdf/internal/store"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 5000).
	Port int
	// ReadTimeout is the maximum duration for reading the request, including
	// the upload body.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response. It must
	// cover a full process or ask call.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on the process,
	// search and ask endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is required, as a Bearer token or X-API-Key, on all /api/* routes except health
	// and ready. If empty, authentication is disabled.
	APIKey string
	// CORSOrigin is the Access-Control-Allow-Origin value. Defaults to "*".
	CORSOrigin string
	// DefaultK is the number of results used when a search or ask request
	// omits k. Defaults to 5.
	DefaultK int
	// MaxUploadBytes caps the size of an uploaded file. Defaults to 16 MiB.
	MaxUploadBytes int64
	// MetricsRegistry receives the server metrics. Defaults to
	// prometheus.DefaultRegisterer.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer backs GET /metrics. Defaults to prometheus.DefaultGatherer.
	MetricsGatherer prometheus.Gatherer
}

// DocumentService is the ingestion surface. *ingestion.Coordinator satisfies it.
type DocumentService interface {
	Upload(ctx context.Context, filename string, data []byte) (rag.Document, error)
	Process(ctx context.Context, name string) (int, error)
	Delete(ctx context.Context, name string) (int, error)
	Get(ctx context.Context, name string) (rag.Document, error)
	List(ctx context.Context) ([]rag.DocumentInfo, error)
}

// Searcher runs similarity search. *rag.Retriever satisfies it.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]rag.Hit, error)
}

// Asker answers questions. *answer.Synthesizer satisfies it.
type Asker interface {
	Ask(ctx context.Context, question string, k int) (*answer.Result, error)
}

// Deps are the engine components the handlers call.
type Deps struct {
	Documents DocumentService
	Searcher  Searcher
	Asker     Asker
	// History backs GET /api/history. Optional.
	History store.HistoryStore
}

// Server is the HTTP server that exposes the document engine.
type Server struct {
	// docs handles upload, listing, processing and deletion.
	docs DocumentService
	// searcher handles POST /api/search.
	searcher Searcher
	// asker handles POST /api/ask.
	asker Asker
	// history backs GET /api/history; may be nil.
	history store.HistoryStore
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus collectors for this server.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// errorResponse is the JSON body of every failed request.
type errorResponse struct {
	// Error is the human-readable message.
	Error string `json:"error"`
	// Kind is the machine-readable failure class.
	Kind string `json:"kind"`
}

// healthResponse is the JSON body for GET /api/health.
type healthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// uploadResponse is the JSON body for POST /api/upload.
type uploadResponse struct {
	Message   string `json:"message"`
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	Processed bool   `json:"processed"`
}

// filesResponse is the JSON body for GET /api/files.
type filesResponse struct {
	Files []rag.DocumentInfo `json:"files"`
}

// fileResponse is the JSON body for GET /api/files/{name}.
type fileResponse struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
	// Length is the content length in characters.
	Length int `json:"length"`
}

// processResponse is the JSON body for POST /api/process/{name}.
type processResponse struct {
	ChunksCreated int `json:"chunks_created"`
}

// deleteResponse is the JSON body for DELETE /api/files/{name}.
type deleteResponse struct {
	ChunksDeleted int `json:"chunks_deleted"`
}

// searchRequest is the JSON body for POST /api/search.
type searchRequest struct {
	Query string `json:"query"`
	// K is the number of results; nil selects Config.DefaultK.
	K *int `json:"k,omitempty"`
}

// searchResult is one hit in a searchResponse.
type searchResult struct {
	Filename string  `json:"filename"`
	Text     string  `json:"text"`
	Score    float32 `json:"score"`
}

// searchResponse is the JSON body for POST /api/search.
type searchResponse struct {
	Results []searchResult `json:"results"`
	Count   int            `json:"count"`
}

// askRequest is the JSON body for POST /api/ask.
type askRequest struct {
	Question string `json:"question"`
	// K is the number of passages to retrieve; nil selects Config.DefaultK.
	K *int `json:"k,omitempty"`
}

// historyResponse is the JSON body for GET /api/history.
type historyResponse struct {
	Turns []store.Turn `json:"turns"`
}
