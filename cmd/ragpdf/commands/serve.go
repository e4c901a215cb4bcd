package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/akshyv/rag-pdf/internal/logging"
	"github.com/akshyv/rag-pdf/internal/server"
	"github.com/akshyv/rag-pdf/internal/tracing"
)

// NewServeCmd constructs the `ragpdf serve` command, which starts the HTTP API.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ragpdf HTTP API",
		Long: `Start the HTTP API for uploading, processing, searching and asking.

Routes:
  GET    /api/health            liveness
  GET    /api/ready             dependency probes
  GET    /metrics               Prometheus metrics
  POST   /api/upload            multipart "file" field
  GET    /api/files             list documents
  GET    /api/files/{name}      document text
  DELETE /api/files/{name}      delete a document and its chunks
  POST   /api/process/{name}    chunk, embed and index a document
  POST   /api/search            {"query": "...", "k": 5}
  POST   /api/ask               {"question": "...", "k": 5}
  GET    /api/history?n=20      recent questions and answers

Set RAGPDF_API_KEY to require a Bearer token on every /api route except
health and ready.

Examples:
  ragpdf serve
  ragpdf serve --port 8080
  INDEX_BACKEND=qdrant MODEL_PROVIDER=openai ragpdf serve`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			log := logging.FromContext(ctx)

			flush := tracing.Enable(log)
			defer flush()

			eng, err := buildEngine(ctx, log, engineOptions{withModel: true, reconcile: true})
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer eng.Close()

			if !cmd.Flags().Changed("host") {
				host = getEnvOrDefault("SERVER_HOST", host)
			}
			if !cmd.Flags().Changed("port") {
				port = getEnvInt("SERVER_PORT", port)
			}

			srv, err := server.New(server.Deps{
				Documents: eng.coord,
				Searcher:  eng.retriever,
				Asker:     eng.asker,
				History:   eng.store,
			}, &server.Config{
				Host:           host,
				Port:           port,
				Logger:         log,
				Pingers:        eng.pingers,
				APIKey:         os.Getenv("RAGPDF_API_KEY"),
				RateLimit:      getEnvFloat64("SERVER_RATE_LIMIT", 0),
				RateBurst:      getEnvInt("SERVER_RATE_BURST", 0),
				CORSOrigin:     os.Getenv("SERVER_CORS_ORIGIN"),
				DefaultK:       getEnvInt("RETRIEVAL_DEFAULT_K", 0),
				MaxUploadBytes: eng.coord.Config().MaxUploadBytes,
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}
			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to (env SERVER_HOST)")
	cmd.Flags().IntVarP(&port, "port", "p", 5000, "TCP port to listen on (env SERVER_PORT)")

	return cmd
}
