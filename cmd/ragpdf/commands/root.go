// Package commands defines all Cobra CLI commands for the ragpdf binary.
package commands

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/akshyv/rag-pdf/internal/audit"
	"github.com/akshyv/rag-pdf/internal/config"
	"github.com/akshyv/rag-pdf/internal/logging"
)

// app carries the state shared by the root command and its subcommands.
type app struct {
	// configPath holds the --config flag value.
	configPath string
	// loadedConfigPath is the config file actually read, for audit logging.
	loadedConfigPath string
	// log is built once config has been applied to the environment.
	log *slog.Logger
	// started is when the command began running.
	started time.Time
}

// Execute runs the CLI and writes the closing audit record.
func Execute() error {
	a := &app{}
	cmd, err := newRootCmd(a).ExecuteContextC(context.Background())
	if a.log != nil && cmd != nil {
		audit.LogCommandEnd(context.Background(), a.log, cmd.Name(), a.started, err)
	}
	return err
}

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&app{})
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "ragpdf",
		Short: "Ask questions about your documents",
		Long: `ragpdf uploads PDF and text documents, splits them into chunks, embeds the
chunks into a vector index, and answers questions grounded on the most
relevant passages with a chat model.

Backends are selected with environment variables or a config file
(~/.ragpdf/config.yaml, ./ragpdf.yaml or ./ragpdf.toml):
  MODEL_PROVIDER       chat model: ollama, openai, azure, ark, gemini (default: ollama)
  EMBEDDING_PROVIDER   embedder: ollama, openai, azure, hash (default: ollama)
  INDEX_BACKEND        vector index: sqlite, memory, qdrant (default: sqlite)
  RAGPDF_DB            SQLite database path (default: ~/.ragpdf/ragpdf.db)`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.started = time.Now()

			path, err := config.Load(a.configPath, logging.New())
			if err != nil {
				return err
			}
			a.loadedConfigPath = path

			// Rebuild after the config file may have set LOG_LEVEL/LOG_FORMAT.
			a.log = logging.New()
			cmd.SetContext(logging.WithLogger(cmd.Context(), a.log))

			audit.LogCommandStart(cmd.Context(), a.log, cmd.Name(), a.loadedConfigPath)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to a YAML or TOML config file (default: ~/.ragpdf/config.yaml)")

	root.AddCommand(
		NewServeCmd(),
		NewUploadCmd(),
		NewFilesCmd(),
		NewShowCmd(),
		NewProcessCmd(),
		NewDeleteCmd(),
		NewSearchCmd(),
		NewAskCmd(),
		NewHistoryCmd(),
		NewWatchCmd(),
		NewVersionCmd(),
	)
	return root
}
