package commands

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/akshyv/rag-pdf/internal/logging"
	"github.com/akshyv/rag-pdf/internal/watcher"
)

// NewWatchCmd constructs `ragpdf watch`, which mirrors a folder into the
// document store.
func NewWatchCmd() *cobra.Command {
	var dir string
	var prune bool
	var once bool
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep a folder of documents indexed",
		Long: `Import every supported file in --dir, then keep watching it: new or
modified files are uploaded and processed, removed files are deleted with
their chunks. Only top-level files are considered; hidden files are skipped.

Examples:
  ragpdf watch --dir ./documents
  ragpdf watch --dir ./documents --prune --once`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			log := logging.FromContext(ctx)

			eng, err := buildEngine(ctx, log, engineOptions{reconcile: true})
			if err != nil {
				return fmt.Errorf("watch: %w", err)
			}
			defer eng.Close()

			w, err := watcher.New(eng.coord, &watcher.Config{Dir: dir, Debounce: debounce, Prune: prune})
			if err != nil {
				return fmt.Errorf("watch: %w", err)
			}

			report, err := w.Sync(ctx)
			if err != nil {
				return fmt.Errorf("watch: %w", err)
			}
			st := Styles()
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d imported, %d unchanged, %d skipped, %d removed\n",
				st.Title.Render("synced"), report.Imported, report.Unchanged, report.Skipped, report.Removed)
			if once {
				return nil
			}
			return w.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", "documents", "Folder to mirror")
	cmd.Flags().BoolVar(&prune, "prune", false, "Delete stored documents whose file is not in the folder")
	cmd.Flags().BoolVar(&once, "once", false, "Sync once and exit instead of watching")
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "Quiet period before a changed file is re-indexed")
	return cmd
}
