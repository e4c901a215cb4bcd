package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/akshyv/rag-pdf/internal/logging"
)

// NewUploadCmd constructs `ragpdf upload`, which stores files and, unless
// --no-process is given, chunks and indexes them.
func NewUploadCmd() *cobra.Command {
	var noProcess bool

	cmd := &cobra.Command{
		Use:   "upload <file>...",
		Short: "Upload documents and index them",
		Long: `Upload one or more documents. Text is extracted at upload time; the
document is then chunked, embedded and indexed unless --no-process is set.

Examples:
  ragpdf upload report.pdf notes.txt
  ragpdf upload --no-process manual.pdf`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := buildEngine(ctx, logging.FromContext(ctx), engineOptions{})
			if err != nil {
				return fmt.Errorf("upload: %w", err)
			}
			defer eng.Close()

			st := Styles()
			out := cmd.OutOrStdout()
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("upload: %w", err)
				}
				doc, err := eng.coord.Upload(ctx, filepath.Base(path), data)
				if err != nil {
					return fmt.Errorf("upload %s: %w", path, err)
				}
				fmt.Fprintf(out, "%s %s (%d bytes)\n", st.Success.Render("uploaded"), st.Source.Render(doc.Name), doc.Size)

				if noProcess || doc.Processed {
					continue
				}
				n, err := eng.coord.Process(ctx, doc.Name)
				if err != nil {
					return fmt.Errorf("process %s: %w", doc.Name, err)
				}
				fmt.Fprintf(out, "%s %s (%d chunks)\n", st.Success.Render("processed"), st.Source.Render(doc.Name), n)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noProcess, "no-process", false, "Store the documents without indexing them")
	return cmd
}

// NewFilesCmd constructs `ragpdf files`, which lists stored documents.
func NewFilesCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "files",
		Short: "List uploaded documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			eng, err := buildEngine(ctx, logging.FromContext(ctx), engineOptions{})
			if err != nil {
				return fmt.Errorf("files: %w", err)
			}
			defer eng.Close()

			files, err := eng.coord.List(ctx)
			if err != nil {
				return fmt.Errorf("files: %w", err)
			}
			if asJSON {
				return writeJSONOut(cmd.OutOrStdout(), files)
			}
			renderFiles(cmd.OutOrStdout(), files)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of styled text")
	return cmd
}

// NewShowCmd constructs `ragpdf show`, which prints a document's extracted text.
func NewShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Print the extracted text of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := buildEngine(ctx, logging.FromContext(ctx), engineOptions{})
			if err != nil {
				return fmt.Errorf("show: %w", err)
			}
			defer eng.Close()

			doc, err := eng.coord.Get(ctx, args[0])
			if err != nil {
				return fmt.Errorf("show: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), doc.Content)
			return nil
		},
	}
}

// NewProcessCmd constructs `ragpdf process`, which (re)indexes documents.
func NewProcessCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "process [name]...",
		Short: "Chunk, embed and index uploaded documents",
		Long: `Process replaces a document's chunks with a fresh chunk set. Use --all to
process every document that is not yet processed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !all {
				return fmt.Errorf("process: name a document or pass --all")
			}
			ctx := cmd.Context()
			eng, err := buildEngine(ctx, logging.FromContext(ctx), engineOptions{reconcile: all})
			if err != nil {
				return fmt.Errorf("process: %w", err)
			}
			defer eng.Close()

			names := args
			if all {
				files, err := eng.coord.List(ctx)
				if err != nil {
					return fmt.Errorf("process: %w", err)
				}
				for _, f := range files {
					if !f.Processed {
						names = append(names, f.Name)
					}
				}
			}

			st := Styles()
			for _, name := range names {
				n, err := eng.coord.Process(ctx, name)
				if err != nil {
					return fmt.Errorf("process %s: %w", name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d chunks)\n", st.Success.Render("processed"), st.Source.Render(name), n)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Process every unprocessed document")
	return cmd
}

// NewDeleteCmd constructs `ragpdf delete`, which removes documents and their chunks.
func NewDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>...",
		Short: "Delete documents and their chunks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := buildEngine(ctx, logging.FromContext(ctx), engineOptions{})
			if err != nil {
				return fmt.Errorf("delete: %w", err)
			}
			defer eng.Close()

			st := Styles()
			for _, name := range args {
				n, err := eng.coord.Delete(ctx, name)
				if err != nil {
					return fmt.Errorf("delete %s: %w", name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d chunks)\n", st.Warning.Render("deleted"), st.Source.Render(name), n)
			}
			return nil
		},
	}
}
