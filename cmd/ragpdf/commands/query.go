package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/akshyv/rag-pdf/internal/apperr"
	"github.com/akshyv/rag-pdf/internal/logging"
	"github.com/akshyv/rag-pdf/internal/tracing"
)

// maxPipedQuestion caps a question read from stdin.
const maxPipedQuestion = 64 << 10

// searchOutput is the --json shape of `ragpdf search`, matching POST /api/search.
type searchOutput struct {
	Results []searchOutputHit `json:"results"`
	Count   int               `json:"count"`
}

type searchOutputHit struct {
	Filename string  `json:"filename"`
	Text     string  `json:"text"`
	Score    float32 `json:"score"`
}

// NewSearchCmd constructs `ragpdf search`, which prints the chunks most
// similar to a query.
func NewSearchCmd() *cobra.Command {
	var k int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Find the passages most similar to a query",
		Long: `Embed the query and print the k most similar chunks with their documents
and cosine scores.

Examples:
  ragpdf search "capital of France"
  ragpdf search -k 10 --json "quarterly revenue"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := buildEngine(ctx, logging.FromContext(ctx), engineOptions{})
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			defer eng.Close()

			query := strings.Join(args, " ")
			hits, err := eng.retriever.Search(ctx, query, k)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}

			if asJSON {
				out := searchOutput{Results: make([]searchOutputHit, 0, len(hits)), Count: len(hits)}
				for _, h := range hits {
					out.Results = append(out.Results, searchOutputHit{Filename: h.Chunk.Document, Text: h.Chunk.Text, Score: h.Score})
				}
				return writeJSONOut(cmd.OutOrStdout(), out)
			}
			renderHits(cmd.OutOrStdout(), query, hits)
			return nil
		},
	}

	cmd.Flags().IntVarP(&k, "k", "k", 5, "Number of results")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of styled text")
	return cmd
}

// NewAskCmd constructs `ragpdf ask`, which answers a question from the
// indexed documents.
func NewAskCmd() *cobra.Command {
	var k int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a question from your documents",
		Long: `Retrieve the k most relevant passages and ask the chat model to answer
from them. The cited documents are listed under the answer.

Examples:
  ragpdf ask "what is the capital of France?"
  MODEL_PROVIDER=openai ragpdf ask -k 8 "summarise the refund policy"
  echo "who signed the lease?" | ragpdf ask`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)

			question, err := questionFrom(cmd.InOrStdin(), args)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			flush := tracing.Enable(log)
			defer flush()

			eng, err := buildEngine(ctx, log, engineOptions{withModel: true})
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer eng.Close()

			res, err := eng.asker.Ask(ctx, question, k)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			if asJSON {
				return writeJSONOut(cmd.OutOrStdout(), res)
			}
			renderAnswer(cmd.OutOrStdout(), res)
			return nil
		},
	}

	cmd.Flags().IntVarP(&k, "k", "k", 5, "Number of passages to retrieve")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of styled text")
	return cmd
}

// questionFrom joins args into the question. With no args it reads piped
// stdin; an interactive terminal gets a usage error instead of a silent wait.
func questionFrom(in io.Reader, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	if isTerminal(in) {
		return "", apperr.Validation("ask", "question is required: pass it as arguments or pipe it on stdin")
	}
	b, err := io.ReadAll(io.LimitReader(in, maxPipedQuestion))
	if err != nil {
		return "", fmt.Errorf("read question from stdin: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// NewHistoryCmd constructs `ragpdf history`, which prints recent asks.
func NewHistoryCmd() *cobra.Command {
	var n int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent questions and answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			eng, err := buildEngine(ctx, logging.FromContext(ctx), engineOptions{})
			if err != nil {
				return fmt.Errorf("history: %w", err)
			}
			defer eng.Close()

			turns, err := eng.store.RecentTurns(ctx, n)
			if err != nil {
				return fmt.Errorf("history: %w", err)
			}
			if asJSON {
				return writeJSONOut(cmd.OutOrStdout(), turns)
			}
			renderTurns(cmd.OutOrStdout(), turns)
			return nil
		},
	}

	cmd.Flags().IntVarP(&n, "n", "n", 20, "Number of turns to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of styled text")
	return cmd
}
