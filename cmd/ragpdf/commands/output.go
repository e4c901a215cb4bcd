package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/akshyv/rag-pdf/internal/answer"
	"github.com/akshyv/rag-pdf/internal/rag"
	"github.com/akshyv/rag-pdf/internal/store"
)

// snippetChars is the longest chunk excerpt printed by search.
const snippetChars = 240

// Answer box bounds; the box wraps to the terminal between these widths.
const (
	answerMinWidth = 20
	answerMaxWidth = 100
)

// StyleSet holds the terminal styles used by command output.
type StyleSet struct {
	Title   lipgloss.Style
	Muted   lipgloss.Style
	Score   lipgloss.Style
	Source  lipgloss.Style
	Answer  lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
}

var defaultStyles = &StyleSet{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED")),
	Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("#6C7086")),
	Score:   lipgloss.NewStyle().Foreground(lipgloss.Color("#06B6D4")),
	Source:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F9E2AF")),
	Answer:  lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#45475A")).Padding(0, 1),
	Success: lipgloss.NewStyle().Foreground(lipgloss.Color("#A6E3A1")),
	Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("#F9E2AF")),
	Error:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F38BA8")),
}

// Styles returns the shared style set.
func Styles() *StyleSet { return defaultStyles }

// isTerminal reports whether r or w is an interactive terminal.
func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	return ok && term.IsTerminal(int(f.Fd())) //nolint:gosec // fd fits in int
}

// terminalWidth returns the column count of w, or 0 when w is not a terminal.
func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok || !isTerminal(f) {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd())) //nolint:gosec // fd fits in int
	if err != nil {
		return 0
	}
	return width
}

// writeJSONOut prints v as indented JSON.
func writeJSONOut(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderFiles prints the document listing.
func renderFiles(w io.Writer, files []rag.DocumentInfo) {
	st := Styles()
	if len(files) == 0 {
		fmt.Fprintln(w, st.Muted.Render("no documents"))
		return
	}
	for _, f := range files {
		state := st.Warning.Render("unprocessed")
		if f.Processed {
			state = st.Success.Render("processed")
		}
		fmt.Fprintf(w, "%s  %s  %s\n", st.Source.Render(f.Name), st.Muted.Render(fmt.Sprintf("%d bytes", f.Size)), state)
	}
}

// renderHits prints search results in rank order with a text excerpt.
func renderHits(w io.Writer, query string, hits []rag.Hit) {
	st := Styles()
	fmt.Fprintln(w, st.Title.Render(fmt.Sprintf("%d result(s) for %q", len(hits), query)))
	for i, h := range hits {
		fmt.Fprintf(w, "\n%s %s %s\n",
			st.Muted.Render(fmt.Sprintf("[%d]", i+1)),
			st.Source.Render(h.Chunk.Document),
			st.Score.Render(fmt.Sprintf("%.3f", h.Score)),
		)
		fmt.Fprintln(w, snippet(h.Chunk.Text, snippetChars))
	}
}

// renderAnswer prints the answer in a box followed by its sources.
func renderAnswer(w io.Writer, res *answer.Result) {
	st := Styles()
	box := st.Answer
	if width := terminalWidth(w); width > answerMinWidth {
		box = box.Width(min(width, answerMaxWidth) - 2)
	}
	fmt.Fprintln(w, box.Render(strings.TrimSpace(res.Answer)))
	renderSources(w, res.Sources)
}

// renderTurns prints ask history, oldest first.
func renderTurns(w io.Writer, turns []store.Turn) {
	st := Styles()
	if len(turns) == 0 {
		fmt.Fprintln(w, st.Muted.Render("no questions asked yet"))
		return
	}
	for _, t := range turns {
		fmt.Fprintf(w, "%s %s\n", st.Muted.Render(t.CreatedAt.Format("2006-01-02 15:04")), st.Title.Render(t.Question))
		fmt.Fprintln(w, strings.TrimSpace(t.Answer))
		renderSources(w, t.Sources)
		fmt.Fprintln(w)
	}
}

func renderSources(w io.Writer, sources []store.Source) {
	if len(sources) == 0 {
		return
	}
	st := Styles()
	seen := make(map[string]bool)
	var names []string
	for _, s := range sources {
		if !seen[s.Document] {
			seen[s.Document] = true
			names = append(names, st.Source.Render(s.Document))
		}
	}
	fmt.Fprintln(w, st.Muted.Render("sources: ")+strings.Join(names, ", "))
}

// snippet collapses whitespace and truncates s to at most n characters.
func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
