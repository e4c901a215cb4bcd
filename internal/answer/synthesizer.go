// Package answer turns retrieved chunks into a grounded answer. The
// Synthesizer asks the retriever for evidence, builds a prompt that confines
// the chat model to that labeled context, and maps the reply back to the
// chunks it cites.
package answer

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/akshyv/rag-pdf/internal/apperr"
	"github.com/akshyv/rag-pdf/internal/budget"
	"github.com/akshyv/rag-pdf/internal/logging"
	"github.com/akshyv/rag-pdf/internal/rag"
	"github.com/akshyv/rag-pdf/internal/store"
)

// systemPrompt confines the model to the supplied context.
const systemPrompt = `You answer questions about the user's uploaded documents.

Rules:
- Use ONLY the numbered context passages below. Do not use outside knowledge.
- Cite every passage you rely on with its label, e.g. [1] or [2][3].
- If the passages do not contain the answer, say that the documents do not
  contain enough information to answer. Do not guess.
- Keep the answer concise and factual.

## Context

{context}`

// noContext replaces the context block when retrieval found nothing.
const noContext = "(no passages were found for this question)"

// perPassageTokens is charged per passage for its label and separators.
const perPassageTokens = 16

// citationPattern matches labels such as [3] in the model's reply.
var citationPattern = regexp.MustCompile(`\[(\d{1,3})\]`)

// Searcher is the retrieval dependency. *rag.Retriever satisfies it.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]rag.Hit, error)
}

// Config holds the tunables for a Synthesizer.
type Config struct {
	// MaxContextTokens is the estimated input budget. Lower-ranked passages
	// that do not fit are dropped. Defaults to budget.DefaultMaxContextTokens.
	MaxContextTokens int

	// Timeout bounds one model call. Defaults to 120s.
	Timeout time.Duration

	// History, when set, receives every successful turn. Persistence
	// failures are logged and do not fail the ask.
	History store.HistoryStore
}

// Result is the outcome of one ask.
type Result struct {
	// Answer is the model's reply.
	Answer string `json:"answer"`
	// Sources are the passages the answer is grounded on, in rank order.
	// Empty when retrieval found nothing.
	Sources []store.Source `json:"sources"`
}

// Synthesizer answers questions from retrieved document chunks.
type Synthesizer struct {
	searcher Searcher
	model    model.BaseChatModel
	template prompt.ChatTemplate
	cfg      *Config
}

// NewSynthesizer constructs a Synthesizer.
func NewSynthesizer(searcher Searcher, chatModel model.BaseChatModel, cfg *Config) (*Synthesizer, error) {
	if searcher == nil {
		return nil, apperr.Configuration("answer.synthesizer", "searcher must not be nil")
	}
	if chatModel == nil {
		return nil, apperr.Configuration("answer.synthesizer", "chat model must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = budget.DefaultMaxContextTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}

	tpl := prompt.FromMessages(schema.FString,
		schema.SystemMessage(systemPrompt),
		schema.UserMessage("{question}"),
	)
	return &Synthesizer{searcher: searcher, model: chatModel, template: tpl, cfg: cfg}, nil
}

// Ask retrieves up to k passages for question and asks the model to answer
// from them. With no passages the model is still called and Sources is
// empty. Model failure, timeout or an empty reply is a synthesis error.
func (s *Synthesizer) Ask(ctx context.Context, question string, k int) (*Result, error) {
	const op = "answer.ask"
	log := logging.FromContext(ctx)

	question = strings.TrimSpace(question)
	if question == "" {
		return nil, apperr.Validation(op, "question must not be empty")
	}

	hits, err := s.searcher.Search(ctx, question, k)
	if err != nil {
		return nil, err
	}

	messages, used, err := s.buildMessages(ctx, question, hits)
	if err != nil {
		return nil, apperr.Synthesis(op, "building the prompt failed", err)
	}
	if dropped := len(hits) - len(used); dropped > 0 {
		log.Warn("budget: dropped passages to fit context window",
			slog.Int("dropped", dropped),
			slog.Int("retained", len(used)),
			slog.Int("max_tokens", s.cfg.MaxContextTokens),
		)
	}

	genCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	start := time.Now()
	reply, err := s.model.Generate(genCtx, messages)
	if err != nil {
		return nil, apperr.Synthesis(op, "the language model call failed", err)
	}
	if reply == nil || strings.TrimSpace(reply.Content) == "" {
		return nil, apperr.Synthesis(op, "the language model returned an empty answer", nil)
	}

	res := &Result{
		Answer:  strings.TrimSpace(reply.Content),
		Sources: citedSources(reply.Content, used),
	}
	log.Info("ask complete",
		slog.Int("passages", len(used)),
		slog.Int("sources", len(res.Sources)),
		slog.Duration("duration", time.Since(start)),
	)

	if s.cfg.History != nil {
		turn := store.Turn{Question: question, Answer: res.Answer, Sources: res.Sources}
		if err := s.cfg.History.AppendTurn(context.WithoutCancel(ctx), turn); err != nil {
			log.Warn("history: failed to persist ask turn", slog.Any("error", err))
		}
	}
	return res, nil
}

// buildMessages renders the prompt with as many leading hits as fit the
// token budget and returns the hits it included.
func (s *Synthesizer) buildMessages(ctx context.Context, question string, hits []rag.Hit) ([]*schema.Message, []rag.Hit, error) {
	fixed := budget.EstimateMessages([]*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(question),
	})
	texts := make([]string, len(hits))
	for i, h := range hits {
		texts[i] = h.Chunk.Document + h.Chunk.Text
	}
	used := hits[:budget.Fit(fixed, texts, perPassageTokens, s.cfg.MaxContextTokens)]

	msgs, err := s.template.Format(ctx, map[string]any{
		"context":  formatContext(used),
		"question": question,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("answer: format prompt: %w", err)
	}
	return msgs, used, nil
}

// formatContext labels each passage [n] with its source document.
func formatContext(hits []rag.Hit) string {
	if len(hits) == 0 {
		return noContext
	}
	var sb strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&sb, "[%d] (source: %s)\n%s\n\n", i+1, h.Chunk.Document, h.Chunk.Text)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// citedSources returns the passages referenced by [n] labels in reply, in
// rank order. A reply that cites nothing valid is attributed to every
// passage it was shown.
func citedSources(reply string, used []rag.Hit) []store.Source {
	cited := make(map[int]bool)
	for _, m := range citationPattern.FindAllStringSubmatch(reply, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > len(used) {
			continue
		}
		cited[n-1] = true
	}

	sources := make([]store.Source, 0, len(used))
	for i, h := range used {
		if len(cited) > 0 && !cited[i] {
			continue
		}
		sources = append(sources, store.Source{Document: h.Chunk.Document, Text: h.Chunk.Text})
	}
	return sources
}
