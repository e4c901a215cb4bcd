// Package budget estimates prompt sizes so the answer synthesizer can decide
// how much retrieved context fits in the model's window. Backends use
// different tokenizers, so this package uses a conservative character-based
// heuristic: 1 token ≈ 4 characters of English prose.
package budget

import (
	"github.com/cloudwego/eino/schema"
)

const (
	// charsPerToken is the character-to-token ratio used for estimation.
	charsPerToken = 4

	// messageOverhead is the per-message framing cost charged by most chat APIs.
	messageOverhead = 4

	// DefaultMaxContextTokens is the default input budget in tokens. It fits
	// 8k-context models while leaving room for the answer.
	DefaultMaxContextTokens = 6000
)

// Estimate returns a rough token count for s using the character heuristic.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// EstimateMessages returns the estimated total token count for msgs,
// summing role and content plus a fixed overhead per message.
func EstimateMessages(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		total += messageOverhead
		total += Estimate(string(m.Role))
		total += Estimate(m.Content)
	}
	return total
}

// Fit returns how many leading entries of texts can be added to a prompt
// that already costs fixedTokens without exceeding maxTokens. Each entry is
// charged perEntry tokens on top of its own estimate for labels and
// separators. Entries are taken strictly in order: the first one that does
// not fit ends the selection, so rank order is never reshuffled.
func Fit(fixedTokens int, texts []string, perEntry, maxTokens int) int {
	used := fixedTokens
	for i, t := range texts {
		cost := Estimate(t) + perEntry
		if used+cost > maxTokens {
			return i
		}
		used += cost
	}
	return len(texts)
}
