package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Source is one cited chunk of an ask turn.
type Source struct {
	// Document is the cited document name.
	Document string `json:"filename"`
	// Text is the cited chunk text.
	Text string `json:"text"`
}

// Turn is one persisted question/answer exchange.
type Turn struct {
	// Question is the question as asked.
	Question string `json:"question"`
	// Answer is the synthesized answer text.
	Answer string `json:"answer"`
	// Sources are the chunks the answer cited, in rank order.
	Sources []Source `json:"sources"`
	// CreatedAt is when the turn was persisted.
	CreatedAt time.Time `json:"created_at"`
}

// HistoryStore persists ask turns. Implementations must be safe for
// concurrent use.
type HistoryStore interface {
	// AppendTurn persists a single turn.
	AppendTurn(ctx context.Context, turn Turn) error
	// RecentTurns returns the most recent n turns ordered oldest-first. If
	// fewer than n turns exist, all are returned.
	RecentTurns(ctx context.Context, n int) ([]Turn, error)
}

// AppendTurn persists a single ask turn.
func (s *SQLiteStore) AppendTurn(ctx context.Context, turn Turn) error {
	sources := turn.Sources
	if sources == nil {
		sources = []Source{}
	}
	raw, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("store: append turn: encode sources: %w", err)
	}

	const q = `INSERT INTO asks (question, answer, sources, created_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, turn.Question, turn.Answer, string(raw), s.now().Unix()); err != nil {
		return fmt.Errorf("store: append turn: %w", err)
	}
	return nil
}

// RecentTurns returns the most recent n turns, ordered oldest-first. Uses a
// subquery to select the tail then re-order.
func (s *SQLiteStore) RecentTurns(ctx context.Context, n int) ([]Turn, error) {
	const q = `
SELECT question, answer, sources, created_at FROM (
    SELECT id, question, answer, sources, created_at
    FROM   asks
    ORDER  BY created_at DESC, id DESC
    LIMIT  ?
) ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, q, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent turns: %w", err)
	}
	defer rows.Close()

	turns := []Turn{}
	for rows.Next() {
		var (
			t   Turn
			raw string
			ts  int64
		)
		if err := rows.Scan(&t.Question, &t.Answer, &raw, &ts); err != nil {
			return nil, fmt.Errorf("store: recent turns scan: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &t.Sources); err != nil {
			return nil, fmt.Errorf("store: recent turns: decode sources: %w", err)
		}
		t.CreatedAt = time.Unix(ts, 0)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: recent turns rows: %w", err)
	}
	return turns, nil
}
