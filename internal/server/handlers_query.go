package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/akshyv/rag-pdf/internal/apperr"
	"github.com/akshyv/rag-pdf/internal/store"
)

// maxHistory caps GET /api/history?n=.
const maxHistory = 200

// handleSearch handles POST /api/search.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.observe("search", start, err)
		writeError(ctx, w, err)
		return
	}

	hits, err := s.searcher.Search(ctx, req.Query, s.resolveK(req.K))
	s.observe("search", start, err)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	resp := searchResponse{Results: make([]searchResult, 0, len(hits)), Count: len(hits)}
	for _, h := range hits {
		resp.Results = append(resp.Results, searchResult{
			Filename: h.Chunk.Document,
			Text:     h.Chunk.Text,
			Score:    h.Score,
		})
	}
	writeJSON(ctx, w, http.StatusOK, resp)
}

// handleAsk handles POST /api/ask.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	var req askRequest
	if err := decodeJSON(r, &req); err != nil {
		s.observe("ask", start, err)
		writeError(ctx, w, err)
		return
	}

	res, err := s.asker.Ask(ctx, req.Question, s.resolveK(req.K))
	s.observe("ask", start, err)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, res)
}

// handleHistory handles GET /api/history?n=20.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.history == nil {
		writeJSON(ctx, w, http.StatusOK, historyResponse{Turns: []store.Turn{}})
		return
	}

	n := 20
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(ctx, w, apperr.Validation("server.history", "n must be a positive integer"))
			return
		}
		n = min(parsed, maxHistory)
	}

	turns, err := s.history.RecentTurns(ctx, n)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	if turns == nil {
		turns = []store.Turn{}
	}
	writeJSON(ctx, w, http.StatusOK, historyResponse{Turns: turns})
}

// resolveK returns the requested k, or the configured default when omitted.
// An explicit k <= 0 is passed through and yields no results.
func (s *Server) resolveK(k *int) int {
	if k == nil {
		return s.cfg.DefaultK
	}
	return *k
}
