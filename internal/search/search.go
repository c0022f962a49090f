// Package search orchestrates retrieval strategies over the observation
// store and ranks the merged candidate set.
package search

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/opencode-mem/opencode-mem/internal/db"
	"github.com/opencode-mem/opencode-mem/internal/embedder"
	"github.com/opencode-mem/opencode-mem/internal/rank"
)

// semanticTopK bounds how many vector hits feed the merge.
const semanticTopK = 50

// Options narrow and shape a search.
type Options struct {
	Project       string
	Type          string
	DateStartMs   int64
	DateEndMs     int64
	DedupeByTitle bool
	MinScore      float64
	Limit         int
	Offset        int
	UseFTS        bool
	UseSemantic   bool
}

// Result is one ranked hit.
type Result struct {
	Observation db.Observation
	Score       float64
	Components  rank.ComponentScores
	Strategies  []string
}

// StrategyStats records one strategy's contribution to a search.
type StrategyStats struct {
	Name       string `json:"name"`
	DurationMs int64  `json:"duration_ms"`
	Count      int    `json:"count"`
	Error      string `json:"error,omitempty"`
}

// FilterStats records the candidate count remaining after one post-filter.
type FilterStats struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Diagnostics is a snapshot of the most recent search, kept for the
// diagnostics endpoint.
type Diagnostics struct {
	Query           string          `json:"query"`
	CompiledFTS     string          `json:"compiled_fts,omitempty"`
	StartedAtMs     int64           `json:"started_at_ms"`
	EndedAtMs       int64           `json:"ended_at_ms"`
	Strategies      []StrategyStats `json:"strategies"`
	Filters         []FilterStats   `json:"filters,omitempty"`
	TotalCandidates int             `json:"total_candidates"`
	Matched         int             `json:"matched"`
	Returned        int             `json:"returned"`
}

// Service runs searches. The embedding worker is optional; without it the
// semantic strategy is skipped.
type Service struct {
	store  *db.DB
	embed  *embedder.Worker
	ranker *rank.Ranker

	mu       sync.Mutex
	lastDiag *Diagnostics
}

// New creates a search service. embed may be nil.
func New(store *db.DB, embed *embedder.Worker, ranker *rank.Ranker) *Service {
	if ranker == nil {
		ranker = rank.New(rank.DefaultWeights)
	}
	return &Service{store: store, embed: embed, ranker: ranker}
}

// Search runs the enabled strategies, merges their candidates by
// observation id (first strategy wins, later ones only backfill scores),
// ranks the merged set, and applies post-filters, threshold and paging.
func (s *Service) Search(ctx context.Context, query string, opts Options) ([]Result, *Diagnostics, error) {
	diag := &Diagnostics{
		Query:       query,
		StartedAtMs: time.Now().UnixMilli(),
	}

	merged := make([]db.Observation, 0, 32)
	seen := make(map[int64][]string)
	addCandidates := func(strategy string, obs []db.Observation) {
		for _, o := range obs {
			if _, ok := seen[o.ID]; ok {
				seen[o.ID] = append(seen[o.ID], strategy)
				continue
			}
			seen[o.ID] = []string{strategy}
			merged = append(merged, o)
		}
	}

	var semScores map[int64]float64

	if opts.UseFTS {
		compiled := CompileFTSQuery(query)
		diag.CompiledFTS = compiled
		start := time.Now()
		stats := StrategyStats{Name: "fts"}
		if compiled != "" {
			hits, err := s.store.SearchFTS(compiled, opts.Project, opts.Type, opts.DateStartMs, opts.DateEndMs)
			if err != nil {
				stats.Error = err.Error()
				log.Printf("[search] fts failed, falling back: %v", err)
			} else {
				stats.Count = len(hits)
				addCandidates("fts", hits)
			}
		}
		stats.DurationMs = time.Since(start).Milliseconds()
		diag.Strategies = append(diag.Strategies, stats)
	}

	// Semantic retrieval needs a project: vectors are stored per project,
	// so an unscoped query would spend an embedding call to match nothing.
	if opts.UseSemantic && s.embed != nil && opts.Project != "" {
		start := time.Now()
		stats := StrategyStats{Name: "semantic"}
		scores, err := s.embed.SearchSimilar(ctx, opts.Project, query, semanticTopK)
		if err != nil {
			stats.Error = err.Error()
			log.Printf("[search] semantic strategy failed: %v", err)
		} else {
			semScores = scores
			ids := make([]int64, 0, len(scores))
			for id := range scores {
				ids = append(ids, id)
			}
			hits, err := s.store.GetObservations(ids, opts.Project, "date")
			if err != nil {
				stats.Error = err.Error()
			} else {
				stats.Count = len(hits)
				addCandidates("semantic", hits)
			}
		}
		stats.DurationMs = time.Since(start).Milliseconds()
		diag.Strategies = append(diag.Strategies, stats)
	}

	// Substring fallback keeps search useful when FTS produced nothing,
	// including queries of only short or special-character tokens.
	if len(merged) == 0 {
		start := time.Now()
		stats := StrategyStats{Name: "fallback"}
		hits, err := s.store.SearchSubstring(query, opts.Project)
		if err != nil {
			stats.Error = err.Error()
		} else {
			stats.Count = len(hits)
			addCandidates("fallback", hits)
		}
		stats.DurationMs = time.Since(start).Milliseconds()
		diag.Strategies = append(diag.Strategies, stats)
		if err != nil {
			diag.EndedAtMs = time.Now().UnixMilli()
			s.setDiag(diag)
			return nil, diag, fmt.Errorf("search fallback: %w", err)
		}
	}

	merged = applyPostFilters(merged, opts, diag)
	diag.TotalCandidates = len(merged)

	cands := make([]rank.Candidate, len(merged))
	byID := make(map[int64]db.Observation, len(merged))
	for i, o := range merged {
		sub := ""
		if o.Subtitle != nil {
			sub = *o.Subtitle
		}
		cands[i] = rank.Candidate{
			ID:          o.ID,
			Title:       o.Title,
			Subtitle:    sub,
			Text:        o.Text,
			Tags:        append(append([]string{}, o.Facts...), o.Type),
			CreatedAtMs: o.CreatedAtMs,
		}
		byID[o.ID] = o
	}

	ranked := s.ranker.Rank(query, cands, semScores)

	if opts.MinScore > 0 {
		kept := ranked[:0]
		for _, r := range ranked {
			if r.Final >= opts.MinScore {
				kept = append(kept, r)
			}
		}
		ranked = kept
		diag.Filters = append(diag.Filters, FilterStats{Name: "min_score", Count: len(ranked)})
	}

	results := make([]Result, 0, len(ranked))
	dedupe := make(map[string]bool)
	for _, r := range ranked {
		if opts.DedupeByTitle {
			key := strings.ToLower(strings.TrimSpace(byID[r.ID].Title))
			if dedupe[key] {
				continue
			}
			dedupe[key] = true
		}
		results = append(results, Result{
			Observation: byID[r.ID],
			Score:       r.Final,
			Components:  r.Scores,
			Strategies:  seen[r.ID],
		})
	}
	if opts.DedupeByTitle {
		diag.Filters = append(diag.Filters, FilterStats{Name: "dedupe_title", Count: len(results)})
	}
	diag.Matched = len(results)

	// Paging applies after every filter so pages are stable.
	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			results = nil
		} else {
			results = results[opts.Offset:]
		}
	}
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}

	diag.Returned = len(results)
	diag.EndedAtMs = time.Now().UnixMilli()
	s.setDiag(diag)
	return results, diag, nil
}

// LastDiagnostics returns the snapshot of the most recent search, or nil
// if none has run.
func (s *Service) LastDiagnostics() *Diagnostics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDiag
}

func (s *Service) setDiag(d *Diagnostics) {
	s.mu.Lock()
	s.lastDiag = d
	s.mu.Unlock()
}

func applyPostFilters(obs []db.Observation, opts Options, diag *Diagnostics) []db.Observation {
	out := obs
	if opts.Type != "" {
		kept := out[:0]
		for _, o := range out {
			if o.Type == opts.Type {
				kept = append(kept, o)
			}
		}
		out = kept
		diag.Filters = append(diag.Filters, FilterStats{Name: "type", Count: len(out)})
	}
	if opts.DateStartMs > 0 || opts.DateEndMs > 0 {
		kept := out[:0]
		for _, o := range out {
			if opts.DateStartMs > 0 && o.CreatedAtMs < opts.DateStartMs {
				continue
			}
			if opts.DateEndMs > 0 && o.CreatedAtMs > opts.DateEndMs {
				continue
			}
			kept = append(kept, o)
		}
		out = kept
		diag.Filters = append(diag.Filters, FilterStats{Name: "date", Count: len(out)})
	}
	return out
}

// CompileFTSQuery turns free text into an FTS5 MATCH expression: each word
// of length >= 2 becomes a quoted prefix term. Returns "" when no word
// survives, which signals the caller to skip FTS entirely.
func CompileFTSQuery(query string) string {
	var terms []string
	for _, w := range strings.Fields(query) {
		w = strings.Trim(w, `"'`)
		w = strings.ReplaceAll(w, `"`, "")
		if len(w) < 2 {
			continue
		}
		terms = append(terms, `"`+w+`"*`)
	}
	return strings.Join(terms, " ")
}
