// Package rank scores search candidates by combining lexical, semantic,
// recency and tag signals. It is pure: no state survives a call.
package rank

import (
	"sort"
	"strings"
)

// Weights control how the four component scores combine. When semantic
// search is disabled the caller sets Semantic to 0; the remaining weights
// are used as-is without renormalization.
type Weights struct {
	Lexical  float64
	Semantic float64
	Recency  float64
	TagBoost float64
}

// DefaultWeights are the tuned defaults.
var DefaultWeights = Weights{Lexical: 0.45, Semantic: 0.35, Recency: 0.15, TagBoost: 0.05}

// Candidate is one result under consideration.
type Candidate struct {
	ID          int64
	Title       string
	Subtitle    string
	Text        string
	Tags        []string
	CreatedAtMs int64
}

// ComponentScores are the individual signals, each in [0,1].
type ComponentScores struct {
	Lexical  float64
	Semantic float64
	Recency  float64
	TagBoost float64
}

// Scored is a candidate with its computed scores.
type Scored struct {
	Candidate
	Scores ComponentScores
	Final  float64
}

// Ranker combines component scores under a fixed weight set.
type Ranker struct {
	w Weights
}

// New creates a Ranker. Zero-value weights fall back to the defaults.
func New(w Weights) *Ranker {
	if w == (Weights{}) {
		w = DefaultWeights
	}
	return &Ranker{w: w}
}

// Rank scores all candidates against the query and returns them sorted by
// final score descending. semantic carries externally computed similarities
// in [0,1] keyed by candidate id; missing entries score 0. Recency uses
// min-max normalization of created_at across the candidate batch (all-equal
// batches score 0.5).
func (r *Ranker) Rank(query string, cands []Candidate, semantic map[int64]float64) []Scored {
	if len(cands) == 0 {
		return nil
	}

	recency := recencyScores(cands)

	scored := make([]Scored, len(cands))
	for i, c := range cands {
		s := ComponentScores{
			Lexical:  LexicalScore(query, c.Title, c.Subtitle, c.Text),
			Semantic: clamp01(semantic[c.ID]),
			Recency:  recency[i],
			TagBoost: TagBoostScore(query, c.Tags),
		}
		scored[i] = Scored{
			Candidate: c,
			Scores:    s,
			Final: r.w.Lexical*s.Lexical + r.w.Semantic*s.Semantic +
				r.w.Recency*s.Recency + r.w.TagBoost*s.TagBoost,
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Final != scored[j].Final {
			return scored[i].Final > scored[j].Final
		}
		if scored[i].CreatedAtMs != scored[j].CreatedAtMs {
			return scored[i].CreatedAtMs > scored[j].CreatedAtMs
		}
		return scored[i].ID > scored[j].ID
	})
	return scored
}

// LexicalScore measures case-insensitive overlap between the query and a
// candidate's text fields. A whole-query substring match scores at least
// 0.5, growing with the query's share of the text; otherwise the score is
// the fraction of query words (length >= 2) present as substrings.
func LexicalScore(query, title, subtitle, text string) float64 {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return 0
	}
	haystack := strings.ToLower(title + " " + subtitle + " " + text)

	if strings.Contains(haystack, q) {
		if len(text) == 0 {
			return 1.0
		}
		score := 0.5 + float64(len(q))/float64(len(text))
		if score > 1.0 {
			return 1.0
		}
		return score
	}

	words := queryWords(q)
	if len(words) == 0 {
		return 0
	}
	matched := 0
	for _, w := range words {
		if strings.Contains(haystack, w) {
			matched++
		}
	}
	return float64(matched) / float64(len(words))
}

// TagBoostScore returns the fraction of tags containing any query word of
// length >= 2, or 0 when there are no tags.
func TagBoostScore(query string, tags []string) float64 {
	if len(tags) == 0 {
		return 0
	}
	words := queryWords(strings.ToLower(query))
	if len(words) == 0 {
		return 0
	}
	matched := 0
	for _, tag := range tags {
		t := strings.ToLower(tag)
		for _, w := range words {
			if strings.Contains(t, w) {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(tags))
}

// AgeBucketScore is the coarse recency variant used for standalone scoring
// of a single item, outside a candidate batch.
func AgeBucketScore(createdAtMs, nowMs int64) float64 {
	age := nowMs - createdAtMs
	day := int64(24 * 60 * 60 * 1000)
	switch {
	case age <= day:
		return 1.0
	case age <= 7*day:
		return 0.8
	case age <= 30*day:
		return 0.5
	case age <= 90*day:
		return 0.3
	default:
		return 0.1
	}
}

func recencyScores(cands []Candidate) []float64 {
	minTs, maxTs := cands[0].CreatedAtMs, cands[0].CreatedAtMs
	for _, c := range cands[1:] {
		if c.CreatedAtMs < minTs {
			minTs = c.CreatedAtMs
		}
		if c.CreatedAtMs > maxTs {
			maxTs = c.CreatedAtMs
		}
	}

	out := make([]float64, len(cands))
	if minTs == maxTs {
		for i := range out {
			out[i] = 0.5
		}
		return out
	}
	span := float64(maxTs - minTs)
	for i, c := range cands {
		out[i] = float64(c.CreatedAtMs-minTs) / span
	}
	return out
}

func queryWords(q string) []string {
	var words []string
	for _, w := range strings.Fields(q) {
		if len(w) >= 2 {
			words = append(words, w)
		}
	}
	return words
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
