package web

import (
	"github.com/opencode-mem/opencode-mem/internal/db"
	"github.com/opencode-mem/opencode-mem/internal/search"
)

// snippetLimit caps observation snippets in API responses.
const snippetLimit = 150

// --- API Resource Types ---

// APIObservation is the JSON representation of an observation.
type APIObservation struct {
	ID             int64    `json:"id"`
	SessionID      string   `json:"session_id"`
	Project        string   `json:"project"`
	Type           string   `json:"type"`
	Title          string   `json:"title"`
	Subtitle       *string  `json:"subtitle"`
	Snippet        string   `json:"snippet"`
	Facts          []string `json:"facts,omitempty"`
	FilesRead      []string `json:"files_read,omitempty"`
	FilesModified  []string `json:"files_modified,omitempty"`
	PromptNumber   int      `json:"prompt_number"`
	CreatedAtEpoch int64    `json:"created_at_epoch"`
}

// APIScores breaks a search hit's score into its components.
type APIScores struct {
	Lexical  float64 `json:"lexical"`
	Semantic float64 `json:"semantic"`
	Recency  float64 `json:"recency"`
}

// APISearchResult is one ranked search hit. Similarity is the final score
// scaled to 0..100.
type APISearchResult struct {
	ID             int64     `json:"id"`
	Title          string    `json:"title"`
	Subtitle       *string   `json:"subtitle"`
	Snippet        string    `json:"snippet"`
	Type           string    `json:"type"`
	PromptNumber   int       `json:"prompt_number"`
	CreatedAtEpoch int64     `json:"created_at_epoch"`
	Similarity     float64   `json:"similarity"`
	Scores         APIScores `json:"scores"`
	Strategies     []string  `json:"strategies,omitempty"`
}

// APIMemory is the JSON representation of a memory.
type APIMemory struct {
	ID             string            `json:"id"`
	Project        string            `json:"project"`
	Content        string            `json:"content"`
	Summary        string            `json:"summary,omitempty"`
	Type           string            `json:"type"`
	Tags           []string          `json:"tags,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	SessionID      *string           `json:"session_id"`
	CreatedAtEpoch int64             `json:"created_at_epoch"`
}

// APIPrompt is the JSON representation of a user prompt.
type APIPrompt struct {
	ID             int64  `json:"id"`
	SessionID      string `json:"session_id"`
	PromptNumber   int    `json:"prompt_number"`
	Text           string `json:"text"`
	CreatedAtEpoch int64  `json:"created_at_epoch"`
}

// APIAnchor is the anchor reference in a timeline response.
type APIAnchor struct {
	ID             int64 `json:"id"`
	CreatedAtEpoch int64 `json:"created_at_epoch"`
}

// --- Converters ---

func toAPIObservation(o *db.Observation) APIObservation {
	return APIObservation{
		ID:             o.ID,
		SessionID:      o.SessionID,
		Project:        o.Project,
		Type:           o.Type,
		Title:          o.Title,
		Subtitle:       o.Subtitle,
		Snippet:        snippet(o.Text),
		Facts:          o.Facts,
		FilesRead:      o.FilesRead,
		FilesModified:  o.FilesModified,
		PromptNumber:   o.PromptNumber,
		CreatedAtEpoch: o.CreatedAtMs,
	}
}

func toAPIObservations(obs []db.Observation) []APIObservation {
	out := make([]APIObservation, len(obs))
	for i := range obs {
		out[i] = toAPIObservation(&obs[i])
	}
	return out
}

func toAPISearchResult(r *search.Result) APISearchResult {
	return APISearchResult{
		ID:             r.Observation.ID,
		Title:          r.Observation.Title,
		Subtitle:       r.Observation.Subtitle,
		Snippet:        snippet(r.Observation.Text),
		Type:           r.Observation.Type,
		PromptNumber:   r.Observation.PromptNumber,
		CreatedAtEpoch: r.Observation.CreatedAtMs,
		Similarity:     r.Score * 100,
		Scores: APIScores{
			Lexical:  r.Components.Lexical,
			Semantic: r.Components.Semantic,
			Recency:  r.Components.Recency,
		},
		Strategies: r.Strategies,
	}
}

func toAPIMemory(m *db.Memory) APIMemory {
	return APIMemory{
		ID:             m.ID,
		Project:        m.Project,
		Content:        m.Content,
		Summary:        m.Summary,
		Type:           m.Type,
		Tags:           m.Tags,
		Metadata:       m.Metadata,
		SessionID:      m.SessionID,
		CreatedAtEpoch: m.CreatedAtMs,
	}
}

func toAPIMemories(ms []db.Memory) []APIMemory {
	out := make([]APIMemory, len(ms))
	for i := range ms {
		out[i] = toAPIMemory(&ms[i])
	}
	return out
}

func toAPIPrompts(ps []db.UserPrompt) []APIPrompt {
	out := make([]APIPrompt, len(ps))
	for i, p := range ps {
		out[i] = APIPrompt{
			ID:             p.ID,
			SessionID:      p.SessionID,
			PromptNumber:   p.PromptNumber,
			Text:           p.Text,
			CreatedAtEpoch: p.CreatedAtMs,
		}
	}
	return out
}

func snippet(text string) string {
	if len(text) <= snippetLimit {
		return text
	}
	return text[:snippetLimit] + "…"
}
