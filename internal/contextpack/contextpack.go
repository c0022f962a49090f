// Package contextpack assembles recent memories into a token-budgeted
// markdown block for injection at session start.
package contextpack

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/opencode-mem/opencode-mem/internal/db"
)

// snippetLength caps how much of a memory without a summary is shown.
const snippetLength = 200

// Pack is the assembled context block.
type Pack struct {
	Markdown   string `json:"markdown"`
	TokenCount int    `json:"token_count"`
	Included   int    `json:"included"`
	Skipped    int    `json:"skipped"`
}

// Builder selects and formats memories under a token budget.
type Builder struct {
	store      *db.DB
	maxTokens  int
	maxEntries int
	maxAgeDays int
}

// NewBuilder creates a Builder. maxTokens and maxEntries bound the output;
// maxAgeDays bounds how stale an included memory may be.
func NewBuilder(store *db.DB, maxTokens, maxEntries, maxAgeDays int) *Builder {
	return &Builder{
		store:      store,
		maxTokens:  maxTokens,
		maxEntries: maxEntries,
		maxAgeDays: maxAgeDays,
	}
}

// Build assembles the context pack for a project, excluding memories saved
// by the session asking (it already knows them). Returns nil when nothing
// qualifies, so callers can skip injection entirely.
func (b *Builder) Build(project, excludeSessionID string) (*Pack, error) {
	memories, err := b.store.ListRecentMemories(project, excludeSessionID, b.maxAgeDays, b.maxEntries)
	if err != nil {
		return nil, fmt.Errorf("list recent memories: %w", err)
	}
	if len(memories) == 0 {
		return nil, nil
	}

	// The budget covers the memory lines only; the fixed header and
	// provenance wrapper are free.
	var entries strings.Builder
	used := 0
	included := 0
	skipped := 0
	for _, m := range memories {
		entry := formatEntry(&m)
		cost := EstimateTokens(entry)
		if used+cost > b.maxTokens {
			// Budget is cut at the first overflow, not backfilled with
			// smaller later entries, to keep newest-first ordering intact.
			skipped = len(memories) - included
			break
		}
		entries.WriteString(entry)
		used += cost
		included++
	}

	if included == 0 {
		return nil, nil
	}

	var sb strings.Builder
	sb.WriteString("## Relevant Project Context\n\n")
	sb.WriteString("Memories from previous sessions in this project:\n\n")
	sb.WriteString(entries.String())
	sb.WriteString(fmt.Sprintf("\n_%d memories from opencode-mem_\n", included))

	return &Pack{
		Markdown:   sb.String(),
		TokenCount: used,
		Included:   included,
		Skipped:    skipped,
	}, nil
}

func formatEntry(m *db.Memory) string {
	body := m.Summary
	if body == "" {
		body = m.Content
		if len(body) > snippetLength {
			body = body[:snippetLength] + "…"
		}
	}
	body = strings.ReplaceAll(body, "\n", " ")

	age := formatAge(m.CreatedAtMs)
	var tags string
	if len(m.Tags) > 0 {
		tags = " [" + strings.Join(m.Tags, ", ") + "]"
	}
	return fmt.Sprintf("[#%s] **%s**%s (%s): %s\n", m.ID, m.Type, tags, age, body)
}

func formatAge(createdAtMs int64) string {
	age := time.Since(time.UnixMilli(createdAtMs))
	switch {
	case age < time.Hour:
		return "just now"
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(age.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(age.Hours()/24))
	}
}

// EstimateTokens approximates the token cost of text as ceil(len/4).
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
)

// RenderHTML converts a pack's markdown to HTML for the preview endpoint.
func RenderHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return buf.String(), nil
}
