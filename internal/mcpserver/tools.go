package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/opencode-mem/opencode-mem/internal/db"
	"github.com/opencode-mem/opencode-mem/internal/search"
)

// --- Tool Definitions ---

func searchMemoryTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"search_memory",
		"Search past observations and decisions across sessions. Combines full-text, semantic, and recency ranking.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {
					"type": "string",
					"description": "Free-text search query"
				},
				"project": {
					"type": "string",
					"description": "Project to search within (optional, defaults to the configured project)"
				},
				"type": {
					"type": "string",
					"description": "Restrict to one observation type (optional)"
				},
				"limit": {
					"type": "integer",
					"description": "Maximum results to return (default: 10)"
				}
			},
			"required": ["query"]
		}`),
	)
}

func getTimelineTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"get_timeline",
		"Fetch the observations surrounding an anchor, with the user prompts that produced them.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"anchor": {
					"type": "integer",
					"description": "Anchor observation id"
				},
				"query": {
					"type": "string",
					"description": "Free-text query to resolve the anchor when no id is given"
				},
				"project": {
					"type": "string",
					"description": "Project to search within (optional)"
				},
				"depth_before": {
					"type": "integer",
					"description": "Observations to include before the anchor (default: 3)"
				},
				"depth_after": {
					"type": "integer",
					"description": "Observations to include after the anchor (default: 3)"
				}
			}
		}`),
	)
}

func saveMemoryTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"save_memory",
		"Persist a durable memory for future sessions. Content passes the privacy filter before it is stored.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"project": {
					"type": "string",
					"description": "Project the memory belongs to"
				},
				"content": {
					"type": "string",
					"description": "Memory content (markdown)"
				},
				"summary": {
					"type": "string",
					"description": "One-line summary (optional)"
				},
				"type": {
					"type": "string",
					"description": "Memory type, e.g. decision, preference, note (default: note)"
				},
				"tags": {
					"type": "array",
					"items": {"type": "string"},
					"description": "Tags for retrieval boosting (optional)"
				}
			},
			"required": ["content"]
		}`),
	)
}

// --- Tool Handlers ---

// searchArgs mirrors the JSON schema for search_memory.
type searchArgs struct {
	Query   string `json:"query"`
	Project string `json:"project"`
	Type    string `json:"type"`
	Limit   int    `json:"limit"`
}

// searchHit is one entry in the search_memory response.
type searchHit struct {
	ID      int64   `json:"id"`
	Type    string  `json:"type"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

func (s *Server) handleSearchMemory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args searchArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.Query == "" {
		return mcp.NewToolResultError("query is required"), nil
	}
	if args.Limit <= 0 {
		args.Limit = 10
	}
	project := args.Project
	if project == "" {
		project = s.defaultProject
	}

	results, _, err := s.searcher.Search(ctx, args.Query, search.Options{
		Project:       project,
		Type:          args.Type,
		DedupeByTitle: true,
		Limit:         args.Limit,
		UseFTS:        true,
		UseSemantic:   true,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search: %v", err)), nil
	}

	hits := make([]searchHit, len(results))
	for i, r := range results {
		snippet := r.Observation.Text
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		hits[i] = searchHit{
			ID:      r.Observation.ID,
			Type:    r.Observation.Type,
			Title:   r.Observation.Title,
			Snippet: snippet,
			Score:   r.Score,
		}
	}
	return resultJSON(hits)
}

// timelineArgs mirrors the JSON schema for get_timeline.
type timelineArgs struct {
	Anchor      int64  `json:"anchor"`
	Query       string `json:"query"`
	Project     string `json:"project"`
	DepthBefore int    `json:"depth_before"`
	DepthAfter  int    `json:"depth_after"`
}

// timelineEntry is one observation in the get_timeline response.
type timelineEntry struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
}

// timelineResult mirrors the get_timeline response.
type timelineResult struct {
	Anchor  *timelineEntry  `json:"anchor"`
	Before  []timelineEntry `json:"before"`
	After   []timelineEntry `json:"after"`
	Prompts []string        `json:"prompts"`
}

func (s *Server) handleGetTimeline(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args timelineArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.Anchor == 0 && args.Query == "" {
		return mcp.NewToolResultError("anchor or query is required"), nil
	}
	project := args.Project
	if project == "" {
		project = s.defaultProject
	}
	if args.DepthBefore <= 0 {
		args.DepthBefore = 3
	}
	if args.DepthAfter <= 0 {
		args.DepthAfter = 3
	}

	anchorID := args.Anchor
	if anchorID == 0 {
		var err error
		anchorID, err = s.store.ResolveAnchor(args.Query, project)
		if err != nil {
			return resultJSON(timelineResult{Before: []timelineEntry{}, After: []timelineEntry{}, Prompts: []string{}})
		}
	}

	tl, err := s.store.GetTimeline(anchorID, args.DepthBefore, args.DepthAfter, project)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get timeline: %v", err)), nil
	}
	if tl == nil || tl.Anchor == nil {
		return mcp.NewToolResultError(fmt.Sprintf("observation %d not found", anchorID)), nil
	}

	res := timelineResult{
		Anchor:  &timelineEntry{ID: tl.Anchor.ID, Type: tl.Anchor.Type, Title: tl.Anchor.Title},
		Before:  make([]timelineEntry, len(tl.Before)),
		After:   make([]timelineEntry, len(tl.After)),
		Prompts: make([]string, len(tl.Prompts)),
	}
	for i, o := range tl.Before {
		res.Before[i] = timelineEntry{ID: o.ID, Type: o.Type, Title: o.Title}
	}
	for i, o := range tl.After {
		res.After[i] = timelineEntry{ID: o.ID, Type: o.Type, Title: o.Title}
	}
	for i, p := range tl.Prompts {
		res.Prompts[i] = p.Text
	}
	return resultJSON(res)
}

// saveArgs mirrors the JSON schema for save_memory.
type saveArgs struct {
	Project string   `json:"project"`
	Content string   `json:"content"`
	Summary string   `json:"summary"`
	Type    string   `json:"type"`
	Tags    []string `json:"tags"`
}

// saveResult is the success response for save_memory.
type saveResult struct {
	ID       string   `json:"id"`
	Warnings []string `json:"warnings,omitempty"`
}

func (s *Server) handleSaveMemory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args saveArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.Content == "" {
		return mcp.NewToolResultError("content is required"), nil
	}
	project := args.Project
	if project == "" {
		project = s.defaultProject
	}
	if project == "" {
		return mcp.NewToolResultError("project is required (or set OPENCODEMEM_PROJECT)"), nil
	}

	content, warnings, err := s.filter.Sanitize(args.Content)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("privacy filter rejected content: %v", err)), nil
	}

	m := &db.Memory{
		ID:      uuid.NewString(),
		Project: project,
		Content: content,
		Summary: args.Summary,
		Type:    args.Type,
		Tags:    args.Tags,
	}
	if m.Type == "" {
		m.Type = "note"
	}
	if err := s.store.InsertMemory(m); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("save memory: %v", err)), nil
	}

	log.Printf("[mcp] saved memory %s for %s", m.ID, project)
	return resultJSON(saveResult{ID: m.ID, Warnings: warnings})
}

// resultJSON marshals v to JSON and returns it as a tool result.
func resultJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
