package web

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/opencode-mem/opencode-mem/internal/config"
	"github.com/opencode-mem/opencode-mem/internal/contextpack"
	"github.com/opencode-mem/opencode-mem/internal/db"
	"github.com/opencode-mem/opencode-mem/internal/ingest"
	"github.com/opencode-mem/opencode-mem/internal/privacy"
	"github.com/opencode-mem/opencode-mem/internal/search"
)

// --- JSON Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[web] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	body := map[string]any{"success": false, "error": message}
	if code != "" {
		body["code"] = code
	}
	writeJSON(w, status, body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "BAD_REQUEST")
		return false
	}
	return true
}

func parseLimitOffset(r *http.Request, defaultLimit int) (limit, offset int, err error) {
	limit = defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			return 0, 0, fmt.Errorf("limit must be a non-negative integer")
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

func writePrivacyError(w http.ResponseWriter, err error) bool {
	var v *privacy.Violation
	if errors.As(err, &v) {
		writeError(w, http.StatusBadRequest, v.Message, v.Code)
		return true
	}
	return false
}

// --- Health & Stats ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type check struct {
		Name string `json:"name"`
		OK   bool   `json:"ok"`
		Info string `json:"info,omitempty"`
	}

	dbOK := s.deps.Store.Conn().Ping() == nil
	checks := []check{{Name: "database", OK: dbOK}}
	status := "ok"
	if !dbOK {
		status = "error"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"status":        status,
		"dbConnected":   dbOK,
		"vectorEnabled": s.deps.Replicator.Enabled(),
		"queueRunning":  true,
		"sseClients":    s.deps.Events.ClientCount(),
		"checks":        checks,
		"version":       config.Version,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.deps.Store.GetCounts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "database error", "")
		return
	}
	queueStats, err := s.deps.Store.GetQueueStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "database error", "")
		return
	}
	lastRun, err := s.deps.Store.LastSyncRun()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "database error", "")
		return
	}

	resp := map[string]any{
		"success":       true,
		"counts":        counts,
		"queue":         queueStats,
		"ingest":        s.deps.Ingest.Snapshot(),
		"routes":        s.latency.snapshot(),
		"uptimeSeconds": int64(time.Since(s.started).Seconds()),
	}
	if s.deps.Embed != nil {
		resp["embeddings"] = s.deps.Embed.Snapshot()
	}
	if lastRun != nil {
		resp["lastSync"] = lastRun
	}
	if diag := s.deps.Search.LastDiagnostics(); diag != nil {
		resp["lastSearch"] = diag
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Sessions ---

func (s *Server) handleSessionInit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
		Project   string `json:"project"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.Project == "" {
		writeError(w, http.StatusBadRequest, "sessionId and project are required", "BAD_REQUEST")
		return
	}
	if err := s.deps.Sessions.Init(req.SessionID, req.Project); err != nil {
		writeError(w, http.StatusInternalServerError, "database error", "")
		return
	}
	s.deps.Events.Broadcast("session_init", req.Project, req.SessionID, nil)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessionId": req.SessionID})
}

func (s *Server) handleSessionComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
		Project   string `json:"project"`
		Status    string `json:"status"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required", "BAD_REQUEST")
		return
	}
	if req.Status != "" && req.Status != db.SessionCompleted && req.Status != db.SessionFailed {
		writeError(w, http.StatusBadRequest, "status must be completed or failed", "BAD_REQUEST")
		return
	}

	existing, err := s.deps.Store.GetSession(req.SessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "database error", "")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "session not found", "")
		return
	}

	if err := s.deps.Sessions.Complete(r.Context(), req.SessionID, req.Status); err != nil {
		writeError(w, http.StatusInternalServerError, "database error", "")
		return
	}
	s.deps.Events.Broadcast("session_complete", existing.Project, req.SessionID, nil)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessionId": req.SessionID})
}

// --- Ingest ---

func (s *Server) handleEventsIngest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventType string          `json:"eventType"`
		SessionID string          `json:"sessionId"`
		Project   string          `json:"project"`
		Data      json.RawMessage `json:"data"`
		DedupKey  string          `json:"dedupKey"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	ev := &ingest.Event{
		Type:      req.EventType,
		SessionID: req.SessionID,
		Project:   req.Project,
		EventKey:  req.DedupKey,
	}
	switch req.EventType {
	case ingest.EventObservation:
		var payload ingest.ObservationPayload
		if len(req.Data) > 0 {
			if err := json.Unmarshal(req.Data, &payload); err != nil {
				writeError(w, http.StatusBadRequest, "invalid observation data", "BAD_REQUEST")
				return
			}
		}
		ev.Observation = &payload
	case ingest.EventUserPrompt:
		var payload struct {
			Prompt string `json:"prompt"`
			Text   string `json:"text"`
		}
		if len(req.Data) > 0 {
			if err := json.Unmarshal(req.Data, &payload); err != nil {
				writeError(w, http.StatusBadRequest, "invalid prompt data", "BAD_REQUEST")
				return
			}
		}
		ev.Prompt = payload.Prompt
		if ev.Prompt == "" {
			ev.Prompt = payload.Text
		}
	case ingest.EventSessionEnd:
		var payload struct {
			Status string `json:"status"`
		}
		if len(req.Data) > 0 {
			if err := json.Unmarshal(req.Data, &payload); err != nil {
				writeError(w, http.StatusBadRequest, "invalid session data", "BAD_REQUEST")
				return
			}
		}
		ev.Status = payload.Status
	}

	id, err := s.deps.Ingest.Enqueue(ev)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
		return
	}

	resp := map[string]any{
		"success":   true,
		"queued":    id != db.DuplicateID,
		"duplicate": id == db.DuplicateID,
	}
	if id != db.DuplicateID {
		resp["queueMessageId"] = id
	}
	if req.DedupKey != "" {
		resp["dedupKey"] = req.DedupKey
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Search & Timeline ---

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("query")
	if query == "" {
		writeError(w, http.StatusBadRequest, "query is required", "BAD_REQUEST")
		return
	}
	limit, offset, err := parseLimitOffset(r, 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
		return
	}

	settings := s.settings.get()
	opts := search.Options{
		Project:       q.Get("project"),
		Type:          q.Get("type"),
		DedupeByTitle: true,
		Limit:         limit,
		Offset:        offset,
		UseFTS:        settings.SearchUseFTS,
		UseSemantic:   settings.SearchUseSemantic,
	}
	if v := q.Get("dateStart"); v != "" {
		if opts.DateStartMs, err = strconv.ParseInt(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "dateStart must be epoch milliseconds", "BAD_REQUEST")
			return
		}
	}
	if v := q.Get("dateEnd"); v != "" {
		if opts.DateEndMs, err = strconv.ParseInt(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "dateEnd must be epoch milliseconds", "BAD_REQUEST")
			return
		}
	}

	start := time.Now()
	results, diag, err := s.deps.Search.Search(r.Context(), query, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "search failed", "")
		return
	}

	apiResults := make([]APISearchResult, len(results))
	strategies := make([]string, 0, len(diag.Strategies))
	for _, st := range diag.Strategies {
		strategies = append(strategies, st.Name)
	}
	for i := range results {
		apiResults[i] = toAPISearchResult(&results[i])
	}

	resp := map[string]any{
		"success":    true,
		"results":    apiResults,
		"total":      diag.Matched,
		"strategies": strategies,
		"timingMs":   time.Since(start).Milliseconds(),
	}
	if q.Get("includeDiagnostics") == "true" {
		resp["diagnostics"] = diag
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	project := q.Get("project")

	depthBefore, depthAfter := 3, 3
	var err error
	if v := q.Get("depth_before"); v != "" {
		if depthBefore, err = strconv.Atoi(v); err != nil || depthBefore < 0 {
			writeError(w, http.StatusBadRequest, "depth_before must be a non-negative integer", "BAD_REQUEST")
			return
		}
	}
	if v := q.Get("depth_after"); v != "" {
		if depthAfter, err = strconv.Atoi(v); err != nil || depthAfter < 0 {
			writeError(w, http.StatusBadRequest, "depth_after must be a non-negative integer", "BAD_REQUEST")
			return
		}
	}

	start := time.Now()
	var anchorID int64
	switch {
	case q.Get("anchor") != "":
		if anchorID, err = strconv.ParseInt(q.Get("anchor"), 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "anchor must be an observation id", "BAD_REQUEST")
			return
		}
	case q.Get("query") != "":
		anchorID, err = s.deps.Store.ResolveAnchor(q.Get("query"), project)
		if errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, http.StatusOK, map[string]any{
				"success":  true,
				"anchor":   nil,
				"before":   []APIObservation{},
				"after":    []APIObservation{},
				"prompts":  []APIPrompt{},
				"timingMs": time.Since(start).Milliseconds(),
			})
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "database error", "")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "anchor or query is required", "BAD_REQUEST")
		return
	}

	tl, err := s.deps.Store.GetTimeline(anchorID, depthBefore, depthAfter, project)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "database error", "")
		return
	}
	if tl == nil || tl.Anchor == nil {
		writeError(w, http.StatusNotFound, "anchor observation not found", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"anchor":   APIAnchor{ID: tl.Anchor.ID, CreatedAtEpoch: tl.Anchor.CreatedAtMs},
		"before":   toAPIObservations(tl.Before),
		"after":    toAPIObservations(tl.After),
		"prompts":  toAPIPrompts(tl.Prompts),
		"timingMs": time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleObservationsBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs     []int64 `json:"ids"`
		Project string  `json:"project"`
		OrderBy string  `json:"orderBy"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required", "BAD_REQUEST")
		return
	}
	if req.OrderBy != "" && req.OrderBy != "date" && req.OrderBy != "id" {
		writeError(w, http.StatusBadRequest, `orderBy must be "date" or "id"`, "BAD_REQUEST")
		return
	}

	start := time.Now()
	obs, err := s.deps.Store.GetObservations(req.IDs, req.Project, req.OrderBy)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "database error", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"observations": toAPIObservations(obs),
		"count":        len(obs),
		"timingMs":     time.Since(start).Milliseconds(),
	})
}

// --- Memories ---

func (s *Server) handleMemoryList(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
		return
	}
	memories, err := s.deps.Store.ListMemories(r.URL.Query().Get("project"), r.URL.Query().Get("type"), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "database error", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"memories": toAPIMemories(memories),
		"count":    len(memories),
	})
}

func (s *Server) handleMemorySave(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Project   string            `json:"project"`
		Content   string            `json:"content"`
		Summary   string            `json:"summary"`
		Type      string            `json:"type"`
		Tags      []string          `json:"tags"`
		Metadata  map[string]string `json:"metadata"`
		SessionID string            `json:"sessionId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Project == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "project and content are required", "BAD_REQUEST")
		return
	}

	settings := s.settings.get()
	filter := &privacy.Filter{
		StripPrivateTags: settings.StripPrivateTags,
		RedactSecrets:    settings.RedactSecrets,
	}
	content, warnings, err := filter.Sanitize(req.Content)
	if err != nil {
		if !writePrivacyError(w, err) {
			writeError(w, http.StatusInternalServerError, "sanitize failed", "")
		}
		return
	}

	m := &db.Memory{
		ID:       uuid.NewString(),
		Project:  req.Project,
		Content:  content,
		Summary:  req.Summary,
		Type:     req.Type,
		Tags:     req.Tags,
		Metadata: req.Metadata,
	}
	if m.Type == "" {
		m.Type = "note"
	}
	if req.SessionID != "" {
		m.SessionID = &req.SessionID
	}

	if err := s.deps.Store.InsertMemory(m); err != nil {
		writeError(w, http.StatusInternalServerError, "database error", "")
		return
	}
	s.deps.Events.Broadcast("memory_saved", req.Project, req.SessionID, map[string]any{"id": m.ID})

	resp := map[string]any{"success": true, "id": m.ID}
	if len(warnings) > 0 {
		resp["warnings"] = warnings
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMemoryDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	deleted, err := s.deps.Store.DeleteMemory(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "database error", "")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "memory not found", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}

func (s *Server) handleMemoryBySession(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("sessionId") == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required", "BAD_REQUEST")
		return
	}
	limit := 5
	if v := q.Get("limit"); v != "" {
		var err error
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", "BAD_REQUEST")
			return
		}
	}
	memories, err := s.deps.Store.ListMemoriesBySession(q.Get("sessionId"), q.Get("project"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "database error", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"memories": toAPIMemories(memories),
		"count":    len(memories),
	})
}

// --- Context injection ---

func (s *Server) contextBuilder(r *http.Request) (*contextpack.Builder, string, string, error) {
	q := r.URL.Query()
	project := q.Get("project")
	if project == "" {
		return nil, "", "", fmt.Errorf("project is required")
	}

	maxTokens := s.cfg.ContextMaxTokens
	maxMemories := s.cfg.ContextMaxMemories
	maxAgeDays := 30
	var err error
	if v := q.Get("maxTokens"); v != "" {
		if maxTokens, err = strconv.Atoi(v); err != nil || maxTokens <= 0 {
			return nil, "", "", fmt.Errorf("maxTokens must be a positive integer")
		}
	}
	if v := q.Get("maxMemories"); v != "" {
		if maxMemories, err = strconv.Atoi(v); err != nil || maxMemories <= 0 {
			return nil, "", "", fmt.Errorf("maxMemories must be a positive integer")
		}
	}
	if v := q.Get("maxAgeDays"); v != "" {
		if maxAgeDays, err = strconv.Atoi(v); err != nil || maxAgeDays <= 0 {
			return nil, "", "", fmt.Errorf("maxAgeDays must be a positive integer")
		}
	}
	return contextpack.NewBuilder(s.deps.Store, maxTokens, maxMemories, maxAgeDays), project, q.Get("sessionId"), nil
}

func (s *Server) handleContextInject(w http.ResponseWriter, r *http.Request) {
	builder, project, sessionID, err := s.contextBuilder(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
		return
	}

	pack, err := builder.Build(project, sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "database error", "")
		return
	}
	if pack == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true, "context": nil, "count": 0, "tokenEstimate": 0,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"context":       pack.Markdown,
		"count":         pack.Included,
		"tokenEstimate": pack.TokenCount,
	})
}

func (s *Server) handleContextPreview(w http.ResponseWriter, r *http.Request) {
	builder, project, sessionID, err := s.contextBuilder(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
		return
	}

	pack, err := builder.Build(project, sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "database error", "")
		return
	}
	markdown := ""
	if pack != nil {
		markdown = pack.Markdown
	}
	html, err := contextpack.RenderHTML(markdown)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "render failed", "")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, html)
}

// --- Diagnostics ---

func (s *Server) handleDiagnosticsQueue(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.GetQueueStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "database error", "")
		return
	}
	letters, err := s.deps.Store.ListDeadLetters(r.URL.Query().Get("queue"), 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "database error", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"queue":       stats,
		"ingest":      s.deps.Ingest.Snapshot(),
		"deadLetters": letters,
	})
}

func (s *Server) handleDiagnosticsSearch(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"diagnostics": s.deps.Search.LastDiagnostics(),
	})
}

func (s *Server) handleDiagnosticsSync(w http.ResponseWriter, r *http.Request) {
	lastRun, err := s.deps.Store.LastSyncRun()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "database error", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"enabled": s.deps.Replicator.Enabled(),
		"syncing": s.deps.Replicator.Syncing(),
		"lastRun": lastRun,
	})
}

func (s *Server) handleSyncReplay(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Replicator.Enabled() {
		writeError(w, http.StatusForbidden, "vector store replication is disabled", "")
		return
	}
	var req struct {
		Limit int `json:"limit"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}
	replayed, err := s.deps.Replicator.ReplayFailed(r.Context(), req.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "replay failed", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "replayed": replayed})
}

func (s *Server) handleEmbeddingsBackfill(w http.ResponseWriter, r *http.Request) {
	if s.deps.Embed == nil {
		writeError(w, http.StatusForbidden, "embeddings are disabled", "")
		return
	}
	var req struct {
		Limit int `json:"limit"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Limit <= 0 {
		req.Limit = 100
	}
	scheduled, err := s.deps.Embed.Backfill(req.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "backfill failed", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "scheduled": scheduled})
}

// --- Settings ---

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "settings": s.settings.get()})
}

func (s *Server) handleSettingsPost(w http.ResponseWriter, r *http.Request) {
	settings := s.settings.get()
	if !decodeBody(w, r, &settings) {
		return
	}
	s.settings.set(settings)
	if s.deps.Ingest != nil {
		// Queued events pick up the new toggles too, not just direct saves.
		s.deps.Ingest.SetFilter(&privacy.Filter{
			StripPrivateTags: settings.StripPrivateTags,
			RedactSecrets:    settings.RedactSecrets,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "settings": settings})
}

// --- Cleanup ---

func (s *Server) handleCleanupRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Project     string `json:"project"`
		MaxMemories int    `json:"maxMemories"`
		MaxAgeDays  int    `json:"maxAgeDays"`
		DryRun      bool   `json:"dryRun"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Project == "" {
		writeError(w, http.StatusBadRequest, "project is required", "BAD_REQUEST")
		return
	}

	res, err := s.deps.Store.CleanupProject(req.Project, req.MaxMemories, req.MaxAgeDays, req.DryRun)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "database error", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"memoriesRemoved": res.MemoriesRemoved,
		"dryRun":          res.DryRun,
	})
}

func (s *Server) handleCleanupPurge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Project string `json:"project"`
		Confirm bool   `json:"confirm"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if !req.Confirm {
		writeError(w, http.StatusBadRequest, "confirm must be true", "BAD_REQUEST")
		return
	}

	if err := s.deps.Store.PurgeProject(req.Project); err != nil {
		writeError(w, http.StatusInternalServerError, "database error", "")
		return
	}
	if req.Project != "" {
		if err := s.deps.Replicator.DeleteByProject(r.Context(), req.Project); err != nil {
			log.Printf("[web] purge remote for %s: %v", req.Project, err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
