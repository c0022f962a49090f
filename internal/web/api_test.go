package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opencode-mem/opencode-mem/internal/config"
	"github.com/opencode-mem/opencode-mem/internal/db"
	"github.com/opencode-mem/opencode-mem/internal/hub"
	"github.com/opencode-mem/opencode-mem/internal/ingest"
	"github.com/opencode-mem/opencode-mem/internal/privacy"
	"github.com/opencode-mem/opencode-mem/internal/rank"
	"github.com/opencode-mem/opencode-mem/internal/replicator"
	"github.com/opencode-mem/opencode-mem/internal/search"
	"github.com/opencode-mem/opencode-mem/internal/session"
)

type testEnv struct {
	server *Server
	store  *db.DB
	ingest *ingest.Processor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		Port:               4747,
		StripPrivateTags:   true,
		RedactSecrets:      true,
		ContextMaxTokens:   2000,
		ContextMaxMemories: 10,
		SearchUseFTS:       true,
		SearchUseSemantic:  false,
		SSEEnabled:         true,
	}

	events := hub.New()
	t.Cleanup(events.CloseAll)
	sessions := session.NewService(store, "")
	filter := privacy.NewFilter()
	proc := ingest.New(store, filter, sessions, nil, events, ingest.Config{})
	searcher := search.New(store, nil, rank.New(rank.DefaultWeights))
	repl := replicator.New(store, nil)

	s := New(cfg, Deps{
		Store:      store,
		Ingest:     proc,
		Search:     searcher,
		Sessions:   sessions,
		Replicator: repl,
		Events:     events,
	})
	return &testEnv{server: s, store: store, ingest: proc}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	var decoded map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, decoded
}

// ingestObservation queues an observation event and runs one tick so the
// observation lands in the store.
func (e *testEnv) ingestObservation(t *testing.T, sessionID, project, title, text string) {
	t.Helper()
	rec, body := e.do(t, http.MethodPost, "/api/events/ingest", map[string]any{
		"eventType": "observation",
		"sessionId": sessionID,
		"project":   project,
		"data": map[string]any{
			"type":  "discovery",
			"title": title,
			"text":  text,
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest status = %d, body %v", rec.Code, body)
	}
	e.ingest.Tick(context.Background())
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec, body := env.do(t, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["success"] != true || body["status"] != "ok" {
		t.Fatalf("unexpected health body: %v", body)
	}
	if body["dbConnected"] != true {
		t.Fatalf("expected dbConnected true, got %v", body)
	}
	if body["vectorEnabled"] != false {
		t.Fatalf("expected vectorEnabled false without a client, got %v", body)
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)
	rec, body := env.do(t, http.MethodGet, "/api/nonsense", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["success"] != false {
		t.Fatalf("expected success false, got %v", body)
	}
}

func TestIngestValidation(t *testing.T) {
	env := newTestEnv(t)
	rec, body := env.do(t, http.MethodPost, "/api/events/ingest", map[string]any{
		"eventType": "bogus",
		"sessionId": "s1",
		"project":   "demo",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["code"] != "BAD_REQUEST" {
		t.Fatalf("expected BAD_REQUEST code, got %v", body)
	}
}

func TestIngestQueuesAndDeduplicates(t *testing.T) {
	env := newTestEnv(t)
	payload := map[string]any{
		"eventType": "observation",
		"sessionId": "s1",
		"project":   "demo",
		"dedupKey":  "once",
		"data":      map[string]any{"type": "discovery", "title": "T", "text": "body"},
	}

	rec, body := env.do(t, http.MethodPost, "/api/events/ingest", payload)
	if rec.Code != http.StatusOK || body["queued"] != true || body["duplicate"] != false {
		t.Fatalf("first enqueue: status %d body %v", rec.Code, body)
	}
	if _, ok := body["queueMessageId"]; !ok {
		t.Fatalf("expected queueMessageId, got %v", body)
	}

	env.ingest.Tick(context.Background())

	rec, body = env.do(t, http.MethodPost, "/api/events/ingest", payload)
	if rec.Code != http.StatusOK || body["duplicate"] != true {
		t.Fatalf("second enqueue should be duplicate: status %d body %v", rec.Code, body)
	}
}

func TestSearchEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.ingestObservation(t, "s1", "demo", "Fixed login redirect", "The OAuth redirect loop came from a stale cookie")
	env.ingestObservation(t, "s1", "demo", "Schema migration", "Added the vectors table")

	rec, body := env.do(t, http.MethodGet, "/api/search?query=redirect&project=demo", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %v", rec.Code, body)
	}
	results, ok := body["results"].([]any)
	if !ok || len(results) != 1 {
		t.Fatalf("expected one result, got %v", body)
	}
	first := results[0].(map[string]any)
	if first["title"] != "Fixed login redirect" {
		t.Fatalf("unexpected hit: %v", first)
	}
	if _, ok := body["diagnostics"]; ok {
		t.Fatalf("diagnostics should be omitted unless requested")
	}

	rec, body = env.do(t, http.MethodGet, "/api/search?query=redirect&includeDiagnostics=true", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if _, ok := body["diagnostics"]; !ok {
		t.Fatalf("expected diagnostics, got %v", body)
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	env := newTestEnv(t)
	rec, body := env.do(t, http.MethodGet, "/api/search", nil)
	if rec.Code != http.StatusBadRequest || body["code"] != "BAD_REQUEST" {
		t.Fatalf("status %d body %v", rec.Code, body)
	}
}

func TestTimelineByQuery(t *testing.T) {
	env := newTestEnv(t)
	env.ingestObservation(t, "s1", "demo", "first step", "alpha")
	env.ingestObservation(t, "s1", "demo", "anchor step", "bravo")
	env.ingestObservation(t, "s1", "demo", "third step", "charlie")

	rec, body := env.do(t, http.MethodGet, "/api/timeline?query=anchor&project=demo", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %v", rec.Code, body)
	}
	if body["anchor"] == nil {
		t.Fatalf("expected anchor, got %v", body)
	}
	before := body["before"].([]any)
	after := body["after"].([]any)
	if len(before) != 1 || len(after) != 1 {
		t.Fatalf("expected 1 before / 1 after, got %d / %d", len(before), len(after))
	}
}

func TestTimelineNoMatch(t *testing.T) {
	env := newTestEnv(t)
	rec, body := env.do(t, http.MethodGet, "/api/timeline?query=nothing", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["anchor"] != nil {
		t.Fatalf("expected null anchor, got %v", body)
	}
}

func TestMemorySaveListDelete(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodPost, "/api/memory/save", map[string]any{
		"project": "demo",
		"content": "Deploys run from the release branch",
		"type":    "decision",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("save status = %d body %v", rec.Code, body)
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatalf("expected memory id, got %v", body)
	}

	rec, body = env.do(t, http.MethodGet, "/api/memory/list?project=demo", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	memories := body["memories"].([]any)
	if len(memories) != 1 {
		t.Fatalf("expected one memory, got %v", body)
	}

	rec, _ = env.do(t, http.MethodDelete, "/api/memory/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec, _ = env.do(t, http.MethodDelete, "/api/memory/"+id, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d", rec.Code)
	}
}

func TestMemorySaveRedactsSecrets(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodPost, "/api/memory/save", map[string]any{
		"project": "demo",
		"content": "Token is sk-abcdefghijklmnopqrstuvwxyz0123456789",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %v", rec.Code, body)
	}
	if _, ok := body["warnings"]; !ok {
		t.Fatalf("expected redaction warnings, got %v", body)
	}

	_, body = env.do(t, http.MethodGet, "/api/memory/list?project=demo", nil)
	stored := body["memories"].([]any)[0].(map[string]any)["content"].(string)
	if strings.Contains(stored, "sk-abc") {
		t.Fatalf("secret not redacted: %q", stored)
	}
}

func TestContextInjectExcludesCurrentSession(t *testing.T) {
	env := newTestEnv(t)

	save := func(sessionID, content string) {
		rec, body := env.do(t, http.MethodPost, "/api/memory/save", map[string]any{
			"project":   "demo",
			"content":   content,
			"sessionId": sessionID,
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("save: status %d body %v", rec.Code, body)
		}
	}
	save("old-session", "Build uses make targets")
	save("current-session", "Currently editing the parser")

	rec, body := env.do(t, http.MethodGet, "/api/context/inject?project=demo&sessionId=current-session", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %v", rec.Code, body)
	}
	ctxText, _ := body["context"].(string)
	if !strings.Contains(ctxText, "make targets") {
		t.Fatalf("expected prior-session memory in context: %q", ctxText)
	}
	if strings.Contains(ctxText, "editing the parser") {
		t.Fatalf("current session memory must be excluded: %q", ctxText)
	}
	if body["count"] != float64(1) {
		t.Fatalf("expected count 1, got %v", body["count"])
	}
}

func TestContextInjectEmptyProject(t *testing.T) {
	env := newTestEnv(t)
	rec, body := env.do(t, http.MethodGet, "/api/context/inject?project=empty", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["context"] != nil || body["count"] != float64(0) {
		t.Fatalf("expected null context for empty project, got %v", body)
	}
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec, _ := env.do(t, http.MethodPost, "/api/sessions/init", map[string]any{
		"sessionId": "s1", "project": "demo",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("init status = %d", rec.Code)
	}

	rec, _ = env.do(t, http.MethodPost, "/api/sessions/complete", map[string]any{
		"sessionId": "s1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("complete status = %d", rec.Code)
	}

	rec, _ = env.do(t, http.MethodPost, "/api/sessions/complete", map[string]any{
		"sessionId": "ghost",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("completing unknown session: status = %d", rec.Code)
	}
}

func TestSettingsToggleDisablesSSE(t *testing.T) {
	env := newTestEnv(t)

	_, body := env.do(t, http.MethodGet, "/api/settings", nil)
	settings := body["settings"].(map[string]any)
	if settings["sse_enabled"] != true {
		t.Fatalf("expected sse enabled by default: %v", settings)
	}

	settings["sse_enabled"] = false
	rec, _ := env.do(t, http.MethodPost, "/api/settings", settings)
	if rec.Code != http.StatusOK {
		t.Fatalf("post settings status = %d", rec.Code)
	}

	rec, _ = env.do(t, http.MethodGet, "/api/stream", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("stream with sse disabled: status = %d", rec.Code)
	}
}

func TestCleanupPurgeRequiresConfirm(t *testing.T) {
	env := newTestEnv(t)
	env.ingestObservation(t, "s1", "demo", "keep", "body")

	rec, body := env.do(t, http.MethodPost, "/api/cleanup/purge", map[string]any{
		"project": "demo",
	})
	if rec.Code != http.StatusBadRequest || body["code"] != "BAD_REQUEST" {
		t.Fatalf("unconfirmed purge: status %d body %v", rec.Code, body)
	}

	rec, _ = env.do(t, http.MethodPost, "/api/cleanup/purge", map[string]any{
		"project": "demo", "confirm": true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("purge status = %d", rec.Code)
	}

	counts, err := env.store.GetCounts()
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Observations != 0 {
		t.Fatalf("expected observations purged, got %d", counts.Observations)
	}
}

func TestCleanupRunDryRun(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.do(t, http.MethodPost, "/api/memory/save", map[string]any{
			"project": "demo",
			"content": fmt.Sprintf("memory %d", i),
		})
	}

	rec, body := env.do(t, http.MethodPost, "/api/cleanup/run", map[string]any{
		"project": "demo", "maxMemories": 1, "dryRun": true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["memoriesRemoved"] != float64(2) || body["dryRun"] != true {
		t.Fatalf("unexpected dry-run result: %v", body)
	}

	_, body = env.do(t, http.MethodGet, "/api/memory/list?project=demo", nil)
	if len(body["memories"].([]any)) != 3 {
		t.Fatalf("dry run must not delete")
	}
}

func TestSyncReplayDisabled(t *testing.T) {
	env := newTestEnv(t)
	rec, _ := env.do(t, http.MethodPost, "/api/diagnostics/sync/replay", map[string]any{"limit": 5})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("replay without vector store: status = %d", rec.Code)
	}
}

func TestEmbeddingsBackfillDisabled(t *testing.T) {
	env := newTestEnv(t)
	rec, _ := env.do(t, http.MethodPost, "/api/embeddings/backfill", map[string]any{"limit": 5})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("backfill without embedder: status = %d", rec.Code)
	}
}

func TestWriteRateLimit(t *testing.T) {
	env := newTestEnv(t)
	env.server.limiter = newRateLimiter(2, 0.001)

	for i := 0; i < 2; i++ {
		rec, _ := env.do(t, http.MethodPost, "/api/sessions/init", map[string]any{
			"sessionId": fmt.Sprintf("s%d", i), "project": "demo",
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	rec, _ := env.do(t, http.MethodPost, "/api/sessions/init", map[string]any{
		"sessionId": "s3", "project": "demo",
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestObservationsBatch(t *testing.T) {
	env := newTestEnv(t)
	env.ingestObservation(t, "s1", "demo", "one", "alpha")
	env.ingestObservation(t, "s1", "demo", "two", "bravo")

	rec, body := env.do(t, http.MethodPost, "/api/observations/batch", map[string]any{
		"ids": []int64{1, 2}, "orderBy": "id",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %v", rec.Code, body)
	}
	if body["count"] != float64(2) {
		t.Fatalf("expected 2 observations, got %v", body)
	}

	rec, _ = env.do(t, http.MethodPost, "/api/observations/batch", map[string]any{"ids": []int64{}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty ids: status = %d", rec.Code)
	}
}
