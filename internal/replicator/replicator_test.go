package replicator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/opencode-mem/opencode-mem/internal/db"
)

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func insertObs(t *testing.T, d *db.DB, project, title, text string) int64 {
	t.Helper()
	if err := d.EnsureSession("s1", project); err != nil {
		t.Fatal(err)
	}
	id, err := d.InsertObservation(&db.Observation{
		SessionID:   "s1",
		Project:     project,
		Type:        "discovery",
		Title:       title,
		Text:        text,
		CreatedAtMs: time.Now().UnixMilli(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

// fakeStore records upserted ids and can fail a set number of requests.
type fakeStore struct {
	mu       sync.Mutex
	upserts  []string
	deletes  []map[string]string
	failNext int
	srv      *httptest.Server
}

func newFakeStore(t *testing.T) *fakeStore {
	t.Helper()
	f := &fakeStore{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failNext > 0 {
			f.failNext--
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if ids, ok := body["ids"].([]any); ok {
			for _, id := range ids {
				f.upserts = append(f.upserts, id.(string))
			}
		}
		if where, ok := body["where"].(map[string]any); ok {
			m := make(map[string]string, len(where))
			for k, v := range where {
				m[k] = v.(string)
			}
			f.deletes = append(f.deletes, m)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeStore) upsertedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.upserts...)
}

func newTestReplicator(t *testing.T, d *db.DB, f *fakeStore) *Replicator {
	t.Helper()
	return New(d, NewClient(f.srv.URL, "opencode-mem"))
}

func TestSyncReplicatesAndAdvancesCursor(t *testing.T) {
	d := openTestDB(t)
	f := newFakeStore(t)
	r := newTestReplicator(t, d, f)

	a := insertObs(t, d, "p", "first", "body one")
	b := insertObs(t, d, "p", "second", "body two")

	res, err := r.Sync(context.Background(), "p")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Synced != 2 {
		t.Errorf("expected 2 synced, got %+v", res)
	}
	ids := f.upsertedIDs()
	if len(ids) != 2 || ids[0] != strconv.FormatInt(a, 10) || ids[1] != strconv.FormatInt(b, 10) {
		t.Errorf("unexpected upserts: %v", ids)
	}

	// Second pass finds nothing new.
	res, err = r.Sync(context.Background(), "p")
	if err != nil {
		t.Fatal(err)
	}
	if res.Synced != 0 {
		t.Errorf("cursor did not advance: %+v", res)
	}

	run, _ := d.LastSyncRun()
	if run == nil || run.Status != "success" {
		t.Errorf("unexpected sync run: %+v", run)
	}
}

func TestSyncSkipsEmptyText(t *testing.T) {
	d := openTestDB(t)
	f := newFakeStore(t)
	r := newTestReplicator(t, d, f)

	insertObs(t, d, "p", "title only", "")

	res, err := r.Sync(context.Background(), "p")
	if err != nil {
		t.Fatal(err)
	}
	if res.Synced != 0 || len(f.upsertedIDs()) != 0 {
		t.Errorf("empty-text observation replicated: %+v", res)
	}
}

func TestSyncRetriesTransientFailure(t *testing.T) {
	d := openTestDB(t)
	f := newFakeStore(t)
	f.failNext = 1
	r := newTestReplicator(t, d, f)

	insertObs(t, d, "p", "t", "x")

	res, err := r.Sync(context.Background(), "p")
	if err != nil {
		t.Fatal(err)
	}
	if res.Synced != 1 || res.Retries != 1 {
		t.Errorf("expected retry then success, got %+v", res)
	}
}

func TestSyncDeadLettersAfterRetries(t *testing.T) {
	d := openTestDB(t)
	f := newFakeStore(t)
	f.failNext = 10
	r := newTestReplicator(t, d, f)

	id := insertObs(t, d, "p", "t", "x")

	res, err := r.Sync(context.Background(), "p")
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 {
		t.Errorf("expected 1 failed, got %+v", res)
	}
	letters, _ := d.ListDeadLetters("chroma_sync", 10)
	if len(letters) != 1 || letters[0].EntityID != strconv.FormatInt(id, 10) {
		t.Fatalf("unexpected dead letters: %+v", letters)
	}
}

func TestReplayFailed(t *testing.T) {
	d := openTestDB(t)
	f := newFakeStore(t)
	f.failNext = 10
	r := newTestReplicator(t, d, f)

	insertObs(t, d, "p", "t", "x")
	if _, err := r.Sync(context.Background(), "p"); err != nil {
		t.Fatal(err)
	}

	// Store is healthy again; replay clears the letter.
	f.mu.Lock()
	f.failNext = 0
	f.mu.Unlock()
	replayed, err := r.ReplayFailed(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if replayed != 1 {
		t.Errorf("expected 1 replayed, got %d", replayed)
	}
	letters, _ := d.ListDeadLetters("chroma_sync", 10)
	if len(letters) != 0 {
		t.Errorf("dead letter not cleared: %+v", letters)
	}
	if len(f.upsertedIDs()) != 1 {
		t.Errorf("replay did not upsert")
	}
}

func TestConflictCountedOnHashChange(t *testing.T) {
	d := openTestDB(t)
	f := newFakeStore(t)
	r := newTestReplicator(t, d, f)

	id := insertObs(t, d, "p", "t", "x")
	if _, err := r.Sync(context.Background(), "p"); err != nil {
		t.Fatal(err)
	}

	// Simulate drift: the stored hash no longer matches the content.
	hashKey := "chroma.hash.observation." + strconv.FormatInt(id, 10)
	if err := d.SetSyncState(hashKey, "stale"); err != nil {
		t.Fatal(err)
	}
	// Reset the cursor so the observation is revisited.
	if err := d.SetSyncState("chroma.cursor.p", "0"); err != nil {
		t.Fatal(err)
	}

	res, err := r.Sync(context.Background(), "p")
	if err != nil {
		t.Fatal(err)
	}
	if res.Conflicts != 1 || res.Synced != 1 {
		t.Errorf("expected conflict counted and upserted, got %+v", res)
	}
}

func TestDeleteByProject(t *testing.T) {
	d := openTestDB(t)
	f := newFakeStore(t)
	r := newTestReplicator(t, d, f)

	insertObs(t, d, "p", "t", "x")
	if _, err := r.Sync(context.Background(), "p"); err != nil {
		t.Fatal(err)
	}

	if err := r.DeleteByProject(context.Background(), "p"); err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	deletes := f.deletes
	f.mu.Unlock()
	if len(deletes) != 1 || deletes[0]["project"] != "p" {
		t.Errorf("unexpected deletes: %v", deletes)
	}

	// Cursor cleared, so the next sync re-replicates.
	res, err := r.Sync(context.Background(), "p")
	if err != nil {
		t.Fatal(err)
	}
	if res.Synced != 1 {
		t.Errorf("expected re-sync after cursor clear, got %+v", res)
	}
}

func TestDisabledReplicatorNoOps(t *testing.T) {
	d := openTestDB(t)
	r := New(d, nil)

	res, err := r.Sync(context.Background(), "p")
	if err != nil {
		t.Fatal(err)
	}
	if res.Synced != 0 {
		t.Errorf("disabled replicator synced: %+v", res)
	}
	if r.Enabled() {
		t.Error("expected disabled")
	}
}
