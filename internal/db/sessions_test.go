package db

import "testing"

func TestSessionLifecycle(t *testing.T) {
	d := openTestDB(t)

	if err := d.UpsertSession("sess-1", "proj-a"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	s, err := d.GetSession("sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s == nil || s.Status != SessionActive || s.Project != "proj-a" {
		t.Fatalf("unexpected session: %+v", s)
	}

	if err := d.CompleteSession("sess-1", SessionCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}
	s, _ = d.GetSession("sess-1")
	if s.Status != SessionCompleted {
		t.Errorf("expected completed, got %s", s.Status)
	}
	if s.CompletedAtMs == nil {
		t.Error("expected completed_at_ms to be set")
	}
}

func TestCompleteSessionRejectsNonTerminalStatus(t *testing.T) {
	d := openTestDB(t)
	if err := d.UpsertSession("sess-1", "p"); err != nil {
		t.Fatal(err)
	}
	if err := d.CompleteSession("sess-1", "bogus"); err == nil {
		t.Error("expected error for non-terminal status")
	}
}

func TestGetSessionMissing(t *testing.T) {
	d := openTestDB(t)
	s, err := d.GetSession("nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s != nil {
		t.Errorf("expected nil for missing session, got %+v", s)
	}
}

func TestEnsureSessionDoesNotOverwrite(t *testing.T) {
	d := openTestDB(t)
	if err := d.UpsertSession("sess-1", "proj-a"); err != nil {
		t.Fatal(err)
	}
	if err := d.CompleteSession("sess-1", SessionCompleted); err != nil {
		t.Fatal(err)
	}
	// EnsureSession on an existing row must leave its status alone.
	if err := d.EnsureSession("sess-1", "proj-a"); err != nil {
		t.Fatal(err)
	}
	s, _ := d.GetSession("sess-1")
	if s.Status != SessionCompleted {
		t.Errorf("ensure overwrote status: %s", s.Status)
	}
}

func TestSummaryUpsert(t *testing.T) {
	d := openTestDB(t)
	if err := d.UpsertSession("sess-1", "p"); err != nil {
		t.Fatal(err)
	}

	sum := &Summary{
		SessionID:    "sess-1",
		Request:      "add caching",
		Investigated: "looked at the store",
		Learned:      "it has no cache",
	}
	if _, err := d.UpsertSummary(sum); err != nil {
		t.Fatalf("upsert summary: %v", err)
	}

	sum.Learned = "it has no cache layer at all"
	if _, err := d.UpsertSummary(sum); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := d.GetSummary("sess-1")
	if err != nil {
		t.Fatalf("get summary: %v", err)
	}
	if got.Learned != "it has no cache layer at all" {
		t.Errorf("upsert did not replace: %q", got.Learned)
	}
}
