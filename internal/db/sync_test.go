package db

import "testing"

func TestSyncStateRoundTrip(t *testing.T) {
	d := openTestDB(t)

	got, err := d.GetSyncState("chroma.cursor.proj-a", "0")
	if err != nil {
		t.Fatal(err)
	}
	if got != "0" {
		t.Errorf("expected fallback, got %q", got)
	}

	if err := d.SetSyncState("chroma.cursor.proj-a", "42"); err != nil {
		t.Fatal(err)
	}
	got, _ = d.GetSyncState("chroma.cursor.proj-a", "0")
	if got != "42" {
		t.Errorf("expected 42, got %q", got)
	}

	if err := d.SetSyncState("chroma.cursor.proj-a", "43"); err != nil {
		t.Fatal(err)
	}
	got, _ = d.GetSyncState("chroma.cursor.proj-a", "0")
	if got != "43" {
		t.Errorf("expected 43 after overwrite, got %q", got)
	}

	if err := d.DeleteSyncState("chroma.cursor.proj-a"); err != nil {
		t.Fatal(err)
	}
	got, _ = d.GetSyncState("chroma.cursor.proj-a", "0")
	if got != "0" {
		t.Errorf("expected fallback after delete, got %q", got)
	}
}

func TestSyncRunLifecycle(t *testing.T) {
	d := openTestDB(t)

	id, err := d.StartSyncRun("chroma", "proj-a")
	if err != nil {
		t.Fatal(err)
	}

	run, err := d.LastSyncRun()
	if err != nil {
		t.Fatal(err)
	}
	if run == nil || run.ID != id || run.Status != "running" {
		t.Fatalf("unexpected run: %+v", run)
	}

	if err := d.FinishSyncRun(id, "success", 10, 1, 2, 3, "ok"); err != nil {
		t.Fatal(err)
	}
	run, _ = d.LastSyncRun()
	if run.Status != "success" || run.SyncedCount != 10 || run.ConflictCount != 2 {
		t.Errorf("finish did not record counters: %+v", run)
	}
	if run.EndedAtMs == nil {
		t.Error("expected ended_at_ms set")
	}
}

func TestLastSyncRunEmpty(t *testing.T) {
	d := openTestDB(t)
	run, err := d.LastSyncRun()
	if err != nil {
		t.Fatal(err)
	}
	if run != nil {
		t.Errorf("expected nil with no runs, got %+v", run)
	}
}
