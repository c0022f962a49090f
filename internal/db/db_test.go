package db

import (
	"path/filepath"
	"testing"
)

// openTestDB creates a migrated database in a temp directory.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestOpenRunsMigrations(t *testing.T) {
	d := openTestDB(t)

	// Every table the migrations create should exist.
	tables := []string{
		"sessions", "user_prompts", "observations", "memories", "summaries",
		"pending_messages", "processed_events", "dead_letters",
		"vectors", "sync_state", "sync_runs",
	}
	for _, table := range tables {
		var name string
		err := d.conn.QueryRow(
			`SELECT name FROM sqlite_master WHERE type='table' AND name = ?`, table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}

	var name string
	err := d.conn.QueryRow(
		`SELECT name FROM sqlite_master WHERE name = 'observations_fts'`,
	).Scan(&name)
	if err != nil {
		t.Errorf("observations_fts missing: %v", err)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	d1, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	d1.Close()

	d2, err := Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	d2.Close()
}
