package db

import (
	"database/sql"
	"fmt"
)

// SyncRun records one replication pass to the external vector store.
type SyncRun struct {
	ID            int64
	Provider      string
	Project       *string
	Status        string
	SyncedCount   int
	FailedCount   int
	ConflictCount int
	RetryCount    int
	StartedAtMs   int64
	EndedAtMs     *int64
	Details       string
}

// GetSyncState returns the stored value for a state key, or fallback if the
// key is not set.
func (d *DB) GetSyncState(key, fallback string) (string, error) {
	var value string
	err := d.conn.QueryRow(`SELECT state_value FROM sync_state WHERE state_key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return fallback, nil
	}
	if err != nil {
		return "", fmt.Errorf("get sync state %q: %w", key, err)
	}
	return value, nil
}

// SetSyncState upserts a state key-value pair.
func (d *DB) SetSyncState(key, value string) error {
	_, err := d.execRetry(
		`INSERT INTO sync_state (state_key, state_value, updated_at_ms) VALUES (?, ?, ?)
		 ON CONFLICT(state_key) DO UPDATE SET state_value = excluded.state_value, updated_at_ms = excluded.updated_at_ms`,
		key, value, nowMs(),
	)
	if err != nil {
		return fmt.Errorf("set sync state %q: %w", key, err)
	}
	return nil
}

// DeleteSyncState removes a state key.
func (d *DB) DeleteSyncState(key string) error {
	_, err := d.execRetry(`DELETE FROM sync_state WHERE state_key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete sync state %q: %w", key, err)
	}
	return nil
}

// StartSyncRun opens a run row in running state and returns its id.
func (d *DB) StartSyncRun(provider, project string) (int64, error) {
	var proj any
	if project != "" {
		proj = project
	}
	res, err := d.execRetry(
		`INSERT INTO sync_runs (provider, project, status, started_at_ms) VALUES (?, ?, 'running', ?)`,
		provider, proj, nowMs(),
	)
	if err != nil {
		return 0, fmt.Errorf("start sync run: %w", err)
	}
	return res.LastInsertId()
}

// FinishSyncRun closes a run with its final status and counters.
func (d *DB) FinishSyncRun(id int64, status string, synced, failed, conflicts, retries int, details string) error {
	_, err := d.execRetry(
		`UPDATE sync_runs SET status = ?, synced_count = ?, failed_count = ?, conflict_count = ?, retry_count = ?, ended_at_ms = ?, details = ?
		 WHERE id = ?`,
		status, synced, failed, conflicts, retries, nowMs(), details, id,
	)
	if err != nil {
		return fmt.Errorf("finish sync run %d: %w", id, err)
	}
	return nil
}

// LastSyncRun returns the most recent run, or nil if none exist.
func (d *DB) LastSyncRun() (*SyncRun, error) {
	r := &SyncRun{}
	err := d.conn.QueryRow(
		`SELECT id, provider, project, status, synced_count, failed_count, conflict_count, retry_count, started_at_ms, ended_at_ms, details
		 FROM sync_runs ORDER BY id DESC LIMIT 1`,
	).Scan(&r.ID, &r.Provider, &r.Project, &r.Status, &r.SyncedCount, &r.FailedCount,
		&r.ConflictCount, &r.RetryCount, &r.StartedAtMs, &r.EndedAtMs, &r.Details)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last sync run: %w", err)
	}
	return r, nil
}
