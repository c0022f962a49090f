package db

import "fmt"

// Counts is a snapshot of table sizes for /api/stats.
type Counts struct {
	Sessions     int64
	Observations int64
	Memories     int64
	Vectors      int64
	DeadLetters  int64
}

// GetCounts returns row counts for the primary tables.
func (d *DB) GetCounts() (Counts, error) {
	var c Counts
	tables := []struct {
		name string
		dest *int64
	}{
		{"sessions", &c.Sessions},
		{"observations", &c.Observations},
		{"memories", &c.Memories},
		{"vectors", &c.Vectors},
		{"dead_letters", &c.DeadLetters},
	}
	for _, t := range tables {
		if err := d.conn.QueryRow(`SELECT COUNT(*) FROM ` + t.name).Scan(t.dest); err != nil {
			return c, fmt.Errorf("count %s: %w", t.name, err)
		}
	}
	return c, nil
}

// CleanupResult reports what a cleanup pass removed (or would remove).
type CleanupResult struct {
	MemoriesRemoved int64
	DryRun          bool
}

// CleanupProject trims a project's memories to the newest maxMemories and
// drops memories older than maxAgeDays. With dryRun it only counts.
func (d *DB) CleanupProject(project string, maxMemories, maxAgeDays int, dryRun bool) (CleanupResult, error) {
	res := CleanupResult{DryRun: dryRun}

	conds := `project = ? AND (0 = 1`
	args := []any{project}
	if maxMemories > 0 {
		conds += ` OR id NOT IN (SELECT id FROM memories WHERE project = ? ORDER BY created_at_ms DESC LIMIT ?)`
		args = append(args, project, maxMemories)
	}
	if maxAgeDays > 0 {
		cutoff := nowMs() - int64(maxAgeDays)*24*60*60*1000
		conds += ` OR created_at_ms < ?`
		args = append(args, cutoff)
	}
	conds += `)`

	if dryRun {
		err := d.conn.QueryRow(`SELECT COUNT(*) FROM memories WHERE `+conds, args...).Scan(&res.MemoriesRemoved)
		if err != nil {
			return res, fmt.Errorf("cleanup count: %w", err)
		}
		return res, nil
	}

	r, err := d.execRetry(`DELETE FROM memories WHERE `+conds, args...)
	if err != nil {
		return res, fmt.Errorf("cleanup delete: %w", err)
	}
	res.MemoriesRemoved, _ = r.RowsAffected()
	return res, nil
}

// PurgeProject deletes all rows belonging to a project, honoring foreign-key
// dependency order. An empty project purges every table.
func (d *DB) PurgeProject(project string) error {
	type stmt struct {
		query string
		args  []any
	}
	var stmts []stmt
	if project == "" {
		for _, q := range []string{
			`DELETE FROM pending_messages`,
			`DELETE FROM processed_events`,
			`DELETE FROM user_prompts`,
			`DELETE FROM vectors`,
			`DELETE FROM memories`,
			`DELETE FROM observations`,
			`DELETE FROM summaries`,
			`DELETE FROM sessions`,
			`DELETE FROM sync_state`,
			`DELETE FROM sync_runs`,
			`DELETE FROM dead_letters`,
		} {
			stmts = append(stmts, stmt{query: q})
		}
	} else {
		stmts = []stmt{
			{`DELETE FROM user_prompts WHERE session_id IN (SELECT session_id FROM sessions WHERE project = ?)`, []any{project}},
			{`DELETE FROM vectors WHERE observation_id IN (SELECT id FROM observations WHERE project = ?)`, []any{project}},
			{`DELETE FROM memories WHERE project = ?`, []any{project}},
			{`DELETE FROM observations WHERE project = ?`, []any{project}},
			{`DELETE FROM summaries WHERE session_id IN (SELECT session_id FROM sessions WHERE project = ?)`, []any{project}},
			{`DELETE FROM sessions WHERE project = ?`, []any{project}},
			{`DELETE FROM sync_runs WHERE project = ?`, []any{project}},
		}
	}

	for _, s := range stmts {
		if _, err := d.execRetry(s.query, s.args...); err != nil {
			return fmt.Errorf("purge: %w", err)
		}
	}
	return nil
}
