package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// Memory is a free-form knowledge item for a project, possibly handwritten.
// The context injection path reads memories, not observations.
type Memory struct {
	ID          string
	Project     string
	Content     string
	Summary     string
	Type        string
	Tags        []string
	Metadata    map[string]string
	SessionID   *string
	CreatedAtMs int64
}

const memoryColumns = `id, project, content, summary, type, tags, metadata, session_id, created_at_ms`

func scanMemory(scanner interface{ Scan(...any) error }, m *Memory) error {
	var tags, metadata sql.NullString
	if err := scanner.Scan(&m.ID, &m.Project, &m.Content, &m.Summary, &m.Type,
		&tags, &metadata, &m.SessionID, &m.CreatedAtMs); err != nil {
		return err
	}
	m.Tags = decodeStringList(tags)
	if metadata.Valid && metadata.String != "" {
		_ = json.Unmarshal([]byte(metadata.String), &m.Metadata)
	}
	return nil
}

// InsertMemory stores a memory record.
func (d *DB) InsertMemory(m *Memory) error {
	if m.CreatedAtMs == 0 {
		m.CreatedAtMs = nowMs()
	}
	var metadata any
	if len(m.Metadata) > 0 {
		data, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("encode memory metadata: %w", err)
		}
		metadata = string(data)
	}
	_, err := d.execRetry(
		`INSERT INTO memories (id, project, content, summary, type, tags, metadata, session_id, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Project, m.Content, m.Summary, m.Type, encodeStringList(m.Tags), metadata, m.SessionID, m.CreatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("insert memory %q: %w", m.ID, err)
	}
	return nil
}

// GetMemory retrieves a single memory by id, or nil.
func (d *DB) GetMemory(id string) (*Memory, error) {
	m := &Memory{}
	row := d.conn.QueryRow(`SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	if err := scanMemory(row, m); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get memory %q: %w", id, err)
	}
	return m, nil
}

// DeleteMemory removes a memory by id. Returns true if a row was deleted.
func (d *DB) DeleteMemory(id string) (bool, error) {
	res, err := d.execRetry(`DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete memory %q: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListMemories returns memories with optional project and type filters,
// newest first.
func (d *DB) ListMemories(project, memType string, limit, offset int) ([]Memory, error) {
	query := `SELECT ` + memoryColumns + ` FROM memories WHERE 1=1`
	var args []any
	if project != "" {
		query += ` AND project = ?`
		args = append(args, project)
	}
	if memType != "" {
		query += ` AND type = ?`
		args = append(args, memType)
	}
	query += ` ORDER BY created_at_ms DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	return collectMemories(rows)
}

// ListMemoriesBySession returns a session's memories for a project, newest
// first.
func (d *DB) ListMemoriesBySession(sessionID, project string, limit int) ([]Memory, error) {
	rows, err := d.conn.Query(
		`SELECT `+memoryColumns+` FROM memories
		 WHERE session_id = ? AND project = ?
		 ORDER BY created_at_ms DESC LIMIT ?`,
		sessionID, project, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list memories by session: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	return collectMemories(rows)
}

// ListRecentMemories is the context-injection query: a project's memories,
// newest first, optionally excluding one session and capping age.
func (d *DB) ListRecentMemories(project, excludeSessionID string, maxAgeDays, limit int) ([]Memory, error) {
	query := `SELECT ` + memoryColumns + ` FROM memories WHERE project = ?`
	args := []any{project}
	if excludeSessionID != "" {
		query += ` AND (session_id IS NULL OR session_id != ?)`
		args = append(args, excludeSessionID)
	}
	if maxAgeDays > 0 {
		cutoff := nowMs() - int64(maxAgeDays)*24*60*60*1000
		query += ` AND created_at_ms >= ?`
		args = append(args, cutoff)
	}
	query += ` ORDER BY created_at_ms DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list recent memories: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	return collectMemories(rows)
}

func collectMemories(rows *sql.Rows) ([]Memory, error) {
	var out []Memory
	for rows.Next() {
		var m Memory
		if err := scanMemory(rows, &m); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
