package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// Observation is an append-only, typed record of something noteworthy that
// happened during a session. Rows are never mutated after insert.
type Observation struct {
	ID            int64
	SessionID     string
	Project       string
	Type          string
	Title         string
	Subtitle      *string
	Text          string
	Facts         []string
	FilesRead     []string
	FilesModified []string
	PromptNumber  int
	CreatedAtMs   int64
}

// UserPrompt is one prompt the user issued within a session.
type UserPrompt struct {
	ID           int64
	SessionID    string
	PromptNumber int
	Text         string
	CreatedAtMs  int64
}

const obsColumns = `id, session_id, project, type, title, subtitle, text, facts, files_read, files_modified, prompt_number, created_at_ms`

func scanObservation(scanner interface{ Scan(...any) error }, o *Observation) error {
	var facts, filesRead, filesModified sql.NullString
	if err := scanner.Scan(&o.ID, &o.SessionID, &o.Project, &o.Type, &o.Title, &o.Subtitle,
		&o.Text, &facts, &filesRead, &filesModified, &o.PromptNumber, &o.CreatedAtMs); err != nil {
		return err
	}
	o.Facts = decodeStringList(facts)
	o.FilesRead = decodeStringList(filesRead)
	o.FilesModified = decodeStringList(filesModified)
	return nil
}

func decodeStringList(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil
	}
	return out
}

func encodeStringList(list []string) any {
	if len(list) == 0 {
		return nil
	}
	data, err := json.Marshal(list)
	if err != nil {
		return nil
	}
	return string(data)
}

// InsertObservation appends one observation row. The FTS mirror is kept in
// sync by triggers; callers are responsible for sanitizing text beforehand
// and for enqueueing the embedding afterwards.
func (d *DB) InsertObservation(o *Observation) (int64, error) {
	if o.CreatedAtMs == 0 {
		o.CreatedAtMs = nowMs()
	}
	res, err := d.execRetry(
		`INSERT INTO observations (session_id, project, type, title, subtitle, text, facts, files_read, files_modified, prompt_number, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.SessionID, o.Project, o.Type, o.Title, o.Subtitle, o.Text,
		encodeStringList(o.Facts), encodeStringList(o.FilesRead), encodeStringList(o.FilesModified),
		o.PromptNumber, o.CreatedAtMs,
	)
	if err != nil {
		return 0, fmt.Errorf("insert observation: %w", err)
	}
	return res.LastInsertId()
}

// InsertUserPrompt appends a prompt, assigning the next prompt_number within
// the session.
func (d *DB) InsertUserPrompt(sessionID, text string) (*UserPrompt, error) {
	p := &UserPrompt{SessionID: sessionID, Text: text, CreatedAtMs: nowMs()}
	res, err := d.execRetry(
		`INSERT INTO user_prompts (session_id, prompt_number, text, created_at_ms)
		 VALUES (?, (SELECT COALESCE(MAX(prompt_number), 0) + 1 FROM user_prompts WHERE session_id = ?), ?, ?)`,
		sessionID, sessionID, text, p.CreatedAtMs,
	)
	if err != nil {
		return nil, fmt.Errorf("insert user prompt: %w", err)
	}
	p.ID, _ = res.LastInsertId()
	err = d.conn.QueryRow(
		`SELECT prompt_number FROM user_prompts WHERE id = ?`, p.ID,
	).Scan(&p.PromptNumber)
	if err != nil {
		return nil, fmt.Errorf("read prompt number: %w", err)
	}
	return p, nil
}

// GetObservation retrieves a single observation by id, or nil.
func (d *DB) GetObservation(id int64) (*Observation, error) {
	o := &Observation{}
	row := d.conn.QueryRow(`SELECT `+obsColumns+` FROM observations WHERE id = ?`, id)
	if err := scanObservation(row, o); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get observation %d: %w", id, err)
	}
	return o, nil
}

// GetObservations fetches a batch of observations by id. orderBy is "date"
// (created_at descending) or "id" (ascending). An optional project filter
// applies on top of the id list.
func (d *DB) GetObservations(ids []int64, project string, orderBy string) ([]Observation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	query := `SELECT ` + obsColumns + ` FROM observations WHERE id IN (` + placeholders + `)`
	args := make([]any, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	if project != "" {
		query += ` AND project = ?`
		args = append(args, project)
	}
	if orderBy == "id" {
		query += ` ORDER BY id ASC`
	} else {
		query += ` ORDER BY created_at_ms DESC, id DESC`
	}

	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get observations: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	return collectObservations(rows)
}

func collectObservations(rows *sql.Rows) ([]Observation, error) {
	var out []Observation
	for rows.Next() {
		var o Observation
		if err := scanObservation(rows, &o); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Timeline is a chronological window around an anchor observation, plus all
// user prompts of the anchor's session.
type Timeline struct {
	Anchor  *Observation
	Before  []Observation
	After   []Observation
	Prompts []UserPrompt
}

// ResolveAnchor finds the most recent observation whose title or text
// contains the query, case insensitive. Higher id wins ties.
func (d *DB) ResolveAnchor(query, project string) (int64, error) {
	q := `SELECT id FROM observations
	      WHERE (title LIKE '%' || ? || '%' COLLATE NOCASE OR text LIKE '%' || ? || '%' COLLATE NOCASE)`
	args := []any{query, query}
	if project != "" {
		q += ` AND project = ?`
		args = append(args, project)
	}
	q += ` ORDER BY created_at_ms DESC, id DESC LIMIT 1`
	var id int64
	err := d.conn.QueryRow(q, args...).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("resolve anchor: %w", err)
	}
	return id, nil
}

// GetTimeline returns depthBefore observations older than the anchor and
// depthAfter newer ones, both nearest-first from the anchor outwards in
// their stored order, optionally restricted to a project.
func (d *DB) GetTimeline(anchorID int64, depthBefore, depthAfter int, project string) (*Timeline, error) {
	anchor, err := d.GetObservation(anchorID)
	if err != nil {
		return nil, err
	}
	if anchor == nil {
		return &Timeline{}, nil
	}

	tl := &Timeline{Anchor: anchor}

	// Ingest can stamp a whole batch within one millisecond, so the windows
	// compare (created_at_ms, id) lexicographically rather than timestamps
	// alone, mirroring the anchor's higher-id-wins rule.
	beforeQ := `SELECT ` + obsColumns + ` FROM observations
	            WHERE (created_at_ms < ? OR (created_at_ms = ? AND id < ?))`
	afterQ := `SELECT ` + obsColumns + ` FROM observations
	           WHERE (created_at_ms > ? OR (created_at_ms = ? AND id > ?))`
	beforeArgs := []any{anchor.CreatedAtMs, anchor.CreatedAtMs, anchor.ID}
	afterArgs := []any{anchor.CreatedAtMs, anchor.CreatedAtMs, anchor.ID}
	if project != "" {
		beforeQ += ` AND project = ?`
		afterQ += ` AND project = ?`
		beforeArgs = append(beforeArgs, project)
		afterArgs = append(afterArgs, project)
	}
	beforeQ += ` ORDER BY created_at_ms DESC, id DESC LIMIT ?`
	afterQ += ` ORDER BY created_at_ms ASC, id ASC LIMIT ?`
	beforeArgs = append(beforeArgs, depthBefore)
	afterArgs = append(afterArgs, depthAfter)

	rows, err := d.conn.Query(beforeQ, beforeArgs...)
	if err != nil {
		return nil, fmt.Errorf("timeline before: %w", err)
	}
	tl.Before, err = collectObservations(rows)
	rows.Close() //nolint:errcheck
	if err != nil {
		return nil, err
	}

	rows, err = d.conn.Query(afterQ, afterArgs...)
	if err != nil {
		return nil, fmt.Errorf("timeline after: %w", err)
	}
	tl.After, err = collectObservations(rows)
	rows.Close() //nolint:errcheck
	if err != nil {
		return nil, err
	}

	tl.Prompts, err = d.ListUserPrompts(anchor.SessionID)
	if err != nil {
		return nil, err
	}
	return tl, nil
}

// ListUserPrompts returns all prompts for a session ordered by prompt_number.
func (d *DB) ListUserPrompts(sessionID string) ([]UserPrompt, error) {
	rows, err := d.conn.Query(
		`SELECT id, session_id, prompt_number, text, created_at_ms
		 FROM user_prompts WHERE session_id = ? ORDER BY prompt_number ASC`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list user prompts: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var prompts []UserPrompt
	for rows.Next() {
		var p UserPrompt
		if err := rows.Scan(&p.ID, &p.SessionID, &p.PromptNumber, &p.Text, &p.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("scan user prompt: %w", err)
		}
		prompts = append(prompts, p)
	}
	return prompts, rows.Err()
}

// ListSessionObservations returns a session's observations in time order.
func (d *DB) ListSessionObservations(sessionID string) ([]Observation, error) {
	rows, err := d.conn.Query(
		`SELECT `+obsColumns+` FROM observations WHERE session_id = ? ORDER BY created_at_ms ASC, id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list session observations: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	return collectObservations(rows)
}

// SearchFTS runs a compiled FTS5 MATCH query against the observation mirror,
// joined back to observations with optional project/type/date constraints.
// Results come back in BM25 order, best first, capped at 100.
func (d *DB) SearchFTS(match, project, obsType string, dateStartMs, dateEndMs int64) ([]Observation, error) {
	query := `SELECT o.id, o.session_id, o.project, o.type, o.title, o.subtitle, o.text,
	                 o.facts, o.files_read, o.files_modified, o.prompt_number, o.created_at_ms
	          FROM observations_fts f
	          JOIN observations o ON o.id = f.rowid
	          WHERE observations_fts MATCH ?`
	args := []any{match}
	if project != "" {
		query += ` AND o.project = ?`
		args = append(args, project)
	}
	if obsType != "" {
		query += ` AND o.type = ?`
		args = append(args, obsType)
	}
	if dateStartMs > 0 {
		query += ` AND o.created_at_ms >= ?`
		args = append(args, dateStartMs)
	}
	if dateEndMs > 0 {
		query += ` AND o.created_at_ms <= ?`
		args = append(args, dateEndMs)
	}
	query += ` ORDER BY bm25(observations_fts) ASC LIMIT 100`

	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("fts search: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	return collectObservations(rows)
}

// SearchSubstring is the fallback strategy: a simple case-insensitive
// substring match over title, text and subtitle, newest first, capped at 100.
func (d *DB) SearchSubstring(query, project string) ([]Observation, error) {
	q := `SELECT ` + obsColumns + ` FROM observations
	      WHERE (title LIKE '%' || ? || '%' COLLATE NOCASE
	             OR text LIKE '%' || ? || '%' COLLATE NOCASE
	             OR COALESCE(subtitle, '') LIKE '%' || ? || '%' COLLATE NOCASE)`
	args := []any{query, query, query}
	if project != "" {
		q += ` AND project = ?`
		args = append(args, project)
	}
	q += ` ORDER BY created_at_ms DESC LIMIT 100`

	rows, err := d.conn.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("substring search: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	return collectObservations(rows)
}

// ObservationsAfter returns up to limit observations with id greater than
// cursor and non-empty text, id ascending. Used by the external replicator.
func (d *DB) ObservationsAfter(cursor int64, project string, limit int) ([]Observation, error) {
	query := `SELECT ` + obsColumns + ` FROM observations WHERE id > ? AND text != ''`
	args := []any{cursor}
	if project != "" {
		query += ` AND project = ?`
		args = append(args, project)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("observations after %d: %w", cursor, err)
	}
	defer rows.Close() //nolint:errcheck
	return collectObservations(rows)
}
