package db

import (
	"database/sql"
	"fmt"
)

// Session states. A session is created active, completed exactly once, and
// never leaves a terminal state.
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
)

// Session represents one coding-assistant session for a project.
type Session struct {
	SessionID     string
	Project       string
	Status        string
	StartedAtMs   int64
	CompletedAtMs *int64
}

// Summary is the per-session five-rubric rollup. Empty rubrics are stored
// as empty strings.
type Summary struct {
	ID           int64
	SessionID    string
	Request      string
	Investigated string
	Learned      string
	Completed    string
	NextSteps    string
	CreatedAtMs  int64
}

// UpsertSession creates or resets a session row in the active state.
func (d *DB) UpsertSession(sessionID, project string) error {
	_, err := d.execRetry(
		`INSERT OR REPLACE INTO sessions (session_id, project, status, started_at_ms, completed_at_ms)
		 VALUES (?, ?, ?, ?, NULL)`,
		sessionID, project, SessionActive, nowMs(),
	)
	if err != nil {
		return fmt.Errorf("upsert session %q: %w", sessionID, err)
	}
	return nil
}

// EnsureSession creates a session row if one does not exist yet. Observations
// may reference sessions the host never explicitly initialized.
func (d *DB) EnsureSession(sessionID, project string) error {
	_, err := d.execRetry(
		`INSERT OR IGNORE INTO sessions (session_id, project, status, started_at_ms)
		 VALUES (?, ?, ?, ?)`,
		sessionID, project, SessionActive, nowMs(),
	)
	if err != nil {
		return fmt.Errorf("ensure session %q: %w", sessionID, err)
	}
	return nil
}

// CompleteSession moves a session to a terminal status and stamps
// completed_at.
func (d *DB) CompleteSession(sessionID, status string) error {
	if status != SessionCompleted && status != SessionFailed {
		return fmt.Errorf("complete session %q: invalid status %q", sessionID, status)
	}
	res, err := d.execRetry(
		`UPDATE sessions SET status = ?, completed_at_ms = ? WHERE session_id = ?`,
		status, nowMs(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("complete session %q: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete session %q: not found", sessionID)
	}
	return nil
}

// GetSession retrieves a single session, or nil if it does not exist.
func (d *DB) GetSession(sessionID string) (*Session, error) {
	s := &Session{}
	err := d.conn.QueryRow(
		`SELECT session_id, project, status, started_at_ms, completed_at_ms
		 FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&s.SessionID, &s.Project, &s.Status, &s.StartedAtMs, &s.CompletedAtMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %q: %w", sessionID, err)
	}
	return s, nil
}

// UpsertSummary writes the compiled summary for a session, replacing any
// previous one. At most one summary exists per session.
func (d *DB) UpsertSummary(s *Summary) (int64, error) {
	res, err := d.execRetry(
		`INSERT INTO summaries (session_id, request, investigated, learned, completed, next_steps, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   request = excluded.request,
		   investigated = excluded.investigated,
		   learned = excluded.learned,
		   completed = excluded.completed,
		   next_steps = excluded.next_steps,
		   created_at_ms = excluded.created_at_ms`,
		s.SessionID, s.Request, s.Investigated, s.Learned, s.Completed, s.NextSteps, nowMs(),
	)
	if err != nil {
		return 0, fmt.Errorf("upsert summary for %q: %w", s.SessionID, err)
	}
	return res.LastInsertId()
}

// GetSummary returns the summary for a session, or nil if none exists.
func (d *DB) GetSummary(sessionID string) (*Summary, error) {
	s := &Summary{}
	err := d.conn.QueryRow(
		`SELECT id, session_id, COALESCE(request, ''), COALESCE(investigated, ''),
		        COALESCE(learned, ''), COALESCE(completed, ''), COALESCE(next_steps, ''), created_at_ms
		 FROM summaries WHERE session_id = ?`, sessionID,
	).Scan(&s.ID, &s.SessionID, &s.Request, &s.Investigated, &s.Learned, &s.Completed, &s.NextSteps, &s.CreatedAtMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get summary for %q: %w", sessionID, err)
	}
	return s, nil
}
