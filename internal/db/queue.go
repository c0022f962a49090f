package db

import (
	"database/sql"
	"fmt"
)

// DuplicateID is the sentinel returned by Enqueue when the dedup key has
// already been processed.
const DuplicateID int64 = -1

// PendingMessage is one durable queue row awaiting processing.
type PendingMessage struct {
	ID           int64
	QueueName    string
	EntityID     string
	Payload      string
	DedupKey     *string
	RetryCount   int
	MaxRetries   int
	CreatedAtMs  int64
	NextRetryAtMs *int64
}

// DeadLetter is the terminal resting place for a message that exceeded its
// retry budget, kept for diagnostics and manual replay.
type DeadLetter struct {
	ID          int64
	QueueName   string
	EntityID    string
	Payload     string
	Reason      string
	CreatedAtMs int64
}

// EnqueueOptions tunes a single enqueue.
type EnqueueOptions struct {
	MaxRetries int    // default 3
	DelayMs    int64  // initial visibility delay
	DedupKey   string // optional idempotency key
}

// Enqueue inserts a message into the durable queue. If the dedup key was
// already marked processed, it returns DuplicateID. If a pending row with
// the same (queue_name, dedup_key) exists, that row's id is returned and no
// new row is added. Dedup is advisory: true idempotence requires the caller
// to mark the event processed after success.
func (d *DB) Enqueue(queueName, entityID, payload string, opts EnqueueOptions) (int64, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}

	if opts.DedupKey != "" {
		processed, err := d.IsEventProcessed(opts.DedupKey)
		if err != nil {
			return 0, err
		}
		if processed {
			return DuplicateID, nil
		}

		var existing int64
		err = d.conn.QueryRow(
			`SELECT id FROM pending_messages WHERE queue_name = ? AND dedup_key = ? LIMIT 1`,
			queueName, opts.DedupKey,
		).Scan(&existing)
		if err == nil {
			return existing, nil
		}
		if err != sql.ErrNoRows {
			return 0, fmt.Errorf("check pending dedup: %w", err)
		}
	}

	var dedup any
	if opts.DedupKey != "" {
		dedup = opts.DedupKey
	}
	var nextRetry any
	if opts.DelayMs > 0 {
		nextRetry = nowMs() + opts.DelayMs
	}

	res, err := d.execRetry(
		`INSERT INTO pending_messages (queue_name, entity_id, payload, dedup_key, retry_count, max_retries, created_at_ms, next_retry_at_ms)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		queueName, entityID, payload, dedup, opts.MaxRetries, nowMs(), nextRetry,
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", queueName, err)
	}
	return res.LastInsertId()
}

// GetReady returns up to limit messages whose retry time has arrived and
// whose retry budget is not exhausted, oldest first. An empty queueName
// selects across all queues.
func (d *DB) GetReady(queueName string, limit int) ([]PendingMessage, error) {
	query := `SELECT id, queue_name, entity_id, payload, dedup_key, retry_count, max_retries, created_at_ms, next_retry_at_ms
	          FROM pending_messages
	          WHERE (next_retry_at_ms IS NULL OR next_retry_at_ms <= ?) AND retry_count < max_retries`
	args := []any{nowMs()}
	if queueName != "" {
		query += ` AND queue_name = ?`
		args = append(args, queueName)
	}
	query += ` ORDER BY created_at_ms ASC LIMIT ?`
	args = append(args, limit)

	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get ready: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var msgs []PendingMessage
	for rows.Next() {
		var m PendingMessage
		if err := rows.Scan(&m.ID, &m.QueueName, &m.EntityID, &m.Payload, &m.DedupKey,
			&m.RetryCount, &m.MaxRetries, &m.CreatedAtMs, &m.NextRetryAtMs); err != nil {
			return nil, fmt.Errorf("scan pending message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// IncrementRetry bumps a message's retry count and sets its next retry time.
// Returns false when the budget is exhausted; the caller is then responsible
// for dead-lettering and removing the row.
func (d *DB) IncrementRetry(id int64, nextDelayMs int64) (bool, error) {
	var retryCount, maxRetries int
	err := d.conn.QueryRow(
		`SELECT retry_count, max_retries FROM pending_messages WHERE id = ?`, id,
	).Scan(&retryCount, &maxRetries)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read retry count %d: %w", id, err)
	}

	retryCount++
	if retryCount >= maxRetries {
		_, err = d.execRetry(
			`UPDATE pending_messages SET retry_count = ?, next_retry_at_ms = NULL WHERE id = ?`,
			retryCount, id,
		)
		if err != nil {
			return false, fmt.Errorf("exhaust retries %d: %w", id, err)
		}
		return false, nil
	}

	var nextRetry any
	if nextDelayMs > 0 {
		nextRetry = nowMs() + nextDelayMs
	}
	_, err = d.execRetry(
		`UPDATE pending_messages SET retry_count = ?, next_retry_at_ms = ? WHERE id = ?`,
		retryCount, nextRetry, id,
	)
	if err != nil {
		return false, fmt.Errorf("increment retry %d: %w", id, err)
	}
	return true, nil
}

// MarkProcessed removes a message from the queue.
func (d *DB) MarkProcessed(id int64) error {
	_, err := d.execRetry(`DELETE FROM pending_messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark processed %d: %w", id, err)
	}
	return nil
}

// MarkEventProcessed records an event key in the idempotency log. Repeated
// calls for the same key are no-ops.
func (d *DB) MarkEventProcessed(eventKey, queueName, entityID string) error {
	var entity any
	if entityID != "" {
		entity = entityID
	}
	_, err := d.execRetry(
		`INSERT OR IGNORE INTO processed_events (event_key, queue_name, entity_id, processed_at_ms)
		 VALUES (?, ?, ?, ?)`,
		eventKey, queueName, entity, nowMs(),
	)
	if err != nil {
		return fmt.Errorf("mark event processed %q: %w", eventKey, err)
	}
	return nil
}

// IsEventProcessed reports whether an event key is in the idempotency log.
func (d *DB) IsEventProcessed(eventKey string) (bool, error) {
	var n int
	err := d.conn.QueryRow(
		`SELECT COUNT(*) FROM processed_events WHERE event_key = ?`, eventKey,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("is event processed %q: %w", eventKey, err)
	}
	return n > 0, nil
}

// InsertDeadLetter writes a dead letter row.
func (d *DB) InsertDeadLetter(queueName, entityID, payload, reason string) (int64, error) {
	res, err := d.execRetry(
		`INSERT INTO dead_letters (queue_name, entity_id, payload, reason, created_at_ms)
		 VALUES (?, ?, ?, ?, ?)`,
		queueName, entityID, payload, reason, nowMs(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert dead letter: %w", err)
	}
	return res.LastInsertId()
}

// ListDeadLetters returns the oldest limit dead letters, optionally filtered
// by queue.
func (d *DB) ListDeadLetters(queueName string, limit int) ([]DeadLetter, error) {
	query := `SELECT id, queue_name, entity_id, payload, reason, created_at_ms FROM dead_letters`
	var args []any
	if queueName != "" {
		query += ` WHERE queue_name = ?`
		args = append(args, queueName)
	}
	query += ` ORDER BY created_at_ms ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var letters []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		if err := rows.Scan(&dl.ID, &dl.QueueName, &dl.EntityID, &dl.Payload, &dl.Reason, &dl.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		letters = append(letters, dl)
	}
	return letters, rows.Err()
}

// DeleteDeadLetter removes a dead letter by id.
func (d *DB) DeleteDeadLetter(id int64) error {
	_, err := d.execRetry(`DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete dead letter %d: %w", id, err)
	}
	return nil
}

// QueueStats is a point-in-time snapshot of queue depth and dead letters.
type QueueStats struct {
	Pending     int64
	Processed   int64
	DeadLetters int64
}

// GetQueueStats returns counts across the queue tables.
func (d *DB) GetQueueStats() (QueueStats, error) {
	var s QueueStats
	if err := d.conn.QueryRow(`SELECT COUNT(*) FROM pending_messages`).Scan(&s.Pending); err != nil {
		return s, fmt.Errorf("count pending: %w", err)
	}
	if err := d.conn.QueryRow(`SELECT COUNT(*) FROM processed_events`).Scan(&s.Processed); err != nil {
		return s, fmt.Errorf("count processed: %w", err)
	}
	if err := d.conn.QueryRow(`SELECT COUNT(*) FROM dead_letters`).Scan(&s.DeadLetters); err != nil {
		return s, fmt.Errorf("count dead letters: %w", err)
	}
	return s, nil
}
