package db

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ObservationVector pairs an observation id with its stored embedding.
type ObservationVector struct {
	ObservationID int64
	Embedding     []float32
	Model         string
	CreatedAtMs   int64
}

// PackVector encodes an embedding as a little-endian float32 blob.
func PackVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// UnpackVector decodes a little-endian float32 blob. A blob whose length is
// not a multiple of 4 is corrupt and decodes to nil.
func UnpackVector(blob []byte) []float32 {
	if len(blob)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}

// InsertVector stores the embedding for an observation, replacing any
// existing one.
func (d *DB) InsertVector(observationID int64, embedding []float32, model string) error {
	_, err := d.execRetry(
		`INSERT INTO vectors (observation_id, embedding, model, created_at_ms)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(observation_id) DO UPDATE SET
		   embedding = excluded.embedding,
		   model = excluded.model,
		   created_at_ms = excluded.created_at_ms`,
		observationID, PackVector(embedding), model, nowMs(),
	)
	if err != nil {
		return fmt.Errorf("insert vector for %d: %w", observationID, err)
	}
	return nil
}

// HasVector reports whether an observation already has an embedding.
func (d *DB) HasVector(observationID int64) (bool, error) {
	var n int
	err := d.conn.QueryRow(
		`SELECT COUNT(*) FROM vectors WHERE observation_id = ?`, observationID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has vector %d: %w", observationID, err)
	}
	return n > 0, nil
}

// ListVectorsByProject returns all stored vectors for a project's
// observations.
func (d *DB) ListVectorsByProject(project string) ([]ObservationVector, error) {
	rows, err := d.conn.Query(
		`SELECT v.observation_id, v.embedding, v.model, v.created_at_ms
		 FROM vectors v
		 JOIN observations o ON o.id = v.observation_id
		 WHERE o.project = ?`, project,
	)
	if err != nil {
		return nil, fmt.Errorf("list vectors for %q: %w", project, err)
	}
	defer rows.Close() //nolint:errcheck

	var vectors []ObservationVector
	for rows.Next() {
		var v ObservationVector
		var blob []byte
		if err := rows.Scan(&v.ObservationID, &blob, &v.Model, &v.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		v.Embedding = UnpackVector(blob)
		vectors = append(vectors, v)
	}
	return vectors, rows.Err()
}

// ObservationsWithoutVectors returns the ids of the most recent observations
// lacking a stored embedding, newest first. Used for backfill.
func (d *DB) ObservationsWithoutVectors(limit int) ([]int64, error) {
	rows, err := d.conn.Query(
		`SELECT o.id FROM observations o
		 LEFT JOIN vectors v ON v.observation_id = o.id
		 WHERE v.observation_id IS NULL
		 ORDER BY o.created_at_ms DESC, o.id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("observations without vectors: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan observation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
