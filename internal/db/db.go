// Package db persists pipeline definitions and a read audit log in
// sqlite. The schema is managed by golang-migrate; see db/migrations.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNoPipeline is returned when a pipeline ID is unknown.
var ErrNoPipeline = errors.New("pipeline not found")

type DB struct {
	*sql.DB
}

// NewDB opens (creating if needed) the sqlite database at path.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; serialize access through one
	// connection instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}
	return &DB{db}, nil
}

// Pipeline is one stored pipeline definition.
type Pipeline struct {
	PipelineID string    `json:"pipelineId"`
	Definition string    `json:"definition"`
	CreatedAt  time.Time `json:"createdAt"`
}

// UpsertPipeline stores (or replaces) the definition under the given
// pipeline ID.
func (db *DB) UpsertPipeline(pipelineID, definition string) error {
	_, err := db.Exec(
		`INSERT INTO pipelines (pipeline_id, definition) VALUES (?, ?)
		 ON CONFLICT(pipeline_id) DO UPDATE SET definition = excluded.definition`,
		pipelineID, definition,
	)
	if err != nil {
		return fmt.Errorf("failed to store pipeline %s: %w", pipelineID, err)
	}
	return nil
}

// GetPipeline returns the stored definition for a pipeline ID.
func (db *DB) GetPipeline(pipelineID string) (string, error) {
	var definition string
	err := db.QueryRow(
		`SELECT definition FROM pipelines WHERE pipeline_id = ?`, pipelineID,
	).Scan(&definition)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNoPipeline, pipelineID)
	}
	if err != nil {
		return "", err
	}
	return definition, nil
}

// ListPipelines returns stored pipelines, most recent first.
func (db *DB) ListPipelines() ([]Pipeline, error) {
	rows, err := db.Query(
		`SELECT pipeline_id, definition, created_at FROM pipelines ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pipelines []Pipeline
	for rows.Next() {
		var p Pipeline
		if err := rows.Scan(&p.PipelineID, &p.Definition, &p.CreatedAt); err != nil {
			return nil, err
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, rows.Err()
}

// ReadEvent is one terminal read outcome for the audit log. Status is
// "success", "error", or "cancelled".
type ReadEvent struct {
	ReadID       string    `json:"readId"`
	SessionID    string    `json:"sessionId"`
	Status       string    `json:"status"`
	NumPoints    int64     `json:"numPoints"`
	NumBytes     int64     `json:"numBytes"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// RecordRead appends a read outcome to the audit log.
func (db *DB) RecordRead(ev ReadEvent) error {
	_, err := db.Exec(
		`INSERT INTO read_log (read_id, session_id, status, num_points, num_bytes, error_message)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ReadID, ev.SessionID, ev.Status, ev.NumPoints, ev.NumBytes, ev.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to record read %s: %w", ev.ReadID, err)
	}
	return nil
}

// RecentReads returns the newest audit entries, up to limit.
func (db *DB) RecentReads(limit int) ([]ReadEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(
		`SELECT read_id, session_id, status, num_points, num_bytes, error_message, timestamp
		 FROM read_log ORDER BY timestamp DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ReadEvent
	for rows.Next() {
		var ev ReadEvent
		if err := rows.Scan(&ev.ReadID, &ev.SessionID, &ev.Status,
			&ev.NumPoints, &ev.NumBytes, &ev.ErrorMessage, &ev.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
