package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	job_id  TEXT PRIMARY KEY,
	payload BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS trace (
	seq     INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id  TEXT NOT NULL,
	payload BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS trace_job ON trace (job_id, seq);
CREATE TABLE IF NOT EXISTS artifacts (
	job_id TEXT NOT NULL,
	name   TEXT NOT NULL,
	data   BLOB NOT NULL,
	PRIMARY KEY (job_id, name)
);`

// SQLiteStore keeps checkpoints, traces and artifacts in one SQLite file.
// Rows hold the same JSON documents FSStore writes.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens or creates the database at path. ":memory:" gives a
// private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection serialises writers and keeps :memory: a single database
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveCheckpoint upserts the checkpoint row.
func (s *SQLiteStore) SaveCheckpoint(jobID string, checkpoint *Checkpoint) error {
	if jobID == "" {
		return fmt.Errorf("jobID cannot be empty")
	}
	if checkpoint == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}
	payload, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO checkpoints (job_id, payload) VALUES (?, ?)
		ON CONFLICT(job_id) DO UPDATE SET payload = excluded.payload
	`, jobID, payload)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", jobID, err)
	}
	slog.Debug("Checkpoint saved", "jobID", jobID, "path", s.path, "iteration", checkpoint.Iteration)
	return nil
}

// LoadCheckpoint reads one checkpoint row.
func (s *SQLiteStore) LoadCheckpoint(jobID string) (*Checkpoint, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID cannot be empty")
	}
	var payload []byte
	err := s.db.QueryRow(`SELECT payload FROM checkpoints WHERE job_id = ?`, jobID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{JobID: jobID}
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", jobID, err)
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(payload, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint: %w", err)
	}
	return &checkpoint, nil
}

// ListCheckpoints returns all checkpoints ordered by job id. Undecodable rows
// are skipped.
func (s *SQLiteStore) ListCheckpoints() ([]CheckpointInfo, error) {
	rows, err := s.db.Query(`SELECT job_id, payload FROM checkpoints ORDER BY job_id`)
	if err != nil {
		return nil, fmt.Errorf("select checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	infos := []CheckpointInfo{}
	for rows.Next() {
		var (
			jobID   string
			payload []byte
		)
		if err := rows.Scan(&jobID, &payload); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		var checkpoint Checkpoint
		if err := json.Unmarshal(payload, &checkpoint); err != nil {
			slog.Warn("Failed to load checkpoint for listing", "jobID", jobID, "error", err)
			continue
		}
		infos = append(infos, checkpoint.ToInfo())
	}
	return infos, rows.Err()
}

// DeleteCheckpoint removes the job's rows from every table.
func (s *SQLiteStore) DeleteCheckpoint(jobID string) (retErr error) {
	if jobID == "" {
		return fmt.Errorf("jobID cannot be empty")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.Exec(`DELETE FROM checkpoints WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", jobID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &NotFoundError{JobID: jobID}
	}
	for _, table := range []string{"trace", "artifacts"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE job_id = ?`, jobID); err != nil {
			return fmt.Errorf("delete %s of %s: %w", table, jobID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	slog.Debug("Checkpoint deleted", "jobID", jobID, "path", s.path)
	return nil
}

// AppendTrace inserts entries in one transaction.
func (s *SQLiteStore) AppendTrace(jobID string, entries []TraceEntry) (retErr error) {
	if jobID == "" {
		return fmt.Errorf("jobID cannot be empty")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, e := range entries {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal trace entry: %w", err)
		}
		if _, err := tx.Exec(`INSERT INTO trace (job_id, payload) VALUES (?, ?)`, jobID, payload); err != nil {
			return fmt.Errorf("insert trace: %w", err)
		}
	}
	return tx.Commit()
}

// LoadTrace returns the entries of jobID in insertion order.
func (s *SQLiteStore) LoadTrace(jobID string) ([]TraceEntry, error) {
	rows, err := s.db.Query(`SELECT payload FROM trace WHERE job_id = ? ORDER BY seq`, jobID)
	if err != nil {
		return nil, fmt.Errorf("select trace: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []TraceEntry
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		var e TraceEntry
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trace entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if entries == nil {
		return nil, &NotFoundError{JobID: jobID}
	}
	return entries, nil
}

// SaveArtifact upserts a named blob.
func (s *SQLiteStore) SaveArtifact(jobID, name string, data []byte) error {
	if jobID == "" || name == "" {
		return fmt.Errorf("jobID and artifact name are required")
	}
	_, err := s.db.Exec(`
		INSERT INTO artifacts (job_id, name, data) VALUES (?, ?, ?)
		ON CONFLICT(job_id, name) DO UPDATE SET data = excluded.data
	`, jobID, name, data)
	if err != nil {
		return fmt.Errorf("save artifact %s/%s: %w", jobID, name, err)
	}
	return nil
}

// LoadArtifact returns a stored blob.
func (s *SQLiteStore) LoadArtifact(jobID, name string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM artifacts WHERE job_id = ? AND name = ?`, jobID, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{JobID: jobID}
	}
	if err != nil {
		return nil, fmt.Errorf("load artifact %s/%s: %w", jobID, name, err)
	}
	return data, nil
}
