// Package jobindex provides a pure-Go SQLite accelerator index over job
// metadata, used by the health endpoint for status counts and by the
// garbage collector to avoid parsing every job's metadata.json on each
// pass. The filesystem (see
// internal/jobstore) remains the source of truth; this index is
// disposable cache and is rebuilt empty if its file is removed.
package jobindex

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the job index SQLite database.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at dbPath.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create job index directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open job index: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	idx := &DB{db: db}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate job index: %w", err)
	}
	return idx, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	_, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			job_id      TEXT PRIMARY KEY,
			server_tag  TEXT NOT NULL,
			session_key TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			client_ip   TEXT NOT NULL DEFAULT ''
		)
	`)
	return err
}

// Upsert records (or updates) a job's current state. Failures are
// non-fatal to callers: the index is an accelerator, not the record of
// truth, so job processing must not fail because of an index write error.
func (d *DB) Upsert(jobID, serverTag, sessionKey, status, clientIP string, createdAt time.Time) error {
	_, err := d.db.Exec(`
		INSERT INTO jobs (job_id, server_tag, session_key, status, created_at, client_ip)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			server_tag = excluded.server_tag,
			session_key = excluded.session_key,
			status = excluded.status,
			created_at = excluded.created_at,
			client_ip = excluded.client_ip
	`, jobID, serverTag, sessionKey, status, createdAt.UTC().Format(time.RFC3339), clientIP)
	return err
}

// Delete removes a job's index row, typically right before (or after)
// its directory is removed by the garbage collector.
func (d *DB) Delete(jobID string) error {
	_, err := d.db.Exec(`DELETE FROM jobs WHERE job_id = ?`, jobID)
	return err
}

// StatusCounts returns the number of indexed jobs per status, used by
// the health endpoint's aggregate counters.
func (d *DB) StatusCounts() (map[string]int, error) {
	rows, err := d.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[status] = count
	}
	return out, rows.Err()
}

// CandidateJobID is one row of OlderThan's result set.
type CandidateJobID struct {
	JobID     string
	CreatedAt time.Time
}

// OlderThan returns indexed jobs created before cutoff, so the garbage
// collector can look up creation times without reading each job's
// metadata.json.
func (d *DB) OlderThan(cutoff time.Time) ([]CandidateJobID, error) {
	rows, err := d.db.Query(`SELECT job_id, created_at FROM jobs WHERE created_at < ?`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CandidateJobID
	for rows.Next() {
		var id, createdAt string
		if err := rows.Scan(&id, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			continue
		}
		out = append(out, CandidateJobID{JobID: id, CreatedAt: t})
	}
	return out, rows.Err()
}
