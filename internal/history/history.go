// Package history keeps an append-only archive of finalized attempts in a
// local SQLite database. The archive is the longitudinal companion to the
// per-run result.json: result.json answers "what happened in this run",
// history answers "how has this pair behaved over the last months".
package history

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3"

	"github.com/quic-interop/satrunner/pkg/interop/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS run_attempts (
	uuid             TEXT PRIMARY KEY,
	git_commit       TEXT NOT NULL,
	version          TEXT NOT NULL,
	client           TEXT NOT NULL,
	server           TEXT NOT NULL,
	testcase         TEXT NOT NULL,
	category         TEXT NOT NULL,
	start_time       TIMESTAMP NOT NULL,
	end_time         TIMESTAMP NOT NULL,
	verdict          TEXT NOT NULL,
	error_code       TEXT NOT NULL DEFAULT '',
	client_exit_code INTEGER NOT NULL,
	server_exit_code INTEGER NOT NULL,
	bytes            INTEGER NOT NULL DEFAULT 0,
	goodput          REAL NOT NULL DEFAULT 0,
	efficiency       REAL NOT NULL DEFAULT 0,
	capture_path     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS run_attempts_triple
	ON run_attempts (client, server, testcase);
`

const insertStmt = `
INSERT INTO run_attempts (
	uuid, git_commit, version, client, server, testcase, category,
	start_time, end_time, verdict, error_code,
	client_exit_code, server_exit_code,
	bytes, goodput, efficiency, capture_path
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Store is an append-only attempt archive backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (and if necessary initializes) the archive at path. Use
// ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening history db %s: %w", path, err)
	}
	// The archive is written from many scheduler workers; SQLite handles
	// one writer at a time.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Insert appends one finalized attempt. Records are never updated or
// deleted.
func (s *Store) Insert(rec model.RunRecord) error {
	_, err := s.db.Exec(insertStmt,
		rec.UUID, rec.GitShortCommit, rec.Version,
		rec.Client, rec.Server, rec.TestCase, rec.Category,
		rec.StartTime.UTC(), rec.EndTime.UTC(),
		rec.Verdict, rec.ErrorCode,
		rec.ClientExitCode, rec.ServerExitCode,
		rec.BytesTransferred, rec.Goodput, rec.Efficiency,
		rec.CapturePath)
	if err != nil {
		return fmt.Errorf("inserting attempt %s: %w", rec.UUID, err)
	}
	return nil
}

// Record implements the scheduler's recorder hook. Archival is best effort:
// a failed insert is logged and the run continues.
func (s *Store) Record(rec model.RunRecord) {
	if err := s.Insert(rec); err != nil {
		log.Error("archiving attempt failed", "uuid", rec.UUID, "err", err)
	}
}

// ByTriple returns all archived attempts of one (client, server, test case)
// triple, oldest first.
func (s *Store) ByTriple(client, server, testCase string) ([]model.RunRecord, error) {
	rows, err := s.db.Query(`
		SELECT uuid, git_commit, version, client, server, testcase, category,
			start_time, end_time, verdict, error_code,
			client_exit_code, server_exit_code,
			bytes, goodput, efficiency, capture_path
		FROM run_attempts
		WHERE client = ? AND server = ? AND testcase = ?
		ORDER BY start_time`, client, server, testCase)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var out []model.RunRecord
	for rows.Next() {
		var rec model.RunRecord
		var start, end time.Time
		err := rows.Scan(&rec.UUID, &rec.GitShortCommit, &rec.Version,
			&rec.Client, &rec.Server, &rec.TestCase, &rec.Category,
			&start, &end, &rec.Verdict, &rec.ErrorCode,
			&rec.ClientExitCode, &rec.ServerExitCode,
			&rec.BytesTransferred, &rec.Goodput, &rec.Efficiency,
			&rec.CapturePath)
		if err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		rec.StartTime = start
		rec.EndTime = end
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
