// Package eventsink is an append-only SQLite-backed recorder of
// instance lifecycle rows (spec.md §1, §4.2): one row per run, a
// started timestamp written at run() time, and a finished timestamp
// plus exit code filled in once the Worker Runtime reports an exit.
// It implements pkg/instance's EventSink interface.
package eventsink

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

// Sink is a WAL-mode SQLite-backed instance history log. Safe for
// concurrent use.
type Sink struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// path may be ":memory:" for tests.
func Open(path string) (*Sink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("eventsink: open %q: %w", path, err)
	}

	// SQLite allows only one writer; serialize through a single
	// connection rather than fight "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("eventsink: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("eventsink: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("eventsink: apply schema: %w", err)
	}

	return &Sink{db: db}, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS instance_history (
    id        INTEGER PRIMARY KEY,
    name      TEXT    NOT NULL,
    started   TEXT    NOT NULL,
    finished  TEXT,
    exit_code INTEGER
);
CREATE INDEX IF NOT EXISTS idx_instance_history_name
    ON instance_history (name, started);
`

// RecordStarted inserts the started row for a freshly-run instance. id
// is the Instance Table's own id, reused as the primary key so rows
// never need a separate lookup join.
func (s *Sink) RecordStarted(id int64, name string, started time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO instance_history (id, name, started) VALUES (?, ?, ?)`,
		id, name, started.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("eventsink: record started: %w", err)
	}
	return nil
}

// RecordFinished fills in the finished timestamp and exit code for an
// already-started row.
func (s *Sink) RecordFinished(id int64, exitCode int, finished time.Time) error {
	_, err := s.db.Exec(
		`UPDATE instance_history SET finished = ?, exit_code = ? WHERE id = ?`,
		finished.UTC().Format(time.RFC3339Nano), exitCode, id,
	)
	if err != nil {
		return fmt.Errorf("eventsink: record finished: %w", err)
	}
	return nil
}

// Row is one instance's recorded history.
type Row struct {
	ID       int64
	Name     string
	Started  time.Time
	Finished time.Time
	ExitCode int
	HasExit  bool
}

// History returns up to limit most recent rows for name, newest first.
// An empty name returns rows for every worker.
func (s *Sink) History(ctx context.Context, name string, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 100
	}

	var (
		rows *sql.Rows
		err  error
	)
	if name == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, name, started, finished, exit_code FROM instance_history
			 ORDER BY id DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, name, started, finished, exit_code FROM instance_history
			 WHERE name = ? ORDER BY id DESC LIMIT ?`, name, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("eventsink: history query: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			r        Row
			started  string
			finished sql.NullString
			exitCode sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Name, &started, &finished, &exitCode); err != nil {
			return nil, fmt.Errorf("eventsink: history scan: %w", err)
		}
		r.Started, _ = time.Parse(time.RFC3339Nano, started)
		if finished.Valid {
			r.Finished, _ = time.Parse(time.RFC3339Nano, finished.String)
		}
		if exitCode.Valid {
			r.ExitCode = int(exitCode.Int64)
			r.HasExit = true
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventsink: history rows: %w", err)
	}
	return out, nil
}

// Close closes the underlying database connection.
func (s *Sink) Close() error {
	return s.db.Close()
}
