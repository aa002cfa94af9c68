// Package ledger provides a SQLite record of sync runs and the operations that failed in them.
//
// The ledger is write-only from the sync engine's point of view: it never
// feeds reconciliation, it only lets an operator see what needs a manual retry.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNoRuns is returned when a repository has no recorded run.
var ErrNoRuns = errors.New("no runs recorded")

// Ledger represents a SQLite database connection for the run ledger.
type Ledger struct {
	path string
	conn *sql.DB
}

// KindResult is the outcome of one kind within a run.
type KindResult struct {
	Kind    string
	Fetched int
	Indexed int
	Creates int
	Updates int
	Failed  int
	Error   string // non-empty when the kind's pass aborted
}

// Failure is one operation that did not apply.
type Failure struct {
	Kind   string
	Op     string
	Number int
	Handle string
	Error  string
	At     time.Time
}

// Run is a recorded sync run.
type Run struct {
	ID         int64
	Repo       string
	StartedAt  time.Time
	FinishedAt time.Time // zero while the run is in progress
	DryRun     bool
	Kinds      []KindResult
	Failures   []Failure
}

// FailedOps returns the number of failed operations across kinds.
func (r Run) FailedOps() int {
	n := 0
	for _, k := range r.Kinds {
		n += k.Failed
	}
	return n
}

const createRunsTableSQL = `
CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    repo TEXT NOT NULL,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    dry_run INTEGER DEFAULT 0
);
`

const createKindResultsTableSQL = `
CREATE TABLE IF NOT EXISTS kind_results (
    run_id INTEGER NOT NULL REFERENCES runs(id),
    kind TEXT NOT NULL,
    fetched INTEGER DEFAULT 0,
    indexed INTEGER DEFAULT 0,
    creates INTEGER DEFAULT 0,
    updates INTEGER DEFAULT 0,
    failed INTEGER DEFAULT 0,
    error TEXT,
    UNIQUE(run_id, kind)
);
`

const createFailuresTableSQL = `
CREATE TABLE IF NOT EXISTS failures (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id INTEGER NOT NULL REFERENCES runs(id),
    kind TEXT NOT NULL,
    op TEXT NOT NULL,
    number INTEGER NOT NULL,
    handle TEXT,
    error TEXT NOT NULL,
    created_at TEXT NOT NULL
);
`

// DefaultPath returns ~/.cache/ghnotion/{owner}_{repo}.db.
func DefaultPath(owner, repo string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".cache", "ghnotion", fmt.Sprintf("%s_%s.db", owner, repo)), nil
}

// Open creates or opens the ledger at path and initializes the schema.
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer; failures are recorded from
	// concurrent batch members, so serialize on one connection.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	for name, stmt := range map[string]string{
		"runs":         createRunsTableSQL,
		"kind_results": createKindResultsTableSQL,
		"failures":     createFailuresTableSQL,
	} {
		if _, err := conn.Exec(stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create %s table: %w", name, err)
		}
	}

	return &Ledger{path: path, conn: conn}, nil
}

// Path returns the database file path.
func (l *Ledger) Path() string { return l.path }

// Close closes the database connection.
func (l *Ledger) Close() error {
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}

// StartRun records the beginning of a run and returns its ID.
func (l *Ledger) StartRun(repo string, dryRun bool, startedAt time.Time) (int64, error) {
	dry := 0
	if dryRun {
		dry = 1
	}
	res, err := l.conn.Exec(
		`INSERT INTO runs (repo, started_at, dry_run) VALUES (?, ?, ?)`,
		repo, startedAt.UTC().Format(time.RFC3339Nano), dry,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to start run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get run id: %w", err)
	}
	return id, nil
}

// RecordFailure stores one failed operation of a run.
func (l *Ledger) RecordFailure(runID int64, f Failure) error {
	at := f.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := l.conn.Exec(
		`INSERT INTO failures (run_id, kind, op, number, handle, error, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, f.Kind, f.Op, f.Number,
		sql.NullString{String: f.Handle, Valid: f.Handle != ""},
		f.Error, at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	return nil
}

// FinishRun stores per-kind results and marks the run finished.
func (l *Ledger) FinishRun(runID int64, finishedAt time.Time, kinds []KindResult) error {
	tx, err := l.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, k := range kinds {
		_, err := tx.Exec(`
			INSERT OR REPLACE INTO kind_results (run_id, kind, fetched, indexed, creates, updates, failed, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, k.Kind, k.Fetched, k.Indexed, k.Creates, k.Updates, k.Failed,
			sql.NullString{String: k.Error, Valid: k.Error != ""},
		)
		if err != nil {
			return fmt.Errorf("failed to store %s result: %w", k.Kind, err)
		}
	}

	res, err := tx.Exec(`UPDATE runs SET finished_at = ? WHERE id = ?`, finishedAt.UTC().Format(time.RFC3339Nano), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	} else if n == 0 {
		return fmt.Errorf("no run found with id=%d", runID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// LastRun returns the most recent run for repo with its kinds and failures.
func (l *Ledger) LastRun(repo string) (*Run, error) {
	runs, err := l.ListRuns(repo, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoRuns, repo)
	}
	run := runs[0]

	rows, err := l.conn.Query(`
		SELECT kind, fetched, indexed, creates, updates, failed, error
		FROM kind_results WHERE run_id = ? ORDER BY rowid ASC`, run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query kind results: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k KindResult
		var errText sql.NullString
		if err := rows.Scan(&k.Kind, &k.Fetched, &k.Indexed, &k.Creates, &k.Updates, &k.Failed, &errText); err != nil {
			return nil, fmt.Errorf("failed to scan kind result: %w", err)
		}
		k.Error = errText.String
		run.Kinds = append(run.Kinds, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	failures, err := l.Failures(run.ID)
	if err != nil {
		return nil, err
	}
	run.Failures = failures
	return &run, nil
}

// Failures returns the failed operations of a run in recording order.
func (l *Ledger) Failures(runID int64) ([]Failure, error) {
	rows, err := l.conn.Query(`
		SELECT kind, op, number, handle, error, created_at
		FROM failures WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query failures: %w", err)
	}
	defer rows.Close()

	failures := []Failure{}
	for rows.Next() {
		var f Failure
		var handle sql.NullString
		var at string
		if err := rows.Scan(&f.Kind, &f.Op, &f.Number, &handle, &f.Error, &at); err != nil {
			return nil, fmt.Errorf("failed to scan failure: %w", err)
		}
		f.Handle = handle.String
		f.At, _ = time.Parse(time.RFC3339Nano, at)
		failures = append(failures, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return failures, nil
}

// ListRuns returns up to limit runs for repo, newest first. Kinds and
// failures are not loaded.
func (l *Ledger) ListRuns(repo string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.conn.Query(`
		SELECT id, repo, started_at, finished_at, dry_run
		FROM runs WHERE repo = ?
		ORDER BY id DESC LIMIT ?`, repo, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var r Run
		var started string
		var finished sql.NullString
		var dry int
		if err := rows.Scan(&r.ID, &r.Repo, &started, &finished, &dry); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		if finished.Valid {
			r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished.String)
		}
		r.DryRun = dry == 1
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return runs, nil
}
