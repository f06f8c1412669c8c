// Package ledger keeps a SQLite journal of tiling runs.
// Each run is recorded when it starts and updated with its outcome, so a
// failed run can be audited without re-reading the patch store.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kilupskalvis/hsipatch/internal/core"
	"github.com/kilupskalvis/hsipatch/internal/models"
)

const currentSchemaVersion = 1

// Status of a recorded run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Run is one journal row.
type Run struct {
	ID         string
	Variant    models.Variant
	StorePath  string
	Inputs     int
	Status     Status
	Stage      core.Stage
	Candidates int
	Samples    int
	Written    int
	Buffered   int
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Ledger represents the SQLite run journal.
type Ledger struct {
	db *sql.DB
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Open opens or creates the journal at path and ensures its schema.
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	l := &Ledger{db: db}
	if err := l.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		variant TEXT NOT NULL,
		store_path TEXT NOT NULL,
		inputs INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		stage TEXT NOT NULL DEFAULT '',
		candidates INTEGER NOT NULL DEFAULT 0,
		samples INTEGER NOT NULL DEFAULT 0,
		written INTEGER NOT NULL DEFAULT 0,
		buffered INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		finished_at TEXT
	);

	CREATE TABLE IF NOT EXISTS ledger_schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("create ledger schema: %w", err)
	}
	if _, err := l.db.Exec("INSERT OR REPLACE INTO ledger_schema_version (version) VALUES (?)", currentSchemaVersion); err != nil {
		return fmt.Errorf("set ledger schema version: %w", err)
	}
	return nil
}

// Start records a running run. StartedAt defaults to now.
func (l *Ledger) Start(run *Run) error {
	if run.ID == "" {
		return fmt.Errorf("record run: empty run id")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	run.Status = StatusRunning
	_, err := l.db.Exec(`
		INSERT INTO runs (id, variant, store_path, inputs, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Variant), run.StorePath, run.Inputs, string(run.Status), formatTime(run.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", run.ID, err)
	}
	return nil
}

// Finish stores the outcome of a run previously passed to Start.
func (l *Ledger) Finish(res *core.RunResult) error {
	status := StatusSucceeded
	var msg string
	if res.Err != nil {
		status = StatusFailed
		msg = res.Err.Error()
	}
	r, err := l.db.Exec(`
		UPDATE runs SET status = ?, stage = ?, candidates = ?, samples = ?,
			written = ?, buffered = ?, error = ?, finished_at = ?
		WHERE id = ?`,
		string(status), string(res.Stage), res.Candidates, res.Samples,
		res.Written, res.Buffered, msg, formatTime(time.Now()), res.RunID,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", res.RunID, err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: not started", res.RunID)
	}
	return nil
}

const runColumns = `id, variant, store_path, inputs, status, stage, candidates, samples,
	written, buffered, error, started_at, finished_at`

// Get returns a run by ID, or nil if it is unknown.
func (l *Ledger) Get(id string) (*Run, error) {
	run, err := scanRun(l.db.QueryRow("SELECT "+runColumns+" FROM runs WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// List returns up to limit runs, newest first. limit <= 0 returns all.
func (l *Ledger) List(limit int) ([]*Run, error) {
	query := "SELECT " + runColumns + " FROM runs ORDER BY started_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := l.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var variant, status, stage, started string
	var finished sql.NullString
	err := row.Scan(&run.ID, &variant, &run.StorePath, &run.Inputs, &status, &stage,
		&run.Candidates, &run.Samples, &run.Written, &run.Buffered, &run.Error, &started, &finished)
	if err != nil {
		return nil, err
	}
	run.Variant = models.Variant(variant)
	run.Status = Status(status)
	run.Stage = core.Stage(stage)
	run.StartedAt = parseTimestamp(started)
	if finished.Valid {
		run.FinishedAt = parseTimestamp(finished.String)
	}
	return &run, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTimestamp parses a timestamp written by formatTime or by SQLite itself.
func parseTimestamp(s string) time.Time {
	for _, f := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(f, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
