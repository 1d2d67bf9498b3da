// Package journal records rebuild runs in a local SQLite database. The
// journal is advisory observability: the pipeline's correctness never
// depends on it, and callers treat every journal error as non-fatal.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RunStatus is the lifecycle state of a recorded run.
type RunStatus string

const (
	RunStatusStarted   RunStatus = "started"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one recorded orchestrator invocation.
type Run struct {
	ID               string
	Hostname         string
	FlakeDir         string
	DecisionPath     string
	Outcome          string
	Status           RunStatus
	MirrorHead       string
	TargetHeadBefore string
	TargetHeadAfter  string
	Error            string
	StartedAt        time.Time
	CompletedAt      *time.Time
}

// RunUpdate carries the fields recorded when a run finishes.
type RunUpdate struct {
	DecisionPath     string
	Outcome          string
	Status           RunStatus
	MirrorHead       string
	TargetHeadBefore string
	TargetHeadAfter  string
	Error            string
}

// Journal is a handle to the run database. A nil Journal is valid and
// ignores every call, which is how the pipeline runs with the journal
// disabled.
type Journal struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the journal database at path and runs
// pending migrations.
func Open(ctx context.Context, path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("cannot create journal directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}

	j := &Journal{db: db, path: path}
	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(j.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// StartRun records the beginning of an invocation and returns its run ID.
func (j *Journal) StartRun(ctx context.Context, hostname, flakeDir string) (string, error) {
	if j == nil || j.db == nil {
		return "", nil
	}
	id := uuid.NewString()
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO runs (id, hostname, flake_dir, status, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, hostname, flakeDir, RunStatusStarted, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to record run start: %w", err)
	}
	return id, nil
}

// FinishRun records the terminal state of a run.
func (j *Journal) FinishRun(ctx context.Context, id string, upd RunUpdate) error {
	if j == nil || j.db == nil || id == "" {
		return nil
	}
	_, err := j.db.ExecContext(ctx, `
		UPDATE runs
		SET decision_path = ?, outcome = ?, status = ?, mirror_head = ?,
		    target_head_before = ?, target_head_after = ?, error = ?,
		    completed_at = ?
		WHERE id = ?`,
		upd.DecisionPath, upd.Outcome, upd.Status, upd.MirrorHead,
		upd.TargetHeadBefore, upd.TargetHeadAfter, upd.Error,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record run finish: %w", err)
	}
	return nil
}

// AddEvent appends a timestamped event to a run.
func (j *Journal) AddEvent(ctx context.Context, runID, level, message string) error {
	if j == nil || j.db == nil || runID == "" {
		return nil
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO events (run_id, level, message, created_at)
		VALUES (?, ?, ?, ?)`,
		runID, level, message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// RecentRuns returns the most recent runs, newest first.
func (j *Journal) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if j == nil || j.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, hostname, flake_dir, decision_path, outcome, status,
		       mirror_head, target_head_before, target_head_after,
		       COALESCE(error, ''), started_at, completed_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var completed sql.NullTime
		if err := rows.Scan(
			&r.ID, &r.Hostname, &r.FlakeDir, &r.DecisionPath, &r.Outcome,
			&r.Status, &r.MirrorHead, &r.TargetHeadBefore, &r.TargetHeadAfter,
			&r.Error, &r.StartedAt, &completed,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if completed.Valid {
			t := completed.Time
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
