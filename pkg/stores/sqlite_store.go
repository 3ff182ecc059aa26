package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// every connection to :memory: is a separate database
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction.
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// SaveRun writes a run, its outcomes and its events in one transaction.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *Run, outcomes []*Outcome, events []*Event) (err error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// replacing the run cascades to its outcomes and events
	if _, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, run.ID); err != nil {
		return fmt.Errorf("failed to replace run: %w", err)
	}

	sources, err := json.Marshal(nonNil(run.Sources))
	if err != nil {
		return fmt.Errorf("failed to encode sources: %w", err)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, status, dry_run, hostname, sources, started_at, completed_at, duration_ns,
			total, unchanged, changed, blocked, failed, error, error_class, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.Status,
		run.DryRun,
		run.Hostname,
		string(sources),
		run.StartedAt.UTC(),
		run.CompletedAt.UTC(),
		int64(run.Duration),
		run.Total,
		run.Unchanged,
		run.Changed,
		run.Blocked,
		run.Failed,
		run.Error,
		run.ErrorClass,
		run.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for _, o := range outcomes {
		blockedBy, mErr := json.Marshal(nonNil(o.BlockedBy))
		if mErr != nil {
			return fmt.Errorf("failed to encode blocked_by: %w", mErr)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO outcomes (run_id, seq, kind, key, description, implicit, outcome, state, operation,
				summary, dry_run, error, reason, blocked_by, completed_at, duration_ns)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			run.ID,
			o.Seq,
			o.Kind,
			o.Key,
			o.Description,
			o.Implicit,
			o.Outcome,
			o.State,
			o.Operation,
			o.Summary,
			o.DryRun,
			o.Error,
			o.Reason,
			string(blockedBy),
			o.CompletedAt.UTC(),
			int64(o.Duration),
		)
		if err != nil {
			return fmt.Errorf("failed to insert outcome %s: %w", o.Key, err)
		}
		o.RunID = run.ID
	}

	for _, e := range events {
		res, execErr := tx.ExecContext(ctx, `
			INSERT INTO events (run_id, type, level, resource, from_state, to_state, message, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			run.ID,
			e.Type,
			e.Level,
			e.Resource,
			e.From,
			e.To,
			e.Message,
			e.Timestamp.UTC(),
		)
		if execErr != nil {
			err = execErr
			return fmt.Errorf("failed to insert event: %w", err)
		}
		if id, idErr := res.LastInsertId(); idErr == nil {
			e.ID = id
		}
		e.RunID = run.ID
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

const runColumns = `id, status, dry_run, hostname, sources, started_at, completed_at, duration_ns,
	total, unchanged, changed, blocked, failed, error, error_class, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run      Run
		sources  string
		duration int64
	)
	err := row.Scan(
		&run.ID,
		&run.Status,
		&run.DryRun,
		&run.Hostname,
		&sources,
		&run.StartedAt,
		&run.CompletedAt,
		&duration,
		&run.Total,
		&run.Unchanged,
		&run.Changed,
		&run.Blocked,
		&run.Failed,
		&run.Error,
		&run.ErrorClass,
		&run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Duration = time.Duration(duration)
	if err := json.Unmarshal([]byte(sources), &run.Sources); err != nil {
		return nil, fmt.Errorf("failed to decode sources: %w", err)
	}
	return &run, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run with its outcomes and events.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	return nil
}

// PruneRuns keeps the newest keep runs and deletes the rest, returning the
// number of runs deleted.
func (s *SQLiteStore) PruneRuns(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must not be negative")
	}
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM runs WHERE id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC, id DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

const outcomeColumns = `run_id, seq, kind, key, description, implicit, outcome, state, operation,
	summary, dry_run, error, reason, blocked_by, completed_at, duration_ns`

func (s *SQLiteStore) queryOutcomes(ctx context.Context, query string, args ...any) ([]*Outcome, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := []*Outcome{}
	for rows.Next() {
		var (
			o         Outcome
			blockedBy string
			duration  int64
		)
		err := rows.Scan(
			&o.RunID,
			&o.Seq,
			&o.Kind,
			&o.Key,
			&o.Description,
			&o.Implicit,
			&o.Outcome,
			&o.State,
			&o.Operation,
			&o.Summary,
			&o.DryRun,
			&o.Error,
			&o.Reason,
			&blockedBy,
			&o.CompletedAt,
			&duration,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		o.Duration = time.Duration(duration)
		if err := json.Unmarshal([]byte(blockedBy), &o.BlockedBy); err != nil {
			return nil, fmt.Errorf("failed to decode blocked_by: %w", err)
		}
		if len(o.BlockedBy) == 0 {
			o.BlockedBy = nil
		}
		outcomes = append(outcomes, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outcomes: %w", err)
	}

	return outcomes, nil
}

// ListOutcomes returns the outcomes of a run in the run's execution order.
func (s *SQLiteStore) ListOutcomes(ctx context.Context, runID string) ([]*Outcome, error) {
	return s.queryOutcomes(ctx,
		`SELECT `+outcomeColumns+` FROM outcomes WHERE run_id = ? ORDER BY seq`, runID)
}

// ResourceHistory returns the most recent outcomes for one resource across
// runs, newest first.
func (s *SQLiteStore) ResourceHistory(ctx context.Context, kind, key string, limit int) ([]*Outcome, error) {
	return s.queryOutcomes(ctx, `
		SELECT o.run_id, o.seq, o.kind, o.key, o.description, o.implicit, o.outcome, o.state, o.operation,
			o.summary, o.dry_run, o.error, o.reason, o.blocked_by, o.completed_at, o.duration_ns
		FROM outcomes o JOIN runs r ON r.id = o.run_id
		WHERE o.kind = ? AND o.key = ?
		ORDER BY r.started_at DESC, r.id DESC
		LIMIT ?
	`, kind, key, limit)
}

// GetEvents returns the timeline of a run in insertion order.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string, limit, offset int) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, type, level, resource, from_state, to_state, message, timestamp
		FROM events
		WHERE run_id = ?
		ORDER BY id
		LIMIT ? OFFSET ?
	`, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		e := &Event{}
		err := rows.Scan(
			&e.ID,
			&e.RunID,
			&e.Type,
			&e.Level,
			&e.Resource,
			&e.From,
			&e.To,
			&e.Message,
			&e.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
