package stores

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
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPath returns the history database location under the user's home
// directory.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".sitekick", "history.db")
	}
	return filepath.Join(home, ".sitekick", "history.db")
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime = 1, 1, 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a store at path.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Init opens the database with foreign keys and WAL mode enabled.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if s.cfg.Path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"

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

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
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

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// CommitTx commits a transaction
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// CreateRun creates a new run record. An empty ID is replaced by a new UUID.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	if run.Sources == "" {
		run.Sources = "[]"
	}
	if run.Metadata == "" {
		run.Metadata = "{}"
	}

	query := `
		INSERT INTO runs (id, task_file, sources, status, successful, started_at, completed_at, error, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.TaskFile,
		run.Sources,
		run.Status,
		run.Successful,
		run.StartedAt.UTC(),
		utcPtr(run.CompletedAt),
		run.Error,
		run.Metadata,
		run.CreatedAt.UTC(),
		run.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

const runColumns = `
	r.id, r.task_file, r.sources, r.status, r.successful, r.started_at, r.completed_at,
	r.error, r.metadata, r.created_at, r.updated_at,
	(SELECT COUNT(*) FROM task_results t WHERE t.run_id = r.id),
	(SELECT COUNT(*) FROM task_results t WHERE t.run_id = r.id AND t.successful = 0)
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.TaskFile,
		&run.Sources,
		&run.Status,
		&run.Successful,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Error,
		&run.Metadata,
		&run.CreatedAt,
		&run.UpdatedAt,
		&run.TaskCount,
		&run.FailedTasks,
	)
	return run, err
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs r WHERE r.id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// FinishRun records the final status of a run
func (s *SQLiteStore) FinishRun(ctx context.Context, id string, status RunStatus, successful bool, errMsg *string) error {
	query := `
		UPDATE runs
		SET status = ?, successful = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`

	now := time.Now().UTC()
	var completedAt *time.Time
	if status.Finished() {
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, query, status, successful, errMsg, completedAt, now, id)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}

	return expectRow(result, "run", id)
}

// ListRuns lists runs, most recent first
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := `SELECT ` + runColumns + `
		FROM runs r
		ORDER BY r.started_at DESC, r.rowid DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
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

// DeleteRun deletes a run and its task results
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	return expectRow(result, "run", id)
}

// PruneRuns deletes runs started before the given time
func (s *SQLiteStore) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// CreateTaskResult stores a task result and its entries in one transaction.
// An empty ID is replaced by a new UUID; entry sequence numbers follow the
// slice order.
func (s *SQLiteStore) CreateTaskResult(ctx context.Context, result *TaskResult) (err error) {
	if result.ID == "" {
		result.ID = uuid.NewString()
	}
	if result.StartedAt.IsZero() {
		result.StartedAt = time.Now().UTC()
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = s.RollbackTx(tx)
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_results (
			id, run_id, seq, task_id, action, host, site, application,
			status, successful, error, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		result.ID,
		result.RunID,
		result.Seq,
		result.TaskID,
		result.Action,
		result.Host,
		result.Site,
		result.Application,
		result.Status,
		result.Successful,
		result.Error,
		result.StartedAt.UTC(),
		utcPtr(result.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create task result: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO outcome_entries (task_result_id, seq, phase, kind, message)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare entry insert: %w", err)
	}
	defer stmt.Close()

	for i := range result.Entries {
		e := &result.Entries[i]
		e.Seq = i
		res, err := stmt.ExecContext(ctx, result.ID, e.Seq, e.Phase, e.Kind, e.Message)
		if err != nil {
			return fmt.Errorf("failed to create outcome entry: %w", err)
		}
		if e.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get outcome entry ID: %w", err)
		}
	}

	if err = s.CommitTx(tx); err != nil {
		return fmt.Errorf("failed to commit task result: %w", err)
	}
	return nil
}

const taskResultColumns = `
	id, run_id, seq, task_id, action, host, site, application,
	status, successful, error, started_at, completed_at
`

// ListTaskResults returns the task results of a run in task order, with
// their entries.
func (s *SQLiteStore) ListTaskResults(ctx context.Context, runID string) ([]*TaskResult, error) {
	query := `SELECT ` + taskResultColumns + ` FROM task_results WHERE run_id = ? ORDER BY seq`
	return s.queryTaskResults(ctx, query, runID)
}

// ListTargetHistory returns the most recent task results for one
// application, newest first, with their entries.
func (s *SQLiteStore) ListTargetHistory(ctx context.Context, host, site, application string, limit int) ([]*TaskResult, error) {
	query := `SELECT ` + taskResultColumns + `
		FROM task_results
		WHERE host = ? AND site = ? AND application = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`
	return s.queryTaskResults(ctx, query, host, site, application, limit)
}

func (s *SQLiteStore) queryTaskResults(ctx context.Context, query string, args ...any) ([]*TaskResult, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list task results: %w", err)
	}
	defer rows.Close()

	results := []*TaskResult{}
	byID := make(map[string]*TaskResult)
	for rows.Next() {
		r := &TaskResult{}
		err := rows.Scan(
			&r.ID,
			&r.RunID,
			&r.Seq,
			&r.TaskID,
			&r.Action,
			&r.Host,
			&r.Site,
			&r.Application,
			&r.Status,
			&r.Successful,
			&r.Error,
			&r.StartedAt,
			&r.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task result: %w", err)
		}
		results = append(results, r)
		byID[r.ID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task results: %w", err)
	}
	rows.Close()

	for _, r := range results {
		entries, err := s.listEntries(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		byID[r.ID].Entries = entries
	}

	return results, nil
}

func (s *SQLiteStore) listEntries(ctx context.Context, taskResultID string) ([]OutcomeEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, phase, kind, message
		FROM outcome_entries
		WHERE task_result_id = ?
		ORDER BY seq
	`, taskResultID)
	if err != nil {
		return nil, fmt.Errorf("failed to list outcome entries: %w", err)
	}
	defer rows.Close()

	var entries []OutcomeEntry
	for rows.Next() {
		var e OutcomeEntry
		if err := rows.Scan(&e.ID, &e.Seq, &e.Phase, &e.Kind, &e.Message); err != nil {
			return nil, fmt.Errorf("failed to scan outcome entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outcome entries: %w", err)
	}
	return entries, nil
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.Timestamp.UTC(),
	)

	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries with optional filters and pagination
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR actor = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, actor, actor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func expectRow(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

var _ Store = (*SQLiteStore)(nil)
