package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRunNotFound is returned when a run id is unknown to the store.
var ErrRunNotFound = errors.New("run not found")

// SQLiteStore implements durable run and rollback-log storage on SQLite.
// Appends are single atomic INSERTs: a step is either fully recorded or
// absent, so an unclean exit never leaves a torn final record.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

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
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
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

// Migrate runs database migrations from the embedded source.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
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

// CreateRun creates a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *RunRecord) error {
	query := `
		INSERT INTO runs (id, experiment, target_kind, target_config, status, started_at, completed_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	var targetConfig *string
	if len(run.TargetConfig) > 0 {
		str := string(run.TargetConfig)
		targetConfig = &str
	}

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Experiment,
		run.TargetKind,
		targetConfig,
		run.Status,
		run.StartedAt,
		run.CompletedAt,
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	query := `
		SELECT id, experiment, target_kind, target_config, status, started_at, completed_at, error
		FROM runs
		WHERE id = ?
	`

	run := &RunRecord{}
	var targetConfig *string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID,
		&run.Experiment,
		&run.TargetKind,
		&targetConfig,
		&run.Status,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Error,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if targetConfig != nil {
		run.TargetConfig = []byte(*targetConfig)
	}

	return run, nil
}

// UpdateRunStatus updates the status of a run, stamping completion time for
// terminal statuses.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id string, status RunStatus, errMsg *string) error {
	query := `
		UPDATE runs
		SET status = ?, error = ?, completed_at = ?
		WHERE id = ?
	`

	var completedAt *time.Time
	if status != RunStatusRunning {
		now := time.Now()
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, query, status, errMsg, completedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}

	return nil
}

// ListRuns lists runs with pagination, most recent first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error) {
	query := `
		SELECT id, experiment, target_kind, target_config, status, started_at, completed_at, error
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	return scanRuns(rows)
}

// ListRunsWithOpenSteps returns runs that still have non-terminal rollback
// steps: an incomplete rollback from a prior crash.
func (s *SQLiteStore) ListRunsWithOpenSteps(ctx context.Context) ([]*RunRecord, error) {
	query := `
		SELECT DISTINCT r.id, r.experiment, r.target_kind, r.target_config, r.status, r.started_at, r.completed_at, r.error
		FROM runs r
		JOIN rollback_steps st ON st.run_id = r.id
		WHERE st.status IN ('pending', 'failed')
		ORDER BY r.started_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs with open steps: %w", err)
	}
	defer rows.Close()

	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]*RunRecord, error) {
	runs := []*RunRecord{}
	for rows.Next() {
		run := &RunRecord{}
		var targetConfig *string
		err := rows.Scan(
			&run.ID,
			&run.Experiment,
			&run.TargetKind,
			&targetConfig,
			&run.Status,
			&run.StartedAt,
			&run.CompletedAt,
			&run.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if targetConfig != nil {
			run.TargetConfig = []byte(*targetConfig)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// AppendStep durably appends a rollback step at the next sequence number for
// the run and returns that sequence number. The insert is a single statement
// so the append is atomic: it happened or it did not.
func (s *SQLiteStore) AppendStep(ctx context.Context, runID, action string, payload []byte) (int64, error) {
	query := `
		INSERT INTO rollback_steps (run_id, seq, action, payload, status, attempts, created_at, updated_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM rollback_steps WHERE run_id = ?), ?, ?, 'pending', 0, ?, ?)
		RETURNING seq
	`

	now := time.Now()
	var seq int64
	err := s.db.QueryRowContext(ctx, query, runID, runID, action, string(payload), now, now).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to append rollback step: %w", err)
	}

	return seq, nil
}

// ListOpenSteps returns the run's non-terminal steps in descending sequence
// order: the exact replay order.
func (s *SQLiteStore) ListOpenSteps(ctx context.Context, runID string) ([]*RollbackStep, error) {
	query := `
		SELECT run_id, seq, action, payload, status, attempts, error, created_at, updated_at
		FROM rollback_steps
		WHERE run_id = ? AND status IN ('pending', 'failed')
		ORDER BY seq DESC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list open steps: %w", err)
	}
	defer rows.Close()

	return scanSteps(rows)
}

// ListSteps returns every step for a run in ascending sequence order, for
// reporting.
func (s *SQLiteStore) ListSteps(ctx context.Context, runID string) ([]*RollbackStep, error) {
	query := `
		SELECT run_id, seq, action, payload, status, attempts, error, created_at, updated_at
		FROM rollback_steps
		WHERE run_id = ?
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	return scanSteps(rows)
}

func scanSteps(rows *sql.Rows) ([]*RollbackStep, error) {
	steps := []*RollbackStep{}
	for rows.Next() {
		step := &RollbackStep{}
		var payload string
		err := rows.Scan(
			&step.RunID,
			&step.Seq,
			&step.Action,
			&payload,
			&step.Status,
			&step.Attempts,
			&step.Error,
			&step.CreatedAt,
			&step.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rollback step: %w", err)
		}
		step.Payload = []byte(payload)
		steps = append(steps, step)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rollback steps: %w", err)
	}

	return steps, nil
}

// UpdateStepStatus records the outcome of one replay attempt for a step.
func (s *SQLiteStore) UpdateStepStatus(ctx context.Context, runID string, seq int64, status StepStatus, attempts int, errMsg *string) error {
	query := `
		UPDATE rollback_steps
		SET status = ?, attempts = ?, error = ?, updated_at = ?
		WHERE run_id = ? AND seq = ?
	`

	result, err := s.db.ExecContext(ctx, query, status, attempts, errMsg, time.Now(), runID, seq)
	if err != nil {
		return fmt.Errorf("failed to update step status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("rollback step not found: %s/%d", runID, seq)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}
