package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/balena-io-experimental/gustav/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

var _ engine.Journal = (*SQLiteStore)(nil)

// SQLiteStore is a seek journal backed by SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RunFilter selects runs for ListRuns.
type RunFilter struct {
	// Status keeps runs with this status only.
	Status engine.WorkerStatus

	Limit  int
	Offset int
}

// NewSQLiteStore creates a new SQLite store. Init must be called before use.
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
	// Every connection to :memory: opens a distinct database.
	if inMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a store at path.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database connection and enables WAL mode for files.
func (s *SQLiteStore) Init(ctx context.Context) error {
	pragmas := []string{"foreign_keys(1)", "busy_timeout(5000)"}
	if !inMemory(s.cfg.Path) {
		pragmas = append(pragmas, "journal_mode(WAL)", "synchronous(NORMAL)")
	}
	dsn := "file:" + s.cfg.Path + "?_pragma=" + strings.Join(pragmas, "&_pragma=") + "&_txlock=immediate"

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

// Migrate runs the embedded migrations.
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

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// CreateRun implements engine.Journal.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *engine.Run) error {
	query := `
		INSERT INTO runs (id, status, exact, target, initial_state, replans, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		string(run.Status),
		run.Exact,
		nullJSON(run.Target),
		nullJSON(run.Initial),
		run.Replans,
		run.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// FinishRun implements engine.Journal.
func (s *SQLiteStore) FinishRun(ctx context.Context, run *engine.Run) error {
	query := `
		UPDATE runs
		SET status = ?, final_state = ?, replans = ?, error = ?, completed_at = ?
		WHERE id = ?
	`

	var errJSON interface{}
	if run.Error != nil {
		b, err := json.Marshal(run.Error)
		if err != nil {
			return fmt.Errorf("failed to encode run error: %w", err)
		}
		errJSON = string(b)
	}
	var completedAt interface{}
	if run.CompletedAt != nil {
		completedAt = run.CompletedAt.UTC()
	}

	result, err := s.db.ExecContext(ctx, query,
		string(run.Status),
		nullJSON(run.Final),
		run.Replans,
		errJSON,
		completedAt,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}

	return nil
}

// RecordPlan implements engine.Journal.
func (s *SQLiteStore) RecordPlan(ctx context.Context, plan *engine.PlanRecord) error {
	query := `
		INSERT INTO plans (plan_id, run_id, attempt, nodes, summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		plan.PlanID,
		plan.RunID,
		plan.Attempt,
		plan.Nodes,
		nullJSON(plan.Summary),
		plan.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record plan: %w", err)
	}

	return nil
}

// RecordWave implements engine.Journal.
func (s *SQLiteStore) RecordWave(ctx context.Context, wave *engine.WaveRecord) error {
	query := `
		INSERT INTO waves (run_id, plan_id, idx, version, diverged, nodes, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	nodes, err := json.Marshal(wave.Nodes)
	if err != nil {
		return fmt.Errorf("failed to encode wave nodes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query,
		wave.RunID,
		wave.PlanID,
		wave.Index,
		int64(wave.Version),
		wave.Diverged,
		string(nodes),
		wave.StartedAt.UTC(),
		wave.CompletedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record wave: %w", err)
	}

	return nil
}

const runColumns = `id, status, exact, target, initial_state, final_state, replans, error, started_at, completed_at`

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns lists runs, most recent first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*engine.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []interface{}
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC, id LIMIT ? OFFSET ?`

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*engine.Run{}
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

// ListPlans lists the plans of a run in attempt order.
func (s *SQLiteStore) ListPlans(ctx context.Context, runID string) ([]*engine.PlanRecord, error) {
	query := `
		SELECT plan_id, run_id, attempt, nodes, summary, created_at
		FROM plans
		WHERE run_id = ?
		ORDER BY attempt
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	plans := []*engine.PlanRecord{}
	for rows.Next() {
		p := &engine.PlanRecord{}
		var summary sql.NullString
		if err := rows.Scan(&p.PlanID, &p.RunID, &p.Attempt, &p.Nodes, &summary, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		p.Summary = rawJSON(summary)
		plans = append(plans, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plans: %w", err)
	}

	return plans, nil
}

// ListWaves lists the committed waves of a run in execution order.
func (s *SQLiteStore) ListWaves(ctx context.Context, runID string) ([]*engine.WaveRecord, error) {
	query := `
		SELECT w.run_id, w.plan_id, w.idx, w.version, w.diverged, w.nodes, w.started_at, w.completed_at
		FROM waves w
		WHERE w.run_id = ?
		ORDER BY w.version, w.idx
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list waves: %w", err)
	}
	defer rows.Close()

	waves := []*engine.WaveRecord{}
	for rows.Next() {
		w := &engine.WaveRecord{}
		var (
			version int64
			nodes   string
		)
		if err := rows.Scan(&w.RunID, &w.PlanID, &w.Index, &version, &w.Diverged, &nodes, &w.StartedAt, &w.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan wave: %w", err)
		}
		w.Version = uint64(version)
		if err := json.Unmarshal([]byte(nodes), &w.Nodes); err != nil {
			return nil, fmt.Errorf("failed to decode wave nodes: %w", err)
		}
		waves = append(waves, w)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating waves: %w", err)
	}

	return waves, nil
}

// DeleteRun deletes a run with its plans and waves.
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

// Prune deletes the runs started before cutoff and returns how many were
// removed.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*engine.Run, error) {
	run := &engine.Run{}
	var (
		status                 string
		target, initial, final sql.NullString
		errJSON                sql.NullString
		completedAt            sql.NullTime
	)
	err := row.Scan(
		&run.ID,
		&status,
		&run.Exact,
		&target,
		&initial,
		&final,
		&run.Replans,
		&errJSON,
		&run.StartedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Status = engine.WorkerStatus(status)
	run.Target = rawJSON(target)
	run.Initial = rawJSON(initial)
	run.Final = rawJSON(final)
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if errJSON.Valid {
		e := &engine.Error{}
		if err := json.Unmarshal([]byte(errJSON.String), e); err != nil {
			return nil, fmt.Errorf("failed to decode run error: %w", err)
		}
		run.Error = e
	}
	return run, nil
}

func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawJSON(s sql.NullString) json.RawMessage {
	if !s.Valid {
		return nil
	}
	return json.RawMessage(s.String)
}

func inMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}
