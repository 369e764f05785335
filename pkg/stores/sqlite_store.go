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
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/reflow-iac/reflow/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists applied state, the reconciler lease and cycle
// history in a single SQLite database. It implements engine.StateStore and
// engine.CycleLog.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
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

	s.db = db
	return nil
}

// HealthCheck verifies the database connection is alive.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations from the embedded migration files.
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

// Get retrieves the applied state for a logical name, or nil when absent.
func (s *SQLiteStore) Get(ctx context.Context, name string) (*engine.AppliedState, error) {
	query := `
		SELECT name, kind, provider_id, fields, outputs, depends_on, status, error, last_transition
		FROM applied_state
		WHERE name = ?
	`

	state, err := scanAppliedState(s.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get applied state: %w", err)
	}
	return state, nil
}

// Put upserts the applied state for a logical name in a single statement.
func (s *SQLiteStore) Put(ctx context.Context, state *engine.AppliedState) error {
	fields, err := marshalJSON(state.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}
	outputs, err := marshalJSON(state.Outputs)
	if err != nil {
		return fmt.Errorf("failed to encode outputs: %w", err)
	}
	dependsOn, err := marshalJSON(state.DependsOn)
	if err != nil {
		return fmt.Errorf("failed to encode depends_on: %w", err)
	}

	query := `
		INSERT INTO applied_state (name, kind, provider_id, fields, outputs, depends_on, status, error, last_transition)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			kind = excluded.kind,
			provider_id = excluded.provider_id,
			fields = excluded.fields,
			outputs = excluded.outputs,
			depends_on = excluded.depends_on,
			status = excluded.status,
			error = excluded.error,
			last_transition = excluded.last_transition
	`

	_, err = s.db.ExecContext(ctx, query,
		state.Name,
		string(state.Kind),
		state.ProviderID,
		fields,
		outputs,
		dependsOn,
		string(state.Status),
		state.Error,
		state.LastTransition,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert applied state: %w", err)
	}
	return nil
}

// List returns every applied state record keyed by logical name.
func (s *SQLiteStore) List(ctx context.Context) (map[string]*engine.AppliedState, error) {
	query := `
		SELECT name, kind, provider_id, fields, outputs, depends_on, status, error, last_transition
		FROM applied_state
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list applied state: %w", err)
	}
	defer rows.Close()

	states := make(map[string]*engine.AppliedState)
	for rows.Next() {
		state, err := scanAppliedState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan applied state: %w", err)
		}
		states[state.Name] = state
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating applied state: %w", err)
	}
	return states, nil
}

// Remove deletes the applied state for a logical name; absence is not an
// error.
func (s *SQLiteStore) Remove(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM applied_state WHERE name = ?", name); err != nil {
		return fmt.Errorf("failed to remove applied state: %w", err)
	}
	return nil
}

// AcquireLease takes the single store lease for holder. A live lease held
// by anyone else fails with a store-locked error; an expired one is taken
// over.
func (s *SQLiteStore) AcquireLease(ctx context.Context, holder string, ttl time.Duration) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin lease transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	var expires time.Time
	now := time.Now()
	err = tx.QueryRowContext(ctx, "SELECT holder, expires_at FROM lease WHERE id = 1").Scan(&current, &expires)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to read lease: %w", err)
	case current != "" && current != holder && now.Before(expires):
		return engine.NewStoreLockedError(current)
	}

	query := `
		INSERT INTO lease (id, holder, expires_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
	`
	if _, err := tx.ExecContext(ctx, query, holder, now.Add(ttl)); err != nil {
		return fmt.Errorf("failed to write lease: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit lease: %w", err)
	}
	return nil
}

// ReleaseLease drops the lease if holder still owns it.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, holder string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM lease WHERE id = 1 AND holder = ?", holder); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// SaveCycle persists one cycle report.
func (s *SQLiteStore) SaveCycle(ctx context.Context, report *engine.CycleReport) error {
	summary, err := marshalJSON(report.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	results, err := marshalJSON(report.Results)
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}

	query := `
		INSERT INTO cycles (id, status, summary, results, error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		report.ID,
		string(report.Status),
		summary,
		results,
		report.Error,
		report.StartedAt,
		report.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to save cycle: %w", err)
	}
	return nil
}

// ListCycles returns the most recent cycle reports, newest first.
func (s *SQLiteStore) ListCycles(ctx context.Context, limit int) ([]*engine.CycleReport, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, status, summary, results, error, started_at, duration_ms
		FROM cycles
		ORDER BY started_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycles: %w", err)
	}
	defer rows.Close()

	var cycles []*engine.CycleReport
	for rows.Next() {
		report := &engine.CycleReport{}
		var status, summary, results string
		var durationMS int64
		if err := rows.Scan(&report.ID, &status, &summary, &results, &report.Error, &report.StartedAt, &durationMS); err != nil {
			return nil, fmt.Errorf("failed to scan cycle: %w", err)
		}
		report.Status = engine.CycleStatus(status)
		report.Duration = time.Duration(durationMS) * time.Millisecond
		if err := json.Unmarshal([]byte(summary), &report.Summary); err != nil {
			return nil, fmt.Errorf("failed to decode summary: %w", err)
		}
		if results != "" {
			if err := json.Unmarshal([]byte(results), &report.Results); err != nil {
				return nil, fmt.Errorf("failed to decode results: %w", err)
			}
		}
		cycles = append(cycles, report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cycles: %w", err)
	}
	return cycles, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAppliedState(row rowScanner) (*engine.AppliedState, error) {
	state := &engine.AppliedState{}
	var kind, status, fields, outputs, dependsOn string
	if err := row.Scan(
		&state.Name,
		&kind,
		&state.ProviderID,
		&fields,
		&outputs,
		&dependsOn,
		&status,
		&state.Error,
		&state.LastTransition,
	); err != nil {
		return nil, err
	}
	state.Kind = engine.Kind(kind)
	state.Status = engine.AppliedStatus(status)
	if err := json.Unmarshal([]byte(fields), &state.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode fields: %w", err)
	}
	if err := json.Unmarshal([]byte(outputs), &state.Outputs); err != nil {
		return nil, fmt.Errorf("failed to decode outputs: %w", err)
	}
	if err := json.Unmarshal([]byte(dependsOn), &state.DependsOn); err != nil {
		return nil, fmt.Errorf("failed to decode depends_on: %w", err)
	}
	return state, nil
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
