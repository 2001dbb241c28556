package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Dialect selects the SQL flavour a migration list is written for.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectDuckDB   Dialect = "duckdb"
)

// Migration represents a single database migration with version and implementation
type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, tx *sql.Tx) error
	Down        func(ctx context.Context, tx *sql.Tx) error
}

// MigrationManager handles schema migrations for the SQL backends. Postgres
// reaches it through pgx's database/sql adapter, DuckDB natively.
type MigrationManager struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
	migrate []Migration
}

// MigrationStatus represents the current state of database migrations
type MigrationStatus struct {
	CurrentVersion      int                `json:"current_version"`
	LatestVersion       int                `json:"latest_version"`
	AppliedMigrations   []AppliedMigration `json:"applied_migrations"`
	PendingMigrations   int                `json:"pending_migrations"`
	TotalMigrations     int                `json:"total_migrations"`
	DatabaseInitialized bool               `json:"database_initialized"`
}

// AppliedMigration represents a migration that has been applied
type AppliedMigration struct {
	Version       int           `json:"version"`
	Description   string        `json:"description"`
	AppliedAt     time.Time     `json:"applied_at"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// NewMigrationManager creates a migration manager for db using the migration
// list of dialect.
func NewMigrationManager(db *sql.DB, dialect Dialect, logger *slog.Logger) *MigrationManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &MigrationManager{
		db:      db,
		dialect: dialect,
		logger:  logger.With("component", "migrations", "dialect", string(dialect)),
		migrate: migrationsFor(dialect),
	}
}

// Initialize creates the migrations table if it doesn't exist
func (m *MigrationManager) Initialize(ctx context.Context) error {
	createMigrationsTable := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description VARCHAR NOT NULL,
			applied_at TIMESTAMP NOT NULL,
			execution_time BIGINT NOT NULL DEFAULT 0
		)`

	if _, err := m.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// Migrate runs all pending migrations up to the target version
func (m *MigrationManager) Migrate(ctx context.Context, targetVersion int) error {
	if err := m.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize migration manager: %w", err)
	}

	currentVersion, err := m.getCurrentVersion(ctx)
	if err != nil {
		return err
	}

	if currentVersion >= targetVersion {
		m.logger.Debug("no migrations to run", "current_version", currentVersion)
		return nil
	}

	applied := 0
	for _, migration := range m.migrate {
		if migration.Version <= currentVersion || migration.Version > targetVersion {
			continue
		}
		if err := m.runMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", migration.Version, err)
		}
		applied++
	}

	m.logger.Info("migrations completed",
		"from_version", currentVersion,
		"final_version", targetVersion,
		"migrations_run", applied)
	return nil
}

// MigrateToLatest runs all available migrations
func (m *MigrationManager) MigrateToLatest(ctx context.Context) error {
	if len(m.migrate) == 0 {
		return nil
	}
	return m.Migrate(ctx, m.migrate[len(m.migrate)-1].Version)
}

// Rollback rolls back migrations to the target version
func (m *MigrationManager) Rollback(ctx context.Context, targetVersion int) error {
	if err := m.Initialize(ctx); err != nil {
		return err
	}

	currentVersion, err := m.getCurrentVersion(ctx)
	if err != nil {
		return err
	}

	if currentVersion <= targetVersion {
		return nil
	}

	for i := len(m.migrate) - 1; i >= 0; i-- {
		migration := m.migrate[i]
		if migration.Version <= targetVersion || migration.Version > currentVersion {
			continue
		}
		if err := m.rollbackMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to rollback migration %d: %w", migration.Version, err)
		}
	}

	m.logger.Info("rollback completed", "final_version", targetVersion)
	return nil
}

// GetStatus returns the current migration status
func (m *MigrationManager) GetStatus(ctx context.Context) (*MigrationStatus, error) {
	if err := m.Initialize(ctx); err != nil {
		return nil, err
	}

	currentVersion, err := m.getCurrentVersion(ctx)
	if err != nil {
		return nil, err
	}

	appliedMigrations, err := m.getAppliedMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	latestVersion := 0
	if len(m.migrate) > 0 {
		latestVersion = m.migrate[len(m.migrate)-1].Version
	}

	pendingCount := 0
	for _, migration := range m.migrate {
		if migration.Version > currentVersion {
			pendingCount++
		}
	}

	return &MigrationStatus{
		CurrentVersion:      currentVersion,
		LatestVersion:       latestVersion,
		AppliedMigrations:   appliedMigrations,
		PendingMigrations:   pendingCount,
		TotalMigrations:     len(m.migrate),
		DatabaseInitialized: currentVersion >= 1,
	}, nil
}

// runMigration executes a single migration inside a transaction
func (m *MigrationManager) runMigration(ctx context.Context, migration Migration) error {
	start := time.Now()

	m.logger.Info("applying migration",
		"version", migration.Version,
		"description", migration.Description)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := migration.Up(ctx, tx); err != nil {
		return fmt.Errorf("migration execution failed: %w", err)
	}

	insertQuery := `
		INSERT INTO schema_migrations (version, description, applied_at, execution_time)
		VALUES ($1, $2, $3, $4)`

	if _, err := tx.ExecContext(ctx, insertQuery,
		migration.Version,
		migration.Description,
		start.UTC(),
		time.Since(start).Nanoseconds()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	m.logger.Info("migration applied",
		"version", migration.Version,
		"duration", time.Since(start))
	return nil
}

// rollbackMigration executes a single migration rollback
func (m *MigrationManager) rollbackMigration(ctx context.Context, migration Migration) error {
	if migration.Down == nil {
		return fmt.Errorf("migration %d has no rollback function", migration.Version)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start rollback transaction: %w", err)
	}
	defer tx.Rollback()

	if err := migration.Down(ctx, tx); err != nil {
		return fmt.Errorf("rollback execution failed: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = $1", migration.Version); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rollback: %w", err)
	}

	m.logger.Info("migration rolled back", "version", migration.Version)
	return nil
}

// getCurrentVersion returns the highest applied migration version
func (m *MigrationManager) getCurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

// getAppliedMigrations returns list of applied migrations with metadata
func (m *MigrationManager) getAppliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT version, description, applied_at, execution_time
		FROM schema_migrations
		ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	var migrations []AppliedMigration
	for rows.Next() {
		var migration AppliedMigration
		var executionTime int64

		if err := rows.Scan(
			&migration.Version,
			&migration.Description,
			&migration.AppliedAt,
			&executionTime,
		); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}

		migration.ExecutionTime = time.Duration(executionTime)
		migrations = append(migrations, migration)
	}
	return migrations, rows.Err()
}

// migrationsFor returns the ordered migration list of a dialect. Both lists
// produce the same logical schema: one table per record kind whose unique
// constraint is the natural key.
func migrationsFor(dialect Dialect) []Migration {
	payloadType, timeType := "VARCHAR", "TIMESTAMP"
	if dialect == DialectPostgres {
		payloadType, timeType = "JSONB", "TIMESTAMPTZ"
	}

	return []Migration{
		{
			Version:     1,
			Description: "Create record tables keyed by natural key",
			Up: func(ctx context.Context, tx *sql.Tx) error {
				for _, table := range AllTables {
					stmt := fmt.Sprintf(`
						CREATE TABLE IF NOT EXISTS %s (
							source VARCHAR NOT NULL,
							symbol VARCHAR NOT NULL,
							kind VARCHAR NOT NULL,
							observed_at %s NOT NULL,
							timeframe VARCHAR NOT NULL DEFAULT '',
							trade_id VARCHAR NOT NULL DEFAULT '',
							payload %s NOT NULL,
							created_at %s NOT NULL DEFAULT CURRENT_TIMESTAMP,
							UNIQUE (source, symbol, observed_at, timeframe, trade_id)
						)`, table, timeType, payloadType, timeType)
					if _, err := tx.ExecContext(ctx, stmt); err != nil {
						return fmt.Errorf("create table %s: %w", table, err)
					}
				}
				return nil
			},
			Down: func(ctx context.Context, tx *sql.Tx) error {
				for i := len(AllTables) - 1; i >= 0; i-- {
					if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+AllTables[i]); err != nil {
						return fmt.Errorf("drop table %s: %w", AllTables[i], err)
					}
				}
				return nil
			},
		},
		{
			Version:     2,
			Description: "Add latest-by-series indexes",
			Up: func(ctx context.Context, tx *sql.Tx) error {
				for _, table := range AllTables {
					stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_series ON %s (symbol, timeframe, observed_at)", table, table)
					if _, err := tx.ExecContext(ctx, stmt); err != nil {
						return fmt.Errorf("create index on %s: %w", table, err)
					}
				}
				return nil
			},
			Down: func(ctx context.Context, tx *sql.Tx) error {
				for _, table := range AllTables {
					if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP INDEX IF EXISTS idx_%s_series", table)); err != nil {
						return fmt.Errorf("drop index on %s: %w", table, err)
					}
				}
				return nil
			},
		},
	}
}
