package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marcboeker/go-duckdb/v2"
	"github.com/mayank-omega/crypto-data-engine/internal/models"
)

// DuckDBStore implements Store on an embedded DuckDB database, either a file
// or ":memory:".
type DuckDBStore struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger

	mu          sync.RWMutex
	initialized bool
	closed      bool

	inserted  atomic.Int64
	duplicate atomic.Int64
}

// NewDuckDBStore opens the DuckDB database at dbPath.
func NewDuckDBStore(dbPath string, logger *slog.Logger) (*DuckDBStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dbPath == "" {
		dbPath = ":memory:"
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// DuckDB allows a single writer; one connection also keeps ":memory:" databases
	// from splitting across pool connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStore{
		db:     db,
		dbPath: dbPath,
		logger: logger.With("component", "storage", "backend", "duckdb"),
	}, nil
}

// Initialize applies settings and migrates the schema to the latest version.
func (d *DuckDBStore) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return NewStorageError("initialize", "", "", ErrClosed)
	}

	d.logger.Info("initializing DuckDB storage", "db_path", d.dbPath)

	for _, setting := range []string{
		"SET enable_progress_bar = false",
		"SET TimeZone = 'UTC'",
	} {
		if _, err := d.db.ExecContext(ctx, setting); err != nil {
			d.logger.Warn("failed to apply setting", "setting", setting, "error", err)
		}
	}

	if err := NewMigrationManager(d.db, DialectDuckDB, d.logger).MigrateToLatest(ctx); err != nil {
		return NewStorageError("initialize", "", "", err)
	}

	d.initialized = true
	return nil
}

// InsertIfAbsent relies on the table's natural-key UNIQUE constraint.
func (d *DuckDBStore) InsertIfAbsent(ctx context.Context, table string, key models.NaturalKey, record models.Record) (InsertResult, error) {
	if err := checkTable(table); err != nil {
		return Exists, err
	}
	r, err := encodeRow(key, record)
	if err != nil {
		return Exists, NewInsertError(table, err)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return Exists, NewInsertError(table, ErrClosed)
	}

	query := insertQuery(table)
	res, err := d.db.ExecContext(ctx, query, r.args()...)
	if err != nil {
		if isDuckDBConstraint(err) {
			d.duplicate.Add(1)
			return Exists, nil
		}
		return Exists, NewStorageError("insert", table, query, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return Exists, NewStorageError("insert", table, query, err)
	}
	if n == 0 {
		d.duplicate.Add(1)
		return Exists, nil
	}
	d.inserted.Add(1)
	return Inserted, nil
}

func isDuckDBConstraint(err error) bool {
	var duckErr *duckdb.Error
	return errors.As(err, &duckErr) && duckErr.Type == duckdb.ErrorTypeConstraint
}

// QueryLatest returns up to limit records of series, newest first.
func (d *DuckDBStore) QueryLatest(ctx context.Context, table string, series models.SeriesKey, limit int) ([]models.Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, NewQueryError(table, "", ErrClosed)
	}

	query, args := latestQuery(table, series, normalizeLimit(limit))
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewQueryError(table, query, err)
	}
	defer rows.Close()

	var records []models.Record
	for rows.Next() {
		var r row
		var payload string
		if err := rows.Scan(&r.Source, &r.Symbol, &r.Kind, &r.ObservedAt, &r.Timeframe, &r.TradeID, &payload); err != nil {
			return nil, NewQueryError(table, query, fmt.Errorf("failed to scan row: %w", err))
		}
		r.Payload = []byte(payload)
		rec, err := r.record()
		if err != nil {
			return nil, NewQueryError(table, query, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError(table, query, err)
	}
	return records, nil
}

// Migrations exposes the migration manager for the CLI.
func (d *DuckDBStore) Migrations() *MigrationManager {
	return NewMigrationManager(d.db, DialectDuckDB, d.logger)
}

// GetStats counts rows per table.
func (d *DuckDBStore) GetStats(ctx context.Context) (*StorageStats, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, NewStorageError("stats", "", "", ErrClosed)
	}

	counts, err := countRows(ctx, d.db)
	if err != nil {
		return nil, err
	}
	return &StorageStats{
		Backend:   "duckdb",
		RowCounts: counts,
		Inserted:  d.inserted.Load(),
		Duplicate: d.duplicate.Load(),
		Timestamp: time.Now().UTC(),
	}, nil
}

func countRows(ctx context.Context, db *sql.DB) (map[string]int64, error) {
	counts := make(map[string]int64, len(AllTables))
	for _, table := range AllTables {
		var n int64
		query := "SELECT COUNT(*) FROM " + table
		if err := db.QueryRowContext(ctx, query).Scan(&n); err != nil {
			return nil, NewQueryError(table, query, err)
		}
		counts[table] = n
	}
	return counts, nil
}

// HealthCheck pings the database.
func (d *DuckDBStore) HealthCheck(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}
	if !d.initialized {
		return NewStorageError("health", "", "", errNotInitialized)
	}
	if err := d.db.PingContext(ctx); err != nil {
		return NewStorageError("health", "", "", err)
	}
	return nil
}

// Close closes the database.
func (d *DuckDBStore) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	if err := d.db.Close(); err != nil {
		return NewStorageError("close", "", "", err)
	}
	d.logger.Info("DuckDB storage closed")
	return nil
}
