package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mayank-omega/crypto-data-engine/internal/models"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	mu          sync.RWMutex
	initialized bool
	closed      bool

	inserted  atomic.Int64
	duplicate atomic.Int64
}

// NewPostgresStore connects to databaseURL and verifies the connection.
func NewPostgresStore(ctx context.Context, databaseURL string, maxConns int, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("parse connection string: %w", err))
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("create pool: %w", err))
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, NewStorageError("open", "", "", fmt.Errorf("ping database: %w", err))
	}

	return &PostgresStore{
		pool:   pool,
		logger: logger.With("component", "storage", "backend", "postgres"),
	}, nil
}

// Initialize migrates the schema through pgx's database/sql adapter.
func (p *PostgresStore) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return NewStorageError("initialize", "", "", ErrClosed)
	}

	if err := p.Migrations().MigrateToLatest(ctx); err != nil {
		return NewStorageError("initialize", "", "", err)
	}

	p.initialized = true
	p.logger.Info("postgres storage initialized")
	return nil
}

// Migrations returns a migration manager sharing the pool.
func (p *PostgresStore) Migrations() *MigrationManager {
	return NewMigrationManager(stdlib.OpenDBFromPool(p.pool), DialectPostgres, p.logger)
}

// InsertIfAbsent relies on ON CONFLICT DO NOTHING; a unique violation raised
// anyway is also reported as Exists.
func (p *PostgresStore) InsertIfAbsent(ctx context.Context, table string, key models.NaturalKey, record models.Record) (InsertResult, error) {
	if err := checkTable(table); err != nil {
		return Exists, err
	}
	r, err := encodeRow(key, record)
	if err != nil {
		return Exists, NewInsertError(table, err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return Exists, NewInsertError(table, ErrClosed)
	}

	query := insertQuery(table)
	tag, err := p.pool.Exec(ctx, query, r.args()...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			p.duplicate.Add(1)
			return Exists, nil
		}
		return Exists, NewStorageError("insert", table, query, err)
	}

	if tag.RowsAffected() == 0 {
		p.duplicate.Add(1)
		return Exists, nil
	}
	p.inserted.Add(1)
	return Inserted, nil
}

// QueryLatest returns up to limit records of series, newest first.
func (p *PostgresStore) QueryLatest(ctx context.Context, table string, series models.SeriesKey, limit int) ([]models.Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, NewQueryError(table, "", ErrClosed)
	}

	query, args := latestQuery(table, series, normalizeLimit(limit))
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, NewQueryError(table, query, err)
	}
	defer rows.Close()

	var records []models.Record
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.Source, &r.Symbol, &r.Kind, &r.ObservedAt, &r.Timeframe, &r.TradeID, &r.Payload); err != nil {
			return nil, NewQueryError(table, query, fmt.Errorf("failed to scan row: %w", err))
		}
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

// GetStats counts rows per table.
func (p *PostgresStore) GetStats(ctx context.Context) (*StorageStats, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, NewStorageError("stats", "", "", ErrClosed)
	}

	counts := make(map[string]int64, len(AllTables))
	for _, table := range AllTables {
		var n int64
		query := "SELECT COUNT(*) FROM " + table
		if err := p.pool.QueryRow(ctx, query).Scan(&n); err != nil {
			return nil, NewQueryError(table, query, err)
		}
		counts[table] = n
	}

	return &StorageStats{
		Backend:   "postgres",
		RowCounts: counts,
		Inserted:  p.inserted.Load(),
		Duplicate: p.duplicate.Load(),
		Timestamp: time.Now().UTC(),
	}, nil
}

// HealthCheck pings the pool.
func (p *PostgresStore) HealthCheck(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}
	if !p.initialized {
		return NewStorageError("health", "", "", errNotInitialized)
	}
	if err := p.pool.Ping(ctx); err != nil {
		return NewStorageError("health", "", "", err)
	}
	return nil
}

// Close closes the pool.
func (p *PostgresStore) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.pool.Close()
	return nil
}
