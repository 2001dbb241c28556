// Package storage defines the persistence contract of the ingestion pipeline and its
// backends. Every record kind lives in its own table keyed by the record's natural
// key; backends only need to offer an atomic insert-if-absent and a newest-first read
// of the latest N rows of a series. The Writer built on top of a Store is the
// pipeline's deduplication point.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mayank-omega/crypto-data-engine/internal/models"
)

// InsertResult reports what an insert-if-absent did.
type InsertResult int

const (
	// Inserted means a new row was written.
	Inserted InsertResult = iota
	// Exists means a row with the same natural key was already present.
	Exists
)

// String implements fmt.Stringer.
func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Exists:
		return "exists"
	default:
		return "unknown"
	}
}

// Table names, one per record kind.
const (
	TableTickers        = "tickers"
	TableOHLCV          = "ohlcv"
	TableOrderBooks     = "order_books"
	TableTrades         = "trades"
	TableMarketMetrics  = "market_metrics"
	TableOnChainMetrics = "onchain_metrics"
)

var kindTables = map[models.RecordKind]string{
	models.KindTicker:    TableTickers,
	models.KindCandle:    TableOHLCV,
	models.KindOrderBook: TableOrderBooks,
	models.KindTrade:     TableTrades,
	models.KindMetric:    TableMarketMetrics,
	models.KindOnChain:   TableOnChainMetrics,
}

// AllTables lists the record tables in creation order.
var AllTables = []string{
	TableTickers, TableOHLCV, TableOrderBooks, TableTrades, TableMarketMetrics, TableOnChainMetrics,
}

// TableFor returns the table holding records of kind.
func TableFor(kind models.RecordKind) (string, error) {
	table, ok := kindTables[kind]
	if !ok {
		return "", fmt.Errorf("%w: no table for record kind %q", ErrUnknownTable, kind)
	}
	return table, nil
}

// KindForTable is the inverse of TableFor.
func KindForTable(table string) (models.RecordKind, error) {
	for kind, t := range kindTables {
		if t == table {
			return kind, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTable, table)
}

var (
	// ErrUnknownTable is returned for table names outside AllTables.
	ErrUnknownTable = errors.New("unknown table")
	// ErrDuplicateKey is returned by backends that surface a unique-constraint
	// violation instead of resolving it themselves. The Writer maps it to AlreadyExists.
	ErrDuplicateKey = errors.New("duplicate natural key")
	// ErrClosed is returned by every operation on a closed store.
	ErrClosed = errors.New("storage is closed")

	errNotInitialized = errors.New("storage is not initialized")
)

// RecordInserter persists records idempotently.
type RecordInserter interface {
	// InsertIfAbsent writes record under key unless a row with the same natural
	// key exists. The uniqueness check and the write are atomic.
	InsertIfAbsent(ctx context.Context, table string, key models.NaturalKey, record models.Record) (InsertResult, error)
}

// RecordReader reads back persisted records.
type RecordReader interface {
	// QueryLatest returns up to limit records of series, newest first.
	QueryLatest(ctx context.Context, table string, series models.SeriesKey, limit int) ([]models.Record, error)
}

// StorageManager handles backend lifecycle.
type StorageManager interface {
	Initialize(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) error
	GetStats(ctx context.Context) (*StorageStats, error)
}

// Store is the full contract a backend provides.
type Store interface {
	RecordInserter
	RecordReader
	StorageManager
}

// StorageStats provides operational statistics about a backend.
type StorageStats struct {
	Backend   string           `json:"backend"`
	RowCounts map[string]int64 `json:"row_counts"`
	Inserted  int64            `json:"inserted"`
	Duplicate int64            `json:"duplicate"`
	Timestamp time.Time        `json:"timestamp"`
}

// DefaultQueryLimit applies when QueryLatest is called with a non-positive limit.
const DefaultQueryLimit = 100

// MaxQueryLimit caps a single QueryLatest call.
const MaxQueryLimit = 1000

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}

func checkTable(table string) error {
	if _, err := KindForTable(table); err != nil {
		return NewStorageError("validate", table, "", err)
	}
	return nil
}

// StorageError represents errors that occur during storage operations.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "insert", "query")
	Operation string

	// Table is the table involved in the operation
	Table string

	// Query is the SQL statement, when one was involved
	Query string

	// Err is the underlying error
	Err error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for error wrapping support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, table, query string, err error) *StorageError {
	return &StorageError{
		Operation: operation,
		Table:     table,
		Query:     query,
		Err:       err,
	}
}

// NewQueryError creates a StorageError specifically for query operations.
func NewQueryError(table, query string, err error) *StorageError {
	return NewStorageError("query", table, query, err)
}

// NewInsertError creates a StorageError specifically for insert operations.
func NewInsertError(table string, err error) *StorageError {
	return NewStorageError("insert", table, "", err)
}
