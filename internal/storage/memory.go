package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mayank-omega/crypto-data-engine/internal/models"
)

// MemoryStore is a thread-safe in-memory Store. Rows are grouped per table and
// series so QueryLatest only touches one series.
type MemoryStore struct {
	mu sync.RWMutex

	// tables: table -> natural key -> record
	tables map[string]map[string]models.Record

	// series index: table -> series -> natural keys
	index map[string]map[models.SeriesKey][]models.NaturalKey

	inserted  int64
	duplicate int64

	initialized bool
	closed      bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		tables: make(map[string]map[string]models.Record, len(AllTables)),
		index:  make(map[string]map[models.SeriesKey][]models.NaturalKey, len(AllTables)),
	}
	for _, table := range AllTables {
		m.tables[table] = make(map[string]models.Record)
		m.index[table] = make(map[models.SeriesKey][]models.NaturalKey)
	}
	return m
}

// InsertIfAbsent stores record unless its natural key is already present.
func (m *MemoryStore) InsertIfAbsent(ctx context.Context, table string, key models.NaturalKey, record models.Record) (InsertResult, error) {
	if ctx.Err() != nil {
		return Exists, NewInsertError(table, ctx.Err())
	}
	if err := checkTable(table); err != nil {
		return Exists, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Exists, NewInsertError(table, ErrClosed)
	}

	id := key.String()
	if _, found := m.tables[table][id]; found {
		m.duplicate++
		return Exists, nil
	}

	m.tables[table][id] = record
	series := models.SeriesKey{Source: key.Source, Symbol: key.Symbol, Timeframe: key.Timeframe}
	m.index[table][series] = append(m.index[table][series], key)
	m.inserted++
	return Inserted, nil
}

// QueryLatest returns up to limit records of series, newest first. An empty
// series Source matches every provider.
func (m *MemoryStore) QueryLatest(ctx context.Context, table string, series models.SeriesKey, limit int) ([]models.Record, error) {
	if ctx.Err() != nil {
		return nil, NewQueryError(table, "", ctx.Err())
	}
	if err := checkTable(table); err != nil {
		return nil, err
	}
	limit = normalizeLimit(limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewQueryError(table, "", ErrClosed)
	}

	var keys []models.NaturalKey
	if series.Source != "" {
		keys = append(keys, m.index[table][series]...)
	} else {
		// Every key in a bucket shares its series.
		for _, ks := range m.index[table] {
			if len(ks) > 0 && series.Matches(ks[0]) {
				keys = append(keys, ks...)
			}
		}
	}

	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].ObservedAt.Equal(keys[j].ObservedAt) {
			return keys[i].ObservedAt.After(keys[j].ObservedAt)
		}
		return keys[i].TradeID > keys[j].TradeID
	})
	if len(keys) > limit {
		keys = keys[:limit]
	}

	records := make([]models.Record, 0, len(keys))
	for _, k := range keys {
		records = append(records, m.tables[table][k.String()])
	}
	return records, nil
}

// Initialize prepares the memory store for operation.
func (m *MemoryStore) Initialize(ctx context.Context) error {
	if ctx.Err() != nil {
		return NewStorageError("initialize", "", "", ctx.Err())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewStorageError("initialize", "", "", ErrClosed)
	}
	m.initialized = true
	return nil
}

// Close marks the store closed. Closing twice is not an error.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// HealthCheck verifies that the store is open and initialized.
func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	if !m.initialized {
		return NewStorageError("health", "", "", errNotInitialized)
	}
	return nil
}

// GetStats returns row counts per table and insert outcome counters.
func (m *MemoryStore) GetStats(ctx context.Context) (*StorageStats, error) {
	if ctx.Err() != nil {
		return nil, NewStorageError("stats", "", "", ctx.Err())
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewStorageError("stats", "", "", ErrClosed)
	}

	stats := &StorageStats{
		Backend:   "memory",
		RowCounts: make(map[string]int64, len(m.tables)),
		Inserted:  m.inserted,
		Duplicate: m.duplicate,
		Timestamp: time.Now().UTC(),
	}
	for table, rows := range m.tables {
		stats.RowCounts[table] = int64(len(rows))
	}
	return stats, nil
}
