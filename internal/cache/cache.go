// Package cache provides the short-TTL key/value cache shared by the collector
// write path and the API read path. The cache is a time-bounded mirror of the
// latest observation per key and is never the source of truth: backends report
// outages as CacheUnavailable errors and callers carry on without it.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mayank-omega/crypto-data-engine/internal/config"
	apperrors "github.com/mayank-omega/crypto-data-engine/internal/errors"
	"github.com/mayank-omega/crypto-data-engine/internal/models"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Entry is one key/value pair for SetBatch.
type Entry struct {
	Key   string
	Value []byte
	TTL   time.Duration
}

// Cache is the contract implemented by every backend. A TTL of zero or less
// stores the value without expiry.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// GetBatch returns only the keys that were found.
	GetBatch(ctx context.Context, keys []string) (map[string][]byte, error)
	SetBatch(ctx context.Context, entries []Entry) error
	// DeleteByPattern removes every key starting with prefix. A trailing "*"
	// is accepted and ignored.
	DeleteByPattern(ctx context.Context, prefix string) (int, error)
	Delete(ctx context.Context, keys ...string) (int, error)
	Exists(ctx context.Context, key string) (bool, error)
	// TTL returns the remaining lifetime of key, zero for keys without expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)
	Ping(ctx context.Context) error
	Close() error
}

// BreakerReporter is implemented by backends guarded by a circuit breaker.
type BreakerReporter interface {
	BreakerState() string
}

// New builds the backend selected by cfg.Type.
func New(cfg config.CacheConfig, errCfg config.ErrorHandlingConfig, logger *slog.Logger) (Cache, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryCache(config.Duration(cfg.JanitorInterval, 30*time.Second)), nil
	case "redis":
		var breaker *apperrors.CircuitBreaker
		if errCfg.EnableCircuitBreaker {
			breaker = apperrors.NewCircuitBreaker("redis", errCfg.CircuitBreakerConfig)
		}
		return NewRedisCache(cfg, breaker, logger), nil
	default:
		return nil, fmt.Errorf("unsupported cache type %q", cfg.Type)
	}
}

func trimPattern(prefix string) string {
	return strings.TrimSuffix(prefix, "*")
}

// TTLPolicy maps record kinds to cache lifetimes.
type TTLPolicy struct {
	ttls     map[models.RecordKind]time.Duration
	fallback time.Duration
}

// NewTTLPolicy builds the policy from configuration, falling back to the
// built-in defaults for empty or malformed values.
func NewTTLPolicy(cfg config.TTLConfig) TTLPolicy {
	return TTLPolicy{
		ttls: map[models.RecordKind]time.Duration{
			models.KindTicker:    config.Duration(cfg.Ticker, 30*time.Second),
			models.KindOrderBook: config.Duration(cfg.OrderBook, 15*time.Second),
			models.KindCandle:    config.Duration(cfg.Candle, 60*time.Second),
			models.KindTrade:     config.Duration(cfg.Trade, 30*time.Second),
			models.KindMetric:    config.Duration(cfg.Metric, 300*time.Second),
			models.KindOnChain:   config.Duration(cfg.OnChain, 300*time.Second),
		},
		fallback: 60 * time.Second,
	}
}

// For returns the TTL for kind.
func (p TTLPolicy) For(kind models.RecordKind) time.Duration {
	if ttl, ok := p.ttls[kind]; ok {
		return ttl
	}
	return p.fallback
}

// SetJSON stores v encoded as JSON.
func SetJSON(ctx context.Context, c Cache, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cache value for %s: %w", key, err)
	}
	return c.Set(ctx, key, data, ttl)
}

// GetJSON decodes the value stored under key into v.
func GetJSON(ctx context.Context, c Cache, key string, v any) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode cache value for %s: %w", key, err)
	}
	return nil
}

// SetRecord stores record under its topic, the write-path cache key.
func SetRecord(ctx context.Context, c Cache, record models.Record, ttl time.Duration) error {
	return SetJSON(ctx, c, record.Topic(), record, ttl)
}

// GetRecord reads the record cached under key.
func GetRecord(ctx context.Context, c Cache, key string) (models.Record, error) {
	var record models.Record
	err := GetJSON(ctx, c, key, &record)
	return record, err
}

// ListKey is the key of a derived list view (e.g. the latest 100 candles) of a
// topic. The collector drops these views with DeleteByPattern(ListPrefix(topic))
// whenever a new row lands.
func ListKey(topic string, limit int) string {
	return fmt.Sprintf("%slatest:%d", ListPrefix(topic), limit)
}

// ListPrefix is the prefix shared by every list view of topic.
func ListPrefix(topic string) string {
	return topic + ":"
}
