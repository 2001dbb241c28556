package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mayank-omega/crypto-data-engine/internal/config"
	apperrors "github.com/mayank-omega/crypto-data-engine/internal/errors"
	"github.com/redis/go-redis/v9"
)

const scanBatch = 200

// RedisCache implements Cache on Redis. Every backend failure, including an
// open circuit, is returned as a CacheUnavailable error.
type RedisCache struct {
	client  *redis.Client
	prefix  string
	breaker *apperrors.CircuitBreaker
	logger  *slog.Logger
}

// NewRedisCache creates a Redis-backed cache. It does not dial: an unreachable
// Redis surfaces on first use and through Ping.
func NewRedisCache(cfg config.CacheConfig, breaker *apperrors.CircuitBreaker, logger *slog.Logger) *RedisCache {
	if logger == nil {
		logger = slog.Default()
	}
	dialTimeout := config.Duration(cfg.DialTimeout, 2*time.Second)
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  dialTimeout,
		ReadTimeout:  dialTimeout,
		WriteTimeout: dialTimeout,
		MaxRetries:   1,
	})
	return &RedisCache{
		client:  client,
		prefix:  cfg.KeyPrefix,
		breaker: breaker,
		logger:  logger.With("component", "cache", "backend", "redis"),
	}
}

// BreakerState returns the circuit state, or "" when no breaker is attached.
func (r *RedisCache) BreakerState() string {
	if r.breaker == nil {
		return ""
	}
	return r.breaker.GetState().String()
}

func (r *RedisCache) key(k string) string {
	return r.prefix + k
}

// do runs fn through the circuit breaker. redis.Nil is a miss, not a failure.
func (r *RedisCache) do(op string, fn func() error) error {
	miss := false
	call := func() error {
		err := fn()
		if errors.Is(err, redis.Nil) {
			miss = true
			return nil
		}
		return err
	}

	var err error
	if r.breaker != nil {
		err = r.breaker.Call(call)
	} else {
		err = call()
	}
	if err != nil {
		r.logger.Warn("redis operation failed", "operation", op, "error", err)
		return apperrors.CacheUnavailable("redis", op, err)
	}
	if miss {
		return ErrMiss
	}
	return nil
}

// Get returns the value of key or ErrMiss.
func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := r.do("get", func() error {
		var err error
		data, err = r.client.Get(ctx, r.key(key)).Bytes()
		return err
	})
	return data, err
}

// Set stores value with SET EX semantics.
func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.do("set", func() error {
		return r.client.Set(ctx, r.key(key), value, ttlOrKeep(ttl)).Err()
	})
}

// GetBatch issues one MGET.
func (r *RedisCache) GetBatch(ctx context.Context, keys []string) (map[string][]byte, error) {
	found := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return found, nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}

	err := r.do("mget", func() error {
		values, err := r.client.MGet(ctx, full...).Result()
		if err != nil {
			return err
		}
		for i, v := range values {
			if s, ok := v.(string); ok {
				found[keys[i]] = []byte(s)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// SetBatch pipelines one SET per entry.
func (r *RedisCache) SetBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return r.do("set_batch", func() error {
		pipe := r.client.Pipeline()
		for _, e := range entries {
			pipe.Set(ctx, r.key(e.Key), e.Value, ttlOrKeep(e.TTL))
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

// DeleteByPattern scans for prefix* and deletes the matches in batches.
func (r *RedisCache) DeleteByPattern(ctx context.Context, prefix string) (int, error) {
	match := r.key(trimPattern(prefix)) + "*"
	removed := 0

	err := r.do("delete_pattern", func() error {
		iter := r.client.Scan(ctx, 0, match, scanBatch).Iterator()
		batch := make([]string, 0, scanBatch)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			n, err := r.client.Del(ctx, batch...).Result()
			removed += int(n)
			batch = batch[:0]
			return err
		}

		for iter.Next(ctx) {
			batch = append(batch, iter.Val())
			if len(batch) == scanBatch {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if err := iter.Err(); err != nil {
			return err
		}
		return flush()
	})
	return removed, err
}

// Delete removes keys.
func (r *RedisCache) Delete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}

	var n int64
	err := r.do("delete", func() error {
		var err error
		n, err = r.client.Del(ctx, full...).Result()
		return err
	})
	return int(n), err
}

// Exists reports whether key is present.
func (r *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := r.do("exists", func() error {
		var err error
		n, err = r.client.Exists(ctx, r.key(key)).Result()
		return err
	})
	return n > 0, err
}

// TTL returns the remaining lifetime of key.
func (r *RedisCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	var ttl time.Duration
	err := r.do("ttl", func() error {
		var err error
		ttl, err = r.client.TTL(ctx, r.key(key)).Result()
		return err
	})
	if err != nil {
		return 0, err
	}
	switch {
	case ttl == -2 || ttl == -2*time.Second:
		return 0, ErrMiss
	case ttl < 0:
		return 0, nil
	default:
		return ttl, nil
	}
}

// Ping checks reachability.
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.do("ping", func() error {
		return r.client.Ping(ctx).Err()
	})
}

// Close closes the client.
func (r *RedisCache) Close() error {
	return r.client.Close()
}

func ttlOrKeep(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	return ttl
}
