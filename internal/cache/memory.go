package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var errCacheClosed = errors.New("cache is closed")

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryCache is an in-process Cache. Expired entries are unreadable
// immediately and removed by a background janitor.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time

	stop   chan struct{}
	done   chan struct{}
	closed bool
}

// NewMemoryCache creates a cache whose janitor sweeps expired entries every
// janitorInterval. A non-positive interval disables the janitor.
func NewMemoryCache(janitorInterval time.Duration) *MemoryCache {
	return newMemoryCache(janitorInterval, time.Now)
}

func newMemoryCache(janitorInterval time.Duration, now func() time.Time) *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if janitorInterval > 0 {
		go c.janitor(janitorInterval)
	} else {
		close(c.done)
	}
	return c
}

func (c *MemoryCache) janitor(interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

// sweep removes expired entries and returns how many were dropped.
func (c *MemoryCache) sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

func (c *MemoryCache) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(ttl)
}

// Get returns the value of key or ErrMiss.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, errCacheClosed
	}
	e, ok := c.entries[key]
	if !ok || e.expired(c.now()) {
		return nil, ErrMiss
	}
	return cloneBytes(e.value), nil
}

// Set stores value under key.
func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errCacheClosed
	}
	c.entries[key] = memoryEntry{value: cloneBytes(value), expiresAt: c.expiry(ttl)}
	return nil
}

// GetBatch returns the live values among keys.
func (c *MemoryCache) GetBatch(ctx context.Context, keys []string) (map[string][]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, errCacheClosed
	}
	now := c.now()
	found := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if e, ok := c.entries[key]; ok && !e.expired(now) {
			found[key] = cloneBytes(e.value)
		}
	}
	return found, nil
}

// SetBatch stores all entries under one lock.
func (c *MemoryCache) SetBatch(ctx context.Context, entries []Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errCacheClosed
	}
	for _, e := range entries {
		c.entries[e.Key] = memoryEntry{value: cloneBytes(e.Value), expiresAt: c.expiry(e.TTL)}
	}
	return nil
}

// DeleteByPattern removes every key starting with prefix.
func (c *MemoryCache) DeleteByPattern(ctx context.Context, prefix string) (int, error) {
	prefix = trimPattern(prefix)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, errCacheClosed
	}
	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Delete removes keys and reports how many live entries were deleted.
func (c *MemoryCache) Delete(ctx context.Context, keys ...string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, errCacheClosed
	}
	now := c.now()
	removed := 0
	for _, key := range keys {
		if e, ok := c.entries[key]; ok {
			if !e.expired(now) {
				removed++
			}
			delete(c.entries, key)
		}
	}
	return removed, nil
}

// Exists reports whether key holds a live value.
func (c *MemoryCache) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.Get(ctx, key)
	switch {
	case errors.Is(err, ErrMiss):
		return false, nil
	case err != nil:
		return false, err
	default:
		return true, nil
	}
}

// TTL returns the remaining lifetime of key.
func (c *MemoryCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return 0, errCacheClosed
	}
	now := c.now()
	e, ok := c.entries[key]
	if !ok || e.expired(now) {
		return 0, ErrMiss
	}
	if e.expiresAt.IsZero() {
		return 0, nil
	}
	return e.expiresAt.Sub(now), nil
}

// Len returns the number of stored entries, expired ones included until swept.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Ping reports whether the cache is open.
func (c *MemoryCache) Ping(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errCacheClosed
	}
	return nil
}

// Close stops the janitor and drops every entry.
func (c *MemoryCache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.entries = make(map[string]memoryEntry)
	c.mu.Unlock()

	close(c.stop)
	<-c.done
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
