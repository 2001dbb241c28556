package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestMemoryCache_Contract(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	defer c.Close()
	runCacheContract(t, c)
}

func TestMemoryCache_TTLBoundary(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := newMemoryCache(0, clock.Now)
	defer c.Close()

	require.NoError(t, c.Set(ctx, "ticker:BTCUSDT", []byte("50000"), 30*time.Second))

	clock.Advance(30*time.Second - time.Nanosecond)
	got, err := c.Get(ctx, "ticker:BTCUSDT")
	require.NoError(t, err, "readable strictly before expiry")
	assert.Equal(t, []byte("50000"), got)

	found, err := c.GetBatch(ctx, []string{"ticker:BTCUSDT"})
	require.NoError(t, err)
	assert.Len(t, found, 1)

	clock.Advance(time.Nanosecond)
	_, err = c.Get(ctx, "ticker:BTCUSDT")
	assert.ErrorIs(t, err, ErrMiss, "unreadable once the TTL has elapsed")

	found, err = c.GetBatch(ctx, []string{"ticker:BTCUSDT"})
	require.NoError(t, err)
	assert.Empty(t, found)

	ok, err := c.Exists(ctx, "ticker:BTCUSDT")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 1, c.Len(), "still stored until swept")
	assert.Equal(t, 1, c.sweep())
	assert.Zero(t, c.Len())
}

func TestMemoryCache_OverwriteResetsTTL(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := newMemoryCache(0, clock.Now)
	defer c.Close()

	require.NoError(t, c.Set(ctx, "k", []byte("a"), 10*time.Second))
	clock.Advance(8 * time.Second)
	require.NoError(t, c.Set(ctx, "k", []byte("b"), 10*time.Second))
	clock.Advance(8 * time.Second)

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), got)

	ttl, err := c.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, ttl)
}

func TestMemoryCache_JanitorSweeps(t *testing.T) {
	c := NewMemoryCache(10 * time.Millisecond)
	defer c.Close()

	require.NoError(t, c.Set(context.Background(), "short", []byte("x"), time.Millisecond))
	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestMemoryCache_ValuesAreCopied(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(0)
	defer c.Close()

	value := []byte("abc")
	require.NoError(t, c.Set(ctx, "k", value, time.Minute))
	value[0] = 'z'

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
}

func TestMemoryCache_Closed(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.Error(t, c.Ping(context.Background()))
	assert.Error(t, c.Set(context.Background(), "k", nil, 0))
}
