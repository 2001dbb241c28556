package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mayank-omega/crypto-data-engine/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_CapacityPlusKWaitsForRefill(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.Register("binance", Budget{Capacity: 5, RefillPerSecond: 20}))

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire(ctx, "binance", 1))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond, "capacity is available immediately")

	const k = 4
	extra := time.Now()
	for i := 0; i < k; i++ {
		require.NoError(t, l.Acquire(ctx, "binance", 1))
	}
	// k / refill = 200ms; allow scheduler slack on the low side only.
	assert.GreaterOrEqual(t, time.Since(extra), 190*time.Millisecond)
}

func TestAcquire_ProvidersAreIndependent(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.Register("slow", Budget{Capacity: 1, RefillPerSecond: 0.1}))
	require.NoError(t, l.Register("fast", Budget{Capacity: 10, RefillPerSecond: 10}))

	require.True(t, l.TryAcquire("slow", 1))

	var wg sync.WaitGroup
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Blocks far beyond the deadline, so WaitN fails fast.
		_ = l.Acquire(ctx, "slow", 1)
	}()

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire(context.Background(), "fast", 1))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	wg.Wait()
}

func TestAcquire_ContextCancellation(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.Register("coingecko", Budget{Capacity: 1, RefillPerSecond: 0.01}))
	require.NoError(t, l.Acquire(context.Background(), "coingecko", 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Acquire(ctx, "coingecko", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "coingecko")
}

func TestAcquire_WaitContext(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.Register("coingecko", Budget{Capacity: 1, RefillPerSecond: 0.01}))
	require.NoError(t, l.Acquire(context.Background(), "coingecko", 1))

	wait, cancel := context.WithCancel(context.Background())
	ctx := WithWaitContext(context.Background(), wait)
	time.AfterFunc(10*time.Millisecond, cancel)

	start := time.Now()
	err := l.Acquire(ctx, "coingecko", 1)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
	assert.NoError(t, ctx.Err(), "the request context stays live")
}

func TestTryAcquire(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.Register("onchain", Budget{Capacity: 3, RefillPerSecond: 0.01}))

	assert.True(t, l.TryAcquire("onchain", 2))
	assert.True(t, l.TryAcquire("onchain", 1))
	assert.False(t, l.TryAcquire("onchain", 1))

	status := l.Budget("onchain")
	assert.Equal(t, 3, status.Capacity)
	assert.Less(t, status.TokensAvailable, 1.0)
}

func TestCostIsClampedToCapacity(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.Register("binance", Budget{Capacity: 2, RefillPerSecond: 1}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Acquire(ctx, "binance", 50))
	assert.False(t, l.TryAcquire("binance", 1))
}

func TestUnknownProviderGetsDefaultBudget(t *testing.T) {
	l := New(nil)
	status := l.Budget("kraken")

	assert.Equal(t, DefaultBudget.Capacity, status.Capacity)
	assert.InDelta(t, 100.0/60.0, status.RefillPerSecond, 1e-9)
	assert.InDelta(t, 100.0, status.TokensAvailable, 0.5)
	assert.Len(t, l.Providers(), 1)
}

func TestRegisterRejectsInvalidBudget(t *testing.T) {
	l := New(nil)
	assert.Error(t, l.Register("", Budget{Capacity: 1, RefillPerSecond: 1}))
	assert.Error(t, l.Register("x", Budget{Capacity: 0, RefillPerSecond: 1}))
	assert.Error(t, l.Register("x", Budget{Capacity: 1, RefillPerSecond: 0}))
}

func TestNewFromConfig(t *testing.T) {
	l, err := NewFromConfig(config.DefaultConfig().Providers, nil)
	require.NoError(t, err)

	binance := l.Budget(config.ProviderBinance)
	assert.Equal(t, 1200, binance.Capacity)
	assert.InDelta(t, 20.0, binance.RefillPerSecond, 1e-9)

	coingecko := l.Budget(config.ProviderCoinGecko)
	assert.Equal(t, 50, coingecko.Capacity)
	assert.InDelta(t, 50.0/60.0, coingecko.RefillPerSecond, 1e-9)
}
