package storage

import (
	"context"
	"testing"

	"github.com/mayank-omega/crypto-data-engine/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Contract(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Initialize(context.Background()))
	defer store.Close()

	runStoreContract(t, store)
}

func TestMemoryStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	assert.Error(t, store.HealthCheck(ctx), "not initialized")
	require.NoError(t, store.Initialize(ctx))
	require.NoError(t, store.HealthCheck(ctx))

	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	assert.ErrorIs(t, store.HealthCheck(ctx), ErrClosed)
	rec := tickerRecord("binance", "BTCUSDT", baseTime, "1")
	_, err := store.InsertIfAbsent(ctx, TableTickers, rec.Key(), rec)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = store.QueryLatest(ctx, TableTickers, models.SeriesKey{Symbol: "BTCUSDT"}, 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := tickerRecord("binance", "BTCUSDT", baseTime, "1")
	_, err := store.InsertIfAbsent(ctx, TableTickers, rec.Key(), rec)
	assert.ErrorIs(t, err, context.Canceled)
}
