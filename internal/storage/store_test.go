package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mayank-omega/crypto-data-engine/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func tickerRecord(source, symbol string, at time.Time, price string) models.Record {
	return models.NewRecord(source, symbol, at, &models.Ticker{
		LastPrice: decimal.RequireFromString(price),
		Volume24h: decimal.NewFromInt(1000),
	})
}

func candleRecord(source, symbol string, tf models.Timeframe, at time.Time, closePrice string) models.Record {
	c := decimal.RequireFromString(closePrice)
	return models.NewRecord(source, symbol, at, &models.Candle{
		Timeframe: tf,
		Open:      c,
		High:      c.Add(decimal.NewFromInt(10)),
		Low:       c.Sub(decimal.NewFromInt(10)),
		Close:     c,
		Volume:    decimal.NewFromInt(5),
		CloseTime: at.Add(tf.Duration() - time.Millisecond),
	})
}

func tradeRecord(source, symbol, tradeID string, at time.Time) models.Record {
	return models.NewRecord(source, symbol, at, &models.Trade{
		TradeID:  tradeID,
		Price:    decimal.RequireFromString("50000"),
		Quantity: decimal.RequireFromString("0.01"),
	})
}

func insert(t *testing.T, store Store, record models.Record) InsertResult {
	t.Helper()
	table, err := TableFor(record.Kind)
	require.NoError(t, err)
	res, err := store.InsertIfAbsent(context.Background(), table, record.Key(), record)
	require.NoError(t, err)
	return res
}

// runStoreContract exercises the behaviour every backend must share.
func runStoreContract(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("insert if absent", func(t *testing.T) {
		first := tickerRecord("binance", "BTCUSDT", baseTime, "50000")
		assert.Equal(t, Inserted, insert(t, store, first))

		again := tickerRecord("binance", "BTCUSDT", baseTime, "50010")
		assert.Equal(t, Exists, insert(t, store, again))

		other := tickerRecord("coingecko", "BTCUSDT", baseTime, "50010")
		assert.Equal(t, Inserted, insert(t, store, other), "source is part of the natural key")

		latest, err := store.QueryLatest(ctx, TableTickers, models.SeriesKey{Source: "binance", Symbol: "BTCUSDT"}, 10)
		require.NoError(t, err)
		require.Len(t, latest, 1)
		assert.Equal(t, "50000", latest[0].Ticker().LastPrice.String(), "the first payload wins")
	})

	t.Run("latest newest first with limit", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			rec := candleRecord("binance", "ETHUSDT", models.Timeframe1m, baseTime.Add(time.Duration(i)*time.Minute), fmt.Sprintf("%d", 3000+i))
			assert.Equal(t, Inserted, insert(t, store, rec))
		}
		insert(t, store, candleRecord("binance", "ETHUSDT", models.Timeframe5m, baseTime, "2990"))

		latest, err := store.QueryLatest(ctx, TableOHLCV, models.SeriesKey{Source: "binance", Symbol: "ETHUSDT", Timeframe: models.Timeframe1m}, 3)
		require.NoError(t, err)
		require.Len(t, latest, 3)
		assert.Equal(t, "3004", latest[0].Candle().Close.String())
		assert.Equal(t, "3002", latest[2].Candle().Close.String())
		for _, r := range latest {
			assert.Equal(t, models.Timeframe1m, r.Timeframe)
			assert.Equal(t, models.KindCandle, r.Kind)
		}
	})

	t.Run("empty source matches any provider", func(t *testing.T) {
		latest, err := store.QueryLatest(ctx, TableTickers, models.SeriesKey{Symbol: "BTCUSDT"}, 10)
		require.NoError(t, err)
		assert.Len(t, latest, 2)
	})

	t.Run("trades in the same millisecond are distinct", func(t *testing.T) {
		assert.Equal(t, Inserted, insert(t, store, tradeRecord("binance", "SOLUSDT", "1001", baseTime)))
		assert.Equal(t, Inserted, insert(t, store, tradeRecord("binance", "SOLUSDT", "1002", baseTime)))
		assert.Equal(t, Exists, insert(t, store, tradeRecord("binance", "SOLUSDT", "1002", baseTime)))

		latest, err := store.QueryLatest(ctx, TableTrades, models.SeriesKey{Source: "binance", Symbol: "SOLUSDT"}, 0)
		require.NoError(t, err)
		require.Len(t, latest, 2)
		assert.Equal(t, "1002", latest[0].Trade().TradeID)
	})

	t.Run("unknown series is empty", func(t *testing.T) {
		latest, err := store.QueryLatest(ctx, TableTickers, models.SeriesKey{Symbol: "DOGEUSDT"}, 10)
		require.NoError(t, err)
		assert.Empty(t, latest)
	})

	t.Run("unknown table is rejected", func(t *testing.T) {
		_, err := store.QueryLatest(ctx, "users; DROP TABLE tickers", models.SeriesKey{Symbol: "BTCUSDT"}, 10)
		assert.ErrorIs(t, err, ErrUnknownTable)
	})

	t.Run("stats and health", func(t *testing.T) {
		require.NoError(t, store.HealthCheck(ctx))
		stats, err := store.GetStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), stats.RowCounts[TableTickers])
		assert.Equal(t, int64(6), stats.RowCounts[TableOHLCV])
		assert.GreaterOrEqual(t, stats.Duplicate, int64(2))
	})
}

func TestTableFor(t *testing.T) {
	for _, kind := range models.AllKinds {
		table, err := TableFor(kind)
		require.NoError(t, err)
		back, err := KindForTable(table)
		require.NoError(t, err)
		assert.Equal(t, kind, back)
	}

	_, err := TableFor("quote")
	assert.ErrorIs(t, err, ErrUnknownTable)
}

func TestStorageError(t *testing.T) {
	err := NewQueryError(TableTickers, "SELECT 1", ErrClosed)
	assert.Equal(t, "storage operation query on table tickers failed: storage is closed", err.Error())
	assert.ErrorIs(t, err, ErrClosed)

	err = NewStorageError("initialize", "", "", ErrClosed)
	assert.Equal(t, "storage operation initialize failed: storage is closed", err.Error())
}
