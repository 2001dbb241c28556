package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mayank-omega/crypto-data-engine/internal/models"
)

// execute runs the root command with args against an in-memory store.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("STORAGE_TYPE", "memory")
	t.Setenv("CACHE_TYPE", "memory")
	t.Setenv("LOG_OUTPUT", "stderr")
	t.Setenv("LOG_LEVEL", "error")

	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "missing.env")))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, ExitSuccess},
		{"flag error", errors.New("unknown flag: --nope"), ExitUsageError},
		{"config", withCode(ExitConfigError, errors.New("bad port")), ExitConfigError},
		{"wrapped data", fmt.Errorf("run: %w", withCode(ExitDataError, errors.New("no rows"))), ExitDataError},
		{"interrupted", fmt.Errorf("collect: %w", context.Canceled), ExitInterrupt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "cryptoengine version "+Version+"\n", out)
}

func TestUnknownFlagIsUsageError(t *testing.T) {
	_, err := execute(t, "query", "--nope")
	require.Error(t, err)
	assert.Equal(t, ExitUsageError, exitCode(err))
}

func TestQueryCommand(t *testing.T) {
	t.Run("missing symbol", func(t *testing.T) {
		_, err := execute(t, "query")
		require.Error(t, err)
		assert.Equal(t, ExitUsageError, exitCode(err))
	})

	t.Run("bad timeframe", func(t *testing.T) {
		_, err := execute(t, "query", "--symbol", "BTCUSDT", "--kind", "candle", "--timeframe", "7m")
		require.Error(t, err)
		assert.Equal(t, ExitUsageError, exitCode(err))
	})

	t.Run("empty store", func(t *testing.T) {
		_, err := execute(t, "query", "--symbol", "btcusdt")
		require.Error(t, err)
		assert.Equal(t, ExitDataError, exitCode(err))
		assert.Contains(t, err.Error(), "BTCUSDT")
	})

	t.Run("malformed config file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "engine.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

		_, err := execute(t, "query", "--symbol", "BTCUSDT", "--config", path)
		require.Error(t, err)
		assert.Equal(t, ExitConfigError, exitCode(err))
	})
}

func TestQueryFlagsSeries(t *testing.T) {
	f := &QueryFlags{Symbol: "eth-usdt", Kind: "klines", Timeframe: "4h", Source: "binance", Limit: 5}
	kind, series, err := f.series()
	require.NoError(t, err)
	assert.Equal(t, models.KindCandle, kind)
	assert.Equal(t, models.Timeframe4h, series.Timeframe)
	assert.Equal(t, "binance", series.Source)

	f = &QueryFlags{Symbol: "BTCUSDT", Kind: "ticker", Timeframe: "1h", Limit: 5}
	_, series, err = f.series()
	require.NoError(t, err)
	assert.Empty(t, series.Timeframe, "only candles are keyed by timeframe")
}

func TestCollectFlagsRequest(t *testing.T) {
	f := &CollectFlags{
		Symbols:    []string{"BTCUSDT"},
		Kinds:      []string{"ticker", "candles"},
		Timeframes: []string{"1m", "1d"},
	}
	req, err := f.request()
	require.NoError(t, err)
	assert.Equal(t, []models.RecordKind{models.KindTicker, models.KindCandle}, req.Kinds)
	assert.Equal(t, []models.Timeframe{models.Timeframe1m, models.Timeframe1d}, req.Timeframes)

	f.Kinds = []string{"weather"}
	_, err = f.request()
	assert.Error(t, err)
}

func TestBackfillFlagsRequest(t *testing.T) {
	f := &BackfillFlags{Symbols: []string{"BTCUSDT"}, Timeframes: []string{"1h", "1d"}, Days: 30}
	req, err := f.request()
	require.NoError(t, err)
	assert.Equal(t, 30, req.Days)
	assert.Equal(t, []models.Timeframe{models.Timeframe1h, models.Timeframe1d}, req.Timeframes)

	f.Timeframes = []string{"7m"}
	_, err = f.request()
	assert.Error(t, err)

	f = &BackfillFlags{Days: 0}
	_, err = f.request()
	assert.Error(t, err)
}

func TestBackfillCommand_BadDaysIsUsageError(t *testing.T) {
	_, err := execute(t, "backfill", "--days=-3")
	require.Error(t, err)
	assert.Equal(t, ExitUsageError, exitCode(err))
}
