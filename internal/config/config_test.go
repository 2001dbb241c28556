package config

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "crypto-data-engine", config.AppName)
	assert.Equal(t, "memory", config.Storage.Type)
	assert.Equal(t, "memory", config.Cache.Type)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "BNBUSDT", "ADAUSDT", "SOLUSDT"}, config.Collector.Symbols)
	assert.Equal(t, 3, config.Collector.FailureThreshold)
	assert.Equal(t, "drop_oldest", config.Broadcast.SlowSubscriberPolicy)
	assert.Equal(t, 1000, config.Broadcast.MaxSubscribers)
	assert.Equal(t, []string{ProviderBinance, ProviderCoinGecko, ProviderOnChain}, config.EnabledProviders())
	assert.Equal(t, 1200, config.Providers[ProviderBinance].RateLimit.Requests)
	assert.Equal(t, 50, config.Providers[ProviderCoinGecko].RateLimit.Requests)
	assert.Equal(t, "info", config.Logging.Level)
	assert.True(t, config.Metrics.Enabled)
	assert.True(t, config.ErrorHandling.EnableCircuitBreaker)

	cm := NewConfigManager("", slog.Default())
	assert.NoError(t, cm.validateConfig(config))
}

func TestConfigValidation(t *testing.T) {
	cm := NewConfigManager("", slog.Default())

	tests := []struct {
		name     string
		mutate   func(c *AppConfig)
		expected string
	}{
		{
			name:     "unknown storage type",
			mutate:   func(c *AppConfig) { c.Storage.Type = "mysql" },
			expected: "storage.type must be one of: memory, postgres, duckdb",
		},
		{
			name:     "postgres without url",
			mutate:   func(c *AppConfig) { c.Storage.Type = "postgres" },
			expected: "storage.database_url is required for postgres storage",
		},
		{
			name:     "redis without address",
			mutate:   func(c *AppConfig) { c.Cache.Type = "redis"; c.Cache.RedisAddr = "" },
			expected: "cache.redis_addr is required for redis cache",
		},
		{
			name:     "bad ttl",
			mutate:   func(c *AppConfig) { c.Cache.TTL.Ticker = "soon" },
			expected: "cache.ttl.ticker must be a positive duration",
		},
		{
			name: "no providers enabled",
			mutate: func(c *AppConfig) {
				for id, p := range c.Providers {
					p.Enabled = false
					c.Providers[id] = p
				}
			},
			expected: "at least one provider must be enabled",
		},
		{
			name: "zero rate limit",
			mutate: func(c *AppConfig) {
				p := c.Providers[ProviderBinance]
				p.RateLimit.Requests = 0
				c.Providers[ProviderBinance] = p
			},
			expected: "providers.binance.rate_limit.requests must be greater than 0",
		},
		{
			name:     "empty symbols",
			mutate:   func(c *AppConfig) { c.Collector.Symbols = nil },
			expected: "collector.symbols must not be empty",
		},
		{
			name:     "unsupported timeframe",
			mutate:   func(c *AppConfig) { c.Collector.Timeframes = []string{"2w"} },
			expected: `collector.timeframes contains unsupported timeframe "2w"`,
		},
		{
			name:     "cached depth above book depth",
			mutate:   func(c *AppConfig) { c.Collector.CachedDepth = 500 },
			expected: "collector.cached_depth must be between 1 and collector.orderbook_depth",
		},
		{
			name:     "unknown slow subscriber policy",
			mutate:   func(c *AppConfig) { c.Broadcast.SlowSubscriberPolicy = "block" },
			expected: "broadcast.slow_subscriber_policy must be one of: drop_oldest, disconnect",
		},
		{
			name:     "invalid port",
			mutate:   func(c *AppConfig) { c.Server.Port = 70000 },
			expected: "server.port must be between 1 and 65535",
		},
		{
			name:     "invalid log level",
			mutate:   func(c *AppConfig) { c.Logging.Level = "trace" },
			expected: "logging.level must be one of: debug, info, warn, error",
		},
		{
			name:     "file output without path",
			mutate:   func(c *AppConfig) { c.Logging.Output = "file" },
			expected: "logging.file_path is required when logging.output is file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)

			err := cm.validateConfig(config)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "configuration validation errors:")
			assert.Contains(t, err.Error(), tt.expected)
		})
	}

	t.Run("multiple errors are reported together", func(t *testing.T) {
		config := DefaultConfig()
		config.Server.Port = 0
		config.Logging.Format = "xml"

		err := cm.validateConfig(config)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server.port")
		assert.Contains(t, err.Error(), "logging.format")
	})
}

func TestLoadConfig_FileEnvAndDotEnv(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")

	fileConfig := map[string]any{
		"storage": map[string]any{
			"type":          "duckdb",
			"database_url":  filepath.Join(dir, "engine.db"),
			"query_timeout": "5s",
		},
		"collector": map[string]any{
			"symbols": []string{"BTCUSDT"},
		},
	}
	data, err := json.Marshal(fileConfig)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(configPath, data, 0600))

	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("WS_HEARTBEAT_INTERVAL=10\nBINANCE_API_KEY=from-dotenv\n"), 0600))

	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("SYMBOLS", "btcusdt, ethusdt")
	t.Setenv("COLLECTION_INTERVAL_SECONDS", "30")
	t.Setenv("REDIS_HOST", "cache.internal")
	// godotenv never overrides variables that already exist.
	t.Setenv("BINANCE_API_KEY", "")
	os.Unsetenv("BINANCE_API_KEY")
	t.Setenv("WS_HEARTBEAT_INTERVAL", "")
	os.Unsetenv("WS_HEARTBEAT_INTERVAL")

	cm := NewConfigManager(configPath, slog.Default(), envPath)
	config, err := cm.LoadConfig(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "duckdb", config.Storage.Type)
	assert.Equal(t, "5s", config.Storage.QueryTimeout)
	assert.Equal(t, []string{"btcusdt", "ethusdt"}, config.Collector.Symbols)
	assert.Equal(t, "debug", config.Logging.Level)
	assert.Equal(t, "30s", config.Collector.DefaultInterval)
	assert.Equal(t, "10s", config.Broadcast.HeartbeatInterval)
	assert.Equal(t, "cache.internal:6379", config.Cache.RedisAddr)
	assert.Equal(t, "from-dotenv", config.Providers[ProviderBinance].APIKey)
	assert.Same(t, config, cm.GetConfig())
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cm := NewConfigManager(filepath.Join(t.TempDir(), "absent.json"), slog.Default())
	config, err := cm.LoadConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Collector.Symbols, config.Collector.Symbols)
}

func TestLoadConfig_InvalidEnvValue(t *testing.T) {
	t.Setenv("PORT", "eighty")

	cm := NewConfigManager("", slog.Default())
	_, err := cm.LoadConfig(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT")
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	cm := NewConfigManager(path, slog.Default())
	_, err := cm.LoadConfig(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestSaveConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cm := NewConfigManager(path, slog.Default())

	assert.Error(t, cm.SaveConfig(context.Background()), "nothing loaded yet")

	_, err := cm.LoadConfig(context.Background())
	require.NoError(t, err)
	require.NoError(t, cm.SaveConfig(context.Background()))

	reloaded, err := NewConfigManager(path, slog.Default()).LoadConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cm.GetConfig().Collector, reloaded.Collector)
}

func TestAppConfig_StringRedactsSecrets(t *testing.T) {
	config := DefaultConfig()
	p := config.Providers[ProviderBinance]
	p.APIKey = "super-secret-key"
	p.APISecret = "super-secret-value"
	config.Providers[ProviderBinance] = p
	config.Cache.RedisPassword = "hunter2"
	config.Storage.DatabaseURL = "postgres://engine:pa55word@db:5432/crypto_data"

	out := config.String()
	assert.NotContains(t, out, "super-secret-key")
	assert.NotContains(t, out, "super-secret-value")
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "pa55word")
	assert.Contains(t, out, "postgres://engine:[REDACTED]@db:5432/crypto_data")

	// The original is untouched.
	assert.Equal(t, "super-secret-key", config.Providers[ProviderBinance].APIKey)
}

func TestDurationHelpers(t *testing.T) {
	assert.Equal(t, 30*time.Second, Duration("30s", time.Minute))
	assert.Equal(t, time.Minute, Duration("", time.Minute))
	assert.Equal(t, time.Minute, Duration("-5s", time.Minute))

	config := DefaultConfig()
	assert.Equal(t, 5*time.Minute, config.ProviderInterval(ProviderCoinGecko))
	assert.Equal(t, time.Minute, config.ProviderInterval("unknown"))

	assert.Equal(t, 50*time.Millisecond, config.Providers[ProviderBinance].RateLimit.Per())
	assert.Equal(t, "0.0.0.0:8000", config.Server.Addr())
}
