package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/mayank-omega/crypto-data-engine/internal/config"
	apperrors "github.com/mayank-omega/crypto-data-engine/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisCache_UnavailableFailsAsCacheUnavailable(t *testing.T) {
	cfg := config.DefaultConfig().Cache
	cfg.RedisAddr = "127.0.0.1:1" // nothing listens here
	cfg.DialTimeout = "200ms"

	breaker := apperrors.NewCircuitBreaker("redis", config.CircuitBreakerConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  "1m",
	})
	c := NewRedisCache(cfg, breaker, nil)
	defer c.Close()
	ctx := context.Background()

	_, err := c.Get(ctx, "ticker:BTCUSDT")
	require.Error(t, err)
	assert.True(t, apperrors.IsCacheUnavailable(err))
	assert.NotErrorIs(t, err, ErrMiss)

	assert.True(t, apperrors.IsCacheUnavailable(c.Set(ctx, "ticker:BTCUSDT", []byte("1"), time.Second)))
	assert.Equal(t, apperrors.CircuitOpen, breaker.GetState())
	assert.Equal(t, "open", c.BreakerState())

	err = c.Ping(ctx)
	assert.True(t, apperrors.IsCacheUnavailable(err))
	assert.ErrorIs(t, err, apperrors.ErrCircuitOpen, "open circuit fails fast")
}

func TestRedisCache_Contract(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}

	cfg := config.DefaultConfig().Cache
	cfg.RedisAddr = addr
	cfg.KeyPrefix = "cryptoengine-test:" + time.Now().Format("150405.000000") + ":"
	c := NewRedisCache(cfg, nil, nil)
	assert.Empty(t, c.BreakerState())
	defer func() {
		c.DeleteByPattern(context.Background(), "")
		c.Close()
	}()

	runCacheContract(t, c)

	t.Run("expiry", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, c.Set(ctx, "short", []byte("x"), time.Second))
		assert.Eventually(t, func() bool {
			_, err := c.Get(ctx, "short")
			return err == ErrMiss
		}, 3*time.Second, 100*time.Millisecond)
	})
}
