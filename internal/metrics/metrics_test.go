package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineCounters(t *testing.T) {
	p := New("test")

	p.ObserveTick("binance", "ticker", "inserted")
	p.ObserveTick("binance", "ticker", "inserted")
	p.ObserveTick("binance", "ticker", "already_exists")
	p.ProviderError("coingecko", "permanent_provider")
	p.CacheResult("get", "hit")
	p.MessageDropped()
	p.SubscriberDisconnected()
	p.SetSubscribers(3)
	p.SetJobStates(map[string]int{"running": 4, "backoff": 1})

	assert.Equal(t, 2.0, testutil.ToFloat64(p.ticks.WithLabelValues("binance", "ticker", "inserted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.ticks.WithLabelValues("binance", "ticker", "already_exists")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.providerErrors.WithLabelValues("coingecko", "permanent_provider")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.broadcastDrops))
	assert.Equal(t, 3.0, testutil.ToFloat64(p.subscribers))
	assert.Equal(t, 4.0, testutil.ToFloat64(p.jobs.WithLabelValues("running")))

	p.SetJobStates(map[string]int{"stopped": 5})
	assert.Equal(t, 0.0, testutil.ToFloat64(p.jobs.WithLabelValues("running")), "reset between snapshots")
}

func TestPipelineHandler(t *testing.T) {
	p := New("")
	p.ObserveHTTP("/health", "GET", 200, 5*time.Millisecond)
	p.ObserveFetch("binance", "candle", 120*time.Millisecond)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `cryptoengine_http_requests_total{code="200",method="GET",route="/health"} 1`)
	assert.Contains(t, string(body), "cryptoengine_provider_fetch_duration_seconds_bucket")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestNilPipelineIsNoop(t *testing.T) {
	var p *Pipeline
	assert.NotPanics(t, func() {
		p.ObserveTick("a", "b", "c")
		p.MessageSent("data")
		p.SetJobStates(map[string]int{"running": 1})
		p.ObserveRateLimitWait("binance", time.Second)
		p.StopAbandoned()
	})
	assert.Nil(t, p.Registry())

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}
