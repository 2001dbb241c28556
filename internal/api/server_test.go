package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mayank-omega/crypto-data-engine/internal/broadcast"
	"github.com/mayank-omega/crypto-data-engine/internal/cache"
	"github.com/mayank-omega/crypto-data-engine/internal/collector"
	"github.com/mayank-omega/crypto-data-engine/internal/config"
	apperrors "github.com/mayank-omega/crypto-data-engine/internal/errors"
	"github.com/mayank-omega/crypto-data-engine/internal/metrics"
	"github.com/mayank-omega/crypto-data-engine/internal/models"
	"github.com/mayank-omega/crypto-data-engine/internal/provider"
	"github.com/mayank-omega/crypto-data-engine/internal/storage"
)

var observedAt = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type stubClient struct{}

func (stubClient) ID() string { return "stub" }

func (stubClient) Supports(kind models.RecordKind) bool { return kind == models.KindTicker }

func (stubClient) Fetch(_ context.Context, symbol string, _ models.RecordKind, _ provider.Params) ([]models.Record, error) {
	return []models.Record{ticker(symbol, "42000", observedAt)}, nil
}

func (stubClient) HealthCheck(context.Context) error { return nil }

func ticker(symbol, price string, at time.Time) models.Record {
	return models.NewRecord("stub", symbol, at, &models.Ticker{
		LastPrice: decimal.RequireFromString(price),
		Volume24h: decimal.NewFromInt(1),
	})
}

type testEnv struct {
	server *Server
	store  *storage.MemoryStore
	cache  *cache.MemoryCache
	bc     *broadcast.Broadcaster
	writer *storage.Writer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	store := storage.NewMemoryStore()
	require.NoError(t, store.Initialize(ctx))
	c := cache.NewMemoryCache(0)
	bc := broadcast.New(broadcast.Options{QueueSize: 16}, nil, nil)
	t.Cleanup(bc.Close)
	m := metrics.New("test")

	reg := provider.NewRegistry()
	reg.Register(stubClient{}, models.KindTicker)

	cfg := collector.DefaultConfig()
	cfg.Symbols = []string{"BTCUSDT"}
	cfg.DefaultInterval = time.Hour
	sup, err := collector.NewBuilder().
		WithProviders(reg).
		WithStore(store).
		WithCache(c).
		WithBroadcaster(bc).
		WithMetrics(m).
		WithConfig(cfg).
		Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sup.Shutdown(context.Background()) })

	srv := New(Deps{
		Supervisor:  sup,
		Store:       store,
		Cache:       c,
		TTL:         cache.NewTTLPolicy(config.TTLConfig{}),
		Broadcaster: bc,
		Metrics:     m,
	}, Options{Symbols: []string{"BTCUSDT", "ETHUSDT"}, Version: "test"})

	return &testEnv{server: srv, store: store, cache: c, bc: bc, writer: storage.NewWriter(store, nil)}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) persist(t *testing.T, records ...models.Record) {
	t.Helper()
	for _, r := range records {
		_, err := e.writer.Persist(context.Background(), r)
		require.NoError(t, err)
	}
}

func TestTickerReadThrough(t *testing.T) {
	env := newTestEnv(t)
	env.persist(t, ticker("BTCUSDT", "50000", observedAt))

	resp := env.do(t, http.MethodGet, "/api/v1/market/ticker/btcusdt", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "MISS", resp.Header().Get(cacheHeader))

	var got models.Record
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	assert.Equal(t, "50000", got.Ticker().LastPrice.String())

	cached, err := cache.GetRecord(context.Background(), env.cache, "ticker:BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "50000", cached.Ticker().LastPrice.String())

	resp = env.do(t, http.MethodGet, "/api/v1/market/ticker/BTCUSDT", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "HIT", resp.Header().Get(cacheHeader))
}

// downCache fails every read the way an open Redis breaker does.
type downCache struct{ *cache.MemoryCache }

func (downCache) Get(context.Context, string) ([]byte, error) {
	return nil, apperrors.CacheUnavailable("cache.redis", "get", apperrors.ErrCircuitOpen)
}

func TestTickerServedFromStoreWhenCacheUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.persist(t, ticker("BTCUSDT", "50000", observedAt))

	m := metrics.New("down")
	srv := New(Deps{
		Supervisor:  env.server.supervisor,
		Store:       env.store,
		Cache:       downCache{env.cache},
		TTL:         cache.NewTTLPolicy(config.TTLConfig{}),
		Broadcaster: env.bc,
		Metrics:     m,
	}, Options{Symbols: []string{"BTCUSDT"}, Version: "test"})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/market/ticker/BTCUSDT", nil)
	resp := httptest.NewRecorder()
	srv.Handler().ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "MISS", resp.Header().Get(cacheHeader))

	_, err := env.cache.Get(context.Background(), "ticker:BTCUSDT")
	assert.ErrorIs(t, err, cache.ErrMiss, "an unavailable cache is not repopulated")

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp = httptest.NewRecorder()
	srv.Handler().ServeHTTP(resp, req)
	assert.Contains(t, resp.Body.String(), `down_cache_requests_total{op="get",result="unavailable"} 1`)
}

func TestTickerNotFound(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/v1/market/ticker/DOGEUSDT", "")
	require.Equal(t, http.StatusNotFound, resp.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, http.StatusNotFound, body.Error.Code)
	assert.Contains(t, body.Error.Message, "DOGEUSDT")
}

func TestOHLCVValidationAndListView(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		at := observedAt.Add(time.Duration(i) * time.Hour)
		candle := &models.Candle{
			Timeframe: models.Timeframe1h,
			Open:      decimal.NewFromInt(100),
			High:      decimal.NewFromInt(110),
			Low:       decimal.NewFromInt(90),
			Close:     decimal.NewFromInt(105),
			Volume:    decimal.NewFromInt(5),
		}
		env.persist(t, models.NewRecord("stub", "BTCUSDT", at, candle))
	}

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"bad timeframe", "/api/v1/market/ohlcv/BTCUSDT?timeframe=7m", http.StatusBadRequest},
		{"limit too large", "/api/v1/market/ohlcv/BTCUSDT?limit=5000", http.StatusBadRequest},
		{"limit not a number", "/api/v1/market/ohlcv/BTCUSDT?limit=abc", http.StatusBadRequest},
		{"no data for timeframe", "/api/v1/market/ohlcv/BTCUSDT?timeframe=1d", http.StatusNotFound},
		{"default timeframe", "/api/v1/market/ohlcv/BTCUSDT?limit=2", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodGet, tt.path, "")
			assert.Equal(t, tt.status, resp.Code, resp.Body.String())
		})
	}

	exists, err := env.cache.Exists(context.Background(), cache.ListKey("ohlcv:BTCUSDT:1h", 2))
	require.NoError(t, err)
	assert.True(t, exists)

	resp := env.do(t, http.MethodGet, "/api/v1/market/ohlcv/BTCUSDT?limit=2", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "HIT", resp.Header().Get(cacheHeader))

	var candles []models.Record
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &candles))
	require.Len(t, candles, 2)
	assert.True(t, candles[0].ObservedAt.After(candles[1].ObservedAt), "newest first")
}

func TestTickersBatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, cache.SetRecord(ctx, env.cache, ticker("BTCUSDT", "50000", observedAt), time.Minute))
	env.persist(t, ticker("ETHUSDT", "3000", observedAt))

	resp := env.do(t, http.MethodGet, "/api/v1/market/tickers", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "MISS", resp.Header().Get(cacheHeader))

	var got []models.Record
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "BTCUSDT", got[0].Symbol)
	assert.Equal(t, "ETHUSDT", got[1].Symbol)

	exists, err := env.cache.Exists(ctx, "ticker:ETHUSDT")
	require.NoError(t, err)
	assert.True(t, exists, "store hits are written back in one batch")

	resp = env.do(t, http.MethodGet, "/api/v1/market/tickers?symbols=ethusdt&limit=1", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "HIT", resp.Header().Get(cacheHeader))
}

func TestCollectorControl(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/v1/collectors/start", `{"symbols":["btcusdt"],"kinds":["ticker"]}`)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var started struct {
		Status string                `json:"status"`
		Jobs   []collector.JobHandle `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &started))
	assert.Equal(t, "success", started.Status)
	require.Len(t, started.Jobs, 1)
	assert.True(t, started.Jobs[0].Created)
	assert.Equal(t, "ticker:BTCUSDT", started.Jobs[0].Topic)

	resp = env.do(t, http.MethodGet, "/api/v1/collectors/status", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var status struct {
		Jobs []models.JobSnapshot `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &status))
	require.Len(t, status.Jobs, 1)
	assert.Equal(t, "stub", status.Jobs[0].Provider)

	resp = env.do(t, http.MethodPost, "/api/v1/collectors/stop", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var stopped struct {
		Jobs []models.JobSnapshot `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &stopped))
	require.Len(t, stopped.Jobs, 1)
	assert.Equal(t, models.JobStopped, stopped.Jobs[0].State)
}

func TestCollectorControlErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{"unknown provider", `{"providers":["kraken"]}`},
		{"unknown kind", `{"kinds":["quotes"]}`},
		{"bad interval", `{"interval":"soon"}`},
		{"unknown field", `{"symbol":"BTCUSDT"}`},
		{"malformed", `{"symbols":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/api/v1/collectors/start", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.Code, resp.Body.String())
		})
	}
}

func TestHealthMetricsAndRequestID(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "req-123")
	resp := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "req-123", resp.Header().Get(requestIDHeader))

	var report collector.HealthReport
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &report))
	assert.Equal(t, collector.StatusHealthy, report.Status)
	assert.True(t, report.Cache.Reachable)
	assert.True(t, report.Store.Reachable)

	resp = env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `test_http_requests_total{code="200",method="GET",route="/health"}`)

	resp = env.do(t, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.NotEmpty(t, resp.Header().Get(requestIDHeader))
}

type wsFrame struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f wsFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestWebsocketStream(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, cache.SetRecord(ctx, env.cache, ticker("BTCUSDT", "50000", observedAt), time.Minute))

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/api/v1/ws/ticker/btcusdt", nil)
	require.NoError(t, err)
	defer conn.Close()

	snap := readFrame(t, conn)
	assert.Equal(t, "snapshot", snap.Type)
	assert.Equal(t, "ticker:BTCUSDT", snap.Topic)

	delivered := env.bc.Publish("ticker:BTCUSDT", ticker("BTCUSDT", "50010", observedAt.Add(time.Second)))
	assert.Equal(t, 1, delivered)

	data := readFrame(t, conn)
	assert.Equal(t, "ticker", data.Type)
	var rec models.Record
	require.NoError(t, json.Unmarshal(data.Data, &rec))
	assert.Equal(t, "50010", rec.Ticker().LastPrice.String())

	require.NoError(t, conn.WriteJSON(clientMessage{Action: "subscribe", Topic: "orderbook:ethusdt"}))
	ack := readFrame(t, conn)
	assert.Equal(t, "subscribed", ack.Type)
	assert.Equal(t, "orderbook:ETHUSDT", ack.Topic)

	require.NoError(t, conn.WriteJSON(clientMessage{Action: "subscribe", Topic: "quotes:ETH"}))
	assert.Equal(t, "error", readFrame(t, conn).Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	assert.Equal(t, "pong", readFrame(t, conn).Type)

	resp := env.do(t, http.MethodGet, "/api/v1/ws/status", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var st struct {
		Total    int            `json:"total_connections"`
		Channels map[string]int `json:"channels"`
	}
	require.NoError(t, json.NewDecoder(bytes.NewReader(resp.Body.Bytes())).Decode(&st))
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, 1, st.Channels["orderbook:ETHUSDT"])
}

func TestWebsocketRejectsBadTopics(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/v1/ws?topics=ticker:BTCUSDT,ohlcv:BTCUSDT", "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = env.do(t, http.MethodGet, "/api/v1/ws/ohlcv/BTCUSDT/7m", "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}
