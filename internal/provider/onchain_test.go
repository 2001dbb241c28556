package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apperrors "github.com/mayank-omega/crypto-data-engine/internal/errors"
	"github.com/mayank-omega/crypto-data-engine/internal/models"
	"github.com/mayank-omega/crypto-data-engine/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const blockchainStatsFixture = `{
	"timestamp": 1704110400000.0,
	"market_price_usd": 42500.25,
	"hash_rate": 512345678901.5,
	"total_fees_btc": 4213000000,
	"n_btc_mined": 90000000000,
	"n_tx": 412345,
	"n_blocks_mined": 144,
	"minutes_between_blocks": 9.8,
	"totalbc": 1958000000000000,
	"n_blocks_total": 823456,
	"estimated_transaction_volume_usd": 3100000000,
	"blocks_size": 240000000,
	"miners_revenue_usd": 38000000,
	"nextretarget": 824544,
	"difficulty": 72006146478567.1,
	"estimated_btc_sent": 7300000000000,
	"miners_revenue_btc": 900,
	"total_btc_sent": 125000000000000,
	"trade_volume_btc": 25000.5,
	"trade_volume_usd": 1062500000
}`

func TestOnChain_Bitcoin(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, onChainStatsEndpoint, r.URL.Path)
		query = r.URL.RawQuery
		w.Write([]byte(blockchainStatsFixture))
	}))
	defer srv.Close()

	client := NewOnChain(Options{BaseURL: srv.URL}, ratelimit.New(nil), nil)
	records, err := client.Fetch(context.Background(), "BTCUSDT", models.KindOnChain, Params{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "format=json", query)

	rec := records[0]
	require.NoError(t, rec.Validate())
	assert.Equal(t, "onchain", rec.Source)
	assert.Equal(t, "onchain:BTCUSDT", rec.Topic())
	assert.Equal(t, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), rec.ObservedAt)

	m := rec.OnChain()
	require.NotNil(t, m)
	assert.Equal(t, "bitcoin", m.Blockchain)
	require.NotNil(t, m.TransactionCount)
	assert.Equal(t, int64(412345), *m.TransactionCount)
	require.NotNil(t, m.BlockHeight)
	assert.Equal(t, int64(823456), *m.BlockHeight)
	require.NotNil(t, m.TransactionVolume)
	assert.Equal(t, "1250000", m.TransactionVolume.String(), "satoshis converted to BTC")
}

func TestOnChain_MissingTimestampUsesClock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"n_tx": 10}`))
	}))
	defer srv.Close()

	fixed := time.Date(2024, 3, 1, 8, 0, 0, 400_000_000, time.UTC)
	client := NewOnChain(Options{BaseURL: srv.URL, Now: func() time.Time { return fixed }}, ratelimit.New(nil), nil)

	records, err := client.Fetch(context.Background(), "BTCUSDT", models.KindOnChain, Params{})
	require.NoError(t, err)
	assert.Equal(t, fixed.Truncate(time.Second), records[0].ObservedAt)
	assert.Nil(t, records[0].OnChain().TransactionVolume)
}

func TestOnChain_UnsupportedChain(t *testing.T) {
	client := NewOnChain(Options{BaseURL: "http://127.0.0.1:1"}, ratelimit.New(nil), nil)
	assert.True(t, client.SupportsSymbol("btcusdt"))
	assert.False(t, client.SupportsSymbol("ETHUSDT"))

	_, err := client.Fetch(context.Background(), "ETHUSDT", models.KindOnChain, Params{})
	assert.True(t, apperrors.IsPermanent(err))

	_, err = client.Fetch(context.Background(), "BTCUSDT", models.KindTicker, Params{})
	assert.True(t, apperrors.IsPermanent(err))
}

func TestOnChain_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(respond(http.StatusServiceUnavailable, `upstream down`))
	defer srv.Close()

	client := NewOnChain(Options{BaseURL: srv.URL}, ratelimit.New(nil), nil)
	_, err := client.Fetch(context.Background(), "BTCUSDT", models.KindOnChain, Params{})
	assert.True(t, apperrors.IsTransient(err))
	assert.Error(t, client.HealthCheck(context.Background()))
}
