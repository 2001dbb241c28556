package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tickerRecord(price string, at time.Time) Record {
	return NewRecord("binance", "BTCUSDT", at, &Ticker{
		LastPrice: decimal.RequireFromString(price),
		Volume24h: decimal.NewFromInt(10),
	})
}

func TestNewRecord_NormalizesEnvelope(t *testing.T) {
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.FixedZone("UTC+2", 2*3600))
	r := NewRecord("binance", "btc-usdt", at, &Candle{Timeframe: Timeframe5m})

	assert.Equal(t, KindCandle, r.Kind)
	assert.Equal(t, "BTCUSDT", r.Symbol)
	assert.Equal(t, time.UTC, r.ObservedAt.Location())
	assert.Equal(t, Timeframe5m, r.Timeframe)
	assert.NotNil(t, r.Candle())
	assert.Nil(t, r.Ticker())
}

func TestRecord_Key(t *testing.T) {
	t.Run("same observation yields equal keys regardless of payload", func(t *testing.T) {
		a := tickerRecord("50000", testTime)
		b := tickerRecord("50010", testTime)
		assert.Equal(t, a.Key(), b.Key())
		assert.Equal(t, a.Key().String(), b.Key().String())
	})

	t.Run("candle keys include the timeframe", func(t *testing.T) {
		c1 := NewRecord("binance", "BTCUSDT", testTime, newTestCandle("1", "1", "1", "1", "1"))
		c2 := c1
		c2.Timeframe = Timeframe1d
		assert.NotEqual(t, c1.Key(), c2.Key())
		assert.Equal(t, Timeframe1h, c1.Key().Timeframe)
	})

	t.Run("trade keys include the trade id", func(t *testing.T) {
		t1 := NewRecord("binance", "BTCUSDT", testTime, &Trade{TradeID: "1"})
		t2 := NewRecord("binance", "BTCUSDT", testTime, &Trade{TradeID: "2"})
		assert.NotEqual(t, t1.Key(), t2.Key())
		assert.Equal(t, "binance|BTCUSDT|trade|2024-01-01T12:00:00Z|2", t2.Key().String())
	})

	t.Run("ticker key ignores timeframe", func(t *testing.T) {
		r := tickerRecord("1", testTime)
		r.Timeframe = Timeframe1m
		assert.Empty(t, r.Key().Timeframe)
	})
}

func TestRecord_Topic(t *testing.T) {
	tests := []struct {
		kind      RecordKind
		timeframe Timeframe
		expected  string
	}{
		{KindTicker, "", "ticker:BTCUSDT"},
		{KindCandle, Timeframe1m, "ohlcv:BTCUSDT:1m"},
		{KindOrderBook, "", "orderbook:BTCUSDT"},
		{KindTrade, "", "trades:BTCUSDT"},
		{KindMetric, "", "metrics:BTCUSDT"},
		{KindOnChain, "", "onchain:BTCUSDT"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			topic := Topic(tt.kind, "btcusdt", tt.timeframe)
			assert.Equal(t, tt.expected, topic)

			kind, symbol, tf, err := ParseTopic(topic)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, "BTCUSDT", symbol)
			assert.Equal(t, tt.timeframe, tf)
		})
	}

	for _, bad := range []string{"", "ticker", "ohlcv:BTCUSDT", "unknown:BTCUSDT", "ohlcv:BTCUSDT:2w"} {
		_, _, _, err := ParseTopic(bad)
		assert.Error(t, err, bad)
	}
}

func TestRecord_JSONRoundTrip(t *testing.T) {
	bids := []PriceLevel{
		{Price: decimal.RequireFromString("100"), Size: decimal.RequireFromString("1")},
		{Price: decimal.RequireFromString("99"), Size: decimal.RequireFromString("2")},
	}
	asks := []PriceLevel{
		{Price: decimal.RequireFromString("101"), Size: decimal.RequireFromString("3")},
	}
	original := NewRecord("binance", "ETHUSDT", testTime, NewOrderBookSnapshot(bids, asks, 10, 42))

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Record
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, original.Key(), decoded.Key())
	ob := decoded.OrderBook()
	require.NotNil(t, ob)
	assert.Len(t, ob.Bids, 2)
	assert.True(t, decimal.NewFromInt(1).Equal(ob.Spread))
	assert.True(t, decimal.NewFromInt(3).Equal(ob.TotalBidVolume))
	assert.Equal(t, int64(42), ob.LastUpdateID)
}

func TestRecord_UnmarshalRejectsUnknownKind(t *testing.T) {
	var r Record
	err := json.Unmarshal([]byte(`{"kind":"weather","source":"x","symbol":"Y","payload":{}}`), &r)
	assert.Error(t, err)

	err = json.Unmarshal([]byte(`{"kind":"ticker","source":"x","symbol":"Y"}`), &r)
	assert.Error(t, err)
}

func TestRecord_Validate(t *testing.T) {
	valid := tickerRecord("50000", testTime)
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(r *Record)
		field  string
	}{
		{"missing source", func(r *Record) { r.Source = "" }, "source"},
		{"missing symbol", func(r *Record) { r.Symbol = "" }, "symbol"},
		{"zero timestamp", func(r *Record) { r.ObservedAt = time.Time{} }, "observed_at"},
		{"missing payload", func(r *Record) { r.Payload = nil }, "payload"},
		{"kind mismatch", func(r *Record) { r.Kind = KindTrade }, "kind"},
		{"zero price", func(r *Record) { r.Payload = &Ticker{} }, "last_price"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			err := r.Validate()
			require.Error(t, err)

			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}

func TestOrderBookSnapshot_Validate(t *testing.T) {
	level := func(p, s string) PriceLevel {
		return PriceLevel{Price: decimal.RequireFromString(p), Size: decimal.RequireFromString(s)}
	}

	t.Run("caps depth and computes totals", func(t *testing.T) {
		ob := NewOrderBookSnapshot(
			[]PriceLevel{level("100", "1"), level("99", "1"), level("98", "1")},
			[]PriceLevel{level("101", "2"), level("102", "2"), level("103", "2")},
			2, 0,
		)
		require.NoError(t, ob.Validate())
		assert.Len(t, ob.Bids, 2)
		assert.Len(t, ob.Asks, 2)
		assert.True(t, decimal.NewFromInt(4).Equal(ob.TotalAskVolume))
		assert.Len(t, ob.Top(1).Bids, 1)
	})

	t.Run("crossed book is rejected", func(t *testing.T) {
		ob := NewOrderBookSnapshot([]PriceLevel{level("101", "1")}, []PriceLevel{level("101", "1")}, 10, 0)
		err := ob.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "best bid")
	})

	t.Run("unsorted bids are rejected", func(t *testing.T) {
		ob := NewOrderBookSnapshot([]PriceLevel{level("99", "1"), level("100", "1")}, nil, 10, 0)
		assert.Error(t, ob.Validate())
	})

	t.Run("unsorted asks are rejected", func(t *testing.T) {
		ob := NewOrderBookSnapshot(nil, []PriceLevel{level("102", "1"), level("101", "1")}, 10, 0)
		assert.Error(t, ob.Validate())
	})

	t.Run("one-sided book is valid", func(t *testing.T) {
		ob := NewOrderBookSnapshot([]PriceLevel{level("100", "1")}, nil, 10, 0)
		assert.NoError(t, ob.Validate())
		assert.True(t, ob.Spread.IsZero())
	})
}

func TestParseRecordKind(t *testing.T) {
	for input, expected := range map[string]RecordKind{
		"ticker":  KindTicker,
		"ohlcv":   KindCandle,
		"Candle":  KindCandle,
		"trades":  KindTrade,
		"depth":   KindOrderBook,
		"metric":  KindMetric,
		"onchain": KindOnChain,
	} {
		kind, err := ParseRecordKind(input)
		require.NoError(t, err, input)
		assert.Equal(t, expected, kind)
	}

	_, err := ParseRecordKind("weather")
	assert.Error(t, err)
}
