package models

import (
	"fmt"
	"strings"
	"time"
)

// NaturalKey is the minimal field set identifying one logical observation.
// Timeframe is only set for candles and TradeID only for trades.
type NaturalKey struct {
	Source     string     `json:"source"`
	Symbol     string     `json:"symbol"`
	Kind       RecordKind `json:"kind"`
	ObservedAt time.Time  `json:"observed_at"`
	Timeframe  Timeframe  `json:"timeframe,omitempty"`
	TradeID    string     `json:"trade_id,omitempty"`
}

// String renders the key in a stable, comparable form.
func (k NaturalKey) String() string {
	parts := []string{k.Source, k.Symbol, string(k.Kind), k.ObservedAt.UTC().Format(time.RFC3339Nano)}
	if k.Timeframe != "" {
		parts = append(parts, string(k.Timeframe))
	}
	if k.TradeID != "" {
		parts = append(parts, k.TradeID)
	}
	return strings.Join(parts, "|")
}

// SeriesKey addresses a time series of records: one provider, one symbol and,
// for candles, one timeframe.
type SeriesKey struct {
	Source    string    `json:"source"`
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe,omitempty"`
}

// String renders the series key.
func (s SeriesKey) String() string {
	if s.Timeframe != "" {
		return fmt.Sprintf("%s|%s|%s", s.Source, s.Symbol, s.Timeframe)
	}
	return fmt.Sprintf("%s|%s", s.Source, s.Symbol)
}

// Matches reports whether key belongs to the series. An empty Source matches any provider.
func (s SeriesKey) Matches(key NaturalKey) bool {
	if s.Source != "" && s.Source != key.Source {
		return false
	}
	return s.Symbol == key.Symbol && s.Timeframe == key.Timeframe
}

// Topic derives the stream topic for a record kind and symbol. Candle topics
// include the timeframe, e.g. "ohlcv:BTCUSDT:1m".
func Topic(kind RecordKind, symbol string, timeframe Timeframe) string {
	symbol = NormalizeSymbol(symbol)
	switch kind {
	case KindTicker:
		return "ticker:" + symbol
	case KindCandle:
		return fmt.Sprintf("ohlcv:%s:%s", symbol, timeframe)
	case KindOrderBook:
		return "orderbook:" + symbol
	case KindTrade:
		return "trades:" + symbol
	case KindMetric:
		return "metrics:" + symbol
	case KindOnChain:
		return "onchain:" + symbol
	default:
		return fmt.Sprintf("%s:%s", kind, symbol)
	}
}

// ParseTopic splits a topic back into its kind, symbol and timeframe.
func ParseTopic(topic string) (RecordKind, string, Timeframe, error) {
	parts := strings.Split(topic, ":")
	if len(parts) < 2 || parts[1] == "" {
		return "", "", "", fmt.Errorf("invalid topic %q", topic)
	}

	symbol := NormalizeSymbol(parts[1])
	switch parts[0] {
	case "ticker":
		return KindTicker, symbol, "", nil
	case "ohlcv":
		if len(parts) != 3 {
			return "", "", "", fmt.Errorf("invalid topic %q: ohlcv topics need a timeframe", topic)
		}
		tf, err := ParseTimeframe(parts[2])
		if err != nil {
			return "", "", "", err
		}
		return KindCandle, symbol, tf, nil
	case "orderbook":
		return KindOrderBook, symbol, "", nil
	case "trades":
		return KindTrade, symbol, "", nil
	case "metrics":
		return KindMetric, symbol, "", nil
	case "onchain":
		return KindOnChain, symbol, "", nil
	default:
		return "", "", "", fmt.Errorf("invalid topic %q: unknown prefix %q", topic, parts[0])
	}
}
