// Package models provides the canonical market-data records produced by provider
// clients, together with their natural keys, stream topics and validation rules.
// Every record kind flows through the same persist, cache and broadcast pipeline,
// so the types here are shared by storage, cache, broadcast and the API layer.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RecordKind identifies the variant carried by a Record.
type RecordKind string

const (
	KindTicker    RecordKind = "ticker"    // KindTicker is a 24h rolling ticker observation
	KindCandle    RecordKind = "candle"    // KindCandle is an OHLCV bar for one timeframe
	KindOrderBook RecordKind = "orderbook" // KindOrderBook is a depth-capped order book snapshot
	KindTrade     RecordKind = "trade"     // KindTrade is a single executed trade
	KindMetric    RecordKind = "metric"    // KindMetric is a market metrics observation (market cap, supply)
	KindOnChain   RecordKind = "onchain"   // KindOnChain is a blockchain network metrics observation
)

// AllKinds lists every supported record kind in pipeline order.
var AllKinds = []RecordKind{KindTicker, KindCandle, KindOrderBook, KindTrade, KindMetric, KindOnChain}

// IsValid reports whether k is a known record kind.
func (k RecordKind) IsValid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ParseRecordKind converts user input such as "ticker" or "orderbook" to a RecordKind.
func ParseRecordKind(s string) (RecordKind, error) {
	k := RecordKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case "ohlcv", "candles", "kline", "klines":
		return KindCandle, nil
	case "trades":
		return KindTrade, nil
	case "metrics", "market_metrics":
		return KindMetric, nil
	case "order_book", "depth":
		return KindOrderBook, nil
	}
	if !k.IsValid() {
		return "", fmt.Errorf("unknown record kind %q", s)
	}
	return k, nil
}

// Payload is implemented by every record variant.
type Payload interface {
	Kind() RecordKind
}

// Record is the canonical, provider-independent observation. Exactly one payload
// variant is carried, and its kind must match Kind.
type Record struct {
	Kind       RecordKind `json:"kind"`
	Source     string     `json:"source"`
	Symbol     string     `json:"symbol"`
	ObservedAt time.Time  `json:"observed_at"`
	Timeframe  Timeframe  `json:"timeframe,omitempty"`
	Payload    Payload    `json:"payload"`
}

// NewRecord builds a record around payload, normalizing the symbol and timestamp.
func NewRecord(source, symbol string, observedAt time.Time, payload Payload) Record {
	r := Record{
		Kind:       payload.Kind(),
		Source:     source,
		Symbol:     NormalizeSymbol(symbol),
		ObservedAt: observedAt.UTC(),
		Payload:    payload,
	}
	if c, ok := payload.(*Candle); ok {
		r.Timeframe = c.Timeframe
	}
	return r
}

// NormalizeSymbol upper-cases a symbol and strips separators, so "btc-usdt"
// and "BTCUSDT" address the same series.
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, "/", "")
	return s
}

// Key returns the natural key of the record.
func (r Record) Key() NaturalKey {
	key := NaturalKey{
		Source:     r.Source,
		Symbol:     r.Symbol,
		Kind:       r.Kind,
		ObservedAt: r.ObservedAt.UTC(),
	}
	if r.Kind == KindCandle {
		key.Timeframe = r.Timeframe
	}
	if t, ok := r.Payload.(*Trade); ok {
		key.TradeID = t.TradeID
	}
	return key
}

// Series returns the key addressing the record's time series.
func (r Record) Series() SeriesKey {
	s := SeriesKey{Source: r.Source, Symbol: r.Symbol}
	if r.Kind == KindCandle {
		s.Timeframe = r.Timeframe
	}
	return s
}

// Topic returns the broadcast topic (and write-path cache key) of the record.
func (r Record) Topic() string {
	return Topic(r.Kind, r.Symbol, r.Timeframe)
}

// Ticker returns the ticker payload or nil.
func (r Record) Ticker() *Ticker {
	t, _ := r.Payload.(*Ticker)
	return t
}

// Candle returns the candle payload or nil.
func (r Record) Candle() *Candle {
	c, _ := r.Payload.(*Candle)
	return c
}

// OrderBook returns the order book payload or nil.
func (r Record) OrderBook() *OrderBookSnapshot {
	o, _ := r.Payload.(*OrderBookSnapshot)
	return o
}

// Trade returns the trade payload or nil.
func (r Record) Trade() *Trade {
	t, _ := r.Payload.(*Trade)
	return t
}

// Metric returns the market metric payload or nil.
func (r Record) Metric() *MarketMetric {
	m, _ := r.Payload.(*MarketMetric)
	return m
}

// OnChain returns the on-chain payload or nil.
func (r Record) OnChain() *OnChainMetric {
	o, _ := r.Payload.(*OnChainMetric)
	return o
}

// UnmarshalJSON decodes the payload according to the kind field.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw struct {
		Kind       RecordKind      `json:"kind"`
		Source     string          `json:"source"`
		Symbol     string          `json:"symbol"`
		ObservedAt time.Time       `json:"observed_at"`
		Timeframe  Timeframe       `json:"timeframe,omitempty"`
		Payload    json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	payload, err := DecodePayload(raw.Kind, raw.Payload)
	if err != nil {
		return err
	}

	*r = Record{
		Kind:       raw.Kind,
		Source:     raw.Source,
		Symbol:     raw.Symbol,
		ObservedAt: raw.ObservedAt.UTC(),
		Timeframe:  raw.Timeframe,
		Payload:    payload,
	}
	return nil
}

// DecodePayload decodes a JSON payload for the given kind. Storage backends use
// it to rebuild records from their payload column.
func DecodePayload(kind RecordKind, data []byte) (Payload, error) {
	var p Payload
	switch kind {
	case KindTicker:
		p = &Ticker{}
	case KindCandle:
		p = &Candle{}
	case KindOrderBook:
		p = &OrderBookSnapshot{}
	case KindTrade:
		p = &Trade{}
	case KindMetric:
		p = &MarketMetric{}
	case KindOnChain:
		p = &OnChainMetric{}
	default:
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}
	if len(data) == 0 || string(data) == "null" {
		return nil, fmt.Errorf("missing payload for %s record", kind)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}

// Validate checks the common envelope and then the variant's own invariants.
func (r Record) Validate() error {
	if r.Source == "" {
		return &ValidationError{Field: "source", Message: "source is required"}
	}
	if r.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol is required"}
	}
	if r.ObservedAt.IsZero() {
		return &ValidationError{Field: "observed_at", Message: "observed_at cannot be zero"}
	}
	if r.Payload == nil {
		return &ValidationError{Field: "payload", Message: "payload is required"}
	}
	if r.Payload.Kind() != r.Kind {
		return &ValidationError{
			Field:   "kind",
			Message: fmt.Sprintf("payload kind %s does not match record kind %s", r.Payload.Kind(), r.Kind),
		}
	}

	switch p := r.Payload.(type) {
	case *Candle:
		if p.Timeframe != r.Timeframe {
			return &ValidationError{Field: "timeframe", Message: "candle timeframe does not match record timeframe"}
		}
		return p.Validate()
	case *OrderBookSnapshot:
		return p.Validate()
	case *Trade:
		return p.Validate()
	case *Ticker:
		return p.Validate()
	}
	return nil
}

// ValidationError represents a record validation error with specific field context.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message explains the failure
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}
