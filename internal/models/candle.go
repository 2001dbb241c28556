package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Timeframe is a candle interval.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// AllTimeframes lists the supported candle timeframes.
var AllTimeframes = []Timeframe{Timeframe1m, Timeframe5m, Timeframe15m, Timeframe1h, Timeframe4h, Timeframe1d}

// ParseTimeframe accepts the canonical forms ("1m", "4h") and the long forms
// used by some providers ("1min", "1hour", "1day").
func ParseTimeframe(s string) (Timeframe, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1m", "1min":
		return Timeframe1m, nil
	case "5m", "5min":
		return Timeframe5m, nil
	case "15m", "15min":
		return Timeframe15m, nil
	case "1h", "1hour", "60m":
		return Timeframe1h, nil
	case "4h", "4hour":
		return Timeframe4h, nil
	case "1d", "1day", "24h":
		return Timeframe1d, nil
	default:
		return "", fmt.Errorf("unsupported timeframe: %s", s)
	}
}

// Duration returns the length of one bar.
func (t Timeframe) Duration() time.Duration {
	switch t {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Candle represents OHLCV price and volume data for one timeframe bar.
// The record's ObservedAt is the bar open time.
type Candle struct {
	Timeframe   Timeframe       `json:"timeframe"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
	QuoteVolume decimal.Decimal `json:"quote_volume"`
	TradesCount int64           `json:"trades_count"`
	CloseTime   time.Time       `json:"close_time"`
}

// Kind implements Payload.
func (c *Candle) Kind() RecordKind { return KindCandle }

// ClosedBy reports whether the bar had closed at now. A candle without a
// close time counts as closed.
func (c *Candle) ClosedBy(now time.Time) bool {
	return c.CloseTime.IsZero() || c.CloseTime.Before(now)
}

// Validate checks low <= open,close <= high, positive prices and volume >= 0.
func (c *Candle) Validate() error {
	if c.Timeframe.Duration() == 0 {
		return &ValidationError{Field: "timeframe", Message: fmt.Sprintf("unsupported timeframe %q", c.Timeframe)}
	}

	zero := decimal.Zero
	if c.Open.LessThanOrEqual(zero) {
		return &ValidationError{Field: "open", Message: "open price must be greater than 0"}
	}
	if c.High.LessThanOrEqual(zero) {
		return &ValidationError{Field: "high", Message: "high price must be greater than 0"}
	}
	if c.Low.LessThanOrEqual(zero) {
		return &ValidationError{Field: "low", Message: "low price must be greater than 0"}
	}
	if c.Close.LessThanOrEqual(zero) {
		return &ValidationError{Field: "close", Message: "close price must be greater than 0"}
	}
	if c.Volume.LessThan(zero) {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}

	maxOpenClose := decimal.Max(c.Open, c.Close)
	if c.High.LessThan(maxOpenClose) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to max(open, close) (%s)", c.High, maxOpenClose),
		}
	}

	minOpenClose := decimal.Min(c.Open, c.Close)
	if c.Low.GreaterThan(minOpenClose) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%s) must be less than or equal to min(open, close) (%s)", c.Low, minOpenClose),
		}
	}

	return nil
}

// String returns a compact description of the candle.
func (c *Candle) String() string {
	return fmt.Sprintf("Candle{%s O:%s H:%s L:%s C:%s V:%s}",
		c.Timeframe, c.Open, c.High, c.Low, c.Close, c.Volume)
}
