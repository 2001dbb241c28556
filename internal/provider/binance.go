package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/mayank-omega/crypto-data-engine/internal/config"
	apperrors "github.com/mayank-omega/crypto-data-engine/internal/errors"
	"github.com/mayank-omega/crypto-data-engine/internal/models"
	"github.com/mayank-omega/crypto-data-engine/internal/ratelimit"
	"github.com/shopspring/decimal"
)

const (
	binanceTickerEndpoint = "/api/v3/ticker/24hr"
	binanceKlinesEndpoint = "/api/v3/klines"
	binanceDepthEndpoint  = "/api/v3/depth"
	binanceTradesEndpoint = "/api/v3/trades"
	binancePingEndpoint   = "/api/v3/ping"

	binanceDefaultDepth       = 100
	binanceDefaultCandleLimit = 2 // the last closed bar and the open one
	binanceDefaultTradeLimit  = 100
	binanceMaxLimit           = 1000

	// binanceInvalidSymbol is the API error code for an unknown symbol.
	binanceInvalidSymbol = -1121
)

// binanceDepthLimits are the depth values the API accepts.
var binanceDepthLimits = []int{5, 10, 20, 50, 100, 500, 1000, 5000}

// Binance fetches tickers, candles, order books and trades from the Binance
// spot REST API.
type Binance struct {
	http *httpClient
	now  func() time.Time
}

// NewBinance creates a Binance client.
func NewBinance(opts Options, limiter *ratelimit.Limiter, logger *slog.Logger) *Binance {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.binance.com"
	}
	h := newTransport(config.ProviderBinance, opts, limiter, logger)
	if opts.APIKey != "" {
		h.headers.Set("X-MBX-APIKEY", opts.APIKey)
	}
	h.errorBody = binanceErrorBody
	return &Binance{http: h, now: now(opts)}
}

// ID implements Client.
func (b *Binance) ID() string { return config.ProviderBinance }

// Supports implements Client.
func (b *Binance) Supports(kind models.RecordKind) bool {
	switch kind {
	case models.KindTicker, models.KindCandle, models.KindOrderBook, models.KindTrade:
		return true
	}
	return false
}

// Fetch implements Client.
func (b *Binance) Fetch(ctx context.Context, symbol string, kind models.RecordKind, params Params) ([]models.Record, error) {
	symbol = models.NormalizeSymbol(symbol)
	switch kind {
	case models.KindTicker:
		rec, err := b.fetchTicker(ctx, symbol)
		if err != nil {
			return nil, err
		}
		return []models.Record{rec}, nil
	case models.KindCandle:
		return b.fetchCandles(ctx, symbol, params)
	case models.KindOrderBook:
		rec, err := b.fetchOrderBook(ctx, symbol, params)
		if err != nil {
			return nil, err
		}
		return []models.Record{rec}, nil
	case models.KindTrade:
		return b.fetchTrades(ctx, symbol, params)
	default:
		return nil, unsupportedKind(b.ID(), kind)
	}
}

// HealthCheck implements Client.
func (b *Binance) HealthCheck(ctx context.Context) error {
	return b.http.ping(ctx, binancePingEndpoint, nil)
}

func (b *Binance) fetchTicker(ctx context.Context, symbol string) (models.Record, error) {
	var t binanceTicker
	if err := b.http.getJSON(ctx, "ticker", binanceTickerEndpoint, url.Values{"symbol": {symbol}}, &t); err != nil {
		return models.Record{}, err
	}

	observed := b.now()
	if t.CloseTime > 0 {
		observed = time.UnixMilli(t.CloseTime)
	}
	return models.NewRecord(b.ID(), symbol, observed.Truncate(time.Second), &models.Ticker{
		LastPrice:         t.LastPrice,
		BidPrice:          t.BidPrice,
		AskPrice:          t.AskPrice,
		Volume24h:         t.Volume,
		QuoteVolume24h:    t.QuoteVolume,
		PriceChange24h:    t.PriceChange,
		PriceChangePct24h: t.PriceChangePercent,
		High24h:           t.HighPrice,
		Low24h:            t.LowPrice,
	}), nil
}

func (b *Binance) fetchCandles(ctx context.Context, symbol string, params Params) ([]models.Record, error) {
	if params.Timeframe.Duration() == 0 {
		return nil, apperrors.Permanent(b.ID(), "klines", fmt.Errorf("unsupported timeframe %q", params.Timeframe))
	}
	limit := max(clampLimit(params.Limit, binanceDefaultCandleLimit, binanceMaxLimit), binanceDefaultCandleLimit)

	query := url.Values{
		"symbol":   {symbol},
		"interval": {string(params.Timeframe)},
		"limit":    {strconv.Itoa(limit)},
	}
	return b.klines(ctx, "klines", symbol, params.Timeframe, query)
}

// FetchCandleRange implements HistoryFetcher.
func (b *Binance) FetchCandleRange(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time, limit int) ([]models.Record, error) {
	if tf.Duration() == 0 {
		return nil, apperrors.Permanent(b.ID(), "klines_history", fmt.Errorf("unsupported timeframe %q", tf))
	}
	if end.Before(start) {
		return nil, apperrors.Permanent(b.ID(), "klines_history", fmt.Errorf("range ends before it starts"))
	}

	symbol = models.NormalizeSymbol(symbol)
	query := url.Values{
		"symbol":    {symbol},
		"interval":  {string(tf)},
		"startTime": {strconv.FormatInt(start.UnixMilli(), 10)},
		"endTime":   {strconv.FormatInt(end.UnixMilli(), 10)},
		"limit":     {strconv.Itoa(clampLimit(limit, binanceMaxLimit, binanceMaxLimit))},
	}
	return b.klines(ctx, "klines_history", symbol, tf, query)
}

func (b *Binance) klines(ctx context.Context, operation, symbol string, tf models.Timeframe, query url.Values) ([]models.Record, error) {
	var rows [][]json.RawMessage
	if err := b.http.getJSON(ctx, operation, binanceKlinesEndpoint, query, &rows); err != nil {
		return nil, err
	}

	records := make([]models.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := parseKline(b.ID(), symbol, tf, row)
		if err != nil {
			return nil, apperrors.Transient(b.ID(), operation, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// parseKline decodes one kline row:
// [openTime, open, high, low, close, volume, closeTime, quoteVolume, trades, ...].
func parseKline(source, symbol string, tf models.Timeframe, row []json.RawMessage) (models.Record, error) {
	if len(row) < 9 {
		return models.Record{}, fmt.Errorf("kline row has %d fields, want at least 9", len(row))
	}

	var (
		openTime, closeTime, trades int64
		c                           = &models.Candle{Timeframe: tf}
	)
	fields := []struct {
		dst any
		raw json.RawMessage
	}{
		{&openTime, row[0]},
		{&c.Open, row[1]},
		{&c.High, row[2]},
		{&c.Low, row[3]},
		{&c.Close, row[4]},
		{&c.Volume, row[5]},
		{&closeTime, row[6]},
		{&c.QuoteVolume, row[7]},
		{&trades, row[8]},
	}
	for i, f := range fields {
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return models.Record{}, fmt.Errorf("kline field %d: %w", i, err)
		}
	}
	c.TradesCount = trades
	c.CloseTime = time.UnixMilli(closeTime).UTC()

	return models.NewRecord(source, symbol, time.UnixMilli(openTime), c), nil
}

func (b *Binance) fetchOrderBook(ctx context.Context, symbol string, params Params) (models.Record, error) {
	depth := params.Depth
	if depth <= 0 {
		depth = binanceDefaultDepth
	}

	var book binanceDepth
	query := url.Values{"symbol": {symbol}, "limit": {strconv.Itoa(depthLimit(depth))}}
	if err := b.http.getJSON(ctx, "depth", binanceDepthEndpoint, query, &book); err != nil {
		return models.Record{}, err
	}

	bids, err := parseLevels(book.Bids)
	if err != nil {
		return models.Record{}, apperrors.Transient(b.ID(), "depth", err)
	}
	asks, err := parseLevels(book.Asks)
	if err != nil {
		return models.Record{}, apperrors.Transient(b.ID(), "depth", err)
	}

	snapshot := models.NewOrderBookSnapshot(bids, asks, depth, book.LastUpdateID)
	return models.NewRecord(b.ID(), symbol, b.now().Truncate(time.Second), snapshot), nil
}

func (b *Binance) fetchTrades(ctx context.Context, symbol string, params Params) ([]models.Record, error) {
	limit := clampLimit(params.Limit, binanceDefaultTradeLimit, binanceMaxLimit)

	var trades []binanceTrade
	query := url.Values{"symbol": {symbol}, "limit": {strconv.Itoa(limit)}}
	if err := b.http.getJSON(ctx, "trades", binanceTradesEndpoint, query, &trades); err != nil {
		return nil, err
	}

	records := make([]models.Record, 0, len(trades))
	for _, t := range trades {
		records = append(records, models.NewRecord(b.ID(), symbol, time.UnixMilli(t.Time), &models.Trade{
			TradeID:      strconv.FormatInt(t.ID, 10),
			Price:        t.Price,
			Quantity:     t.Qty,
			QuoteQty:     t.QuoteQty,
			IsBuyerMaker: t.IsBuyerMaker,
		}))
	}
	return records, nil
}

func parseLevels(raw [][2]string) ([]models.PriceLevel, error) {
	levels := make([]models.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, fmt.Errorf("invalid price %q: %w", pair[0], err)
		}
		size, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, fmt.Errorf("invalid size %q: %w", pair[1], err)
		}
		levels = append(levels, models.PriceLevel{Price: price, Size: size})
	}
	return levels, nil
}

// depthLimit rounds depth up to the nearest limit the API accepts.
func depthLimit(depth int) int {
	for _, l := range binanceDepthLimits {
		if depth <= l {
			return l
		}
	}
	return binanceDepthLimits[len(binanceDepthLimits)-1]
}

func clampLimit(limit, def, maxLimit int) int {
	if limit <= 0 {
		return def
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// binanceErrorBody reads {"code":-1121,"msg":"Invalid symbol."}.
func binanceErrorBody(_ int, body []byte) (string, bool) {
	var e struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&e); err != nil || e.Msg == "" {
		return "", false
	}
	return fmt.Sprintf("binance error %d: %s", e.Code, e.Msg), e.Code == binanceInvalidSymbol
}

type binanceTicker struct {
	Symbol             string          `json:"symbol"`
	PriceChange        decimal.Decimal `json:"priceChange"`
	PriceChangePercent decimal.Decimal `json:"priceChangePercent"`
	LastPrice          decimal.Decimal `json:"lastPrice"`
	BidPrice           decimal.Decimal `json:"bidPrice"`
	AskPrice           decimal.Decimal `json:"askPrice"`
	HighPrice          decimal.Decimal `json:"highPrice"`
	LowPrice           decimal.Decimal `json:"lowPrice"`
	Volume             decimal.Decimal `json:"volume"`
	QuoteVolume        decimal.Decimal `json:"quoteVolume"`
	CloseTime          int64           `json:"closeTime"`
}

type binanceDepth struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

type binanceTrade struct {
	ID           int64           `json:"id"`
	Price        decimal.Decimal `json:"price"`
	Qty          decimal.Decimal `json:"qty"`
	QuoteQty     decimal.Decimal `json:"quoteQty"`
	Time         int64           `json:"time"`
	IsBuyerMaker bool            `json:"isBuyerMaker"`
}
