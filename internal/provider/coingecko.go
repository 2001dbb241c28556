package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/mayank-omega/crypto-data-engine/internal/config"
	apperrors "github.com/mayank-omega/crypto-data-engine/internal/errors"
	"github.com/mayank-omega/crypto-data-engine/internal/models"
	"github.com/mayank-omega/crypto-data-engine/internal/ratelimit"
	"github.com/shopspring/decimal"
)

const (
	coinGeckoCoinEndpoint = "/coins/"
	coinGeckoPingEndpoint = "/ping"
)

// CoinIDs maps exchange symbols to CoinGecko coin ids.
var CoinIDs = map[string]string{
	"BTCUSDT":   "bitcoin",
	"ETHUSDT":   "ethereum",
	"BNBUSDT":   "binancecoin",
	"ADAUSDT":   "cardano",
	"DOGEUSDT":  "dogecoin",
	"XRPUSDT":   "ripple",
	"DOTUSDT":   "polkadot",
	"UNIUSDT":   "uniswap",
	"LINKUSDT":  "chainlink",
	"LTCUSDT":   "litecoin",
	"SOLUSDT":   "solana",
	"MATICUSDT": "matic-network",
	"AVAXUSDT":  "avalanche-2",
}

// CoinGecko fetches market metrics (market cap, supply, scores).
type CoinGecko struct {
	http  *httpClient
	now   func() time.Time
	coins map[string]string
}

// NewCoinGecko creates a CoinGecko client using CoinIDs.
func NewCoinGecko(opts Options, limiter *ratelimit.Limiter, logger *slog.Logger) *CoinGecko {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.coingecko.com/api/v3"
	}
	h := newTransport(config.ProviderCoinGecko, opts, limiter, logger)
	if opts.APIKey != "" {
		h.headers.Set("x-cg-pro-api-key", opts.APIKey)
	}
	h.errorBody = coinGeckoErrorBody
	return &CoinGecko{http: h, now: now(opts), coins: CoinIDs}
}

// ID implements Client.
func (c *CoinGecko) ID() string { return config.ProviderCoinGecko }

// Supports implements Client.
func (c *CoinGecko) Supports(kind models.RecordKind) bool {
	return kind == models.KindMetric
}

// SupportsSymbol implements SymbolFilter.
func (c *CoinGecko) SupportsSymbol(symbol string) bool {
	_, ok := c.coins[models.NormalizeSymbol(symbol)]
	return ok
}

// Fetch implements Client.
func (c *CoinGecko) Fetch(ctx context.Context, symbol string, kind models.RecordKind, _ Params) ([]models.Record, error) {
	if kind != models.KindMetric {
		return nil, unsupportedKind(c.ID(), kind)
	}
	symbol = models.NormalizeSymbol(symbol)
	coinID, ok := c.coins[symbol]
	if !ok {
		return nil, apperrors.Permanent(c.ID(), "coin", fmt.Errorf("no coin id mapped for symbol %s", symbol))
	}

	query := url.Values{
		"localization":   {"false"},
		"tickers":        {"false"},
		"market_data":    {"true"},
		"community_data": {"false"},
		"developer_data": {"false"},
	}
	var coin coinGeckoCoin
	if err := c.http.getJSON(ctx, "coin", coinGeckoCoinEndpoint+url.PathEscape(coinID), query, &coin); err != nil {
		return nil, err
	}

	observed := c.now()
	if coin.LastUpdated != "" {
		if t, err := time.Parse(time.RFC3339, coin.LastUpdated); err == nil {
			observed = t
		}
	}

	md := coin.MarketData
	metric := &models.MarketMetric{
		CoinID:                coinID,
		MarketCapUSD:          md.MarketCap.usd(),
		MarketCapRank:         coin.MarketCapRank,
		FullyDilutedValuation: md.FullyDilutedValuation.usdPtr(),
		CirculatingSupply:     md.CirculatingSupply,
		TotalSupply:           md.TotalSupply,
		MaxSupply:             md.MaxSupply,
		PriceUSD:              md.CurrentPrice.usd(),
		TotalVolumeUSD:        md.TotalVolume.usd(),
		SentimentVotesUpPct:   coin.SentimentVotesUpPercentage,
		DeveloperScore:        coin.DeveloperScore,
		CommunityScore:        coin.CommunityScore,
		LiquidityScore:        coin.LiquidityScore,
	}
	return []models.Record{models.NewRecord(c.ID(), symbol, observed.Truncate(time.Second), metric)}, nil
}

// HealthCheck implements Client.
func (c *CoinGecko) HealthCheck(ctx context.Context) error {
	return c.http.ping(ctx, coinGeckoPingEndpoint, nil)
}

// coinGeckoErrorBody reads {"error":"coin not found"} and
// {"status":{"error_code":429,"error_message":"..."}}.
func coinGeckoErrorBody(_ int, body []byte) (string, bool) {
	var e struct {
		Error  string `json:"error"`
		Status struct {
			ErrorMessage string `json:"error_message"`
		} `json:"status"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		return "", false
	}
	msg := e.Error
	if msg == "" {
		msg = e.Status.ErrorMessage
	}
	return msg, strings.Contains(strings.ToLower(msg), "not found")
}

// currencyMap is CoinGecko's {"usd": 1.0, "eur": ...} shape.
type currencyMap map[string]decimal.Decimal

func (m currencyMap) usd() decimal.Decimal {
	return m["usd"]
}

func (m currencyMap) usdPtr() *decimal.Decimal {
	v, ok := m["usd"]
	if !ok {
		return nil
	}
	return &v
}

type coinGeckoCoin struct {
	ID                         string           `json:"id"`
	Symbol                     string           `json:"symbol"`
	MarketCapRank              int              `json:"market_cap_rank"`
	SentimentVotesUpPercentage *decimal.Decimal `json:"sentiment_votes_up_percentage"`
	DeveloperScore             *decimal.Decimal `json:"developer_score"`
	CommunityScore             *decimal.Decimal `json:"community_score"`
	LiquidityScore             *decimal.Decimal `json:"liquidity_score"`
	LastUpdated                string           `json:"last_updated"`
	MarketData                 struct {
		CurrentPrice          currencyMap      `json:"current_price"`
		MarketCap             currencyMap      `json:"market_cap"`
		FullyDilutedValuation currencyMap      `json:"fully_diluted_valuation"`
		TotalVolume           currencyMap      `json:"total_volume"`
		CirculatingSupply     *decimal.Decimal `json:"circulating_supply"`
		TotalSupply           *decimal.Decimal `json:"total_supply"`
		MaxSupply             *decimal.Decimal `json:"max_supply"`
	} `json:"market_data"`
}
