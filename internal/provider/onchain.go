package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/mayank-omega/crypto-data-engine/internal/config"
	apperrors "github.com/mayank-omega/crypto-data-engine/internal/errors"
	"github.com/mayank-omega/crypto-data-engine/internal/models"
	"github.com/mayank-omega/crypto-data-engine/internal/ratelimit"
	"github.com/shopspring/decimal"
)

const onChainStatsEndpoint = "/stats"

// satoshisPerBTC converts blockchain.info satoshi totals to BTC.
var satoshisPerBTC = decimal.New(1, 8)

// Chains maps symbols to the blockchain whose network stats are collected.
var Chains = map[string]string{
	"BTCUSDT": "bitcoin",
}

// OnChain fetches network statistics from the blockchain.info stats API.
// Only bitcoin is available there.
type OnChain struct {
	http *httpClient
	now  func() time.Time
}

// NewOnChain creates an on-chain metrics client.
func NewOnChain(opts Options, limiter *ratelimit.Limiter, logger *slog.Logger) *OnChain {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.blockchain.info"
	}
	return &OnChain{
		http: newTransport(config.ProviderOnChain, opts, limiter, logger),
		now:  now(opts),
	}
}

// ID implements Client.
func (o *OnChain) ID() string { return config.ProviderOnChain }

// Supports implements Client.
func (o *OnChain) Supports(kind models.RecordKind) bool {
	return kind == models.KindOnChain
}

// SupportsSymbol implements SymbolFilter.
func (o *OnChain) SupportsSymbol(symbol string) bool {
	_, ok := Chains[models.NormalizeSymbol(symbol)]
	return ok
}

// Fetch implements Client.
func (o *OnChain) Fetch(ctx context.Context, symbol string, kind models.RecordKind, _ Params) ([]models.Record, error) {
	if kind != models.KindOnChain {
		return nil, unsupportedKind(o.ID(), kind)
	}
	symbol = models.NormalizeSymbol(symbol)
	chain, ok := Chains[symbol]
	if !ok {
		return nil, apperrors.Permanent(o.ID(), "stats", fmt.Errorf("unsupported chain for symbol %s", symbol))
	}

	var s blockchainStats
	if err := o.http.getJSON(ctx, "stats", onChainStatsEndpoint, url.Values{"format": {"json"}}, &s); err != nil {
		return nil, err
	}

	observed := o.now()
	if s.Timestamp > 0 {
		observed = time.UnixMilli(int64(s.Timestamp))
	}

	metric := &models.OnChainMetric{
		Blockchain:       chain,
		TransactionCount: s.NTx,
		HashRate:         s.HashRate,
		Difficulty:       s.Difficulty,
		BlockHeight:      s.NBlocksTotal,
		MinersRevenueUSD: s.MinersRevenueUSD,
		MarketPriceUSD:   s.MarketPriceUSD,
	}
	if s.TotalBTCSent != nil {
		v := s.TotalBTCSent.Div(satoshisPerBTC)
		metric.TransactionVolume = &v
	}
	return []models.Record{models.NewRecord(o.ID(), symbol, observed.Truncate(time.Second), metric)}, nil
}

// HealthCheck implements Client.
func (o *OnChain) HealthCheck(ctx context.Context) error {
	return o.http.ping(ctx, onChainStatsEndpoint, url.Values{"format": {"json"}})
}

type blockchainStats struct {
	Timestamp        float64          `json:"timestamp"`
	NTx              *int64           `json:"n_tx"`
	TotalBTCSent     *decimal.Decimal `json:"total_btc_sent"`
	HashRate         *decimal.Decimal `json:"hash_rate"`
	Difficulty       *decimal.Decimal `json:"difficulty"`
	NBlocksTotal     *int64           `json:"n_blocks_total"`
	MinersRevenueUSD *decimal.Decimal `json:"miners_revenue_usd"`
	MarketPriceUSD   *decimal.Decimal `json:"market_price_usd"`
}
