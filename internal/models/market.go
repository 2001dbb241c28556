package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Ticker is a rolling 24h ticker observation.
type Ticker struct {
	LastPrice         decimal.Decimal `json:"last_price"`
	BidPrice          decimal.Decimal `json:"bid_price"`
	AskPrice          decimal.Decimal `json:"ask_price"`
	Volume24h         decimal.Decimal `json:"volume_24h"`
	QuoteVolume24h    decimal.Decimal `json:"quote_volume_24h"`
	PriceChange24h    decimal.Decimal `json:"price_change_24h"`
	PriceChangePct24h decimal.Decimal `json:"price_change_pct_24h"`
	High24h           decimal.Decimal `json:"high_24h"`
	Low24h            decimal.Decimal `json:"low_24h"`
}

// Kind implements Payload.
func (t *Ticker) Kind() RecordKind { return KindTicker }

// Validate checks that the last price is positive.
func (t *Ticker) Validate() error {
	if t.LastPrice.LessThanOrEqual(decimal.Zero) {
		return &ValidationError{Field: "last_price", Message: "last price must be greater than 0"}
	}
	if t.Volume24h.IsNegative() {
		return &ValidationError{Field: "volume_24h", Message: "volume must be greater than or equal to 0"}
	}
	return nil
}

// PriceLevel is one (price, size) entry of an order book side.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBookSnapshot holds bids in descending and asks in ascending price order,
// each capped at Depth levels.
type OrderBookSnapshot struct {
	Bids           []PriceLevel    `json:"bids"`
	Asks           []PriceLevel    `json:"asks"`
	Depth          int             `json:"depth"`
	LastUpdateID   int64           `json:"last_update_id,omitempty"`
	Spread         decimal.Decimal `json:"spread"`
	TotalBidVolume decimal.Decimal `json:"total_bid_volume"`
	TotalAskVolume decimal.Decimal `json:"total_ask_volume"`
}

// Kind implements Payload.
func (o *OrderBookSnapshot) Kind() RecordKind { return KindOrderBook }

// NewOrderBookSnapshot caps both sides at depth and computes spread and totals.
// Levels must already be sorted as delivered by the exchange.
func NewOrderBookSnapshot(bids, asks []PriceLevel, depth int, lastUpdateID int64) *OrderBookSnapshot {
	if depth > 0 {
		if len(bids) > depth {
			bids = bids[:depth]
		}
		if len(asks) > depth {
			asks = asks[:depth]
		}
	}

	ob := &OrderBookSnapshot{
		Bids:         bids,
		Asks:         asks,
		Depth:        depth,
		LastUpdateID: lastUpdateID,
	}
	for _, b := range bids {
		ob.TotalBidVolume = ob.TotalBidVolume.Add(b.Size)
	}
	for _, a := range asks {
		ob.TotalAskVolume = ob.TotalAskVolume.Add(a.Size)
	}
	if len(bids) > 0 && len(asks) > 0 {
		ob.Spread = asks[0].Price.Sub(bids[0].Price)
	}
	return ob
}

// Top returns a copy limited to n levels per side, used for cached views.
func (o *OrderBookSnapshot) Top(n int) *OrderBookSnapshot {
	if n <= 0 || (len(o.Bids) <= n && len(o.Asks) <= n) {
		cp := *o
		return &cp
	}
	cp := *o
	if len(cp.Bids) > n {
		cp.Bids = cp.Bids[:n]
	}
	if len(cp.Asks) > n {
		cp.Asks = cp.Asks[:n]
	}
	return &cp
}

// BestBid returns the highest bid, if any.
func (o *OrderBookSnapshot) BestBid() (PriceLevel, bool) {
	if len(o.Bids) == 0 {
		return PriceLevel{}, false
	}
	return o.Bids[0], true
}

// BestAsk returns the lowest ask, if any.
func (o *OrderBookSnapshot) BestAsk() (PriceLevel, bool) {
	if len(o.Asks) == 0 {
		return PriceLevel{}, false
	}
	return o.Asks[0], true
}

// Validate checks side ordering, the depth cap and best bid < best ask.
func (o *OrderBookSnapshot) Validate() error {
	if o.Depth > 0 && (len(o.Bids) > o.Depth || len(o.Asks) > o.Depth) {
		return &ValidationError{Field: "depth", Message: fmt.Sprintf("order book exceeds depth %d", o.Depth)}
	}
	for i := 1; i < len(o.Bids); i++ {
		if !o.Bids[i].Price.LessThan(o.Bids[i-1].Price) {
			return &ValidationError{Field: "bids", Message: "bids must be in strictly descending price order"}
		}
	}
	for i := 1; i < len(o.Asks); i++ {
		if !o.Asks[i].Price.GreaterThan(o.Asks[i-1].Price) {
			return &ValidationError{Field: "asks", Message: "asks must be in strictly ascending price order"}
		}
	}
	bid, hasBid := o.BestBid()
	ask, hasAsk := o.BestAsk()
	if hasBid && hasAsk && !bid.Price.LessThan(ask.Price) {
		return &ValidationError{
			Field:   "spread",
			Message: fmt.Sprintf("best bid (%s) must be less than best ask (%s)", bid.Price, ask.Price),
		}
	}
	return nil
}

// Trade is one executed trade.
type Trade struct {
	TradeID      string          `json:"trade_id"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	QuoteQty     decimal.Decimal `json:"quote_quantity"`
	IsBuyerMaker bool            `json:"is_buyer_maker"`
}

// Kind implements Payload.
func (t *Trade) Kind() RecordKind { return KindTrade }

// Validate checks the trade id and that price and quantity are positive.
func (t *Trade) Validate() error {
	if t.TradeID == "" {
		return &ValidationError{Field: "trade_id", Message: "trade id is required"}
	}
	if t.Price.LessThanOrEqual(decimal.Zero) {
		return &ValidationError{Field: "price", Message: "price must be greater than 0"}
	}
	if t.Quantity.LessThanOrEqual(decimal.Zero) {
		return &ValidationError{Field: "quantity", Message: "quantity must be greater than 0"}
	}
	return nil
}

// MarketMetric carries market-wide metrics for an asset.
type MarketMetric struct {
	CoinID                string           `json:"coin_id"`
	MarketCapUSD          decimal.Decimal  `json:"market_cap_usd"`
	MarketCapRank         int              `json:"market_cap_rank"`
	FullyDilutedValuation *decimal.Decimal `json:"fully_diluted_valuation,omitempty"`
	CirculatingSupply     *decimal.Decimal `json:"circulating_supply,omitempty"`
	TotalSupply           *decimal.Decimal `json:"total_supply,omitempty"`
	MaxSupply             *decimal.Decimal `json:"max_supply,omitempty"`
	PriceUSD              decimal.Decimal  `json:"price_usd"`
	TotalVolumeUSD        decimal.Decimal  `json:"total_volume_usd"`
	SentimentVotesUpPct   *decimal.Decimal `json:"sentiment_votes_up_pct,omitempty"`
	DeveloperScore        *decimal.Decimal `json:"developer_score,omitempty"`
	CommunityScore        *decimal.Decimal `json:"community_score,omitempty"`
	LiquidityScore        *decimal.Decimal `json:"liquidity_score,omitempty"`
}

// Kind implements Payload.
func (m *MarketMetric) Kind() RecordKind { return KindMetric }

// OnChainMetric carries blockchain network statistics.
type OnChainMetric struct {
	Blockchain        string           `json:"blockchain"`
	TransactionCount  *int64           `json:"transaction_count,omitempty"`
	TransactionVolume *decimal.Decimal `json:"transaction_volume,omitempty"`
	HashRate          *decimal.Decimal `json:"hash_rate,omitempty"`
	Difficulty        *decimal.Decimal `json:"difficulty,omitempty"`
	BlockHeight       *int64           `json:"block_height,omitempty"`
	MinersRevenueUSD  *decimal.Decimal `json:"miners_revenue_usd,omitempty"`
	MarketPriceUSD    *decimal.Decimal `json:"market_price_usd,omitempty"`
}

// Kind implements Payload.
func (o *OnChainMetric) Kind() RecordKind { return KindOnChain }
