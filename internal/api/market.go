package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mayank-omega/crypto-data-engine/internal/cache"
	apperrors "github.com/mayank-omega/crypto-data-engine/internal/errors"
	"github.com/mayank-omega/crypto-data-engine/internal/models"
	"github.com/mayank-omega/crypto-data-engine/internal/storage"
)

const (
	defaultCandleLimit  = 100
	maxCandleLimit      = 1000
	defaultTradeLimit   = 100
	maxTradeLimit       = 1000
	defaultTickersLimit = 50
	maxTickersLimit     = 200
)

var errNoData = errors.New("no data")

func (s *Server) handleTicker(w http.ResponseWriter, r *http.Request) {
	s.serveLatest(w, r, models.KindTicker, "")
}

func (s *Server) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	s.serveLatest(w, r, models.KindOrderBook, "")
}

func (s *Server) handleMarketMetrics(w http.ResponseWriter, r *http.Request) {
	s.serveLatest(w, r, models.KindMetric, "")
}

func (s *Server) handleOnChain(w http.ResponseWriter, r *http.Request) {
	s.serveLatest(w, r, models.KindOnChain, "")
}

func (s *Server) handleOHLCV(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("timeframe")
	if raw == "" {
		raw = string(models.Timeframe1h)
	}
	tf, err := models.ParseTimeframe(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseLimit(r, defaultCandleLimit, maxCandleLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.serveList(w, r, models.KindCandle, tf, limit)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultTradeLimit, maxTradeLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.serveList(w, r, models.KindTrade, "", limit)
}

func (s *Server) serveLatest(w http.ResponseWriter, r *http.Request, kind models.RecordKind, tf models.Timeframe) {
	symbol := models.NormalizeSymbol(chi.URLParam(r, "symbol"))
	rec, hit, err := s.latest(r.Context(), kind, symbol, tf)
	if err != nil {
		s.writeReadError(w, err, kind, symbol)
		return
	}
	setCacheHeader(w, hit)
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) serveList(w http.ResponseWriter, r *http.Request, kind models.RecordKind, tf models.Timeframe, limit int) {
	symbol := models.NormalizeSymbol(chi.URLParam(r, "symbol"))
	records, hit, err := s.latestList(r.Context(), kind, symbol, tf, limit)
	if err != nil {
		s.writeReadError(w, err, kind, symbol)
		return
	}
	setCacheHeader(w, hit)
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) writeReadError(w http.ResponseWriter, err error, kind models.RecordKind, symbol string) {
	if errors.Is(err, errNoData) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no %s data found for %s", kind, symbol))
		return
	}
	s.logger.Error("market read failed", "kind", kind, "symbol", symbol, "error", err)
	writeError(w, http.StatusInternalServerError, "query failed")
}

// latest reads the newest record of a series: cache first, then the store.
// A plain miss repopulates the cache; an unavailable cache is bypassed.
func (s *Server) latest(ctx context.Context, kind models.RecordKind, symbol string, tf models.Timeframe) (models.Record, bool, error) {
	topic := models.Topic(kind, symbol, tf)
	rec, cacheErr := cache.GetRecord(ctx, s.cache, topic)
	if s.observeCacheRead(topic, cacheErr) {
		return rec, true, nil
	}

	records, err := storage.Latest(ctx, s.store, kind, models.SeriesKey{Symbol: symbol, Timeframe: tf}, 1)
	if err != nil {
		return models.Record{}, false, err
	}
	if len(records) == 0 {
		return models.Record{}, false, errNoData
	}

	rec = s.cacheView(records[0])
	if errors.Is(cacheErr, cache.ErrMiss) {
		if err := cache.SetRecord(ctx, s.cache, rec, s.ttl.For(kind)); err != nil {
			s.logger.Warn("cache repopulate failed", "key", topic, "error", err)
		}
	}
	return rec, false, nil
}

// latestList reads the newest limit records of a series through a derived
// list view of the topic.
func (s *Server) latestList(ctx context.Context, kind models.RecordKind, symbol string, tf models.Timeframe, limit int) ([]models.Record, bool, error) {
	key := cache.ListKey(models.Topic(kind, symbol, tf), limit)
	var records []models.Record
	cacheErr := cache.GetJSON(ctx, s.cache, key, &records)
	if s.observeCacheRead(key, cacheErr) {
		return records, true, nil
	}

	records, err := storage.Latest(ctx, s.store, kind, models.SeriesKey{Symbol: symbol, Timeframe: tf}, limit)
	if err != nil {
		return nil, false, err
	}
	if len(records) == 0 {
		return nil, false, errNoData
	}

	if errors.Is(cacheErr, cache.ErrMiss) {
		if err := cache.SetJSON(ctx, s.cache, key, records, s.ttl.For(kind)); err != nil {
			s.logger.Warn("cache repopulate failed", "key", key, "error", err)
		}
	}
	return records, false, nil
}

// observeCacheRead counts a cache read and reports whether it was a hit.
func (s *Server) observeCacheRead(key string, err error) bool {
	switch {
	case err == nil:
		s.metrics.CacheResult("get", "hit")
		return true
	case errors.Is(err, cache.ErrMiss):
		s.metrics.CacheResult("get", "miss")
	case apperrors.IsCacheUnavailable(err):
		s.metrics.CacheResult("get", "unavailable")
		s.logger.Debug("cache unavailable, using store", "key", key, "error", err)
	default:
		s.metrics.CacheResult("get", "error")
		s.logger.Warn("cache read failed, using store", "key", key, "error", err)
	}
	return false
}

func (s *Server) cacheView(rec models.Record) models.Record {
	if book := rec.OrderBook(); book != nil && s.opts.CachedDepth > 0 {
		rec.Payload = book.Top(s.opts.CachedDepth)
	}
	return rec
}

// handleTickers returns the latest ticker of each requested symbol, batching
// cache reads and writes.
func (s *Server) handleTickers(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultTickersLimit, maxTickersLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	symbols := s.opts.Symbols
	if raw := r.URL.Query().Get("symbols"); raw != "" {
		symbols = splitCSV(raw)
	}
	if len(symbols) > limit {
		symbols = symbols[:limit]
	}

	ctx := r.Context()
	keys := make([]string, len(symbols))
	for i, sym := range symbols {
		keys[i] = models.Topic(models.KindTicker, sym, "")
	}

	found, cacheErr := s.cache.GetBatch(ctx, keys)
	if cacheErr != nil {
		s.metrics.CacheResult("get_batch", "error")
		s.logger.Warn("cache batch read failed, using store", "error", cacheErr)
		found = nil
	}

	tickers := make([]models.Record, 0, len(keys))
	var refill []cache.Entry
	hits := 0
	for i, key := range keys {
		if data, ok := found[key]; ok {
			var rec models.Record
			if err := json.Unmarshal(data, &rec); err == nil {
				tickers = append(tickers, rec)
				hits++
				continue
			}
		}

		records, err := storage.Latest(ctx, s.store, models.KindTicker, models.SeriesKey{Symbol: models.NormalizeSymbol(symbols[i])}, 1)
		if err != nil {
			s.writeReadError(w, err, models.KindTicker, symbols[i])
			return
		}
		if len(records) == 0 {
			continue
		}
		tickers = append(tickers, records[0])
		if data, err := json.Marshal(records[0]); err == nil {
			refill = append(refill, cache.Entry{Key: key, Value: data, TTL: s.ttl.For(models.KindTicker)})
		}
	}

	if cacheErr == nil && len(refill) > 0 {
		if err := s.cache.SetBatch(ctx, refill); err != nil {
			s.logger.Warn("cache batch repopulate failed", "entries", len(refill), "error", err)
		}
	}
	setCacheHeader(w, len(keys) > 0 && hits == len(keys))
	writeJSON(w, http.StatusOK, tickers)
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	var active []string
	for _, snap := range s.supervisor.GetStatus() {
		if !slices.Contains(active, snap.Symbol) {
			active = append(active, snap.Symbol)
		}
	}
	slices.Sort(active)

	writeJSON(w, http.StatusOK, map[string]any{
		"symbols": s.opts.Symbols,
		"active":  active,
	})
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxLimit {
		return 0, fmt.Errorf("limit must be between 1 and %d", maxLimit)
	}
	return n, nil
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
