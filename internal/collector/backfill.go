package collector

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mayank-omega/crypto-data-engine/internal/cache"
	apperrors "github.com/mayank-omega/crypto-data-engine/internal/errors"
	"github.com/mayank-omega/crypto-data-engine/internal/models"
	"github.com/mayank-omega/crypto-data-engine/internal/provider"
	"github.com/mayank-omega/crypto-data-engine/internal/storage"
)

const (
	// DefaultBackfillDays is how much candle history a backfill pages in when
	// the request does not say.
	DefaultBackfillDays = 365

	defaultBackfillPageSize = 1000
)

// BackfillRequest selects candle history to page in. Empty fields fall back
// to the supervisor's configured symbols and timeframes and to every provider
// that serves candle history.
type BackfillRequest struct {
	Providers  []string           `json:"providers,omitempty"`
	Symbols    []string           `json:"symbols,omitempty"`
	Timeframes []models.Timeframe `json:"timeframes,omitempty"`
	Days       int                `json:"days,omitempty"`
	PageSize   int                `json:"page_size,omitempty"`
}

// BackfillResult is the outcome of backfilling one series.
type BackfillResult struct {
	Key      models.JobKey        `json:"key"`
	From     time.Time            `json:"from"`
	To       time.Time            `json:"to"`
	Pages    int                  `json:"pages"`
	Fetched  int                  `json:"fetched"`
	Inserted int                  `json:"inserted"`
	Existing int                  `json:"already_exists"`
	Duration time.Duration        `json:"duration"`
	Error    *models.ErrorSummary `json:"error,omitempty"`
}

type backfillTarget struct {
	key     models.JobKey
	history provider.HistoryFetcher
}

// Backfill pages closed candles of the last req.Days days into the store
// through the same limiter and Writer the jobs use. It is best effort: a
// failing series stops at its first failed page and is reported in its
// result while the others carry on. History is not published to
// subscribers; list views of every series that gained rows are dropped.
func (s *Supervisor) Backfill(ctx context.Context, req BackfillRequest) ([]BackfillResult, error) {
	if req.Days < 0 {
		return nil, fmt.Errorf("%w: days must not be negative", ErrInvalidRequest)
	}
	days := req.Days
	if days == 0 {
		days = DefaultBackfillDays
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultBackfillPageSize
	}

	specs, err := s.plan(StartRequest{
		Providers:  req.Providers,
		Symbols:    req.Symbols,
		Kinds:      []models.RecordKind{models.KindCandle},
		Timeframes: req.Timeframes,
	}, time.Second)
	if err != nil {
		return nil, err
	}

	var targets []backfillTarget
	for _, spec := range specs {
		history, ok := spec.client.(provider.HistoryFetcher)
		if !ok {
			if len(req.Providers) > 0 {
				return nil, fmt.Errorf("%w: provider %s does not serve candle history", ErrInvalidRequest, spec.key.Provider)
			}
			continue
		}
		targets = append(targets, backfillTarget{key: spec.key, history: history})
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: no provider serves candle history", ErrInvalidRequest)
	}

	to := s.now().UTC()
	from := to.Add(-time.Duration(days) * 24 * time.Hour)
	log := s.logger.WithOperation("backfill")
	log.Info("backfill started", "series", len(targets), "from", from, "to", to)

	results := make([]BackfillResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(collectOnceConcurrency)
	for i, t := range targets {
		g.Go(func() error {
			results[i] = s.backfillSeries(tickContext(gctx, t.key), t, from, to, pageSize)
			return nil
		})
	}
	_ = g.Wait()

	inserted, failed := 0, 0
	for _, r := range results {
		inserted += r.Inserted
		if r.Error != nil {
			failed++
		}
	}
	log.Info("backfill finished", "series", len(results), "inserted", inserted, "failed", failed)
	return results, ctx.Err()
}

func (s *Supervisor) backfillSeries(ctx context.Context, t backfillTarget, from, to time.Time, pageSize int) BackfillResult {
	start := time.Now()
	result := BackfillResult{Key: t.key, From: from, To: to}

	if err := s.backfillPages(ctx, t, from, to, pageSize, &result); err != nil {
		summary := apperrors.Summary(err)
		result.Error = &summary
		s.logger.WarnWithContext(ctx, "backfill stopped early",
			"error_type", apperrors.GetErrorType(err), "pages", result.Pages, "error", err)
	}

	if result.Inserted > 0 {
		if _, err := s.cache.DeleteByPattern(ctx, cache.ListPrefix(t.key.Topic())); err != nil {
			s.metrics.CacheResult("invalidate", "error")
			s.logger.WarnWithContext(ctx, "cache invalidation failed", "topic", t.key.Topic(), "error", err)
		}
	}
	result.Duration = time.Since(start)
	return result
}

// backfillPages walks [from, to] a page at a time, resuming one bar after
// the newest bar of the previous page. A short or empty page ends the walk.
func (s *Supervisor) backfillPages(ctx context.Context, t backfillTarget, from, to time.Time, pageSize int, result *BackfillResult) error {
	step := t.key.Timeframe.Duration()
	for cursor := from; !cursor.After(to); {
		fetchStart := time.Now()
		records, err := t.history.FetchCandleRange(ctx, t.key.Symbol, t.key.Timeframe, cursor, to, pageSize)
		s.metrics.ObserveFetch(t.key.Provider, string(t.key.Kind), time.Since(fetchStart))
		if err != nil {
			classified := s.classifier.Classify(err, "provider."+t.key.Provider, "backfill")
			s.metrics.ProviderError(t.key.Provider, string(classified.Type))
			return classified
		}
		result.Pages++
		if len(records) == 0 {
			return nil
		}
		result.Fetched += len(records)

		newest := cursor
		for _, rec := range records {
			if rec.ObservedAt.After(newest) {
				newest = rec.ObservedAt
			}
			if c := rec.Candle(); c != nil && !c.ClosedBy(to) {
				continue
			}
			outcome, err := s.writer.Persist(ctx, rec)
			if err != nil {
				return s.classifier.Classify(err, "storage", "backfill")
			}
			if outcome == storage.OutcomeInserted {
				result.Inserted++
			} else {
				result.Existing++
			}
		}

		next := newest.Add(step)
		if len(records) < pageSize || !next.After(cursor) {
			return nil
		}
		cursor = next
	}
	return nil
}
