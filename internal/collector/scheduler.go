package collector

import (
	"context"
	"sync"
	"time"

	"github.com/mayank-omega/crypto-data-engine/internal/cache"
	apperrors "github.com/mayank-omega/crypto-data-engine/internal/errors"
	applog "github.com/mayank-omega/crypto-data-engine/internal/logger"
	"github.com/mayank-omega/crypto-data-engine/internal/models"
	"github.com/mayank-omega/crypto-data-engine/internal/provider"
	"github.com/mayank-omega/crypto-data-engine/internal/ratelimit"
	"github.com/mayank-omega/crypto-data-engine/internal/storage"
)

// jobRunner is the live side of one CollectorJob: its polling goroutine, its
// stop signal and the backoff sequence. The job itself is guarded by mu.
type jobRunner struct {
	id        string
	key       models.JobKey
	client    provider.Client
	params    provider.Params
	interval  time.Duration
	threshold int

	// ctx carries the job's log attributes. It is only canceled when an
	// in-flight tick is abandoned or the loop exits; a regular stop lets the
	// current fetch, persist and publish finish.
	ctx    context.Context
	cancel context.CancelFunc

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// stopping is set by StopCollection and guarded by Supervisor.mu.
	stopping bool

	mu       sync.Mutex
	job      *models.CollectorJob
	backoff  *fullJitterBackOff
	lastTick time.Time
}

// tickContext attaches the log attributes of key to ctx.
func tickContext(ctx context.Context, key models.JobKey) context.Context {
	ctx = applog.WithProvider(ctx, key.Provider)
	ctx = applog.WithSymbol(ctx, key.Symbol)
	return applog.WithKind(ctx, string(key.Kind))
}

func newJobRunner(id string, spec jobSpec, cfg *Config) *jobRunner {
	ctx, cancel := context.WithCancel(tickContext(applog.WithJobID(context.Background(), id), spec.key))

	return &jobRunner{
		id:        id,
		key:       spec.key,
		client:    spec.client,
		params:    spec.params,
		interval:  spec.interval,
		threshold: cfg.FailureThreshold,
		ctx:       ctx,
		cancel:    cancel,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		job:       models.NewCollectorJob(id, spec.key, spec.interval),
		backoff:   newFullJitterBackOff(cfg.BackoffBase, cfg.BackoffCap),
	}
}

func (r *jobRunner) start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Start()
}

func (r *jobRunner) signalStop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *jobRunner) exited() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// waitContext derives from r.ctx a context that also ends on stop. Only the
// rate-limiter wait in front of a fetch observes it.
func (r *jobRunner) waitContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.ctx)
	go func() {
		select {
		case <-r.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (r *jobRunner) markStopped() models.JobSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.job.Stop()
	return r.job.Snapshot()
}

func (r *jobRunner) snapshot() (models.JobSnapshot, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Snapshot(), r.lastTick
}

// complete applies a tick outcome to the job and returns the state
// transition together with the delay before the next tick.
func (r *jobRunner) complete(at time.Time, err error) (from, to models.JobState, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	from = r.job.State
	r.lastTick = at
	if err == nil {
		r.job.RecordSuccess(at)
		r.backoff.Reset()
		return from, r.job.State, r.interval
	}

	delay = r.interval
	if r.job.RecordFailure(at, apperrors.Summary(err), apperrors.IsPermanent(err), r.threshold) {
		delay = r.backoff.NextBackOff()
		r.job.NextDelay = delay
	}
	return from, r.job.State, delay
}

// run is the polling loop of one job. The first tick fires immediately.
func (s *Supervisor) run(r *jobRunner) {
	defer close(r.done)
	defer r.cancel()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-timer.C:
		}
		// A stop that raced with the timer wins.
		select {
		case <-r.stop:
			return
		default:
		}

		wait, cancelWait := r.waitContext()
		_, err := s.collect(ratelimit.WithWaitContext(r.ctx, wait), r.client, r.key, r.params)
		stopped := wait.Err() != nil
		cancelWait()
		if r.ctx.Err() != nil {
			return
		}
		// A stop that ended the rate-limit wait is not a failed tick.
		if err != nil && stopped {
			s.logger.DebugWithContext(r.ctx, "tick canceled by stop before fetch")
			return
		}

		from, to, delay := r.complete(s.now(), err)
		if from != to {
			s.logger.InfoWithContext(r.ctx, "job state changed", "from", from, "to", to, "next_delay", delay)
			s.publishStates()
		}
		if to == models.JobStopped {
			return
		}
		timer.Reset(delay)
	}
}

// collect runs one tick for key: fetch, persist every record, refresh the
// cache, then publish. Cache failures are logged and never fail the tick.
// Records persisted before a store failure are still cached and published.
// A candle whose bar has not closed yet is cached and published but never
// persisted, so the stored row is always the final bar.
// ctx should carry the key's log attributes.
func (s *Supervisor) collect(ctx context.Context, client provider.Client, key models.JobKey, params provider.Params) (result TickResult, err error) {
	start := time.Now()
	result.Key = key
	defer func() {
		result.Duration = time.Since(start)
		outcome := "ok"
		if err != nil {
			outcome = "error"
			summary := apperrors.Summary(err)
			result.Error = &summary
			s.metrics.ProviderError(key.Provider, string(apperrors.GetErrorType(err)))
			severity := apperrors.GetSeverity(err)
			if severity >= apperrors.SeverityHigh {
				s.logger.ErrorWithContext(ctx, "tick failed", err, "error_type", apperrors.GetErrorType(err), "severity", severity.String())
			} else {
				s.logger.WarnWithContext(ctx, "tick failed", "error_type", apperrors.GetErrorType(err), "severity", severity.String(), "error", err)
			}
		}
		s.metrics.ObserveTick(key.Provider, string(key.Kind), outcome)
		s.stats.recordTick(result)
	}()

	fetchStart := time.Now()
	records, err := client.Fetch(ctx, key.Symbol, key.Kind, params)
	s.metrics.ObserveFetch(key.Provider, string(key.Kind), time.Since(fetchStart))
	if err != nil {
		return result, s.classifier.Classify(err, "provider."+key.Provider, "fetch")
	}
	result.Fetched = len(records)

	now := s.now()
	persisted := make([]models.Record, 0, len(records))
	var open []models.Record
	var persistErr error
	for _, rec := range records {
		if c := rec.Candle(); c != nil && !c.ClosedBy(now) {
			open = append(open, rec)
			continue
		}
		outcome, err := s.writer.Persist(ctx, rec)
		if err != nil {
			persistErr = s.classifier.Classify(err, "storage", "persist")
			break
		}
		if outcome == storage.OutcomeInserted {
			result.Inserted++
		} else {
			result.Existing++
		}
		persisted = append(persisted, rec)
	}

	result.Open = len(open)

	live := append(persisted, open...)
	if len(live) > 0 {
		s.refreshCache(ctx, key, live, result.Inserted > 0)
		for _, rec := range live {
			result.Delivered += s.broadcaster.Publish(key.Topic(), s.view(rec))
		}
	}

	return result, persistErr
}

// view is the published and cached form of a record. Order books are cut to
// the cached depth.
func (s *Supervisor) view(rec models.Record) models.Record {
	if book := rec.OrderBook(); book != nil && s.config.CachedDepth > 0 {
		rec.Payload = book.Top(s.config.CachedDepth)
	}
	return rec
}

// refreshCache stores the newest record under the topic and drops derived
// list views when a new row landed.
func (s *Supervisor) refreshCache(ctx context.Context, key models.JobKey, records []models.Record, inserted bool) {
	latest := records[0]
	for _, rec := range records[1:] {
		if rec.ObservedAt.After(latest.ObservedAt) {
			latest = rec
		}
	}

	if err := cache.SetRecord(ctx, s.cache, s.view(latest), s.ttl.For(key.Kind)); err != nil {
		s.metrics.CacheResult("set", "error")
		s.logger.WarnWithContext(ctx, "cache refresh failed", "topic", key.Topic(), "error", err)
		return
	}
	s.metrics.CacheResult("set", "ok")

	if !inserted {
		return
	}
	if _, err := s.cache.DeleteByPattern(ctx, cache.ListPrefix(key.Topic())); err != nil {
		s.metrics.CacheResult("invalidate", "error")
		s.logger.WarnWithContext(ctx, "cache invalidation failed", "topic", key.Topic(), "error", err)
	}
}
