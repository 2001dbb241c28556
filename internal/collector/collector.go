// Package collector provides the supervisor that drives the ingestion pipeline.
//
// A Supervisor owns one CollectorJob per (provider, symbol, kind[, timeframe])
// key and runs each job on its own goroutine. Every tick:
//   - fetches from the provider client (rate limited inside the client)
//   - persists each record through the deduplicating Writer
//   - refreshes the cache with the newest persisted record
//   - publishes every persisted record to the job's topic
//
// Ticks of one job never overlap. Jobs share only the rate limiter, the cache
// and the broadcaster, all of which are safe for concurrent use.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mayank-omega/crypto-data-engine/internal/broadcast"
	"github.com/mayank-omega/crypto-data-engine/internal/cache"
	"github.com/mayank-omega/crypto-data-engine/internal/config"
	apperrors "github.com/mayank-omega/crypto-data-engine/internal/errors"
	applog "github.com/mayank-omega/crypto-data-engine/internal/logger"
	"github.com/mayank-omega/crypto-data-engine/internal/metrics"
	"github.com/mayank-omega/crypto-data-engine/internal/models"
	"github.com/mayank-omega/crypto-data-engine/internal/provider"
	"github.com/mayank-omega/crypto-data-engine/internal/storage"
)

// Defaults mirror the shipped configuration.
const (
	DefaultInterval           = 60 * time.Second
	DefaultFailureThreshold   = 3
	DefaultBackoffBase        = 5 * time.Second
	DefaultBackoffCap         = 300 * time.Second
	DefaultStopDeadlineFactor = 2
	DefaultOrderBookDepth     = 100
	DefaultCachedDepth        = 10
	DefaultTradeLimit         = 100

	// collectOnceConcurrency bounds parallel ticks in CollectOnce.
	collectOnceConcurrency = 8

	healthCheckTimeout = 2 * time.Second
)

// Config configures the supervisor.
type Config struct {
	Symbols           []string
	Timeframes        []models.Timeframe
	DefaultInterval   time.Duration
	ProviderIntervals map[string]time.Duration

	// FailureThreshold consecutive failures move a job into Backoff.
	FailureThreshold int
	BackoffBase      time.Duration
	BackoffCap       time.Duration

	// StopDeadlineFactor times the job interval bounds how long a stop waits
	// for an in-flight tick before abandoning it.
	StopDeadlineFactor int

	OrderBookDepth int
	CachedDepth    int
	CandleLimit    int
	TradeLimit     int

	Logger *slog.Logger
}

// DefaultConfig returns a configuration with the shipped defaults.
func DefaultConfig() *Config {
	return &Config{
		Symbols:            []string{"BTCUSDT", "ETHUSDT", "BNBUSDT", "ADAUSDT", "SOLUSDT"},
		Timeframes:         []models.Timeframe{models.Timeframe1m, models.Timeframe1h},
		DefaultInterval:    DefaultInterval,
		ProviderIntervals:  map[string]time.Duration{},
		FailureThreshold:   DefaultFailureThreshold,
		BackoffBase:        DefaultBackoffBase,
		BackoffCap:         DefaultBackoffCap,
		StopDeadlineFactor: DefaultStopDeadlineFactor,
		OrderBookDepth:     DefaultOrderBookDepth,
		CachedDepth:        DefaultCachedDepth,
		TradeLimit:         DefaultTradeLimit,
		Logger:             slog.Default(),
	}
}

// ConfigFromApp derives the supervisor configuration from the application
// config.
func ConfigFromApp(cfg *config.AppConfig, logger *slog.Logger) (*Config, error) {
	c := cfg.Collector
	out := DefaultConfig()
	if logger != nil {
		out.Logger = logger
	}

	if len(c.Symbols) > 0 {
		out.Symbols = out.Symbols[:0]
		for _, s := range c.Symbols {
			out.Symbols = append(out.Symbols, models.NormalizeSymbol(s))
		}
	}
	if len(c.Timeframes) > 0 {
		out.Timeframes = out.Timeframes[:0]
		for _, raw := range c.Timeframes {
			tf, err := models.ParseTimeframe(raw)
			if err != nil {
				return nil, fmt.Errorf("collector.timeframes: %w", err)
			}
			out.Timeframes = append(out.Timeframes, tf)
		}
	}

	out.DefaultInterval = config.Duration(c.DefaultInterval, DefaultInterval)
	for id := range cfg.Providers {
		out.ProviderIntervals[id] = cfg.ProviderInterval(id)
	}
	if c.FailureThreshold > 0 {
		out.FailureThreshold = c.FailureThreshold
	}
	out.BackoffBase = config.Duration(c.BackoffBase, DefaultBackoffBase)
	out.BackoffCap = config.Duration(c.BackoffCap, DefaultBackoffCap)
	if c.StopDeadlineFactor > 0 {
		out.StopDeadlineFactor = c.StopDeadlineFactor
	}
	if c.OrderBookDepth > 0 {
		out.OrderBookDepth = c.OrderBookDepth
	}
	if c.CachedDepth > 0 {
		out.CachedDepth = c.CachedDepth
	}
	out.CandleLimit = c.CandleLimit
	if c.TradeLimit > 0 {
		out.TradeLimit = c.TradeLimit
	}

	if err := ValidateConfig(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Config) intervalFor(provider string) time.Duration {
	if d, ok := c.ProviderIntervals[provider]; ok && d > 0 {
		return d
	}
	return c.DefaultInterval
}

// Supervisor owns the arena of collector jobs.
type Supervisor struct {
	config      *Config
	providers   *provider.Registry
	store       storage.Store
	writer      *storage.Writer
	cache       cache.Cache
	ttl         cache.TTLPolicy
	broadcaster *broadcast.Broadcaster
	classifier  *apperrors.ErrorClassifier
	metrics     *metrics.Pipeline
	stats       *statsCollector
	logger      *applog.ComponentLogger
	now         func() time.Time

	mu      sync.RWMutex
	jobs    map[models.JobKey]*jobRunner
	closing bool
}

// New creates a supervisor. The writer is built on top of store and the TTL
// policy starts from the built-in defaults; use the Builder to override them.
func New(providers *provider.Registry, store storage.Store, c cache.Cache, b *broadcast.Broadcaster, cfg *Config) (*Supervisor, error) {
	switch {
	case providers == nil:
		return nil, fmt.Errorf("provider registry is required")
	case store == nil:
		return nil, fmt.Errorf("store is required")
	case c == nil:
		return nil, fmt.Errorf("cache is required")
	case b == nil:
		return nil, fmt.Errorf("broadcaster is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid collector configuration: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Supervisor{
		config:      cfg,
		providers:   providers,
		store:       store,
		writer:      storage.NewWriter(store, logger),
		cache:       c,
		ttl:         cache.NewTTLPolicy(config.TTLConfig{}),
		broadcaster: b,
		classifier:  apperrors.NewErrorClassifier(logger),
		stats:       newStatsCollector(),
		logger:      applog.NewComponentLogger(logger, "collector"),
		now:         time.Now,
		jobs:        make(map[models.JobKey]*jobRunner),
	}, nil
}

// jobSpec is one resolved job of a start request.
type jobSpec struct {
	key      models.JobKey
	client   provider.Client
	interval time.Duration
	params   provider.Params
}

// StartCollection creates and starts a job for every key the request
// resolves to. Keys that already have an active job are left untouched and
// reported with Created=false.
func (s *Supervisor) StartCollection(ctx context.Context, req StartRequest) ([]JobHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	specs, err := s.plan(req, req.Interval)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	for {
		if s.closing {
			s.mu.Unlock()
			return nil, ErrShuttingDown
		}
		pending := s.stoppingRunners(specs)
		if len(pending) == 0 {
			break
		}
		// A key whose previous job is still winding down waits for that
		// loop to exit so ticks of one key never overlap.
		s.mu.Unlock()
		for _, r := range pending {
			select {
			case <-r.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		s.mu.Lock()
	}
	handles := make([]JobHandle, 0, len(specs))
	var started []*jobRunner
	for _, spec := range specs {
		r, err := s.register(spec)
		switch {
		case errors.Is(err, ErrJobExists):
			handles = append(handles, JobHandle{ID: r.id, Key: r.key, Topic: r.key.Topic()})
		case err != nil:
			for _, created := range started {
				delete(s.jobs, created.key)
			}
			s.mu.Unlock()
			return nil, err
		default:
			started = append(started, r)
			handles = append(handles, JobHandle{ID: r.id, Key: r.key, Topic: r.key.Topic(), Created: true})
		}
	}
	for _, r := range started {
		if err := r.start(); err != nil {
			s.logger.WarnWithContext(r.ctx, "job start skipped", "error", err)
		}
		go s.run(r)
	}
	s.mu.Unlock()

	s.publishStates()
	s.logger.Info("collection started", "requested", len(specs), "created", len(started))
	return handles, nil
}

// plan resolves a request into job specs. Providers named explicitly must
// support every requested kind; when fanning out across all providers,
// unsupported kinds and symbols are skipped.
func (s *Supervisor) plan(req StartRequest, interval time.Duration) ([]jobSpec, error) {
	providerIDs := req.Providers
	explicit := len(providerIDs) > 0
	if !explicit {
		providerIDs = s.providers.IDs()
	}

	symbols := req.Symbols
	if len(symbols) == 0 {
		symbols = s.config.Symbols
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("%w: no symbols", ErrInvalidRequest)
	}
	timeframes := req.Timeframes
	if len(timeframes) == 0 {
		timeframes = s.config.Timeframes
	}

	var specs []jobSpec
	seen := make(map[models.JobKey]bool)
	for _, id := range providerIDs {
		client, ok := s.providers.Get(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
		}
		kinds := req.Kinds
		if len(kinds) == 0 {
			kinds = s.providers.DefaultKinds(id)
		}
		every := interval
		if every <= 0 {
			every = s.config.intervalFor(id)
		}

		for _, kind := range kinds {
			if !kind.IsValid() {
				return nil, fmt.Errorf("%w: unknown record kind %q", ErrInvalidRequest, kind)
			}
			if !client.Supports(kind) {
				if explicit {
					return nil, fmt.Errorf("%w: provider %s does not support %s", ErrInvalidRequest, id, kind)
				}
				continue
			}
			if kind == models.KindCandle && len(timeframes) == 0 {
				return nil, fmt.Errorf("%w: candle collection needs at least one timeframe", ErrInvalidRequest)
			}

			for _, raw := range symbols {
				symbol := models.NormalizeSymbol(raw)
				if f, ok := client.(provider.SymbolFilter); ok && !explicit && !f.SupportsSymbol(symbol) {
					continue
				}
				keys := []models.JobKey{{Provider: id, Symbol: symbol, Kind: kind}}
				if kind == models.KindCandle {
					keys = keys[:0]
					for _, tf := range timeframes {
						if tf.Duration() == 0 {
							return nil, fmt.Errorf("%w: unsupported timeframe %q", ErrInvalidRequest, tf)
						}
						keys = append(keys, models.JobKey{Provider: id, Symbol: symbol, Kind: kind, Timeframe: tf})
					}
				}
				for _, key := range keys {
					if seen[key] {
						continue
					}
					seen[key] = true
					specs = append(specs, jobSpec{key: key, client: client, interval: every, params: s.paramsFor(key)})
				}
			}
		}
	}

	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: request selects no jobs", ErrInvalidRequest)
	}
	return specs, nil
}

func (s *Supervisor) paramsFor(key models.JobKey) provider.Params {
	p := provider.Params{Timeframe: key.Timeframe}
	switch key.Kind {
	case models.KindCandle:
		p.Limit = s.config.CandleLimit
	case models.KindTrade:
		p.Limit = s.config.TradeLimit
	case models.KindOrderBook:
		p.Depth = s.config.OrderBookDepth
	}
	return p
}

// stoppingRunners returns the runners of specs' keys that were told to stop
// but whose loop has not exited yet. Caller holds s.mu.
func (s *Supervisor) stoppingRunners(specs []jobSpec) []*jobRunner {
	var out []*jobRunner
	for _, spec := range specs {
		if r, ok := s.jobs[spec.key]; ok && r.stopping && !r.exited() {
			out = append(out, r)
		}
	}
	return out
}

// register adds a runner for spec, replacing a stopped runner whose loop has
// exited. Caller holds s.mu.
func (s *Supervisor) register(spec jobSpec) (*jobRunner, error) {
	if existing, ok := s.jobs[spec.key]; ok && !existing.stopping {
		return existing, ErrJobExists
	}
	r := newJobRunner(uuid.NewString(), spec, s.config)
	if err := r.job.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	s.jobs[spec.key] = r
	return r, nil
}

// StopCollection stops every job matching sel and removes it from the arena
// once its loop has exited. In-flight ticks are allowed to finish; a tick
// still running after the stop deadline (or once ctx is done) is abandoned.
// A job waiting on the rate limiter stops without fetching. It returns the
// final snapshots.
func (s *Supervisor) StopCollection(ctx context.Context, sel JobSelector) ([]models.JobSnapshot, error) {
	if sel.IsZero() {
		return nil, fmt.Errorf("%w: empty job selector", ErrInvalidRequest)
	}

	s.mu.Lock()
	var targets []*jobRunner
	for key, r := range s.jobs {
		if sel.Matches(r.id, key) {
			r.stopping = true
			targets = append(targets, r)
		}
	}
	s.mu.Unlock()

	snapshots := s.stopAll(ctx, targets)

	s.mu.Lock()
	for _, r := range targets {
		if s.jobs[r.key] == r {
			delete(s.jobs, r.key)
		}
	}
	s.mu.Unlock()

	s.publishStates()
	if len(targets) > 0 {
		s.logger.Info("collection stopped", "jobs", len(targets))
	}
	return snapshots, nil
}

func (s *Supervisor) stopAll(ctx context.Context, runners []*jobRunner) []models.JobSnapshot {
	snapshots := make([]models.JobSnapshot, len(runners))
	var g errgroup.Group
	for i, r := range runners {
		g.Go(func() error {
			snapshots[i] = s.stopJob(ctx, r)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshotKey(snapshots[i]) < snapshotKey(snapshots[j])
	})
	return snapshots
}

// stopJob signals r and waits for its loop to exit, abandoning the in-flight
// tick once the deadline passes.
func (s *Supervisor) stopJob(ctx context.Context, r *jobRunner) models.JobSnapshot {
	r.signalStop()

	deadline := time.Duration(s.config.StopDeadlineFactor) * r.interval
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-r.done:
	case <-timer.C:
		s.abandon(r, "stop deadline exceeded", deadline)
	case <-ctx.Done():
		s.abandon(r, ctx.Err().Error(), deadline)
	}
	return r.markStopped()
}

func (s *Supervisor) abandon(r *jobRunner, reason string, deadline time.Duration) {
	r.cancel()
	s.stats.recordAbandoned()
	s.metrics.StopAbandoned()
	s.logger.WarnWithContext(r.ctx, "abandoned in-flight tick on stop", "reason", reason, "deadline", deadline)
}

// GetStatus returns a snapshot of every job, ordered by key.
func (s *Supervisor) GetStatus() []models.JobSnapshot {
	runners := s.runners()
	snapshots := make([]models.JobSnapshot, 0, len(runners))
	for _, r := range runners {
		snap, _ := r.snapshot()
		snapshots = append(snapshots, snap)
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshotKey(snapshots[i]) < snapshotKey(snapshots[j])
	})
	return snapshots
}

func (s *Supervisor) runners() []*jobRunner {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Collect(maps.Values(s.jobs))
}

func snapshotKey(s models.JobSnapshot) string {
	return models.JobKey{Provider: s.Provider, Symbol: s.Symbol, Kind: s.Kind, Timeframe: s.Timeframe}.String()
}

func (s *Supervisor) publishStates() {
	s.metrics.SetJobStates(stateCounts(s.GetStatus()))
}

// Subscribe opens a broadcast subscription on topics.
func (s *Supervisor) Subscribe(topics ...string) (*broadcast.Subscription, error) {
	return s.broadcaster.Subscribe(topics...)
}

// CollectOnce runs a single tick for every key the request resolves to,
// without creating jobs. Failures are reported per result.
func (s *Supervisor) CollectOnce(ctx context.Context, req StartRequest) ([]TickResult, error) {
	specs, err := s.plan(req, time.Second)
	if err != nil {
		return nil, err
	}

	results := make([]TickResult, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(collectOnceConcurrency)
	for i, spec := range specs {
		g.Go(func() error {
			results[i], _ = s.collect(tickContext(gctx, spec.key), spec.client, spec.key, spec.params)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, ctx.Err()
}

// Shutdown stops every job and rejects further starts. It returns ctx's error
// when jobs had to be abandoned because ctx ended first.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	targets := slices.Collect(maps.Values(s.jobs))
	s.jobs = make(map[models.JobKey]*jobRunner)
	s.mu.Unlock()

	s.stopAll(ctx, targets)
	s.publishStates()
	s.logger.Info("collector supervisor stopped", "jobs", len(targets))
	return ctx.Err()
}

// PublishHealth checks the cache and the store and reports the age of each
// job's last tick. The report is degraded when a backend is unreachable or a
// job is backing off.
func (s *Supervisor) PublishHealth(ctx context.Context) HealthReport {
	now := s.now()
	report := HealthReport{
		Status:    StatusHealthy,
		Timestamp: now.UTC(),
		Broadcast: s.broadcaster.Stats(),
		Totals:    s.stats.totals(),
		Errors:    s.classifier.GetStats(),
	}

	var g errgroup.Group
	g.Go(func() error {
		report.Cache = checkComponent(ctx, s.cache.Ping)
		if br, ok := s.cache.(cache.BreakerReporter); ok {
			report.Cache.Breaker = br.BreakerState()
		}
		return nil
	})
	g.Go(func() error {
		report.Store = checkComponent(ctx, s.store.HealthCheck)
		return nil
	})

	runners := s.runners()
	jobs := make([]JobHealth, 0, len(runners))
	for _, r := range runners {
		snap, lastTick := r.snapshot()
		jh := JobHealth{
			ID:                  snap.ID,
			Key:                 snapshotKey(snap),
			State:               snap.State,
			ConsecutiveFailures: snap.ConsecutiveFailures,
		}
		if !lastTick.IsZero() {
			age := now.Sub(lastTick).Seconds()
			jh.LastTickAgeSeconds = &age
		}
		if snap.State == models.JobBackoff {
			report.Status = StatusDegraded
		}
		jobs = append(jobs, jh)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Key < jobs[j].Key })
	report.Jobs = jobs

	_ = g.Wait()
	if !report.Cache.Reachable || !report.Store.Reachable || report.Cache.Breaker == apperrors.CircuitOpen.String() {
		report.Status = StatusDegraded
	}
	return report
}

func checkComponent(ctx context.Context, check func(context.Context) error) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	start := time.Now()
	err := check(ctx)
	h := ComponentHealth{Reachable: err == nil, ResponseTime: time.Since(start)}
	if err != nil {
		h.Error = apperrors.Summary(err).Message
	}
	return h
}
