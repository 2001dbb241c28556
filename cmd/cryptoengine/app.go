package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mayank-omega/crypto-data-engine/internal/broadcast"
	"github.com/mayank-omega/crypto-data-engine/internal/cache"
	"github.com/mayank-omega/crypto-data-engine/internal/collector"
	"github.com/mayank-omega/crypto-data-engine/internal/config"
	applog "github.com/mayank-omega/crypto-data-engine/internal/logger"
	"github.com/mayank-omega/crypto-data-engine/internal/metrics"
	"github.com/mayank-omega/crypto-data-engine/internal/provider"
	"github.com/mayank-omega/crypto-data-engine/internal/ratelimit"
	"github.com/mayank-omega/crypto-data-engine/internal/storage"
)

func notifyContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// app holds the components shared by the commands. Fields are filled in
// order by the open* methods and released by close.
type app struct {
	cfg     *config.AppConfig
	logs    *applog.LoggerManager
	logger  *slog.Logger
	metrics *metrics.Pipeline

	store       storage.Store
	cache       cache.Cache
	providers   *provider.Registry
	broadcaster *broadcast.Broadcaster
	supervisor  *collector.Supervisor
}

// loadApp loads configuration and builds the logger.
func loadApp(ctx context.Context, flags *globalFlags) (*app, error) {
	bootstrap := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg, err := config.NewConfigManager(flags.configPath, bootstrap, flags.envFile).LoadConfig(ctx)
	if err != nil {
		return nil, withCode(ExitConfigError, err)
	}

	logs, err := applog.NewLoggerManager(cfg.Logging)
	if err != nil {
		return nil, withCode(ExitConfigError, err)
	}

	a := &app{cfg: cfg, logs: logs, logger: logs.GetLogger()}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New(cfg.Metrics.Namespace)
	}
	return a, nil
}

// openStore opens and initializes the configured storage backend.
func (a *app) openStore(ctx context.Context) error {
	logger := a.logs.GetComponentLogger("storage").Logger
	err := applog.TimedOperation(applog.WithOperation(ctx, "open_store"), logger, "open_store", func() error {
		store, err := storage.Open(ctx, a.cfg.Storage, logger)
		if err != nil {
			return err
		}
		a.store = store
		return nil
	})
	if err != nil {
		return withCode(ExitConnectionErr, fmt.Errorf("storage %s: %w", a.cfg.Storage.Type, err))
	}
	return nil
}

// openPipeline builds everything the supervisor needs on top of an open
// store. An unreachable cache is logged and tolerated.
func (a *app) openPipeline(ctx context.Context) error {
	c, err := cache.New(a.cfg.Cache, a.cfg.ErrorHandling, a.logs.GetComponentLogger("cache").Logger)
	if err != nil {
		return withCode(ExitConfigError, err)
	}
	a.cache = c
	if err := c.Ping(ctx); err != nil {
		a.logger.Warn("cache unreachable, serving from store", "type", a.cfg.Cache.Type, "error", err)
	}

	limiter, err := ratelimit.NewFromConfig(a.cfg.Providers, a.logs.GetComponentLogger("ratelimit").Logger)
	if err != nil {
		return withCode(ExitConfigError, err)
	}
	a.providers, err = provider.NewRegistryFromConfig(a.cfg.Providers, limiter, a.metrics, a.logs.GetComponentLogger("provider").Logger)
	if err != nil {
		return withCode(ExitConfigError, err)
	}

	a.broadcaster = broadcast.New(broadcast.OptionsFromConfig(a.cfg.Broadcast), a.logs.GetComponentLogger("broadcast").Logger, a.metrics)

	// The supervisor tags its own records with the collector component.
	logger := a.logs.GetLogger()
	ccfg, err := collector.ConfigFromApp(a.cfg, logger)
	if err != nil {
		return withCode(ExitConfigError, err)
	}
	a.supervisor, err = collector.NewBuilder().
		WithProviders(a.providers).
		WithStore(a.store).
		WithCache(a.cache).
		WithTTLPolicy(cache.NewTTLPolicy(a.cfg.Cache.TTL)).
		WithBroadcaster(a.broadcaster).
		WithMetrics(a.metrics).
		WithConfig(ccfg).
		WithLogger(logger).
		Build()
	if err != nil {
		return withCode(ExitConfigError, err)
	}
	return nil
}

// close releases components in reverse order of construction.
func (a *app) close() {
	if a.broadcaster != nil {
		a.broadcaster.Close()
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("cache close failed", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("storage close failed", "error", err)
		}
	}
	_ = a.logs.Close()
}
