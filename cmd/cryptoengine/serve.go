package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mayank-omega/crypto-data-engine/internal/api"
	"github.com/mayank-omega/crypto-data-engine/internal/cache"
	"github.com/mayank-omega/crypto-data-engine/internal/collector"
	"github.com/mayank-omega/crypto-data-engine/internal/config"
)

const defaultShutdownTimeout = 30 * time.Second

func newServeCommand(flags *globalFlags) *cobra.Command {
	var noAutoStart bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the collectors and the HTTP/websocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), flags, !noAutoStart)
		},
	}
	cmd.Flags().BoolVar(&noAutoStart, "no-auto-start", false, "do not start collectors for the configured symbols")
	return cmd
}

func runServe(ctx context.Context, flags *globalFlags, autoStart bool) error {
	a, err := loadApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.openStore(ctx); err != nil {
		return err
	}
	if err := a.openPipeline(ctx); err != nil {
		return err
	}

	cfg := a.cfg
	server := api.New(api.Deps{
		Supervisor:  a.supervisor,
		Store:       a.store,
		Cache:       a.cache,
		TTL:         cache.NewTTLPolicy(cfg.Cache.TTL),
		Broadcaster: a.broadcaster,
		Metrics:     a.metrics,
		Logger:      a.logs.GetComponentLogger("api").Logger,
	}, api.Options{
		ServiceName: cfg.AppName,
		Version:     cfg.Version,
		Symbols:     cfg.Collector.Symbols,
		CachedDepth: cfg.Collector.CachedDepth,
		CORSOrigins: cfg.Server.CORSOrigins,
		MetricsPath: cfg.Metrics.Path,
	})

	a.logger.Info("starting crypto data engine",
		"version", cfg.Version,
		"addr", cfg.Server.Addr(),
		"storage", cfg.Storage.Type,
		"cache", cfg.Cache.Type,
		"providers", a.providers.IDs())

	if autoStart && cfg.Collector.AutoStart {
		handles, err := a.supervisor.StartCollection(ctx, collector.StartRequest{})
		if err != nil {
			return withCode(ExitConfigError, fmt.Errorf("auto start: %w", err))
		}
		a.logger.Info("collectors started", "jobs", len(handles), "symbols", cfg.Collector.Symbols)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Run(gctx, cfg.Server); err != nil {
			return withCode(ExitConnectionErr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Duration(cfg.Server.ShutdownTimeout, defaultShutdownTimeout))
		defer cancel()
		if err := a.supervisor.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("collector shutdown incomplete", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("shutdown complete")
	return nil
}
