package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mayank-omega/crypto-data-engine/internal/config"
)

// Open builds the backend selected by cfg.Type and initializes it.
func Open(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (Store, error) {
	var (
		store Store
		err   error
	)

	switch cfg.Type {
	case "", "memory":
		store = NewMemoryStore()
	case "duckdb":
		store, err = NewDuckDBStore(cfg.DatabaseURL, logger)
	case "postgres":
		store, err = NewPostgresStore(ctx, cfg.DatabaseURL, cfg.MaxConns, logger)
	default:
		return nil, fmt.Errorf("unsupported storage type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if err := store.Initialize(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}
