// Package store provides the persistent checkpoint.Repository backends.
package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zyra-ai-sei/sdk-backend/internal/checkpoint"
	"github.com/zyra-ai-sei/sdk-backend/internal/config"
)

// Open connects the backend named by cfg.Backend. The postgres backend runs
// migrations before it is returned.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (checkpoint.Repository, error) {
	switch cfg.Backend {
	case "", "memory":
		logger.Warn("Using in-memory checkpoint store, threads are lost on restart")
		return checkpoint.NewMemoryRepository(), nil
	case "postgres":
		pg, err := NewPostgres(ctx, cfg.Postgres, logger)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx, cfg.Postgres.MigrationsDir); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return pg, nil
	case "redis":
		rs, err := NewRedis(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		return rs, nil
	case "sqlite":
		lite, err := NewSQLite(ctx, cfg.SQLite, logger)
		if err != nil {
			return nil, err
		}
		return lite, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
