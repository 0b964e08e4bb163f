package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Strob0t/stageflow/internal/adapter/memory"
	"github.com/Strob0t/stageflow/internal/adapter/postgres"
	"github.com/Strob0t/stageflow/internal/adapter/sqlite"
	"github.com/Strob0t/stageflow/internal/config"
	"github.com/Strob0t/stageflow/internal/port/database"
)

// openStore opens the configured store and applies pending migrations. The
// returned cleanup releases its connections.
func openStore(ctx context.Context, cfg *config.Config) (database.Store, func(), error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		slog.Info("postgres connected", "max_conns", cfg.Postgres.MaxConns)
		return postgres.NewStore(pool), pool.Close, nil

	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite: %w", err)
		}
		slog.Info("sqlite opened", "path", cfg.Store.SQLitePath)
		return s, func() { _ = s.Close() }, nil

	case config.DriverMemory:
		slog.Warn("using in-memory store; runs are lost on restart")
		return memory.NewStore(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}
