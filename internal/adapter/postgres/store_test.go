package postgres_test

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/stageflow/internal/adapter/postgres"
	"github.com/Strob0t/stageflow/internal/port/database"
	"github.com/Strob0t/stageflow/internal/port/database/databasetest"
)

var migrateOnce sync.Once

// setupStore creates a pgxpool connection, runs all migrations once, and returns a
// ready-to-use Store. The pool is closed via t.Cleanup.
func setupStore(t *testing.T) *postgres.Store {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()

	var migErr error
	migrateOnce.Do(func() { migErr = postgres.RunMigrations(ctx, dsn) })
	if migErr != nil {
		t.Fatalf("run migrations: %v", migErr)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	return postgres.NewStore(pool)
}

func TestStore_Compliance(t *testing.T) {
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("requires DATABASE_URL")
	}
	databasetest.RunCompliance(t, func(t *testing.T) database.Store {
		return setupStore(t)
	})
}

func TestMigrationVersion(t *testing.T) {
	setupStore(t)
	v, err := postgres.MigrationVersion(context.Background(), os.Getenv("DATABASE_URL"))
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if v < 1 {
		t.Fatalf("version = %d, want >= 1", v)
	}
}
