package postgres

import (
	"context"
	"embed"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/threadkeep/threadkeep/pkg/logger"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// migrationLockID serializes schema migration across replicas via a pg
// advisory lock.
const migrationLockID = 4242

var migrateOnce sync.Once

// RunMigrations applies pending migrations exactly once per process,
// holding an advisory lock so concurrent replicas do not race.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	var err error
	migrateOnce.Do(func() {
		err = runMigrations(ctx, pool)
	})
	return err
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	log := logger.FromContext(ctx)
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring migration connection: %w", err)
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("acquiring migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			log.Error("releasing migration lock failed", "error", err)
		}
	}()

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	log.Info("database migrations applied")
	return nil
}

// ResetMigrationsForTest allows a test binary to run migrations again
// against a fresh database.
func ResetMigrationsForTest() {
	migrateOnce = sync.Once{}
}
