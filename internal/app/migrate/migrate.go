// Package migrate runs goose migrations for the orchestrator database.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const (
	commandTimeout = time.Minute
	pingTimeout    = 5 * time.Second
)

// Runner applies, inspects, and rolls back schema migrations. Goose needs a
// database/sql handle, so each command opens one over the same DSN the pgx
// pool uses and closes it when done.
type Runner struct {
	pool          *pgxpool.Pool
	dsn           string
	migrationsDir string
	log           *slog.Logger
}

// New returns a migration runner backed by goose.
func New(pool *pgxpool.Pool, dsn, migrationsDir string, log *slog.Logger) (Runner, error) {
	if pool == nil {
		return Runner{}, errors.New("nil pool provided")
	}
	if dsn == "" {
		return Runner{}, errors.New("empty database dsn")
	}
	if migrationsDir == "" {
		return Runner{}, errors.New("empty migrations directory")
	}
	if _, err := os.Stat(migrationsDir); err != nil {
		return Runner{}, fmt.Errorf("locate migrations dir: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	return Runner{pool: pool, dsn: dsn, migrationsDir: migrationsDir, log: log}, nil
}

// Ensure applies all pending migrations.
func (r Runner) Ensure(ctx context.Context) error {
	r.log.Info("applying migrations", "dir", r.migrationsDir)
	err := r.exec(ctx, func(ctx context.Context, db *sql.DB) error {
		return goose.UpContext(ctx, db, r.migrationsDir)
	})
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	r.log.Info("migrations applied")
	return nil
}

// Status prints applied and pending migrations.
func (r Runner) Status(ctx context.Context) error {
	err := r.exec(ctx, func(ctx context.Context, db *sql.DB) error {
		return goose.StatusContext(ctx, db, r.migrationsDir)
	})
	if err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	return nil
}

// Down rolls back one migration, or down to targetVersion when it is set.
func (r Runner) Down(ctx context.Context, targetVersion int64) error {
	err := r.exec(ctx, func(ctx context.Context, db *sql.DB) error {
		if targetVersion > 0 {
			r.log.Info("rolling back migrations", "target", targetVersion)
			return goose.DownToContext(ctx, db, r.migrationsDir, targetVersion)
		}
		r.log.Info("rolling back latest migration")
		return goose.DownContext(ctx, db, r.migrationsDir)
	})
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	r.log.Info("rollback complete")
	return nil
}

// Ping ensures the database connection is alive.
func (r Runner) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close releases underlying connections.
func (r Runner) Close() {
	r.pool.Close()
}

// exec opens a short-lived sql.DB, verifies it, and runs one goose command
// against it under the shared timeout.
func (r Runner) exec(ctx context.Context, fn func(context.Context, *sql.DB) error) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}

	db, err := sql.Open("pgx", r.dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sql connection: %w", err)
	}
	return fn(ctx, db)
}
