package postgres

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/malbeclabs/silverlake/pipeline"
)

const migrationsDir = "db/postgres/migrations"

func newProvider(pool *pgxpool.Pool) (*goose.Provider, func() error, error) {
	db := stdlib.OpenDBFromPool(pool)
	fsys, err := fs.Sub(pipeline.PostgresMigrationsFS, migrationsDir)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to open migrations directory: %w", err)
	}
	p, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create goose provider: %w", err)
	}
	return p, db.Close, nil
}

// RunMigrations applies the checkpoint and parking lot schema.
func RunMigrations(ctx context.Context, log *slog.Logger, pool *pgxpool.Pool) error {
	log.Info("running Postgres migrations with goose")

	p, closeFn, err := newProvider(pool)
	if err != nil {
		return err
	}
	defer closeFn()

	results, err := p.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	for _, r := range results {
		log.Info("postgres migration applied", "version", r.Source.Version, "path", r.Source.Path, "duration", r.Duration.String())
	}

	log.Info("Postgres migrations completed successfully", "applied_count", len(results))
	return nil
}

// MigrationStatus logs the state of every known migration.
func MigrationStatus(ctx context.Context, log *slog.Logger, pool *pgxpool.Pool) error {
	log.Info("checking Postgres migration status")

	p, closeFn, err := newProvider(pool)
	if err != nil {
		return err
	}
	defer closeFn()

	statuses, err := p.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	for _, s := range statuses {
		log.Info("postgres migration", "version", s.Source.Version, "path", s.Source.Path, "state", string(s.State), "applied_at", s.AppliedAt)
	}
	return nil
}
