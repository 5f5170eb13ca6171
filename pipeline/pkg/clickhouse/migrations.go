package clickhouse

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/pressly/goose/v3"

	"github.com/malbeclabs/silverlake/pipeline"
)

const migrationsDir = "db/clickhouse/migrations"

func CreateDatabase(ctx context.Context, log *slog.Logger, conn Connection, database string) error {
	log.Info("creating ClickHouse database", "database", database)
	return conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database))
}

type MigrationConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	Secure   bool
}

func newProvider(cfg MigrationConfig) (*goose.Provider, *sql.DB, error) {
	db := newSQLDB(cfg)
	fsys, err := fs.Sub(pipeline.ClickHouseMigrationsFS, migrationsDir)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to open migrations directory: %w", err)
	}
	p, err := goose.NewProvider(goose.DialectClickHouse, db, fsys)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create goose provider: %w", err)
	}
	return p, db, nil
}

// RunMigrations creates the silver dimension and fact tables.
func RunMigrations(ctx context.Context, log *slog.Logger, cfg MigrationConfig) error {
	log.Info("running ClickHouse migrations with goose")

	p, db, err := newProvider(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	results, err := p.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	for _, r := range results {
		log.Info("clickhouse migration applied", "version", r.Source.Version, "path", r.Source.Path, "duration", r.Duration.String())
	}

	log.Info("ClickHouse migrations completed successfully", "applied_count", len(results))
	return nil
}

func MigrationStatus(ctx context.Context, log *slog.Logger, cfg MigrationConfig) error {
	log.Info("checking ClickHouse migration status")

	p, db, err := newProvider(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	statuses, err := p.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	for _, s := range statuses {
		log.Info("clickhouse migration", "version", s.Source.Version, "path", s.Source.Path, "state", string(s.State), "applied_at", s.AppliedAt)
	}
	return nil
}

// newSQLDB creates a database/sql handle for goose.
func newSQLDB(cfg MigrationConfig) *sql.DB {
	options := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	}
	if cfg.Secure {
		options.TLS = &tls.Config{}
	}
	return clickhouse.OpenDB(options)
}
