package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/silverlake/admin/internal/admin"
	"github.com/malbeclabs/silverlake/pipeline/pkg/checkpoint"
	"github.com/malbeclabs/silverlake/pipeline/pkg/clickhouse"
	"github.com/malbeclabs/silverlake/pipeline/pkg/neo4j"
	"github.com/malbeclabs/silverlake/pipeline/pkg/postgres"
	"github.com/malbeclabs/silverlake/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// ClickHouse configuration
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port) (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")

	// Neo4j configuration
	neo4jURIFlag := flag.String("neo4j-uri", "", "Neo4j URI (e.g., bolt://localhost:7687) (or set NEO4J_URI env var)")
	neo4jDatabaseFlag := flag.String("neo4j-database", neo4j.DefaultDatabase, "Neo4j database name (or set NEO4J_DATABASE env var)")
	neo4jUsernameFlag := flag.String("neo4j-username", "neo4j", "Neo4j username (or set NEO4J_USERNAME env var)")
	neo4jPasswordFlag := flag.String("neo4j-password", "", "Neo4j password (or set NEO4J_PASSWORD env var)")

	// Checkpoint stores
	postgresDSNFlag := flag.String("postgres-dsn", "", "Postgres DSN (or set POSTGRES_DSN env var)")
	sqlitePathFlag := flag.String("sqlite-path", "", "SQLite checkpoint file (or set SQLITE_PATH env var)")

	// Commands
	clickhouseMigrateFlag := flag.Bool("clickhouse-migrate", false, "Run ClickHouse database migrations using goose")
	clickhouseMigrateStatusFlag := flag.Bool("clickhouse-migrate-status", false, "Show ClickHouse database migration status")
	postgresMigrateFlag := flag.Bool("postgres-migrate", false, "Run Postgres checkpoint and parking migrations using goose")
	postgresMigrateStatusFlag := flag.Bool("postgres-migrate-status", false, "Show Postgres database migration status")
	neo4jMigrateFlag := flag.Bool("neo4j-migrate", false, "Run Neo4j database migrations")
	neo4jMigrateStatusFlag := flag.Bool("neo4j-migrate-status", false, "Show Neo4j database migration status")
	checkpointsListFlag := flag.Bool("checkpoints-list", false, "List saved stream checkpoints")
	checkpointsResetFlag := flag.StringSlice("checkpoints-reset", nil, "Reset the checkpoints of these streams so they replay from the start")
	checkpointsResetAllFlag := flag.Bool("checkpoints-reset-all", false, "Reset every stream checkpoint")
	resetDBFlag := flag.Bool("reset-db", false, "Drop all silver tables (dim_*, stg_*, fact_*) and the migration version table")
	dryRunFlag := flag.Bool("dry-run", false, "Dry run mode - show what would be done without actually executing")
	yesFlag := flag.Bool("yes", false, "Skip confirmation prompt (use with caution)")

	flag.Parse()

	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	// Override ClickHouse flags with environment variables if set
	if envClickhouseAddr := os.Getenv("CLICKHOUSE_ADDR_TCP"); envClickhouseAddr != "" {
		*clickhouseAddrFlag = envClickhouseAddr
	}
	if envClickhouseDatabase := os.Getenv("CLICKHOUSE_DATABASE"); envClickhouseDatabase != "" {
		*clickhouseDatabaseFlag = envClickhouseDatabase
	}
	if envClickhouseUsername := os.Getenv("CLICKHOUSE_USERNAME"); envClickhouseUsername != "" {
		*clickhouseUsernameFlag = envClickhouseUsername
	}
	if envClickhousePassword := os.Getenv("CLICKHOUSE_PASSWORD"); envClickhousePassword != "" {
		*clickhousePasswordFlag = envClickhousePassword
	}
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*clickhouseSecureFlag = true
	}

	// Override Neo4j flags with environment variables if set
	if envNeo4jURI := os.Getenv("NEO4J_URI"); envNeo4jURI != "" {
		*neo4jURIFlag = envNeo4jURI
	}
	if envNeo4jDatabase := os.Getenv("NEO4J_DATABASE"); envNeo4jDatabase != "" {
		*neo4jDatabaseFlag = envNeo4jDatabase
	}
	if envNeo4jUsername := os.Getenv("NEO4J_USERNAME"); envNeo4jUsername != "" {
		*neo4jUsernameFlag = envNeo4jUsername
	}
	if envNeo4jPassword := os.Getenv("NEO4J_PASSWORD"); envNeo4jPassword != "" {
		*neo4jPasswordFlag = envNeo4jPassword
	}

	if envPostgresDSN := os.Getenv("POSTGRES_DSN"); envPostgresDSN != "" {
		*postgresDSNFlag = envPostgresDSN
	}
	if envSQLitePath := os.Getenv("SQLITE_PATH"); envSQLitePath != "" {
		*sqlitePathFlag = envSQLitePath
	}

	ctx := context.Background()
	chConfig := clickhouse.MigrationConfig{
		Addr:     *clickhouseAddrFlag,
		Database: *clickhouseDatabaseFlag,
		Username: *clickhouseUsernameFlag,
		Password: *clickhousePasswordFlag,
		Secure:   *clickhouseSecureFlag,
	}

	// Execute commands
	if *clickhouseMigrateFlag {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --clickhouse-migrate")
		}
		return clickhouse.RunMigrations(ctx, log, chConfig)
	}

	if *clickhouseMigrateStatusFlag {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --clickhouse-migrate-status")
		}
		return clickhouse.MigrationStatus(ctx, log, chConfig)
	}

	if *postgresMigrateFlag || *postgresMigrateStatusFlag {
		if *postgresDSNFlag == "" {
			return fmt.Errorf("--postgres-dsn is required for --postgres-migrate and --postgres-migrate-status")
		}
		pool, err := postgres.NewPool(ctx, log, *postgresDSNFlag)
		if err != nil {
			return err
		}
		defer pool.Close()
		if *postgresMigrateFlag {
			return postgres.RunMigrations(ctx, log, pool)
		}
		return postgres.MigrationStatus(ctx, log, pool)
	}

	if *neo4jMigrateFlag || *neo4jMigrateStatusFlag {
		if *neo4jURIFlag == "" {
			return fmt.Errorf("--neo4j-uri is required for --neo4j-migrate and --neo4j-migrate-status")
		}
		client, err := neo4j.NewClient(ctx, log, *neo4jURIFlag, *neo4jDatabaseFlag, *neo4jUsernameFlag, *neo4jPasswordFlag)
		if err != nil {
			return err
		}
		defer client.Close(ctx)
		if *neo4jMigrateFlag {
			return neo4j.RunMigrations(ctx, log, client)
		}
		return neo4j.MigrationStatus(ctx, log, client)
	}

	if *checkpointsListFlag || len(*checkpointsResetFlag) > 0 || *checkpointsResetAllFlag {
		store, closeStore, err := openCheckpoints(ctx, log, *postgresDSNFlag, *sqlitePathFlag)
		if err != nil {
			return err
		}
		defer closeStore()
		if *checkpointsListFlag {
			return admin.ListCheckpoints(ctx, store, os.Stdout)
		}
		if *dryRunFlag {
			fmt.Fprintln(os.Stdout, "Dry run, checkpoints not reset")
			return admin.ListCheckpoints(ctx, store, os.Stdout)
		}
		return admin.ResetCheckpoints(ctx, log, store, *checkpointsResetFlag, *checkpointsResetAllFlag)
	}

	if *resetDBFlag {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --reset-db")
		}
		client, err := clickhouse.NewClient(ctx, log, *clickhouseAddrFlag, *clickhouseDatabaseFlag, *clickhouseUsernameFlag, *clickhousePasswordFlag, *clickhouseSecureFlag)
		if err != nil {
			return err
		}
		defer client.Close()
		conn, err := client.Conn(ctx)
		if err != nil {
			return err
		}
		resetCfg := admin.ResetDBConfig{
			DryRun: *dryRunFlag,
			Yes:    *yesFlag,
			In:     os.Stdin,
			Out:    os.Stdout,
		}
		if *postgresDSNFlag != "" || *sqlitePathFlag != "" {
			store, closeStore, err := openCheckpoints(ctx, log, *postgresDSNFlag, *sqlitePathFlag)
			if err != nil {
				return err
			}
			defer closeStore()
			resetCfg.Checkpoints = store
		}
		return admin.ResetDB(ctx, log, conn, resetCfg)
	}

	flag.Usage()
	return nil
}

func openCheckpoints(ctx context.Context, log *slog.Logger, dsn, sqlitePath string) (checkpoint.Store, func(), error) {
	switch {
	case dsn != "":
		pool, err := postgres.NewPool(ctx, log, dsn)
		if err != nil {
			return nil, nil, err
		}
		store, err := checkpoint.NewPostgresStore(pool, "")
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	case sqlitePath != "":
		store, err := checkpoint.NewSQLiteStore(ctx, sqlitePath, clockwork.NewRealClock(), "")
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
	return nil, nil, fmt.Errorf("--postgres-dsn or --sqlite-path is required for checkpoint commands")
}
