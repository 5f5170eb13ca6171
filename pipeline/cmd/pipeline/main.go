package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path"
	"strconv"
	"syscall"
	"time"

	_ "net/http/pprof"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/silverlake/pipeline/pkg/alert"
	"github.com/malbeclabs/silverlake/pipeline/pkg/checkpoint"
	"github.com/malbeclabs/silverlake/pipeline/pkg/clickhouse"
	"github.com/malbeclabs/silverlake/pipeline/pkg/metrics"
	"github.com/malbeclabs/silverlake/pipeline/pkg/neo4j"
	"github.com/malbeclabs/silverlake/pipeline/pkg/parking"
	"github.com/malbeclabs/silverlake/pipeline/pkg/pipeline"
	"github.com/malbeclabs/silverlake/pipeline/pkg/postgres"
	"github.com/malbeclabs/silverlake/pipeline/pkg/server"
	"github.com/malbeclabs/silverlake/pipeline/pkg/source"
	"github.com/malbeclabs/silverlake/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr      = "0.0.0.0:3020"
	defaultMetricsAddr     = "0.0.0.0:0"
	defaultBronzePrefix    = "bronze"
	defaultBatchSize       = 500
	defaultPollInterval    = 5 * time.Second
	defaultReplayInterval  = 30 * time.Second
	defaultMaxParkAttempts = 1000
	defaultParkingCapacity = 100_000
	defaultShutdownTimeout = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	enablePprofFlag := flag.Bool("enable-pprof", false, "enable pprof server")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP server listen address")
	envFlag := flag.String("env", "", "Deployment env; locks ClickHouse and Neo4j to it (or set SILVERLAKE_ENV env var)")
	onceFlag := flag.Bool("once", false, "Exit once every stream has caught up")
	pushgatewayFlag := flag.String("pushgateway-url", "", "Push metrics here before exiting in --once mode (or set PUSHGATEWAY_URL env var)")

	// Bronze change streams
	s3BucketFlag := flag.String("s3-bucket", "", "S3 bucket holding bronze change files (or set S3_BUCKET env var)")
	s3PrefixFlag := flag.String("s3-prefix", defaultBronzePrefix, "Key prefix; each entity reads <prefix>/<entity>/data/ (or set S3_PREFIX env var)")
	s3RegionFlag := flag.String("s3-region", source.DefaultRegion, "AWS region (or set S3_REGION env var)")
	s3EndpointFlag := flag.String("s3-endpoint-url", "", "Custom S3 endpoint URL (or set S3_ENDPOINT_URL env var)")
	s3AnonymousFlag := flag.Bool("s3-anonymous", false, "Read the bucket without credentials")

	// ClickHouse configuration (optional)
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse server address (e.g., localhost:9000, or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")
	migrationsEnableFlag := flag.Bool("migrations-enable", false, "Run ClickHouse, Postgres and Neo4j migrations on startup")
	createDatabaseFlag := flag.Bool("create-database", false, "Create the ClickHouse database before startup (for dev use)")

	// Neo4j configuration (optional)
	neo4jURIFlag := flag.String("neo4j-uri", "", "Neo4j server URI (e.g., bolt://localhost:7687, or set NEO4J_URI env var)")
	neo4jDatabaseFlag := flag.String("neo4j-database", neo4j.DefaultDatabase, "Neo4j database name (or set NEO4J_DATABASE env var)")
	neo4jUsernameFlag := flag.String("neo4j-username", "neo4j", "Neo4j username (or set NEO4J_USERNAME env var)")
	neo4jPasswordFlag := flag.String("neo4j-password", "", "Neo4j password (or set NEO4J_PASSWORD env var)")

	// Checkpoints and parked facts
	postgresDSNFlag := flag.String("postgres-dsn", "", "Postgres DSN for checkpoints and parked facts (or set POSTGRES_DSN env var)")
	sqlitePathFlag := flag.String("sqlite-path", "", "SQLite file for checkpoints and parked bookings when Postgres is not configured (or set SQLITE_PATH env var)")

	// Pipeline tuning
	rulesFileFlag := flag.String("rules-file", "", "JSON file of rule overrides: {\"<entity>\": {\"<rule>\": \"<expr>\"}}")
	batchSizeFlag := flag.Int("batch-size", defaultBatchSize, "Records read per batch")
	pollIntervalFlag := flag.Duration("poll-interval", defaultPollInterval, "Wait between reads once a stream is caught up")
	maxRetriesFlag := flag.Int("max-retries", 0, "Retries of a failed batch before exiting (0 retries forever)")
	replayIntervalFlag := flag.Duration("replay-interval", defaultReplayInterval, "Interval between replays of parked bookings")
	maxParkAttemptsFlag := flag.Int("max-park-attempts", defaultMaxParkAttempts, "Failed replays before a parked booking is evicted")
	parkingCapacityFlag := flag.Int("parking-capacity", defaultParkingCapacity, "Maximum parked bookings")
	hydrateFlag := flag.Bool("hydrate", true, "Load dimension state from ClickHouse before reading")
	skipReadyWaitFlag := flag.Bool("skip-ready-wait", false, "Report ready before streams catch up (for preview/dev environments)")

	flag.Parse()

	// Load .env file. godotenv does not override existing env vars, so
	// process env and explicit exports take precedence.
	_ = godotenv.Load()

	overrideString(envFlag, "SILVERLAKE_ENV")
	overrideString(pushgatewayFlag, "PUSHGATEWAY_URL")
	overrideString(s3BucketFlag, "S3_BUCKET")
	overrideString(s3PrefixFlag, "S3_PREFIX")
	overrideString(s3RegionFlag, "S3_REGION")
	overrideString(s3EndpointFlag, "S3_ENDPOINT_URL")
	overrideString(clickhouseAddrFlag, "CLICKHOUSE_ADDR_TCP")
	overrideString(clickhouseDatabaseFlag, "CLICKHOUSE_DATABASE")
	overrideString(clickhouseUsernameFlag, "CLICKHOUSE_USERNAME")
	overrideString(clickhousePasswordFlag, "CLICKHOUSE_PASSWORD")
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*clickhouseSecureFlag = true
	}
	overrideString(neo4jURIFlag, "NEO4J_URI")
	overrideString(neo4jDatabaseFlag, "NEO4J_DATABASE")
	overrideString(neo4jUsernameFlag, "NEO4J_USERNAME")
	overrideString(neo4jPasswordFlag, "NEO4J_PASSWORD")
	overrideString(postgresDSNFlag, "POSTGRES_DSN")
	overrideString(sqlitePathFlag, "SQLITE_PATH")
	if v := os.Getenv("BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*batchSizeFlag = n
		}
	}
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*pollIntervalFlag = d
		}
	}

	log := logger.New(*verboseFlag)
	runID := uuid.NewString()

	log.Info("pipeline starting",
		"version", version,
		"commit", commit,
		"env", *envFlag,
		"run_id", runID,
		"once", *onceFlag,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigCh
		log.Info("pipeline: received signal", "signal", sig.String())
		cancel()
	}()

	reporters := alert.Reporters{alert.NewLogReporter(log)}
	sentryEnabled := initSentry(log, *envFlag)
	if sentryEnabled {
		defer sentry.Flush(2 * time.Second)
		reporters = append(reporters, alert.NewSentryReporter(nil))
	}
	if webhook := os.Getenv("SLACK_WEBHOOK_URL"); webhook != "" {
		slackReporter, err := alert.NewSlackReporter(alert.SlackConfig{Logger: log, WebhookURL: webhook})
		if err != nil {
			return fmt.Errorf("failed to create slack reporter: %w", err)
		}
		reporters = append(reporters, slackReporter)
	}

	if *enablePprofFlag {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			err := http.ListenAndServe("localhost:6060", nil)
			if err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	var metricsServerErrCh = make(chan error, 1)
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				metricsServerErrCh <- err
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
				metricsServerErrCh <- err
				return
			}
		}()
	}

	if *s3BucketFlag == "" {
		return errors.New("s3-bucket is required")
	}
	sources := make(map[string]source.Source, 4)
	for _, entity := range pipeline.Entities() {
		src, err := source.NewS3Source(ctx, source.S3SourceConfig{
			Bucket:      *s3BucketFlag,
			Prefix:      path.Join(*s3PrefixFlag, entity, "data") + "/",
			Region:      *s3RegionFlag,
			EndpointURL: *s3EndpointFlag,
			Anonymous:   *s3AnonymousFlag,
		})
		if err != nil {
			return fmt.Errorf("failed to create %s source: %w", entity, err)
		}
		defer src.Close()
		sources[entity] = src
	}

	var clickhouseDB clickhouse.Client
	if *clickhouseAddrFlag != "" {
		if *createDatabaseFlag {
			if err := createClickHouseDatabase(ctx, log, *clickhouseAddrFlag, *clickhouseDatabaseFlag, *clickhouseUsernameFlag, *clickhousePasswordFlag, *clickhouseSecureFlag); err != nil {
				return err
			}
		}
		if *migrationsEnableFlag {
			if err := clickhouse.RunMigrations(ctx, log, clickhouse.MigrationConfig{
				Addr:     *clickhouseAddrFlag,
				Database: *clickhouseDatabaseFlag,
				Username: *clickhouseUsernameFlag,
				Password: *clickhousePasswordFlag,
				Secure:   *clickhouseSecureFlag,
			}); err != nil {
				return fmt.Errorf("failed to run ClickHouse migrations: %w", err)
			}
		}
		var err error
		clickhouseDB, err = clickhouse.NewClient(ctx, log, *clickhouseAddrFlag, *clickhouseDatabaseFlag, *clickhouseUsernameFlag, *clickhousePasswordFlag, *clickhouseSecureFlag)
		if err != nil {
			return fmt.Errorf("failed to create ClickHouse client: %w", err)
		}
		defer func() {
			if err := clickhouseDB.Close(); err != nil {
				log.Error("failed to close ClickHouse database", "error", err)
			}
		}()
	} else {
		log.Info("ClickHouse disabled, silver tables are not persisted")
	}

	var neo4jClient neo4j.Client
	if *neo4jURIFlag != "" {
		var err error
		neo4jClient, err = neo4j.NewClient(ctx, log, *neo4jURIFlag, *neo4jDatabaseFlag, *neo4jUsernameFlag, *neo4jPasswordFlag)
		if err != nil {
			return fmt.Errorf("failed to create Neo4j client: %w", err)
		}
		defer func() {
			if closeErr := neo4jClient.Close(context.Background()); closeErr != nil {
				log.Warn("failed to close Neo4j client", "error", closeErr)
			}
		}()
		if *migrationsEnableFlag {
			if err := neo4j.RunMigrations(ctx, log, neo4jClient); err != nil {
				return fmt.Errorf("failed to run Neo4j migrations: %w", err)
			}
		}
	} else {
		log.Info("Neo4j disabled")
	}

	var (
		checkpoints checkpoint.Store
		lot         parking.Lot
	)
	switch {
	case *postgresDSNFlag != "":
		pool, err := postgres.NewPool(ctx, log, *postgresDSNFlag)
		if err != nil {
			return err
		}
		defer pool.Close()
		if *migrationsEnableFlag {
			if err := postgres.RunMigrations(ctx, log, pool); err != nil {
				return fmt.Errorf("failed to run Postgres migrations: %w", err)
			}
		}
		if checkpoints, err = checkpoint.NewPostgresStore(pool, runID); err != nil {
			return err
		}
		if lot, err = parking.NewPostgresLot(pool, *parkingCapacityFlag); err != nil {
			return err
		}
	case *sqlitePathFlag != "":
		store, err := checkpoint.NewSQLiteStore(ctx, *sqlitePathFlag, clockwork.NewRealClock(), runID)
		if err != nil {
			return err
		}
		defer store.Close()
		checkpoints = store
		sqliteLot, err := parking.NewSQLiteLot(ctx, *sqlitePathFlag, clockwork.NewRealClock(), *parkingCapacityFlag)
		if err != nil {
			return err
		}
		defer sqliteLot.Close()
		lot = sqliteLot
	default:
		checkpoints = checkpoint.NewMemoryStore(clockwork.NewRealClock(), runID)
		log.Warn("checkpoints are held in memory; every restart replays all streams")
	}

	rules, err := loadRules(*rulesFileFlag)
	if err != nil {
		return err
	}

	p, err := pipeline.New(ctx, pipeline.Config{
		Logger:          log,
		Clock:           clockwork.NewRealClock(),
		Checkpoints:     checkpoints,
		Alerts:          reporters,
		Sources:         sources,
		Rules:           rules,
		ClickHouse:      clickhouseDB,
		Neo4j:           neo4jClient,
		Env:             *envFlag,
		Hydrate:         *hydrateFlag && clickhouseDB != nil,
		Parking:         lot,
		ParkingCapacity: *parkingCapacityFlag,
		MaxParkAttempts: *maxParkAttemptsFlag,
		ReplayInterval:  *replayIntervalFlag,
		BatchSize:       *batchSizeFlag,
		PollInterval:    *pollIntervalFlag,
		MaxRetries:      *maxRetriesFlag,
		ShutdownTimeout: defaultShutdownTimeout,
		SkipReadyWait:   *skipReadyWaitFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	if err := p.Start(ctx); err != nil {
		return err
	}

	if *onceFlag {
		return runOnce(ctx, log, p, *pushgatewayFlag)
	}

	srv, err := server.New(server.Config{
		Logger:      log,
		Pipeline:    p,
		Checkpoints: checkpoints,
		Build:       server.BuildInfo{Version: version, Commit: commit, Date: date},
		Sentry:      sentryEnabled,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	listener, err := net.Listen("tcp", *listenAddrFlag)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", *listenAddrFlag, err)
	}
	serverErrCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil {
			serverErrCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("pipeline: shutting down", "reason", ctx.Err())
	case <-p.Done():
		runErr = p.Err()
		log.Error("pipeline: stopped", "error", runErr)
	case err := <-serverErrCh:
		log.Error("pipeline: server error causing shutdown", "error", err)
		runErr = err
	case err := <-metricsServerErrCh:
		log.Error("pipeline: metrics server error causing shutdown", "error", err)
		runErr = err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("pipeline: server shutdown failed", "error", err)
	}
	if err := p.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// runOnce waits until every stream has caught up, then stops the pipeline.
func runOnce(ctx context.Context, log *slog.Logger, p *pipeline.Pipeline, pushgatewayURL string) error {
	waitErr := p.WaitReady(ctx)
	closeErr := p.Close()
	for _, s := range p.Stats() {
		log.Info("pipeline: stream summary",
			"stream", s.Name,
			"kind", s.Kind,
			"read", s.Read,
			"accepted", s.Accepted,
			"rejected", s.Rejected,
			"applied", s.Applied,
			"stale", s.Stale,
			"joined", s.Joined,
			"unmatched", s.Unmatched)
	}
	if pushgatewayURL != "" {
		if err := metrics.Push(context.WithoutCancel(ctx), pushgatewayURL, "silverlake"); err != nil {
			log.Warn("pipeline: failed to push metrics", "error", err)
		}
	}
	if closeErr != nil {
		return closeErr
	}
	return waitErr
}

func initSentry(log *slog.Logger, env string) bool {
	dsn := os.Getenv("SENTRY_DSN")
	if dsn == "" {
		return false
	}
	sentryEnv := os.Getenv("SENTRY_ENVIRONMENT")
	if sentryEnv == "" {
		sentryEnv = env
	}
	if sentryEnv == "" {
		sentryEnv = "development"
	}
	release := version
	if commit != "none" {
		release = version + "-" + commit
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: sentryEnv,
		Release:     release,
	}); err != nil {
		log.Warn("sentry initialization failed", "error", err)
		return false
	}
	log.Info("sentry initialized", "env", sentryEnv, "release", release)
	return true
}

func createClickHouseDatabase(ctx context.Context, log *slog.Logger, addr, database, username, password string, secure bool) error {
	log.Info("creating ClickHouse database", "database", database)
	adminClient, err := clickhouse.NewClient(ctx, log, addr, "default", username, password, secure)
	if err != nil {
		return fmt.Errorf("failed to create admin ClickHouse client: %w", err)
	}
	defer adminClient.Close()
	adminConn, err := adminClient.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get admin ClickHouse connection: %w", err)
	}
	if err := clickhouse.CreateDatabase(ctx, log, adminConn, database); err != nil {
		return fmt.Errorf("failed to create database %s: %w", database, err)
	}
	return nil
}

func loadRules(file string) (map[string]map[string]string, error) {
	if file == "" {
		return nil, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	var rules map[string]map[string]string
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}
	return rules, nil
}

func overrideString(flagValue *string, envVar string) {
	if v := os.Getenv(envVar); v != "" {
		*flagValue = v
	}
}
