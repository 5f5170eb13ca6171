package clickhousetesting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcch "github.com/testcontainers/testcontainers-go/modules/clickhouse"

	"github.com/malbeclabs/silverlake/pipeline/pkg/clickhouse"
	laketesting "github.com/malbeclabs/silverlake/utils/pkg/testing"
)

type DBConfig struct {
	Database       string
	Username       string
	Password       string
	Port           string
	ContainerImage string
}

func (cfg *DBConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "test"
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.Password == "" {
		cfg.Password = "password"
	}
	if cfg.Port == "" {
		cfg.Port = "9000"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "clickhouse/clickhouse-server:latest"
	}
	return nil
}

type DB struct {
	log       *slog.Logger
	cfg       *DBConfig
	addr      string
	container *tcch.ClickHouseContainer
}

// Addr returns the native protocol address (host:port).
func (db *DB) Addr() string {
	return db.addr
}

func (db *DB) Username() string {
	return db.cfg.Username
}

func (db *DB) Password() string {
	return db.cfg.Password
}

func (db *DB) Close() {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(terminateCtx); err != nil {
		db.log.Error("failed to terminate ClickHouse container", "error", err)
	}
}

// NewDB starts a ClickHouse testcontainer.
func NewDB(ctx context.Context, log *slog.Logger, cfg *DBConfig) (*DB, error) {
	if cfg == nil {
		cfg = &DBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate DB config: %w", err)
	}

	var container *tcch.ClickHouseContainer
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = tcch.Run(ctx,
			cfg.ContainerImage,
			tcch.WithDatabase(cfg.Database),
			tcch.WithUsername(cfg.Username),
			tcch.WithPassword(cfg.Password),
		)
		if err != nil {
			lastErr = err
			if isRetryableContainerStartErr(err) && attempt < 3 {
				time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
				continue
			}
			return nil, fmt.Errorf("failed to start ClickHouse container after retries: %w", lastErr)
		}
		break
	}
	if container == nil {
		return nil, fmt.Errorf("failed to start ClickHouse container after retries: %w", lastErr)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse container host: %w", err)
	}
	mappedPort, err := container.MappedPort(ctx, nat.Port(cfg.Port+"/tcp"))
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse container mapped port: %w", err)
	}

	return &DB{
		log:       log,
		cfg:       cfg,
		addr:      fmt.Sprintf("%s:%s", host, mappedPort.Port()),
		container: container,
	}, nil
}

var (
	sharedOnce sync.Once
	sharedDB   *DB
	sharedErr  error
)

// SharedDB lazily starts one container per test binary. Tests are skipped
// when no container provider is reachable.
func SharedDB(t *testing.T) *DB {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	sharedOnce.Do(func() {
		sharedDB, sharedErr = NewDB(context.Background(), laketesting.NewLogger(), nil)
	})
	require.NoError(t, sharedErr, "failed to start shared ClickHouse container")
	return sharedDB
}

// NewTestClient creates a fresh migrated database on the container and
// returns a client bound to it. The database is dropped when the test ends.
func NewTestClient(t *testing.T, db *DB) clickhouse.Client {
	t.Helper()
	ctx := t.Context()
	log := laketesting.NewLogger()

	admin, err := clickhouse.NewClient(ctx, log, db.addr, db.cfg.Database, db.cfg.Username, db.cfg.Password, false)
	require.NoError(t, err, "failed to create ClickHouse admin client")
	adminConn, err := admin.Conn(ctx)
	require.NoError(t, err)

	name := "test_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	require.NoError(t, clickhouse.CreateDatabase(ctx, log, adminConn, name))

	require.NoError(t, clickhouse.RunMigrations(ctx, log, clickhouse.MigrationConfig{
		Addr:     db.addr,
		Database: name,
		Username: db.cfg.Username,
		Password: db.cfg.Password,
	}))

	client, err := clickhouse.NewClient(ctx, log, db.addr, name, db.cfg.Username, db.cfg.Password, false)
	require.NoError(t, err, "failed to create ClickHouse test client")

	t.Cleanup(func() {
		_ = client.Close()
		_ = adminConn.Exec(context.Background(), "DROP DATABASE IF EXISTS "+name)
		_ = admin.Close()
	})
	return client
}

func isRetryableContainerStartErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "wait until ready") ||
		strings.Contains(s, "mapped port") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "context deadline exceeded") ||
		strings.Contains(s, "/containers/") && strings.Contains(s, "json") ||
		strings.Contains(s, "Get \"http://%2Fvar%2Frun%2Fdocker.sock")
}
