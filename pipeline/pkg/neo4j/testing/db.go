package neo4jtesting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"

	"github.com/malbeclabs/silverlake/pipeline/pkg/neo4j"
	laketesting "github.com/malbeclabs/silverlake/utils/pkg/testing"
)

type DBConfig struct {
	ContainerImage string
}

func (cfg *DBConfig) Validate() error {
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "neo4j:5-community"
	}
	return nil
}

type DB struct {
	log       *slog.Logger
	boltURL   string
	container *tcneo4j.Neo4jContainer

	// The community edition has a single user database, so tests that
	// share a container take turns.
	mu sync.Mutex
}

func (db *DB) BoltURL() string {
	return db.boltURL
}

func (db *DB) Close() {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.container.Terminate(terminateCtx); err != nil {
		db.log.Error("failed to terminate Neo4j container", "error", err)
	}
}

// NewDB starts an unauthenticated Neo4j testcontainer.
func NewDB(ctx context.Context, log *slog.Logger, cfg *DBConfig) (*DB, error) {
	if cfg == nil {
		cfg = &DBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate DB config: %w", err)
	}

	var container *tcneo4j.Neo4jContainer
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = tcneo4j.Run(ctx, cfg.ContainerImage, tcneo4j.WithoutAuthentication())
		if err != nil {
			lastErr = err
			if isRetryableContainerStartErr(err) && attempt < 3 {
				time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
				continue
			}
			return nil, fmt.Errorf("failed to start Neo4j container after retries: %w", lastErr)
		}
		break
	}
	if container == nil {
		return nil, fmt.Errorf("failed to start Neo4j container after retries: %w", lastErr)
	}

	boltURL, err := container.BoltUrl(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get Neo4j bolt URL: %w", err)
	}
	return &DB{log: log, boltURL: boltURL, container: container}, nil
}

var (
	sharedOnce sync.Once
	sharedDB   *DB
	sharedErr  error
)

// SharedDB lazily starts one container per test binary, skipping the test
// when no container provider is reachable.
func SharedDB(t *testing.T) *DB {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	sharedOnce.Do(func() {
		sharedDB, sharedErr = NewDB(context.Background(), laketesting.NewLogger(), nil)
	})
	require.NoError(t, sharedErr, "failed to start shared Neo4j container")
	return sharedDB
}

// NewTestClient holds the container for the rest of the test, clears the
// database and runs migrations.
func NewTestClient(t *testing.T, db *DB) neo4j.Client {
	t.Helper()
	ctx := t.Context()
	log := laketesting.NewLogger()

	db.mu.Lock()
	t.Cleanup(db.mu.Unlock)

	client, err := neo4j.NewClient(ctx, log, db.boltURL, neo4j.DefaultDatabase, "", "")
	require.NoError(t, err, "failed to create Neo4j client")
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	require.NoError(t, neo4j.Exec(ctx, client, "MATCH (n) WHERE NOT n:SchemaMigration DETACH DELETE n", nil), "failed to clear database")
	require.NoError(t, neo4j.RunMigrations(ctx, log, client))
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
		strings.Contains(s, "/containers/") && strings.Contains(s, "json")
}
