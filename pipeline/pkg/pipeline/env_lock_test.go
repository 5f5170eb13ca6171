package pipeline

import (
	"testing"

	clickhousetesting "github.com/malbeclabs/silverlake/pipeline/pkg/clickhouse/testing"
	neo4jtesting "github.com/malbeclabs/silverlake/pipeline/pkg/neo4j/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSilverlake_Pipeline_ClickHouseEnvLock(t *testing.T) {
	t.Parallel()
	db := clickhousetesting.SharedDB(t)

	t.Run("new lock creates entry", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		ch := clickhousetesting.NewTestClient(t, db)

		require.NoError(t, checkClickHouseEnvLock(ctx, ch, "dev"))

		conn, err := ch.Conn(ctx)
		require.NoError(t, err)
		var env string
		require.NoError(t, conn.QueryRow(ctx, "SELECT env FROM _env_lock").Scan(&env))
		assert.Equal(t, "dev", env)
	})

	t.Run("matching env succeeds", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		ch := clickhousetesting.NewTestClient(t, db)

		require.NoError(t, checkClickHouseEnvLock(ctx, ch, "staging"))
		require.NoError(t, checkClickHouseEnvLock(ctx, ch, "staging"))
	})

	t.Run("mismatched env returns error", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		ch := clickhousetesting.NewTestClient(t, db)

		require.NoError(t, checkClickHouseEnvLock(ctx, ch, "dev"))
		err := checkClickHouseEnvLock(ctx, ch, "prod")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "locked to env")
		assert.Contains(t, err.Error(), `"dev"`)
		assert.Contains(t, err.Error(), `"prod"`)
	})
}

func TestSilverlake_Pipeline_Neo4jEnvLock(t *testing.T) {
	t.Parallel()
	db := neo4jtesting.SharedDB(t)
	ctx := t.Context()
	client := neo4jtesting.NewTestClient(t, db)

	require.NoError(t, checkNeo4jEnvLock(ctx, client, "dev"))
	require.NoError(t, checkNeo4jEnvLock(ctx, client, "dev"))

	err := checkNeo4jEnvLock(ctx, client, "prod")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked to env")
}
