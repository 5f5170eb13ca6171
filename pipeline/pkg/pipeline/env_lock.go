package pipeline

import (
	"context"
	"fmt"

	"github.com/malbeclabs/silverlake/pipeline/pkg/clickhouse"
	"github.com/malbeclabs/silverlake/pipeline/pkg/neo4j"
)

// checkClickHouseEnvLock claims an unlocked database for env, or fails when
// the database already belongs to another env.
func checkClickHouseEnvLock(ctx context.Context, ch clickhouse.Client, env string) error {
	conn, err := ch.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	var stored string
	rows, err := conn.Query(ctx, "SELECT env FROM _env_lock LIMIT 1")
	if err != nil {
		return fmt.Errorf("failed to query env lock: %w", err)
	}
	found := rows.Next()
	if found {
		if err := rows.Scan(&stored); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan env lock: %w", err)
		}
	}
	rows.Close()

	if found {
		if stored != env {
			return fmt.Errorf("clickhouse database is locked to env %q but pipeline is configured for %q", stored, env)
		}
		return nil
	}
	if err := conn.Exec(ctx, "INSERT INTO _env_lock (env) VALUES (?)", env); err != nil {
		return fmt.Errorf("failed to insert env lock: %w", err)
	}
	return nil
}

func checkNeo4jEnvLock(ctx context.Context, client neo4j.Client, env string) error {
	sess, err := client.Session(ctx)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, "MATCH (l:_EnvLock) RETURN l.env AS env LIMIT 1", nil)
	if err != nil {
		return fmt.Errorf("failed to query env lock: %w", err)
	}
	if res.Next(ctx) {
		stored, _ := res.Record().Get("env")
		if s, ok := stored.(string); ok && s != env {
			return fmt.Errorf("neo4j database is locked to env %q but pipeline is configured for %q", s, env)
		}
		return nil
	}
	if err := res.Err(); err != nil {
		return fmt.Errorf("failed to read env lock: %w", err)
	}

	if err := neo4j.Exec(ctx, client, "CREATE (l:_EnvLock {env: $env})", map[string]any{"env": env}); err != nil {
		return fmt.Errorf("failed to create env lock: %w", err)
	}
	return nil
}
