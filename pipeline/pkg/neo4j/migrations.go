package neo4j

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/malbeclabs/silverlake/pipeline"
)

const migrationsDir = "db/neo4j/migrations"

// Migration file names look like 000001_name.up.cypher.
var migrationPattern = regexp.MustCompile(`^(\d+)_.*\.(up|down)\.cypher$`)

type migration struct {
	version uint
	name    string
	up      bool
	content string
}

// RunMigrations applies pending cypher migrations in version order. The
// applied version is tracked on a single SchemaMigration node with a dirty
// flag that is set while a migration runs.
func RunMigrations(ctx context.Context, log *slog.Logger, c Client) error {
	log.Info("running Neo4j migrations")

	if err := Exec(ctx, c, "CREATE CONSTRAINT schema_migration_version IF NOT EXISTS FOR (n:SchemaMigration) REQUIRE n.version IS UNIQUE", nil); err != nil {
		return fmt.Errorf("failed to ensure migration schema: %w", err)
	}

	current, dirty, err := currentVersion(ctx, c)
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("database is in dirty state at version %d, manual intervention required", current)
	}

	pending, err := pendingMigrations(current)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		log.Info("no new Neo4j migrations to apply", "current_version", current)
		return nil
	}

	for _, m := range pending {
		log.Info("applying Neo4j migration", "version", m.version, "name", m.name)
		if err := setVersion(ctx, c, m.version, true); err != nil {
			return fmt.Errorf("failed to set dirty flag for version %d: %w", m.version, err)
		}
		for _, stmt := range splitStatements(m.content) {
			if err := Exec(ctx, c, stmt, nil); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", m.version, err)
			}
		}
		if err := setVersion(ctx, c, m.version, false); err != nil {
			return fmt.Errorf("failed to clear dirty flag for version %d: %w", m.version, err)
		}
	}

	log.Info("Neo4j migrations completed successfully", "applied_count", len(pending))
	return nil
}

func MigrationStatus(ctx context.Context, log *slog.Logger, c Client) error {
	current, dirty, err := currentVersion(ctx, c)
	if err != nil {
		return err
	}
	pending, err := pendingMigrations(current)
	if err != nil {
		return err
	}
	log.Info("neo4j migration status", "version", current, "dirty", dirty, "pending", len(pending))
	return nil
}

func currentVersion(ctx context.Context, c Client) (uint, bool, error) {
	sess, err := c.Session(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("failed to create session: %w", err)
	}
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, "MATCH (n:SchemaMigration) RETURN n.version AS version, n.dirty AS dirty ORDER BY n.version DESC LIMIT 1", nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to query migration version: %w", err)
	}
	if !res.Next(ctx) {
		if err := res.Err(); err != nil {
			return 0, false, fmt.Errorf("failed to read migration version: %w", err)
		}
		return 0, false, nil
	}
	rec := res.Record()
	v, _ := rec.Get("version")
	d, _ := rec.Get("dirty")
	version, ok := v.(int64)
	if !ok {
		return 0, false, fmt.Errorf("unexpected version type: %T", v)
	}
	dirty, _ := d.(bool)
	return uint(version), dirty, nil
}

func setVersion(ctx context.Context, c Client, version uint, dirty bool) error {
	return Exec(ctx, c, `
		OPTIONAL MATCH (old:SchemaMigration) WHERE old.version <> $version
		DELETE old
		WITH DISTINCT 1 AS ignored
		MERGE (n:SchemaMigration {version: $version})
		SET n.dirty = $dirty
	`, map[string]any{"version": int64(version), "dirty": dirty})
}

func pendingMigrations(current uint) ([]migration, error) {
	all, err := loadMigrations()
	if err != nil {
		return nil, err
	}
	var out []migration
	for _, m := range all {
		if m.up && m.version > current {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b migration) int { return int(a.version) - int(b.version) })
	return out, nil
}

func loadMigrations() ([]migration, error) {
	var out []migration
	err := fs.WalkDir(pipeline.Neo4jMigrationsFS, migrationsDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		m := migrationPattern.FindStringSubmatch(path.Base(p))
		if m == nil {
			return nil
		}
		version, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version in filename %s: %w", p, err)
		}
		content, err := fs.ReadFile(pipeline.Neo4jMigrationsFS, p)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", p, err)
		}
		out = append(out, migration{version: uint(version), name: path.Base(p), up: m[2] == "up", content: string(content)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}
	return out, nil
}

func splitStatements(content string) []string {
	var out []string
	for _, s := range strings.Split(content, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
