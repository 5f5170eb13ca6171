package admin

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/malbeclabs/silverlake/pipeline/pkg/checkpoint"
	"github.com/malbeclabs/silverlake/pipeline/pkg/clickhouse"
)

// Tables with these prefixes hold derived data and are safe to drop. The
// migration version table goes with them so a later migrate recreates them.
var resettablePrefixes = []string{"dim_", "fact_", "stg_"}

const gooseVersionTable = "goose_db_version"

type ResetDBConfig struct {
	DryRun bool
	// Yes skips the confirmation prompt.
	Yes bool
	In  io.Reader
	Out io.Writer

	// Checkpoints, when set, are cleared after the tables are dropped so
	// every stream is read again from the start.
	Checkpoints checkpoint.Store
}

// ResetDB drops the silver tables of the connection's current database.
func ResetDB(ctx context.Context, log *slog.Logger, conn clickhouse.Connection, cfg ResetDBConfig) error {
	var database string
	if err := conn.QueryRow(ctx, "SELECT currentDatabase()").Scan(&database); err != nil {
		return fmt.Errorf("failed to get current database: %w", err)
	}

	rows, err := conn.Query(ctx, "SELECT name FROM system.tables WHERE database = ? ORDER BY name", database)
	if err != nil {
		return fmt.Errorf("failed to list tables: %w", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to list tables: %w", err)
	}

	drop := resetTables(tables)
	if len(drop) == 0 {
		fmt.Fprintf(cfg.Out, "No tables to drop in %s\n", database)
		return nil
	}

	fmt.Fprintf(cfg.Out, "Tables to drop in %s:\n", database)
	for _, name := range drop {
		fmt.Fprintf(cfg.Out, "  %s\n", name)
	}
	if cfg.Checkpoints != nil {
		fmt.Fprintln(cfg.Out, "All stream checkpoints will be reset")
	} else {
		fmt.Fprintln(cfg.Out, "Warning: no checkpoint store given; reset the stream checkpoints before restarting the pipeline")
	}
	if cfg.DryRun {
		fmt.Fprintln(cfg.Out, "Dry run, nothing dropped")
		return nil
	}
	if !cfg.Yes && !confirm(cfg.In, cfg.Out, fmt.Sprintf("Drop %d tables?", len(drop))) {
		fmt.Fprintln(cfg.Out, "Aborted")
		return nil
	}

	for _, name := range drop {
		if err := conn.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS `%s`.`%s`", database, name)); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", name, err)
		}
		log.Info("dropped table", "database", database, "table", name)
	}

	if cfg.Checkpoints == nil {
		return nil
	}
	cps, err := cfg.Checkpoints.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}
	if len(cps) == 0 {
		return nil
	}
	return ResetCheckpoints(ctx, log, cfg.Checkpoints, nil, true)
}

func resetTables(tables []string) []string {
	var out []string
	for _, name := range tables {
		if name == gooseVersionTable {
			out = append(out, name)
			continue
		}
		for _, prefix := range resettablePrefixes {
			if strings.HasPrefix(name, prefix) {
				out = append(out, name)
				break
			}
		}
	}
	return out
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	if in == nil {
		return false
	}
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
