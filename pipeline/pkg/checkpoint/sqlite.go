package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS stream_checkpoints (
	stream       TEXT PRIMARY KEY,
	cursor_value TEXT NOT NULL,
	run_id       TEXT NOT NULL DEFAULT '',
	updated_at   TEXT NOT NULL
)`

// SQLiteStore keeps checkpoints in a local SQLite file, for single-node runs
// without Postgres.
type SQLiteStore struct {
	db    *sql.DB
	clock clockwork.Clock
	runID string
}

func NewSQLiteStore(ctx context.Context, dsn string, clock clockwork.Clock, runID string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite dsn is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	db, err := sql.Open("sqlite", withBusyTimeout(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create checkpoint table: %w", err)
	}
	return &SQLiteStore{db: db, clock: clock, runID: runID}, nil
}

// withBusyTimeout makes writers wait for other handles on the same file, such
// as the parking lot, instead of failing with SQLITE_BUSY.
func withBusyTimeout(dsn string) string {
	if dsn == ":memory:" || strings.Contains(dsn, "busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)"
}

func (s *SQLiteStore) Load(ctx context.Context, stream string) (string, error) {
	var cursor string
	err := s.db.QueryRowContext(ctx, `SELECT cursor_value FROM stream_checkpoints WHERE stream = ?`, stream).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load checkpoint for %s: %w", stream, err)
	}
	return cursor, nil
}

func (s *SQLiteStore) Save(ctx context.Context, stream, cursor string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stream_checkpoints (stream, cursor_value, run_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (stream) DO UPDATE
		SET cursor_value = excluded.cursor_value, run_id = excluded.run_id, updated_at = excluded.updated_at
	`, stream, cursor, s.runID, s.clock.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for %s: %w", stream, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stream, cursor_value, run_id, updated_at FROM stream_checkpoints ORDER BY stream`)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var c Checkpoint
		var updated string
		if err := rows.Scan(&c.Stream, &c.Cursor, &c.RunID, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		c.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated)
		if err != nil {
			return nil, fmt.Errorf("invalid updated_at for %s: %w", c.Stream, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Reset(ctx context.Context, stream string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM stream_checkpoints WHERE stream = ?`, stream); err != nil {
		return fmt.Errorf("failed to reset checkpoint for %s: %w", stream, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
