package parking

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"

	"github.com/malbeclabs/silverlake/pipeline/pkg/record"
)

var sqliteSchema = []string{`
CREATE TABLE IF NOT EXISTS parked_facts (
	stream          TEXT    NOT NULL,
	fact_key        TEXT    NOT NULL,
	payload         TEXT    NOT NULL,
	missing         TEXT    NOT NULL DEFAULT '[]',
	attempts        INTEGER NOT NULL DEFAULT 0,
	parked_at       INTEGER NOT NULL,
	last_attempt_at INTEGER,
	PRIMARY KEY (stream, fact_key)
)`,
	`CREATE INDEX IF NOT EXISTS parked_facts_stream_parked_at ON parked_facts (stream, parked_at)`,
}

// SQLiteLot keeps parked facts in a local SQLite file, for single-node runs
// without Postgres. It can share the file used for checkpoints. Times are
// stored as unix nanoseconds and the missing list as a JSON array.
type SQLiteLot struct {
	db       *sql.DB
	clock    clockwork.Clock
	capacity int
}

func NewSQLiteLot(ctx context.Context, dsn string, clock clockwork.Clock, capacity int) (*SQLiteLot, error) {
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
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create parked_facts table: %w", err)
		}
	}
	return &SQLiteLot{db: db, clock: clock, capacity: capacity}, nil
}

// withBusyTimeout makes writers wait for other handles on the same file
// instead of failing with SQLITE_BUSY.
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

func (l *SQLiteLot) Park(ctx context.Context, stream, key string, rec record.Record, missing []string) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode parked fact %s: %w", key, err)
	}
	missingJSON, err := encodeMissing(missing)
	if err != nil {
		return err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if l.capacity > 0 {
		var n, exists int
		err := tx.QueryRowContext(ctx, `
			SELECT count(*), COALESCE(max(fact_key = ?), 0)
			FROM parked_facts WHERE stream = ?
		`, key, stream).Scan(&n, &exists)
		if err != nil {
			return fmt.Errorf("failed to count parked facts: %w", err)
		}
		if exists == 0 && n >= l.capacity {
			return ErrFull
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO parked_facts (stream, fact_key, payload, missing, attempts, parked_at, last_attempt_at)
		VALUES (?, ?, ?, ?, 0, ?, NULL)
		ON CONFLICT (stream, fact_key) DO UPDATE
		SET payload = excluded.payload, missing = excluded.missing, attempts = 0,
		    parked_at = excluded.parked_at, last_attempt_at = NULL
	`, stream, key, string(payload), missingJSON, l.clock.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to park fact %s: %w", key, err)
	}
	return tx.Commit()
}

func (l *SQLiteLot) Due(ctx context.Context, stream string, limit int) ([]Entry, error) {
	query := `
		SELECT fact_key, payload, missing, attempts, parked_at, last_attempt_at
		FROM parked_facts
		WHERE stream = ?
		ORDER BY parked_at, fact_key`
	args := []any{stream}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query parked facts: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e           = Entry{Stream: stream}
			payload     string
			missing     string
			parkedAt    int64
			lastAttempt sql.NullInt64
		)
		if err := rows.Scan(&e.Key, &payload, &missing, &e.Attempts, &parkedAt, &lastAttempt); err != nil {
			return nil, fmt.Errorf("failed to scan parked fact: %w", err)
		}
		dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
		dec.UseNumber()
		if err := dec.Decode(&e.Record); err != nil {
			return nil, fmt.Errorf("failed to decode parked fact %s: %w", e.Key, err)
		}
		if err := json.Unmarshal([]byte(missing), &e.Missing); err != nil {
			return nil, fmt.Errorf("failed to decode missing dimensions of %s: %w", e.Key, err)
		}
		e.ParkedAt = time.Unix(0, parkedAt).UTC()
		if lastAttempt.Valid {
			e.LastAttemptAt = time.Unix(0, lastAttempt.Int64).UTC()
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read parked facts: %w", err)
	}
	return out, nil
}

func (l *SQLiteLot) Attempt(ctx context.Context, stream, key string, missing []string) (int, error) {
	missingJSON, err := encodeMissing(missing)
	if err != nil {
		return 0, err
	}
	var attempts int
	err = l.db.QueryRowContext(ctx, `
		UPDATE parked_facts
		SET attempts = attempts + 1, missing = ?, last_attempt_at = ?
		WHERE stream = ? AND fact_key = ?
		RETURNING attempts
	`, missingJSON, l.clock.Now().UnixNano(), stream, key).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to record attempt for %s: %w", key, err)
	}
	return attempts, nil
}

func (l *SQLiteLot) Remove(ctx context.Context, stream string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]any, 0, len(keys)+1)
	args = append(args, stream)
	for _, k := range keys {
		args = append(args, k)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	query := `DELETE FROM parked_facts WHERE stream = ? AND fact_key IN (` + placeholders + `)`
	if _, err := l.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to remove parked facts: %w", err)
	}
	return nil
}

func (l *SQLiteLot) Len(ctx context.Context, stream string) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT count(*) FROM parked_facts WHERE stream = ?`, stream).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count parked facts: %w", err)
	}
	return n, nil
}

func (l *SQLiteLot) Close() error {
	return l.db.Close()
}

func encodeMissing(missing []string) (string, error) {
	if missing == nil {
		missing = []string{}
	}
	b, err := json.Marshal(missing)
	if err != nil {
		return "", fmt.Errorf("failed to encode missing dimensions: %w", err)
	}
	return string(b), nil
}
