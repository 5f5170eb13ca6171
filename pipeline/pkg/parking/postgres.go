package parking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/silverlake/pipeline/pkg/record"
)

// PostgresLot keeps parked facts in the parked_facts table so they survive
// restarts. Payloads are stored as JSON; numbers come back as json.Number and
// times as RFC 3339 strings.
type PostgresLot struct {
	pool     *pgxpool.Pool
	capacity int
}

func NewPostgresLot(pool *pgxpool.Pool, capacity int) (*PostgresLot, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is required")
	}
	return &PostgresLot{pool: pool, capacity: capacity}, nil
}

func (l *PostgresLot) Park(ctx context.Context, stream, key string, rec record.Record, missing []string) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode parked fact %s: %w", key, err)
	}
	if missing == nil {
		missing = []string{}
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if l.capacity > 0 {
		// Serialize parks per stream so the capacity check holds.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, stream); err != nil {
			return fmt.Errorf("failed to lock stream %s: %w", stream, err)
		}
		var n int
		var exists bool
		err := tx.QueryRow(ctx, `
			SELECT count(*), COALESCE(bool_or(fact_key = $2), false)
			FROM parked_facts WHERE stream = $1
		`, stream, key).Scan(&n, &exists)
		if err != nil {
			return fmt.Errorf("failed to count parked facts: %w", err)
		}
		if !exists && n >= l.capacity {
			return ErrFull
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO parked_facts (stream, fact_key, payload, missing, attempts, parked_at, last_attempt_at)
		VALUES ($1, $2, $3, $4, 0, now(), NULL)
		ON CONFLICT (stream, fact_key) DO UPDATE
		SET payload = EXCLUDED.payload, missing = EXCLUDED.missing, attempts = 0,
		    parked_at = EXCLUDED.parked_at, last_attempt_at = NULL
	`, stream, key, payload, missing)
	if err != nil {
		return fmt.Errorf("failed to park fact %s: %w", key, err)
	}
	return tx.Commit(ctx)
}

func (l *PostgresLot) Due(ctx context.Context, stream string, limit int) ([]Entry, error) {
	query := `
		SELECT fact_key, payload, missing, attempts, parked_at, last_attempt_at
		FROM parked_facts
		WHERE stream = $1
		ORDER BY parked_at, fact_key`
	args := []any{stream}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query parked facts: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e           = Entry{Stream: stream}
			payload     []byte
			lastAttempt *time.Time
		)
		if err := rows.Scan(&e.Key, &payload, &e.Missing, &e.Attempts, &e.ParkedAt, &lastAttempt); err != nil {
			return nil, fmt.Errorf("failed to scan parked fact: %w", err)
		}
		dec := json.NewDecoder(bytes.NewReader(payload))
		dec.UseNumber()
		if err := dec.Decode(&e.Record); err != nil {
			return nil, fmt.Errorf("failed to decode parked fact %s: %w", e.Key, err)
		}
		e.ParkedAt = e.ParkedAt.UTC()
		if lastAttempt != nil {
			e.LastAttemptAt = lastAttempt.UTC()
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read parked facts: %w", err)
	}
	return out, nil
}

func (l *PostgresLot) Attempt(ctx context.Context, stream, key string, missing []string) (int, error) {
	if missing == nil {
		missing = []string{}
	}
	var attempts int
	err := l.pool.QueryRow(ctx, `
		UPDATE parked_facts
		SET attempts = attempts + 1, missing = $3, last_attempt_at = now()
		WHERE stream = $1 AND fact_key = $2
		RETURNING attempts
	`, stream, key, missing).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to record attempt for %s: %w", key, err)
	}
	return attempts, nil
}

func (l *PostgresLot) Remove(ctx context.Context, stream string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := l.pool.Exec(ctx, `DELETE FROM parked_facts WHERE stream = $1 AND fact_key = ANY($2)`, stream, keys); err != nil {
		return fmt.Errorf("failed to remove parked facts: %w", err)
	}
	return nil
}

func (l *PostgresLot) Len(ctx context.Context, stream string) (int, error) {
	var n int
	if err := l.pool.QueryRow(ctx, `SELECT count(*) FROM parked_facts WHERE stream = $1`, stream).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count parked facts: %w", err)
	}
	return n, nil
}
