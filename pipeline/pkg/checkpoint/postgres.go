package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps checkpoints in the stream_checkpoints table.
type PostgresStore struct {
	pool  *pgxpool.Pool
	runID *uuid.UUID
}

func NewPostgresStore(pool *pgxpool.Pool, runID string) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is required")
	}
	s := &PostgresStore{pool: pool}
	if runID != "" {
		id, err := uuid.Parse(runID)
		if err != nil {
			return nil, fmt.Errorf("invalid run id %q: %w", runID, err)
		}
		s.runID = &id
	}
	return s, nil
}

func (s *PostgresStore) Load(ctx context.Context, stream string) (string, error) {
	var cursor string
	err := s.pool.QueryRow(ctx, `SELECT cursor_value FROM stream_checkpoints WHERE stream = $1`, stream).Scan(&cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load checkpoint for %s: %w", stream, err)
	}
	return cursor, nil
}

func (s *PostgresStore) Save(ctx context.Context, stream, cursor string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stream_checkpoints (stream, cursor_value, run_id, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (stream) DO UPDATE
		SET cursor_value = EXCLUDED.cursor_value, run_id = EXCLUDED.run_id, updated_at = EXCLUDED.updated_at
	`, stream, cursor, s.runID)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for %s: %w", stream, err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT stream, cursor_value, COALESCE(run_id::text, ''), updated_at
		FROM stream_checkpoints
		ORDER BY stream
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var c Checkpoint
		if err := rows.Scan(&c.Stream, &c.Cursor, &c.RunID, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		c.UpdatedAt = c.UpdatedAt.UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read checkpoints: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Reset(ctx context.Context, stream string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM stream_checkpoints WHERE stream = $1`, stream); err != nil {
		return fmt.Errorf("failed to reset checkpoint for %s: %w", stream, err)
	}
	return nil
}
