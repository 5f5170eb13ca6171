// Package checkpoint persists the resumable read position of each source
// stream. A checkpoint is saved only after the records before it are applied.
package checkpoint

import (
	"context"
	"time"
)

type Checkpoint struct {
	Stream    string    `json:"stream"`
	Cursor    string    `json:"cursor"`
	RunID     string    `json:"run_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Store interface {
	// Load returns the saved cursor, or "" when the stream has none.
	Load(ctx context.Context, stream string) (string, error)
	Save(ctx context.Context, stream, cursor string) error
	List(ctx context.Context) ([]Checkpoint, error)
	// Reset forgets the stream's position so it is replayed from the start.
	Reset(ctx context.Context, stream string) error
}
