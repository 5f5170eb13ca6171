// Package source reads bronze change files as ordered record batches with a
// resumable cursor.
package source

import (
	"context"

	"github.com/malbeclabs/silverlake/pipeline/pkg/record"
)

// Batch is one read from a source. Next is the cursor to resume from after
// every record in the batch has been applied.
type Batch struct {
	Records []record.Record
	Next    string
	// CaughtUp is set when the source had nothing beyond this batch at read time.
	CaughtUp bool
	// Skipped counts input the source could not decode. Next is already past it.
	Skipped int
}

// Source provides append-only records with at-least-once delivery.
// Cursors are opaque; the empty cursor means the beginning of the stream.
type Source interface {
	Read(ctx context.Context, cursor string, limit int) (Batch, error)
	Close() error
}
