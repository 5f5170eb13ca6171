// Package parking holds facts that could not be joined yet because a
// dimension row was missing, so they can be replayed once it arrives.
package parking

import (
	"context"
	"errors"
	"time"

	"github.com/malbeclabs/silverlake/pipeline/pkg/record"
)

var ErrFull = errors.New("parking lot is full")

type Entry struct {
	Stream        string
	Key           string
	Record        record.Record
	Missing       []string
	Attempts      int
	ParkedAt      time.Time
	LastAttemptAt time.Time
}

type Lot interface {
	// Park stores or replaces the fact held under key. Replacing resets its
	// attempt count. It returns ErrFull when the stream is at capacity and key
	// is not already parked.
	Park(ctx context.Context, stream, key string, rec record.Record, missing []string) error
	// Due returns up to limit entries for the stream, oldest first.
	Due(ctx context.Context, stream string, limit int) ([]Entry, error)
	// Attempt records a failed replay and returns the new attempt count.
	Attempt(ctx context.Context, stream, key string, missing []string) (int, error)
	Remove(ctx context.Context, stream string, keys ...string) error
	Len(ctx context.Context, stream string) (int, error)
}
