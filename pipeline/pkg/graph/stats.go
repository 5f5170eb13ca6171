package graph

import (
	"sync"
	"sync/atomic"
	"time"
)

// StreamStats are cumulative counts for one stream since Start. Counts only
// include batches that were fully applied.
type StreamStats struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Upstream string `json:"upstream,omitempty"`
	Ready    bool   `json:"ready"`

	// Cursor and LastBatchAt are only set on staging streams.
	Cursor      string    `json:"cursor,omitempty"`
	LastBatchAt time.Time `json:"last_batch_at,omitzero"`

	Read      int64 `json:"read"`
	Accepted  int64 `json:"accepted"`
	Rejected  int64 `json:"rejected"`
	Applied   int64 `json:"applied"`
	Stale     int64 `json:"stale"`
	Joined    int64 `json:"joined"`
	Unmatched int64 `json:"unmatched"`
	Replayed  int64 `json:"replayed"`
	Evicted   int64 `json:"evicted"`
	Written   int64 `json:"written"`
	Errors    int64 `json:"errors"`
}

type counters struct {
	read, accepted, rejected, applied, stale      atomic.Int64
	joined, unmatched, replayed, evicted, written atomic.Int64
	errors                                        atomic.Int64

	mu          sync.Mutex
	cursor      string
	lastBatchAt time.Time
}

// tally accumulates one batch's counts before they are published.
type tally struct {
	read, accepted, rejected, applied, stale      int64
	joined, unmatched, replayed, evicted, written int64
	violations                                    map[string]int64
}

func (c *counters) add(t *tally) {
	c.read.Add(t.read)
	c.accepted.Add(t.accepted)
	c.rejected.Add(t.rejected)
	c.applied.Add(t.applied)
	c.stale.Add(t.stale)
	c.joined.Add(t.joined)
	c.unmatched.Add(t.unmatched)
	c.replayed.Add(t.replayed)
	c.evicted.Add(t.evicted)
	c.written.Add(t.written)
}

func (c *counters) setCursor(cursor string, at time.Time) {
	c.mu.Lock()
	c.cursor = cursor
	c.lastBatchAt = at
	c.mu.Unlock()
}

func (c *counters) snapshot(s *StreamStats) {
	s.Read = c.read.Load()
	s.Accepted = c.accepted.Load()
	s.Rejected = c.rejected.Load()
	s.Applied = c.applied.Load()
	s.Stale = c.stale.Load()
	s.Joined = c.joined.Load()
	s.Unmatched = c.unmatched.Load()
	s.Replayed = c.replayed.Load()
	s.Evicted = c.evicted.Load()
	s.Written = c.written.Load()
	s.Errors = c.errors.Load()
	c.mu.Lock()
	s.Cursor = c.cursor
	s.LastBatchAt = c.lastBatchAt
	c.mu.Unlock()
}
