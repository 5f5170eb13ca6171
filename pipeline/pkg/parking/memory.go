package parking

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/silverlake/pipeline/pkg/record"
)

type MemoryLot struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	capacity int
	streams  map[string]map[string]*Entry
}

// NewMemoryLot returns a lot holding at most capacity entries per stream.
// A capacity <= 0 means unbounded.
func NewMemoryLot(clock clockwork.Clock, capacity int) *MemoryLot {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryLot{clock: clock, capacity: capacity, streams: make(map[string]map[string]*Entry)}
}

func (l *MemoryLot) Park(_ context.Context, stream, key string, rec record.Record, missing []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.streams[stream]
	if entries == nil {
		entries = make(map[string]*Entry)
		l.streams[stream] = entries
	}
	if _, ok := entries[key]; !ok && l.capacity > 0 && len(entries) >= l.capacity {
		return ErrFull
	}
	entries[key] = &Entry{
		Stream:   stream,
		Key:      key,
		Record:   rec.Clone(),
		Missing:  slices.Clone(missing),
		ParkedAt: l.clock.Now().UTC(),
	}
	return nil
}

func (l *MemoryLot) Due(_ context.Context, stream string, limit int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, len(l.streams[stream]))
	for _, e := range l.streams[stream] {
		c := *e
		c.Record = e.Record.Clone()
		c.Missing = slices.Clone(e.Missing)
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b Entry) int {
		if c := a.ParkedAt.Compare(b.ParkedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Key, b.Key)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *MemoryLot) Attempt(_ context.Context, stream, key string, missing []string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.streams[stream][key]
	if !ok {
		return 0, nil
	}
	e.Attempts++
	e.Missing = slices.Clone(missing)
	e.LastAttemptAt = l.clock.Now().UTC()
	return e.Attempts, nil
}

func (l *MemoryLot) Remove(_ context.Context, stream string, keys ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		delete(l.streams[stream], k)
	}
	return nil
}

func (l *MemoryLot) Len(_ context.Context, stream string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.streams[stream]), nil
}
