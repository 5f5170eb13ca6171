package checkpoint

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
)

type MemoryStore struct {
	mu    sync.Mutex
	clock clockwork.Clock
	runID string
	rows  map[string]Checkpoint

	// SaveErr, when set, fails every Save.
	SaveErr error
}

func NewMemoryStore(clock clockwork.Clock, runID string) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{clock: clock, runID: runID, rows: make(map[string]Checkpoint)}
}

func (m *MemoryStore) Load(_ context.Context, stream string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[stream].Cursor, nil
}

func (m *MemoryStore) Save(_ context.Context, stream, cursor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.rows[stream] = Checkpoint{Stream: stream, Cursor: cursor, RunID: m.runID, UpdatedAt: m.clock.Now().UTC()}
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Checkpoint, 0, len(m.rows))
	for _, c := range m.rows {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b Checkpoint) int { return strings.Compare(a.Stream, b.Stream) })
	return out, nil
}

func (m *MemoryStore) Reset(_ context.Context, stream string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, stream)
	return nil
}
