package sink

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/malbeclabs/silverlake/pipeline/pkg/cdc"
	"github.com/malbeclabs/silverlake/pipeline/pkg/record"
)

// MemoryDimensionSink keeps the last upserted state per key. FailNext makes
// the next n calls fail with Err.
type MemoryDimensionSink struct {
	mu       sync.Mutex
	rows     map[string]*cdc.EntityState
	calls    int
	failNext int
	err      error
}

func NewMemoryDimensionSink() *MemoryDimensionSink {
	return &MemoryDimensionSink{rows: make(map[string]*cdc.EntityState)}
}

func (m *MemoryDimensionSink) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext, m.err = n, err
}

func (m *MemoryDimensionSink) Upsert(_ context.Context, states []*cdc.EntityState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failNext > 0 {
		m.failNext--
		return m.err
	}
	for _, st := range states {
		m.rows[st.Key] = st
	}
	return nil
}

func (m *MemoryDimensionSink) LoadCurrent(context.Context) ([]*cdc.EntityState, error) {
	return m.Rows(), nil
}

// Rows returns the stored states ordered by key.
func (m *MemoryDimensionSink) Rows() []*cdc.EntityState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*cdc.EntityState, 0, len(m.rows))
	for _, st := range m.rows {
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b *cdc.EntityState) int { return strings.Compare(a.Key, b.Key) })
	return out
}

func (m *MemoryDimensionSink) Get(key string) (*cdc.EntityState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.rows[key]
	return st, ok
}

func (m *MemoryDimensionSink) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type MemoryFactSink struct {
	mu       sync.Mutex
	rows     []record.Record
	calls    int
	failNext int
	err      error
}

func NewMemoryFactSink() *MemoryFactSink {
	return &MemoryFactSink{}
}

func (m *MemoryFactSink) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext, m.err = n, err
}

func (m *MemoryFactSink) Append(_ context.Context, rows []record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failNext > 0 {
		m.failNext--
		return m.err
	}
	for _, r := range rows {
		m.rows = append(m.rows, r.Clone())
	}
	return nil
}

func (m *MemoryFactSink) Rows() []record.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.rows)
}

func (m *MemoryFactSink) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
