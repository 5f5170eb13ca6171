package source

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/malbeclabs/silverlake/pipeline/pkg/record"
)

// MemorySource is an append-only in-process source. Cursors are record offsets.
type MemorySource struct {
	mu      sync.Mutex
	records []record.Record
	ReadErr error
	Closed  bool
}

func NewMemorySource(records ...record.Record) *MemorySource {
	return &MemorySource{records: records}
}

func (m *MemorySource) Append(records ...record.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
}

func (m *MemorySource) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *MemorySource) Read(ctx context.Context, cursor string, limit int) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return Batch{}, m.ReadErr
	}

	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return Batch{}, fmt.Errorf("invalid cursor %q", cursor)
		}
		offset = min(n, len(m.records))
	}
	end := len(m.records)
	if limit > 0 {
		end = min(offset+limit, end)
	}
	out := make([]record.Record, 0, end-offset)
	for _, r := range m.records[offset:end] {
		out = append(out, r.Clone())
	}
	return Batch{
		Records:  out,
		Next:     strconv.Itoa(end),
		CaughtUp: end == len(m.records),
	}, nil
}

func (m *MemorySource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}
