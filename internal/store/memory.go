package store

import (
	"context"
	"sync"
)

// MemoryBackend keeps the record list in process memory.
type MemoryBackend struct {
	mu      sync.Mutex
	records []Record
	writes  int
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) Load(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneAll(m.records), nil
}

func (m *MemoryBackend) Update(ctx context.Context, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next, changed, err := fn(cloneAll(m.records))
	if err != nil || !changed {
		return err
	}
	m.records = cloneAll(next)
	m.writes++
	return nil
}

// Writes reports how many updates changed the list.
func (m *MemoryBackend) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *MemoryBackend) Close() error { return nil }

func cloneAll(records []Record) []Record {
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = r.clone()
	}
	return out
}
