package storage

import (
	"context"
	"sync"
)

// Memory is an in-process Store. Saved snapshots are round-tripped through
// Encode/Decode so they behave like the durable drivers.
type Memory struct {
	mu    sync.Mutex
	data  []byte
	saves int
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Save(ctx context.Context, s *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return wrap("save", "memory", err)
	}
	b, err := Encode(s)
	if err != nil {
		return wrap("save", "memory", err)
	}
	m.mu.Lock()
	m.data = b
	m.saves++
	m.mu.Unlock()
	return nil
}

func (m *Memory) Load(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("load", "memory", err)
	}
	m.mu.Lock()
	b := m.data
	m.mu.Unlock()
	if b == nil {
		return nil, ErrNotFound
	}
	s, err := Decode(b)
	if err != nil {
		return nil, wrap("load", "memory", err)
	}
	return s, nil
}

// Saves reports how many snapshots were written.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *Memory) Close() error { return nil }
