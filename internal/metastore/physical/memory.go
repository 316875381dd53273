package physical

import (
	"context"
	"sync"

	"github.com/lodetrace/lode-node/pkg/reference"
)

func init() {
	Register("memory", newMemoryFactory, nil)
}

func newMemoryFactory(_ context.Context, _ map[string]string) (Backend, error) {
	return NewMemory(), nil
}

// Memory is an in-memory backend for tests and ephemeral nodes.
type Memory struct {
	mu     sync.RWMutex
	docs   map[reference.Reference][]byte
	closed bool
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{docs: make(map[reference.Reference][]byte)}
}

func (m *Memory) Put(_ context.Context, r reference.Reference, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.docs[r] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Get(_ context.Context, r reference.Reference) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	data, ok := m.docs[r]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Exists(_ context.Context, r reference.Reference) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.docs[r]
	return ok, nil
}

func (m *Memory) Delete(_ context.Context, r reference.Reference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.docs, r)
	return nil
}

func (m *Memory) Stats(_ context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var size int64
	for _, data := range m.docs {
		size += int64(len(data))
	}
	return &Stats{SizeBytes: size, BackendType: "memory"}, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
