package physical

import (
	"context"
	"sort"
	"sync"
)

func init() {
	Register("memory", func(_ context.Context, _ map[string]string) (Backend, error) {
		return NewMemory(), nil
	}, nil)
}

// Memory is an in-memory Backend for tests and ephemeral nodes.
type Memory struct {
	mu     sync.RWMutex
	rows   []*Row // ordered by position
	states map[string][]*StateRow
	closed bool
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{states: make(map[string][]*StateRow)}
}

// Append stores a batch of rows.
func (m *Memory) Append(_ context.Context, rows []*Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	last := uint64(0)
	if n := len(m.rows); n > 0 {
		last = m.rows[n-1].Position
	}
	for _, r := range rows {
		if r.Position <= last {
			return ErrPositionExists
		}
		last = r.Position
	}
	for _, r := range rows {
		cp := *r
		m.rows = append(m.rows, &cp)
	}
	return nil
}

// Get returns the row at pos.
func (m *Memory) Get(_ context.Context, pos uint64) (*Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	i := sort.Search(len(m.rows), func(i int) bool { return m.rows[i].Position >= pos })
	if i < len(m.rows) && m.rows[i].Position == pos {
		cp := *m.rows[i]
		return &cp, nil
	}
	return nil, ErrNotFound
}

// Last returns the highest written position, or 0 when empty.
func (m *Memory) Last(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	if len(m.rows) == 0 {
		return 0, nil
	}
	return m.rows[len(m.rows)-1].Position, nil
}

// Scan returns up to limit rows with position >= from, in order.
func (m *Memory) Scan(_ context.Context, from uint64, limit int) ([]*Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	i := sort.Search(len(m.rows), func(i int) bool { return m.rows[i].Position >= from })
	var out []*Row
	for ; i < len(m.rows); i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *m.rows[i]
		out = append(out, &cp)
	}
	return out, nil
}

// PutState stores an entity state snapshot.
func (m *Memory) PutState(_ context.Context, st *StateRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	cp := *st
	hist := m.states[st.Key]
	// Snapshots arrive in position order in practice; keep the slice sorted
	// even if they do not.
	i := sort.Search(len(hist), func(i int) bool { return hist[i].Position >= st.Position })
	if i < len(hist) && hist[i].Position == st.Position {
		hist[i] = &cp
	} else {
		hist = append(hist, nil)
		copy(hist[i+1:], hist[i:])
		hist[i] = &cp
	}
	m.states[st.Key] = hist
	return nil
}

// GetState returns the newest snapshot for key with position <= at.
func (m *Memory) GetState(_ context.Context, key string, at uint64) (*StateRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	hist := m.states[key]
	if len(hist) == 0 {
		return nil, ErrNotFound
	}
	if at == 0 {
		cp := *hist[len(hist)-1]
		return &cp, nil
	}
	i := sort.Search(len(hist), func(i int) bool { return hist[i].Position > at })
	if i == 0 {
		return nil, ErrNotFound
	}
	cp := *hist[i-1]
	return &cp, nil
}

// Stats returns storage statistics.
func (m *Memory) Stats(_ context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return &Stats{Rows: uint64(len(m.rows)), BackendType: "memory"}, nil
}

// Close marks the backend closed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
