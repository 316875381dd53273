// Package ledger provides the append-only, totally ordered event log the
// node builds all domain state from. Records are opaque JSON rows keyed by
// contiguous positions starting at 1, stored through a pluggable physical
// backend.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lodetrace/lode-node/internal/ledger/physical"
)

// ErrNotFound indicates the requested position or state key is absent.
var ErrNotFound = physical.ErrNotFound

const streamBatchSize = 256

// Receipt acknowledges a durable append. First and Last are the positions
// assigned to the batch.
type Receipt struct {
	ID    uuid.UUID `json:"id"`
	First uint64    `json:"first"`
	Last  uint64    `json:"last"`
	Time  int64     `json:"time"` // unix nanoseconds
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the timestamp source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Ledger assigns contiguous positions to event batches over a physical
// backend. Append is serialized; reads go straight to the backend.
type Ledger struct {
	mu      sync.Mutex
	backend physical.Backend
	last    uint64
	now     func() time.Time
}

// Open wraps a backend and loads the last written position.
func Open(ctx context.Context, backend physical.Backend, opts ...Option) (*Ledger, error) {
	last, err := backend.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("load last position: %w", err)
	}
	l := &Ledger{
		backend: backend,
		last:    last,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Append writes a batch of events atomically, assigning them the next
// contiguous positions. All events in the batch share one timestamp.
func (l *Ledger) Append(ctx context.Context, events ...Event) (*Receipt, error) {
	if len(events) == 0 {
		return nil, errors.New("empty batch")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.now().UnixNano()
	first := l.last + 1

	rows := make([]*physical.Row, len(events))
	for i, ev := range events {
		rec, err := NewRecord(first+uint64(i), t, ev)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("encode record: %w", err)
		}
		rows[i] = &physical.Row{Position: rec.Position, Data: data}
	}

	if err := l.backend.Append(ctx, rows); err != nil {
		return nil, fmt.Errorf("append batch: %w", err)
	}
	l.last = first + uint64(len(events)) - 1

	return &Receipt{
		ID:    uuid.New(),
		First: first,
		Last:  l.last,
		Time:  t,
	}, nil
}

// Get returns the record at pos.
func (l *Ledger) Get(ctx context.Context, pos uint64) (*Record, error) {
	row, err := l.backend.Get(ctx, pos)
	if err != nil {
		return nil, err
	}
	return decodeRow(row)
}

// Last returns the highest appended position, 0 when the ledger is empty.
func (l *Ledger) Last() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// Stream replays records in position order starting at from (positions are
// 1-based; from==0 starts at genesis), invoking fn for each. Stopping early
// is done by returning an error from fn.
func (l *Ledger) Stream(ctx context.Context, from uint64, fn func(*Record) error) error {
	if from == 0 {
		from = 1
	}
	for {
		rows, err := l.backend.Scan(ctx, from, streamBatchSize)
		if err != nil {
			return fmt.Errorf("scan from %d: %w", from, err)
		}
		if len(rows) == 0 {
			return nil
		}
		for _, row := range rows {
			rec, err := decodeRow(row)
			if err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		from = rows[len(rows)-1].Position + 1
	}
}

// PutState stores an entity state snapshot at a ledger position.
func (l *Ledger) PutState(ctx context.Context, key string, pos uint64, data []byte) error {
	return l.backend.PutState(ctx, &physical.StateRow{Key: key, Position: pos, Data: data})
}

// StateAt returns the newest snapshot for key at or before position at.
// at==0 means the newest snapshot overall.
func (l *Ledger) StateAt(ctx context.Context, key string, at uint64) ([]byte, uint64, error) {
	st, err := l.backend.GetState(ctx, key, at)
	if err != nil {
		return nil, 0, err
	}
	return st.Data, st.Position, nil
}

// Stats reports backend statistics.
func (l *Ledger) Stats(ctx context.Context) (*physical.Stats, error) {
	return l.backend.Stats(ctx)
}

// Close closes the underlying backend.
func (l *Ledger) Close() error {
	return l.backend.Close()
}

func decodeRow(row *physical.Row) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(row.Data, &rec); err != nil {
		return nil, fmt.Errorf("decode record at position %d: %w", row.Position, err)
	}
	if rec.Position != row.Position {
		return nil, fmt.Errorf("record position %d does not match row position %d", rec.Position, row.Position)
	}
	return &rec, nil
}
