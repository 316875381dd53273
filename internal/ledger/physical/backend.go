// Package physical provides the physical storage backend interface for the
// event ledger. Backends store opaque encoded records keyed by position,
// plus point-in-time entity state snapshots keyed by (entity key, position).
package physical

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates the requested row was not found.
	ErrNotFound = errors.New("row not found")

	// ErrClosed indicates the backend has been closed.
	ErrClosed = errors.New("backend closed")

	// ErrPositionExists indicates an append collided with an existing position.
	ErrPositionExists = errors.New("position already written")
)

// Row is one encoded ledger record.
type Row struct {
	Position uint64
	Data     []byte
}

// StateRow is one entity state snapshot.
type StateRow struct {
	Key      string
	Position uint64
	Data     []byte
}

// Stats contains storage statistics.
type Stats struct {
	Rows        uint64
	BackendType string
}

// Backend is the physical storage interface for the ledger.
// All implementations must be thread-safe. Append is atomic: either every
// row in the batch is durable or none is.
type Backend interface {
	Append(ctx context.Context, rows []*Row) error
	Get(ctx context.Context, pos uint64) (*Row, error)
	// Last returns the highest written position, or 0 when empty.
	Last(ctx context.Context) (uint64, error)
	// Scan returns up to limit rows with position >= from, in order.
	Scan(ctx context.Context, from uint64, limit int) ([]*Row, error)
	PutState(ctx context.Context, st *StateRow) error
	// GetState returns the newest snapshot for key with position <= at.
	// at == 0 means the newest snapshot overall.
	GetState(ctx context.Context, key string, at uint64) (*StateRow, error)
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}
