// Package physical provides the physical storage interface for the
// content-addressed metadata store.
package physical

import (
	"context"
	"errors"

	"github.com/lodetrace/lode-node/pkg/reference"
)

var (
	// ErrNotFound indicates the requested document was not found.
	ErrNotFound = errors.New("document not found")

	// ErrClosed indicates the backend has been closed.
	ErrClosed = errors.New("backend closed")
)

// Stats contains storage statistics.
type Stats struct {
	SizeBytes   int64
	BackendType string
}

// Backend stores opaque document bytes keyed by content address.
// All implementations must be thread-safe.
type Backend interface {
	Put(ctx context.Context, r reference.Reference, data []byte) error
	Get(ctx context.Context, r reference.Reference) ([]byte, error)
	Exists(ctx context.Context, r reference.Reference) (bool, error)
	Delete(ctx context.Context, r reference.Reference) error
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}
