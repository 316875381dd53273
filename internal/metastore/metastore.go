// Package metastore provides content-addressed storage for material and
// certificate metadata documents. Documents are keyed by the SHA-256 of
// their bytes and verified on every read.
package metastore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lodetrace/lode-node/internal/metastore/physical"
	"github.com/lodetrace/lode-node/internal/observability"
	"github.com/lodetrace/lode-node/pkg/reference"
)

var (
	// ErrNotFound indicates the requested document was not found.
	ErrNotFound = errors.New("document not found")

	// ErrIntegrityMismatch indicates stored bytes do not match their
	// content address.
	ErrIntegrityMismatch = errors.New("document integrity mismatch")
)

// Store provides content-addressed document storage over a physical
// backend.
type Store struct {
	backend physical.Backend
	metrics *observability.Metrics
}

// New creates a Store with the given backend.
func New(backend physical.Backend, metrics *observability.Metrics) *Store {
	return &Store{backend: backend, metrics: metrics}
}

// Put computes the content address of data and stores it.
func (s *Store) Put(ctx context.Context, data []byte) (r reference.Reference, err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "metastore.put")
	defer func() { op.End(err) }()

	r = reference.Compute(data)
	if err = s.backend.Put(ctx, r, data); err != nil {
		return reference.Reference{}, fmt.Errorf("store document: %w", err)
	}

	slog.DebugContext(ctx, "document stored", "ref", reference.Hex(r), "size_bytes", len(data))
	return r, nil
}

// Get retrieves a document by content address, verifying integrity.
func (s *Store) Get(ctx context.Context, r reference.Reference) (data []byte, err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "metastore.get")
	defer func() { op.End(err) }()

	data, err = s.backend.Get(ctx, r)
	if errors.Is(err, physical.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch document: %w", err)
	}

	computed := reference.Compute(data)
	if !reference.Equal(computed, r) {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrIntegrityMismatch, reference.Hex(r), reference.Hex(computed))
	}
	return data, nil
}

// Exists checks whether a document is stored.
func (s *Store) Exists(ctx context.Context, r reference.Reference) (bool, error) {
	exists, err := s.backend.Exists(ctx, r)
	if err != nil {
		return false, fmt.Errorf("check document exists: %w", err)
	}
	return exists, nil
}

// Stats returns storage statistics.
func (s *Store) Stats(ctx context.Context) (*physical.Stats, error) {
	return s.backend.Stats(ctx)
}

// Close releases the underlying backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
