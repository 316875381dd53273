package metastore

import (
	"context"
	"errors"
	"testing"

	"github.com/lodetrace/lode-node/internal/metastore/physical"
	"github.com/lodetrace/lode-node/internal/observability"
	"github.com/lodetrace/lode-node/pkg/reference"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	backend, err := physical.New(context.Background(), "memory", nil)
	if err != nil {
		t.Fatalf("physical.New: %v", err)
	}
	s := New(backend, observability.NewMetrics())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := &MaterialDocument{
		Name:         "oak beam",
		SupplierName: "Nordic Timber",
		BatchNumber:  "B-2024-091",
		Count:        12,
		Weight:       48.5,
		MeasureUnit:  "kg",
		Dimensions:   Dimensions{Length: 2.4, Width: 0.1, Height: 0.1},
	}
	data, err := doc.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	ref, err := s.Put(ctx, data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ref != reference.Compute(data) {
		t.Error("Put returned wrong content address")
	}

	got, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	decoded, err := DecodeMaterialDocument(got)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Name != "oak beam" || decoded.BatchNumber != "B-2024-091" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get(context.Background(), reference.Compute([]byte("absent"))); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get err = %v, want ErrNotFound", err)
	}
}

func TestIntegrityCheck(t *testing.T) {
	backend := physical.NewMemory()
	s := New(backend, observability.NewMetrics())
	ctx := context.Background()

	// Plant corrupt bytes under a mismatched address.
	ref := reference.Compute([]byte("original"))
	if err := backend.Put(ctx, ref, []byte("tampered")); err != nil {
		t.Fatalf("backend.Put: %v", err)
	}

	if _, err := s.Get(ctx, ref); !errors.Is(err, ErrIntegrityMismatch) {
		t.Errorf("Get err = %v, want ErrIntegrityMismatch", err)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	data := []byte(`{"name":"steel plate"}`)
	ref1, err := s.Put(ctx, data)
	if err != nil {
		t.Fatalf("first Put: %v", err)
	}
	ref2, err := s.Put(ctx, data)
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if ref1 != ref2 {
		t.Errorf("content addresses differ: %s vs %s", reference.Hex(ref1), reference.Hex(ref2))
	}

	exists, err := s.Exists(ctx, ref1)
	if err != nil || !exists {
		t.Errorf("Exists = %v, %v", exists, err)
	}
}

func TestDocumentValidate(t *testing.T) {
	if err := (&MaterialDocument{}).Validate(); err == nil {
		t.Error("empty document validated")
	}
	if err := (&MaterialDocument{Name: "bolt"}).Validate(); err != nil {
		t.Errorf("named document rejected: %v", err)
	}
}
