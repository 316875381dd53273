package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/lodetrace/lode-node/internal/ledger/physical"
)

func newTestBackend(t *testing.T) physical.Backend {
	t.Helper()
	b, err := NewFactory(context.Background(), map[string]string{
		KeyPath: filepath.Join(t.TempDir(), "ledger.db"),
	})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestAppendAndGet(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	rows := []*physical.Row{
		{Position: 1, Data: []byte(`{"kind":"a"}`)},
		{Position: 2, Data: []byte(`{"kind":"b"}`)},
		{Position: 3, Data: []byte(`{"kind":"c"}`)},
	}
	if err := b.Append(ctx, rows); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := b.Get(ctx, 2)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Data) != `{"kind":"b"}` {
		t.Errorf("Get(2) = %q", got.Data)
	}

	if _, err := b.Get(ctx, 99); !errors.Is(err, physical.ErrNotFound) {
		t.Errorf("Get(99) err = %v, want ErrNotFound", err)
	}
}

func TestLast(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	last, err := b.Last(ctx)
	if err != nil {
		t.Fatalf("Last: %v", err)
	}
	if last != 0 {
		t.Errorf("Last on empty = %d, want 0", last)
	}

	if err := b.Append(ctx, []*physical.Row{
		{Position: 1, Data: []byte("x")},
		{Position: 2, Data: []byte("y")},
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	last, err = b.Last(ctx)
	if err != nil {
		t.Fatalf("Last: %v", err)
	}
	if last != 2 {
		t.Errorf("Last = %d, want 2", last)
	}
}

func TestScan(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	for pos := uint64(1); pos <= 5; pos++ {
		if err := b.Append(ctx, []*physical.Row{{Position: pos, Data: []byte{byte(pos)}}}); err != nil {
			t.Fatalf("Append(%d): %v", pos, err)
		}
	}

	rows, err := b.Scan(ctx, 2, 3)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("Scan returned %d rows, want 3", len(rows))
	}
	for i, want := range []uint64{2, 3, 4} {
		if rows[i].Position != want {
			t.Errorf("rows[%d].Position = %d, want %d", i, rows[i].Position, want)
		}
	}

	rows, err = b.Scan(ctx, 4, 0)
	if err != nil {
		t.Fatalf("Scan unlimited: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("Scan(4, 0) returned %d rows, want 2", len(rows))
	}
}

func TestAppendCollisionRollsBack(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	if err := b.Append(ctx, []*physical.Row{{Position: 1, Data: []byte("a")}}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	err := b.Append(ctx, []*physical.Row{
		{Position: 2, Data: []byte("b")},
		{Position: 1, Data: []byte("dup")},
	})
	if !errors.Is(err, physical.ErrPositionExists) {
		t.Fatalf("Append collision err = %v, want ErrPositionExists", err)
	}

	// The whole batch must be rolled back, including the valid row.
	if _, err := b.Get(ctx, 2); !errors.Is(err, physical.ErrNotFound) {
		t.Errorf("Get(2) after failed batch err = %v, want ErrNotFound", err)
	}
}

func TestStateSnapshots(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	for _, st := range []*physical.StateRow{
		{Key: "material/3", Position: 5, Data: []byte("v5")},
		{Key: "material/3", Position: 12, Data: []byte("v12")},
		{Key: "material/30", Position: 8, Data: []byte("other")},
	} {
		if err := b.PutState(ctx, st); err != nil {
			t.Fatalf("PutState: %v", err)
		}
	}

	got, err := b.GetState(ctx, "material/3", 10)
	if err != nil {
		t.Fatalf("GetState at 10: %v", err)
	}
	if got.Position != 5 || string(got.Data) != "v5" {
		t.Errorf("GetState at 10 = pos %d data %q", got.Position, got.Data)
	}

	got, err = b.GetState(ctx, "material/3", 0)
	if err != nil {
		t.Fatalf("GetState newest: %v", err)
	}
	if got.Position != 12 {
		t.Errorf("GetState newest pos = %d, want 12", got.Position)
	}

	if _, err := b.GetState(ctx, "material/3", 4); !errors.Is(err, physical.ErrNotFound) {
		t.Errorf("GetState before first err = %v, want ErrNotFound", err)
	}
	if _, err := b.GetState(ctx, "material/9", 0); !errors.Is(err, physical.ErrNotFound) {
		t.Errorf("GetState unknown key err = %v, want ErrNotFound", err)
	}
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.db")
	ctx := context.Background()

	b, err := NewFactory(ctx, map[string]string{KeyPath: path})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	if err := b.Append(ctx, []*physical.Row{{Position: 1, Data: []byte("persist")}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err = NewFactory(ctx, map[string]string{KeyPath: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b.Close()

	got, err := b.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(got.Data) != "persist" {
		t.Errorf("Get after reopen = %q", got.Data)
	}
}

func TestClosedBackend(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("double Close: %v", err)
	}

	if err := b.Append(ctx, []*physical.Row{{Position: 1}}); !errors.Is(err, physical.ErrClosed) {
		t.Errorf("Append on closed err = %v, want ErrClosed", err)
	}
	if _, err := b.Last(ctx); !errors.Is(err, physical.ErrClosed) {
		t.Errorf("Last on closed err = %v, want ErrClosed", err)
	}
}
