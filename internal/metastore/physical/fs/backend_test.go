package fs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/lodetrace/lode-node/internal/metastore/physical"
	"github.com/lodetrace/lode-node/pkg/reference"
)

func newTestBackend(t *testing.T) physical.Backend {
	t.Helper()
	b, err := NewFactory(context.Background(), map[string]string{
		KeyPath: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestPutGet(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	data := []byte(`{"name":"copper pipe"}`)
	ref := reference.Compute(data)

	if err := b.Put(ctx, ref, data); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := b.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("Get = %q", got)
	}

	if _, err := b.Get(ctx, reference.Compute([]byte("absent"))); !errors.Is(err, physical.ErrNotFound) {
		t.Errorf("Get absent err = %v, want ErrNotFound", err)
	}
}

func TestShardedLayout(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFactory(context.Background(), map[string]string{KeyPath: dir})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	defer b.Close()

	data := []byte("sharded")
	ref := reference.Compute(data)
	if err := b.Put(context.Background(), ref, data); err != nil {
		t.Fatalf("Put: %v", err)
	}

	hex := reference.Hex(ref)
	if _, err := os.Stat(filepath.Join(dir, hex[:2], hex[2:])); err != nil {
		t.Errorf("document not at sharded path: %v", err)
	}
}

func TestExistsAndDelete(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	data := []byte("ephemeral")
	ref := reference.Compute(data)

	exists, err := b.Exists(ctx, ref)
	if err != nil || exists {
		t.Fatalf("Exists before Put = %v, %v", exists, err)
	}

	if err := b.Put(ctx, ref, data); err != nil {
		t.Fatalf("Put: %v", err)
	}
	exists, err = b.Exists(ctx, ref)
	if err != nil || !exists {
		t.Fatalf("Exists after Put = %v, %v", exists, err)
	}

	if err := b.Delete(ctx, ref); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	// Deleting again is a no-op.
	if err := b.Delete(ctx, ref); err != nil {
		t.Fatalf("double Delete: %v", err)
	}
	exists, _ = b.Exists(ctx, ref)
	if exists {
		t.Error("Exists after Delete = true")
	}
}

func TestNoTempFilesLeftBehind(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFactory(context.Background(), map[string]string{KeyPath: dir})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	defer b.Close()

	data := []byte("atomic write")
	if err := b.Put(context.Background(), reference.Compute(data), data); err != nil {
		t.Fatalf("Put: %v", err)
	}

	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if filepath.Ext(path) == ".tmp" {
			t.Errorf("temp file left behind: %s", path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
}

func TestClosed(t *testing.T) {
	b := newTestBackend(t)
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Put(context.Background(), reference.Reference{}, nil); !errors.Is(err, physical.ErrClosed) {
		t.Errorf("Put on closed err = %v, want ErrClosed", err)
	}
}
