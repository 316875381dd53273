// Package fs provides a filesystem metastore backend. Documents live in a
// two-level sharded directory (ab/cdef…) and are written atomically via a
// temp file and rename.
package fs

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/lodetrace/lode-node/internal/metastore/physical"
	"github.com/lodetrace/lode-node/internal/storage"
	"github.com/lodetrace/lode-node/pkg/reference"
)

const (
	KeyPath            = "path"
	KeyDirPermissions  = "dir_permissions"
	KeyFilePermissions = "file_permissions"
)

func init() {
	physical.Register("fs", NewFactory, Defaults)
}

// Defaults returns the default configuration for the fs backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:            "~/.lode/meta",
		KeyDirPermissions:  "0700",
		KeyFilePermissions: "0600",
	}
}

// NewFactory creates a filesystem backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (physical.Backend, error) {
	path := storage.GetString(config, KeyPath, "")
	if path == "" {
		return nil, storage.NewConfigError("fs", KeyPath, "cannot be empty")
	}
	path = storage.ExpandPath(path)

	dirPerm, err := parseFileMode(config, KeyDirPermissions, 0o700)
	if err != nil {
		return nil, err
	}
	filePerm, err := parseFileMode(config, KeyFilePermissions, 0o600)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(path, dirPerm); err != nil {
		return nil, storage.NewConfigErrorWithCause("fs", KeyPath, "failed to create directory", err)
	}

	return &Backend{dir: path, dirPerm: dirPerm, filePerm: filePerm}, nil
}

func parseFileMode(config map[string]string, key string, def fs.FileMode) (fs.FileMode, error) {
	v := storage.GetString(config, key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 8, 32)
	if err != nil {
		return 0, storage.NewConfigErrorWithValue("fs", key, v, "must be an octal file mode (e.g., 0700)")
	}
	return fs.FileMode(n), nil
}

// Backend stores documents in sharded directories under dir.
type Backend struct {
	dir      string
	dirPerm  fs.FileMode
	filePerm fs.FileMode
	closed   atomic.Bool
}

func (b *Backend) path(r reference.Reference) string {
	hex := reference.Hex(r)
	return filepath.Join(b.dir, hex[:2], hex[2:])
}

func (b *Backend) Put(_ context.Context, r reference.Reference, data []byte) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}

	path := b.path(r)
	// Content-addressed: an existing file is already correct.
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), b.dirPerm); err != nil {
		return fmt.Errorf("fs: create shard dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, b.filePerm); err != nil {
		return fmt.Errorf("fs: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("fs: rename: %w", err)
	}
	return nil
}

func (b *Backend) Get(_ context.Context, r reference.Reference) ([]byte, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	data, err := os.ReadFile(b.path(r))
	if os.IsNotExist(err) {
		return nil, physical.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fs: read: %w", err)
	}
	return data, nil
}

func (b *Backend) Exists(_ context.Context, r reference.Reference) (bool, error) {
	if b.closed.Load() {
		return false, physical.ErrClosed
	}

	_, err := os.Stat(b.path(r))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fs: stat: %w", err)
	}
	return true, nil
}

func (b *Backend) Delete(_ context.Context, r reference.Reference) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}

	err := os.Remove(b.path(r))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("fs: remove: %w", err)
	}
	return nil
}

func (b *Backend) Stats(_ context.Context) (*physical.Stats, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	var size int64
	err := filepath.WalkDir(b.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fs: walk: %w", err)
	}
	return &physical.Stats{SizeBytes: size, BackendType: "fs"}, nil
}

func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}
