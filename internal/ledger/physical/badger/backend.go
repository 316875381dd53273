// Package badger provides a BadgerDB-backed ledger backend.
package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/lodetrace/lode-node/internal/ledger/physical"
	"github.com/lodetrace/lode-node/internal/storage"
)

const (
	KeyPath           = "path"
	KeySyncWrites     = "sync_writes"
	KeyInMemory       = "in_memory"
	KeyValueLogSizeMB = "value_log_file_size"
	KeyMemTableSizeMB = "mem_table_size"
)

var (
	eventPrefix = []byte("e/")
	statePrefix = []byte("s/")
)

func init() {
	physical.Register("badger", NewFactory, Defaults)
}

// Defaults returns the default configuration for the Badger backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:           "~/.lode/ledger",
		KeySyncWrites:     "true",
		KeyInMemory:       "false",
		KeyValueLogSizeMB: "256",
		KeyMemTableSizeMB: "64",
	}
}

// NewFactory creates a new Badger backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (physical.Backend, error) {
	path := storage.GetString(config, KeyPath, "")
	inMemory, err := storage.GetBool(config, KeyInMemory, false)
	if err != nil {
		return nil, err
	}
	if path == "" && !inMemory {
		return nil, storage.NewConfigError("badger", KeyPath, "required (unless in_memory=true)")
	}
	if path != "" {
		path = storage.ExpandPath(path)
	}

	syncWrites, err := storage.GetBool(config, KeySyncWrites, true)
	if err != nil {
		return nil, err
	}
	vlogSize, err := storage.GetInt64(config, KeyValueLogSizeMB, 256)
	if err != nil {
		return nil, err
	}
	memTableSize, err := storage.GetInt64(config, KeyMemTableSizeMB, 64)
	if err != nil {
		return nil, err
	}

	opts := badgerdb.DefaultOptions(path)
	opts.SyncWrites = syncWrites
	opts.ValueLogFileSize = vlogSize * 1024 * 1024
	opts.MemTableSize = memTableSize * 1024 * 1024
	opts.Logger = nil
	if inMemory {
		opts = opts.WithInMemory(true)
	}

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open: %w", err)
	}
	return &Backend{db: db}, nil
}

// Backend is a Badger implementation of physical.Backend.
type Backend struct {
	db     *badgerdb.DB
	closed atomic.Bool
}

func eventKey(pos uint64) []byte {
	key := make([]byte, len(eventPrefix)+8)
	copy(key, eventPrefix)
	binary.BigEndian.PutUint64(key[len(eventPrefix):], pos)
	return key
}

// stateKey is "s/<entity key>\x00<position>". The NUL separator keeps entity
// keys containing '/' unambiguous.
func stateKey(entity string, pos uint64) []byte {
	key := make([]byte, 0, len(statePrefix)+len(entity)+9)
	key = append(key, statePrefix...)
	key = append(key, entity...)
	key = append(key, 0)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], pos)
	return append(key, buf[:]...)
}

// Append stores a batch of rows in a single transaction.
func (b *Backend) Append(_ context.Context, rows []*physical.Row) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}

	return b.db.Update(func(txn *badgerdb.Txn) error {
		for _, r := range rows {
			key := eventKey(r.Position)
			if _, err := txn.Get(key); err == nil {
				return physical.ErrPositionExists
			} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
				return fmt.Errorf("badger append: check position: %w", err)
			}
			if err := txn.Set(key, r.Data); err != nil {
				return fmt.Errorf("badger append: %w", err)
			}
		}
		return nil
	})
}

// Get returns the row at pos.
func (b *Backend) Get(_ context.Context, pos uint64) (*physical.Row, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	var row *physical.Row
	err := b.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(eventKey(pos))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return physical.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("badger get: %w", err)
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("badger get value: %w", err)
		}
		row = &physical.Row{Position: pos, Data: data}
		return nil
	})
	return row, err
}

// Last returns the highest written position, or 0 when empty.
func (b *Backend) Last(_ context.Context) (uint64, error) {
	if b.closed.Load() {
		return 0, physical.ErrClosed
	}

	var last uint64
	err := b.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek to the end of the event keyspace; "e0" sorts after every
		// "e/<pos>" key.
		it.Seek([]byte("e0"))
		if !it.ValidForPrefix(eventPrefix) {
			return nil
		}
		key := it.Item().Key()
		last = binary.BigEndian.Uint64(key[len(eventPrefix):])
		return nil
	})
	return last, err
}

// Scan returns up to limit rows with position >= from, in order.
func (b *Backend) Scan(_ context.Context, from uint64, limit int) ([]*physical.Row, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	var rows []*physical.Row
	err := b.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(eventKey(from)); it.ValidForPrefix(eventPrefix); it.Next() {
			if limit > 0 && len(rows) >= limit {
				break
			}
			item := it.Item()
			pos := binary.BigEndian.Uint64(item.Key()[len(eventPrefix):])
			data, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("badger scan value: %w", err)
			}
			rows = append(rows, &physical.Row{Position: pos, Data: data})
		}
		return nil
	})
	return rows, err
}

// PutState stores an entity state snapshot.
func (b *Backend) PutState(_ context.Context, st *physical.StateRow) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}

	return b.db.Update(func(txn *badgerdb.Txn) error {
		if err := txn.Set(stateKey(st.Key, st.Position), st.Data); err != nil {
			return fmt.Errorf("badger put state: %w", err)
		}
		return nil
	})
}

// GetState returns the newest snapshot for key with position <= at.
func (b *Backend) GetState(_ context.Context, key string, at uint64) (*physical.StateRow, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	if at == 0 {
		at = ^uint64(0)
	}

	prefix := make([]byte, 0, len(statePrefix)+len(key)+1)
	prefix = append(prefix, statePrefix...)
	prefix = append(prefix, key...)
	prefix = append(prefix, 0)

	var st *physical.StateRow
	err := b.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(stateKey(key, at))
		if !it.Valid() || !bytes.HasPrefix(it.Item().Key(), prefix) {
			return physical.ErrNotFound
		}
		item := it.Item()
		pos := binary.BigEndian.Uint64(item.Key()[len(prefix):])
		data, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("badger get state value: %w", err)
		}
		st = &physical.StateRow{Key: key, Position: pos, Data: data}
		return nil
	})
	return st, err
}

// Stats returns storage statistics.
func (b *Backend) Stats(_ context.Context) (*physical.Stats, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	var count uint64
	err := b.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(eventPrefix); it.ValidForPrefix(eventPrefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &physical.Stats{Rows: count, BackendType: "badger"}, nil
}

// Close closes the underlying database.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}
