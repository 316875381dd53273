// Package sqlite provides a SQLite-backed ledger backend.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"github.com/lodetrace/lode-node/internal/ledger/physical"
	"github.com/lodetrace/lode-node/internal/storage"
)

const (
	KeyPath        = "path"
	KeyJournalMode = "journal_mode"
	KeyBusyTimeout = "busy_timeout"
)

func init() {
	physical.Register("sqlite", NewFactory, Defaults)
}

// Defaults returns the default configuration for the SQLite backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:        "~/.lode/ledger.db",
		KeyJournalMode: "wal",
		KeyBusyTimeout: "5000",
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
    position  INTEGER PRIMARY KEY,
    data      BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS states (
    entity    TEXT NOT NULL,
    position  INTEGER NOT NULL,
    data      BLOB NOT NULL,
    PRIMARY KEY (entity, position)
);
`

// NewFactory creates a new SQLite backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (physical.Backend, error) {
	path := storage.GetString(config, KeyPath, "")
	if path == "" {
		return nil, storage.NewConfigError("sqlite", KeyPath, "cannot be empty")
	}
	path = storage.ExpandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, storage.NewConfigErrorWithCause("sqlite", KeyPath, "failed to create directory", err)
	}

	journalMode := storage.GetString(config, KeyJournalMode, "wal")
	busyTimeout := storage.GetString(config, KeyBusyTimeout, "5000")

	dsn := fmt.Sprintf("file:%s?_journal_mode=%s&_busy_timeout=%s&_foreign_keys=on",
		path, journalMode, busyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("sqlite", KeyPath, "failed to open database", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, storage.NewConfigErrorWithCause("sqlite", KeyPath, "failed to initialize schema", err)
	}

	slog.Info("sqlite ledger initialized", "path", path, "journal_mode", journalMode)
	return &Backend{db: db}, nil
}

// Backend is a SQLite implementation of physical.Backend.
type Backend struct {
	db     *sql.DB
	closed atomic.Bool
}

// Append stores a batch of rows in a single transaction.
func (b *Backend) Append(ctx context.Context, rows []*physical.Row) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite append: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, r := range rows {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE position = ?`, r.Position).Scan(&exists)
		if err != nil {
			return fmt.Errorf("sqlite append: check position: %w", err)
		}
		if exists > 0 {
			return physical.ErrPositionExists
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO events (position, data) VALUES (?, ?)`, r.Position, r.Data); err != nil {
			return fmt.Errorf("sqlite append: insert: %w", err)
		}
	}
	return tx.Commit()
}

// Get returns the row at pos.
func (b *Backend) Get(ctx context.Context, pos uint64) (*physical.Row, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	var data []byte
	err := b.db.QueryRowContext(ctx, `SELECT data FROM events WHERE position = ?`, pos).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, physical.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get: %w", err)
	}
	return &physical.Row{Position: pos, Data: data}, nil
}

// Last returns the highest written position, or 0 when empty.
func (b *Backend) Last(ctx context.Context) (uint64, error) {
	if b.closed.Load() {
		return 0, physical.ErrClosed
	}

	var last sql.NullInt64
	err := b.db.QueryRowContext(ctx, `SELECT MAX(position) FROM events`).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("sqlite last: %w", err)
	}
	if !last.Valid {
		return 0, nil
	}
	return uint64(last.Int64), nil
}

// Scan returns up to limit rows with position >= from, in order.
func (b *Backend) Scan(ctx context.Context, from uint64, limit int) ([]*physical.Row, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	query := `SELECT position, data FROM events WHERE position >= ? ORDER BY position`
	args := []any{from}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite scan: %w", err)
	}
	defer rows.Close()

	var out []*physical.Row
	for rows.Next() {
		var r physical.Row
		if err := rows.Scan(&r.Position, &r.Data); err != nil {
			return nil, fmt.Errorf("sqlite scan row: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// PutState stores an entity state snapshot.
func (b *Backend) PutState(ctx context.Context, st *physical.StateRow) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}

	_, err := b.db.ExecContext(ctx,
		`INSERT INTO states (entity, position, data) VALUES (?, ?, ?)
		 ON CONFLICT(entity, position) DO UPDATE SET data = excluded.data`,
		st.Key, st.Position, st.Data)
	if err != nil {
		return fmt.Errorf("sqlite put state: %w", err)
	}
	return nil
}

// GetState returns the newest snapshot for key with position <= at.
func (b *Backend) GetState(ctx context.Context, key string, at uint64) (*physical.StateRow, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	query := `SELECT position, data FROM states WHERE entity = ?`
	args := []any{key}
	if at > 0 {
		query += ` AND position <= ?`
		args = append(args, at)
	}
	query += ` ORDER BY position DESC LIMIT 1`

	st := physical.StateRow{Key: key}
	err := b.db.QueryRowContext(ctx, query, args...).Scan(&st.Position, &st.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, physical.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get state: %w", err)
	}
	return &st, nil
}

// Stats returns storage statistics.
func (b *Backend) Stats(ctx context.Context) (*physical.Stats, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	var count uint64
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
		return nil, fmt.Errorf("sqlite stats: %w", err)
	}
	return &physical.Stats{Rows: count, BackendType: "sqlite"}, nil
}

// Close closes the database.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}
