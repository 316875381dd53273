// Package redis provides a Redis-backed ledger backend.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lodetrace/lode-node/internal/ledger/physical"
	"github.com/lodetrace/lode-node/internal/storage"
)

const (
	KeyAddr         = "addr"
	KeyPassword     = "password"
	KeyDB           = "db"
	KeyMaxRetries   = "max_retries"
	KeyDialTimeout  = "dial_timeout"
	KeyReadTimeout  = "read_timeout"
	KeyWriteTimeout = "write_timeout"
	KeyPoolSize     = "pool_size"
	KeyKeyPrefix    = "key_prefix"

	scanBatchSize = 500
)

func init() {
	physical.Register("redis", NewFactory, Defaults)
}

// Defaults returns the default configuration for the Redis backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyAddr:         "localhost:6379",
		KeyPassword:     "",
		KeyDB:           "1",
		KeyMaxRetries:   "3",
		KeyDialTimeout:  "5s",
		KeyReadTimeout:  "3s",
		KeyWriteTimeout: "3s",
		KeyPoolSize:     "0",
		KeyKeyPrefix:    "lode:",
	}
}

// NewFactory creates a new Redis backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (physical.Backend, error) {
	addr := storage.GetString(config, KeyAddr, "")
	if addr == "" {
		return nil, storage.NewConfigError("redis", KeyAddr, "cannot be empty")
	}

	db, err := storage.GetInt(config, KeyDB, 1)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("redis", KeyDB, config[KeyDB], err.Error())
	}
	if db < 0 {
		return nil, storage.NewConfigErrorWithValue("redis", KeyDB, config[KeyDB], "must be non-negative")
	}

	maxRetries, err := storage.GetInt(config, KeyMaxRetries, 3)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("redis", KeyMaxRetries, config[KeyMaxRetries], err.Error())
	}

	dialTimeout, err := storage.GetDuration(config, KeyDialTimeout, 5*time.Second)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("redis", KeyDialTimeout, config[KeyDialTimeout], err.Error())
	}

	readTimeout, err := storage.GetDuration(config, KeyReadTimeout, 3*time.Second)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("redis", KeyReadTimeout, config[KeyReadTimeout], err.Error())
	}

	writeTimeout, err := storage.GetDuration(config, KeyWriteTimeout, 3*time.Second)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("redis", KeyWriteTimeout, config[KeyWriteTimeout], err.Error())
	}

	poolSize, err := storage.GetInt(config, KeyPoolSize, 0)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("redis", KeyPoolSize, config[KeyPoolSize], err.Error())
	}

	password := storage.GetString(config, KeyPassword, "")
	keyPrefix := storage.GetString(config, KeyKeyPrefix, "lode:")

	opts := &redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MaxRetries:   maxRetries,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, storage.NewConfigErrorWithCause("redis", KeyAddr, "failed to connect", err)
	}

	slog.Info("redis ledger initialized", "addr", addr, "db", db, "key_prefix", keyPrefix)

	return &Backend{
		client: client,
		prefix: keyPrefix,
	}, nil
}

// Backend is a Redis implementation of physical.Backend.
type Backend struct {
	client *redis.Client
	prefix string
	closed atomic.Bool
}

// NewWithClient creates a new backend with an existing Redis client.
func NewWithClient(client *redis.Client, prefix string) *Backend {
	if prefix == "" {
		prefix = "lode:"
	}
	return &Backend{
		client: client,
		prefix: prefix,
	}
}

// Append stores a batch of rows. Existing positions are checked through a
// read pipeline first, then all writes go through a single transaction
// pipeline.
func (b *Backend) Append(ctx context.Context, rows []*physical.Row) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}

	getPipe := b.client.Pipeline()
	existsCmds := make([]*redis.IntCmd, len(rows))
	for i, r := range rows {
		existsCmds[i] = getPipe.Exists(ctx, b.eventKey(r.Position))
	}
	if _, err := getPipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis append: check positions: %w", err)
	}
	for _, cmd := range existsCmds {
		if cmd.Val() > 0 {
			return physical.ErrPositionExists
		}
	}

	pipe := b.client.TxPipeline()
	var last uint64
	for _, r := range rows {
		pipe.Set(ctx, b.eventKey(r.Position), r.Data, 0)
		if r.Position > last {
			last = r.Position
		}
	}
	pipe.Set(ctx, b.lastKey(), last, 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis append: %w", err)
	}
	return nil
}

// Get returns the row at pos.
func (b *Backend) Get(ctx context.Context, pos uint64) (*physical.Row, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	data, err := b.client.Get(ctx, b.eventKey(pos)).Bytes()
	if err == redis.Nil {
		return nil, physical.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return &physical.Row{Position: pos, Data: data}, nil
}

// Last returns the highest written position, or 0 when empty.
func (b *Backend) Last(ctx context.Context) (uint64, error) {
	if b.closed.Load() {
		return 0, physical.ErrClosed
	}

	v, err := b.client.Get(ctx, b.lastKey()).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis last: %w", err)
	}
	last, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis last: parse %q: %w", v, err)
	}
	return last, nil
}

// Scan returns up to limit rows with position >= from. Positions are
// contiguous, so rows are fetched with pipelined GETs by position.
func (b *Backend) Scan(ctx context.Context, from uint64, limit int) ([]*physical.Row, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	last, err := b.Last(ctx)
	if err != nil {
		return nil, err
	}
	if from == 0 {
		from = 1
	}
	if from > last {
		return nil, nil
	}

	end := last
	if limit > 0 && from+uint64(limit)-1 < end {
		end = from + uint64(limit) - 1
	}

	var out []*physical.Row
	for batchStart := from; batchStart <= end; batchStart += scanBatchSize {
		batchEnd := batchStart + scanBatchSize - 1
		if batchEnd > end {
			batchEnd = end
		}

		pipe := b.client.Pipeline()
		cmds := make([]*redis.StringCmd, 0, batchEnd-batchStart+1)
		for pos := batchStart; pos <= batchEnd; pos++ {
			cmds = append(cmds, pipe.Get(ctx, b.eventKey(pos)))
		}
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}

		for i, cmd := range cmds {
			data, err := cmd.Bytes()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("redis scan get: %w", err)
			}
			out = append(out, &physical.Row{Position: batchStart + uint64(i), Data: data})
		}
	}
	return out, nil
}

// PutState stores an entity state snapshot. The snapshot data lives at a
// position-qualified key, with a per-entity sorted set scored by position
// serving point-in-time lookups.
func (b *Backend) PutState(ctx context.Context, st *physical.StateRow) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}

	member := strconv.FormatUint(st.Position, 10)

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.stateDataKey(st.Key, st.Position), st.Data, 0)
	pipe.ZAdd(ctx, b.stateIndexKey(st.Key), redis.Z{
		Score:  float64(st.Position),
		Member: member,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put state: %w", err)
	}
	return nil
}

// GetState returns the newest snapshot for key with position <= at.
func (b *Backend) GetState(ctx context.Context, key string, at uint64) (*physical.StateRow, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	maxScore := "+inf"
	if at > 0 {
		maxScore = strconv.FormatUint(at, 10)
	}

	members, err := b.client.ZRevRangeByScore(ctx, b.stateIndexKey(key), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   maxScore,
		Count: 1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get state: %w", err)
	}
	if len(members) == 0 {
		return nil, physical.ErrNotFound
	}

	pos, err := strconv.ParseUint(members[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis get state: parse position %q: %w", members[0], err)
	}

	data, err := b.client.Get(ctx, b.stateDataKey(key, pos)).Bytes()
	if err == redis.Nil {
		return nil, physical.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get state data: %w", err)
	}

	return &physical.StateRow{Key: key, Position: pos, Data: data}, nil
}

// Stats returns storage statistics. Positions are contiguous, so the last
// position doubles as the row count.
func (b *Backend) Stats(ctx context.Context) (*physical.Stats, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	last, err := b.Last(ctx)
	if err != nil {
		return nil, err
	}
	return &physical.Stats{Rows: last, BackendType: "redis"}, nil
}

// Close closes the client.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.client.Close()
}

func (b *Backend) eventKey(pos uint64) string { return b.prefix + "event:" + strconv.FormatUint(pos, 10) }
func (b *Backend) lastKey() string            { return b.prefix + "last" }
func (b *Backend) stateIndexKey(key string) string {
	return b.prefix + "state_idx:" + key
}
func (b *Backend) stateDataKey(key string, pos uint64) string {
	return b.prefix + "state:" + key + ":" + strconv.FormatUint(pos, 10)
}
