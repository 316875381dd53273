// Package node provides initialization helpers for the lode node.
package node

import (
	"context"
	"fmt"

	"github.com/lodetrace/lode-node/internal/config"
	"github.com/lodetrace/lode-node/internal/ledger"
	ledgerphysical "github.com/lodetrace/lode-node/internal/ledger/physical"
	"github.com/lodetrace/lode-node/internal/metastore"
	metaphysical "github.com/lodetrace/lode-node/internal/metastore/physical"
	"github.com/lodetrace/lode-node/internal/observability"

	// Register ledger backends
	_ "github.com/lodetrace/lode-node/internal/ledger/physical/badger"
	_ "github.com/lodetrace/lode-node/internal/ledger/physical/redis"
	_ "github.com/lodetrace/lode-node/internal/ledger/physical/sqlite"

	// Register metastore backends
	_ "github.com/lodetrace/lode-node/internal/metastore/physical/fs"
	_ "github.com/lodetrace/lode-node/internal/metastore/physical/s3"
)

// NewLedger opens the event ledger on the configured physical backend.
func NewLedger(ctx context.Context, cfg *config.BackendConfig) (*ledger.Ledger, error) {
	backend, err := ledgerphysical.New(ctx, cfg.Backend, cfg.Config)
	if err != nil {
		return nil, fmt.Errorf("create ledger backend: %w", err)
	}
	led, err := ledger.Open(ctx, backend)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return led, nil
}

// NewMetaStore creates the metadata document store from configuration.
func NewMetaStore(ctx context.Context, cfg *config.BackendConfig, metrics *observability.Metrics) (*metastore.Store, error) {
	backend, err := metaphysical.New(ctx, cfg.Backend, cfg.Config)
	if err != nil {
		return nil, fmt.Errorf("create metastore backend: %w", err)
	}
	return metastore.New(backend, metrics), nil
}
