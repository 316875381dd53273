package node

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lodetrace/lode-node/internal/certs"
	"github.com/lodetrace/lode-node/internal/config"
	"github.com/lodetrace/lode-node/internal/engine"
	"github.com/lodetrace/lode-node/internal/indexer"
	"github.com/lodetrace/lode-node/internal/keyring"
	"github.com/lodetrace/lode-node/internal/market"
	"github.com/lodetrace/lode-node/internal/materials"
	lodenode "github.com/lodetrace/lode-node/internal/node"
	"github.com/lodetrace/lode-node/internal/observability"
	"github.com/lodetrace/lode-node/internal/roles"
	"github.com/lodetrace/lode-node/internal/server"
	"github.com/lodetrace/lode-node/pkg/identity"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newStartCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the lode node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, v)
		},
	}
	config.BindStartFlags(cmd, v)
	return cmd
}

func runStart(cmd *cobra.Command, v *viper.Viper) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	obs, err := observability.New(ctx, observability.ObsConfig{
		LogLevel:       cfg.Observability.LogLevel,
		LogFormat:      cfg.Observability.LogFormat,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		OTLPProtocol:   cfg.Observability.OTLPProtocol,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
	}, os.Stderr)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}

	obs.ServeMetrics(ctx, cfg.Observability.MetricsAddr)

	led, err := lodenode.NewLedger(ctx, &cfg.Storage.Ledger)
	if err != nil {
		return fmt.Errorf("init ledger: %w", err)
	}
	obs.Shutdown.Register("ledger", func(ctx context.Context) error {
		return led.Close()
	})

	meta, err := lodenode.NewMetaStore(ctx, &cfg.Storage.Meta, obs.Metrics)
	if err != nil {
		return fmt.Errorf("init metastore: %w", err)
	}
	obs.Shutdown.Register("metastore", func(ctx context.Context) error {
		return meta.Close()
	})

	slog.Info("storage initialized",
		"ledger_backend", cfg.Storage.Ledger.Backend,
		"meta_backend", cfg.Storage.Meta.Backend,
	)

	kr := keyring.New(cfg.DataDir)
	key, err := kr.LoadOrGenerate(ctx, "node")
	if err != nil {
		return fmt.Errorf("load node identity: %w", err)
	}
	// Only set the default if none is configured yet.
	if _, err := kr.LoadDefault(ctx); err != nil {
		_ = kr.SetDefault("node")
	}

	slog.Info("node identity", "address", key.Address)

	// The node key acts as the certificate authority unless one is
	// configured explicitly.
	authority := key.Address
	if cfg.Authority != "" {
		authority, err = identity.ParseAddress(cfg.Authority)
		if err != nil {
			return fmt.Errorf("parse authority address: %w", err)
		}
	}

	roleReg := roles.NewRegistry()
	certReg := certs.NewRegistry(authority)
	matReg := materials.NewRegistry(roleReg, certReg)
	mkt := market.New(matReg)

	eng := engine.New(led, roleReg, certReg, matReg, mkt, obs.Metrics)
	if err := eng.Boot(ctx); err != nil {
		return fmt.Errorf("replay ledger: %w", err)
	}

	idx := indexer.New(led, meta, indexer.WithProbeWindow(cfg.ProbeWindow))
	if err := idx.Sync(ctx); err != nil {
		return fmt.Errorf("build read views: %w", err)
	}

	srv, err := server.New(cfg.HTTP.Addr, eng, idx, meta)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	obs.Shutdown.Register("http-server", func(ctx context.Context) error {
		return srv.Shutdown(ctx)
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		slog.Info("shutdown signal received")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := obs.Close(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("serving",
		"addr", srv.Addr(),
		"authority", authority,
		"metrics", cfg.Observability.MetricsAddr,
	)
	return srv.Serve()
}
