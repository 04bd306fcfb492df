package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/alexjoedt/filevault"
	"github.com/alexjoedt/filevault/internal/config"
	"github.com/alexjoedt/filevault/internal/logging"
	"github.com/alexjoedt/filevault/metastore"
)

type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	vault    *filevault.Vault
	registry *prometheus.Registry
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := logging.New(cfg.Log.Production)

	opts := []filevault.OptionFunc{filevault.WithCompression(cfg.Storage.CompressionLevel)}
	if cfg.Storage.Sharded {
		opts = append(opts, filevault.WithShardFunc(filevault.HashShardFunc))
	}

	blobs, err := filevault.NewBlobStore(cfg.Storage.Dir, opts...)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	meta, err := metastore.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	registry := prometheus.NewRegistry()
	stats := filevault.NewCollector()
	registry.MustRegister(
		stats,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	v := filevault.New(blobs, meta,
		filevault.WithLogger(logger.Named("vault")),
		filevault.WithCollector(stats),
	)

	logger.Info("vault opened",
		zap.String("storage_dir", blobs.Root()),
		zap.String("database_driver", cfg.Database.Driver),
		zap.Int("compression_level", cfg.Storage.CompressionLevel),
	)

	return &app{cfg: cfg, logger: logger, vault: v, registry: registry}, nil
}

func (a *app) Close() error {
	err := a.vault.Close()
	// Sync fails on a console stdout; nothing to flush there.
	_ = a.logger.Sync()
	return err
}

func (a *app) sweep(ctx context.Context, opts filevault.SweepOptions) (*filevault.SweepReport, error) {
	report, err := a.vault.Sweep(ctx, opts)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		a.logger.Error("sweep failed", zap.Error(err))
		return nil, err
	}
	return report, nil
}
