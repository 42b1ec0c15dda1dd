package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mdobak/go-xerrors"

	"solararchive/internal/acquire"
	"solararchive/internal/archive"
	"solararchive/internal/cache"
	"solararchive/internal/calibrate"
	"solararchive/internal/cli"
	"solararchive/internal/config"
	"solararchive/internal/events"
	"solararchive/internal/fusion"
	"solararchive/internal/logging"
	"solararchive/internal/pipeline"
	"solararchive/internal/preview"
	"solararchive/internal/server"
	"solararchive/internal/storage"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, acquire.ErrNotFound) {
			fmt.Fprintln(os.Stderr, err)
			stop()
			os.Exit(2)
		}
		slog.Default().ErrorContext(ctx, "solararchive failed", slog.Any("error", xerrors.New(err)))
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfgPath, err := config.Path()
	if err != nil {
		return err
	}
	cfg, err := config.LoadFile(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.Setup(cfg)
	if err != nil {
		return err
	}

	for _, dir := range []string{filepath.Dir(cfg.Paths.DatabasePath), cfg.Cache.Dir, cfg.Paths.DownloadDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	store, err := storage.Open(cfg.Paths.DatabaseDriver, cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	composites, disk, err := cache.Open(cfg.Cache.Dir, cfg.Cache.MemoryEntries, cfg.Cache.MaxAge(), store, logger)
	if err != nil {
		return err
	}
	if cfg.Cache.Watch {
		go func() {
			if err := cache.Watch(ctx, disk, composites, logger); err != nil {
				logger.Warn("cache watch disabled", "error", err)
			}
		}()
	}

	client := archive.New(cfg.Archive, cfg.Sources, logger)
	calibrator := calibrate.New(cfg.Calibration, logger)

	bus := events.NewBus(logger)
	kafka := events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic, logger)
	defer kafka.Close()
	publishers := events.Multi{bus}
	if kafka != nil {
		publishers = append(publishers, kafka)
	}

	orchestrator, err := acquire.New(cfg, acquire.Deps{
		Archive:    client,
		Calibrator: calibrator,
		Cache:      composites,
		Store:      store,
		Events:     publishers,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	fusionOpts := fusion.Options{
		MinExposure: cfg.Fusion.MinExposure,
		SNR:         cfg.Fusion.SNRDiagnostic,
		SNRPatch:    cfg.Fusion.SNRPatch,
		Logger:      logger,
	}
	router := pipeline.NewRouter(pipeline.RouterConfig{
		Acquirer:   orchestrator,
		Calibrator: calibrator,
		Fusion:     fusionOpts,
		Preview:    preview.Export,
		PreviewDir: cfg.Paths.PreviewDir,
		Logger:     logger,
	})
	pipe := pipeline.New(ctx, cfg.Server.Workers, logger, store, router)
	defer pipe.Stop()

	root := cli.NewRoot(cli.Deps{
		Pipeline:   pipe,
		Config:     cfg,
		ConfigPath: cfgPath,
		Logger:     logger,
		Store:      store,
		Cache:      composites,
		Serve: func(ctx context.Context, addr, grpcAddr string) error {
			return server.Serve(ctx, server.Options{
				Addr:     addr,
				GRPCAddr: grpcAddr,
				Store:    store,
				Pipeline: pipe,
				Cache:    composites,
				Events:   bus,
				Sources:  client,
				Logger:   logger,
			})
		},
	})
	return cli.Execute(ctx, root, args)
}
