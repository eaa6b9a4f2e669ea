// Package main は動画生成ワーカーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yourusername/motion-forge/internal/app"
	"github.com/yourusername/motion-forge/internal/config"
	"github.com/yourusername/motion-forge/internal/directory"
	"github.com/yourusername/motion-forge/internal/logging"
)

func main() {
	migrate := flag.Bool("migrate", false, "apply the database schema before starting")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New("release")
		fallback.Fatal().Err(err).Msg("failed to load config")
	}
	logger := logging.New(cfg.GinMode).With().Str("component", "worker").Logger()
	if cfg.QueueBackend != "asynq" {
		logger.Fatal().Str("backend", cfg.QueueBackend).Msg("standalone worker requires QUEUE_BACKEND=asynq")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize")
	}
	defer a.Close()

	if *migrate {
		if err := directory.Migrate(ctx, a.DB); err != nil {
			logger.Fatal().Err(err).Msg("failed to apply schema")
		}
		logger.Info().Msg("schema applied")
	}

	worker, err := a.NewWorker(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize worker")
	}
	if err := a.Queue.Start(worker.ProcessJob); err != nil {
		logger.Fatal().Err(err).Msg("failed to start queue")
	}
	logger.Info().Int("concurrency", cfg.WorkerConcurrency).Msg("worker started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.NewReaper().Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		logger.Info().Msg("shutting down worker")
		return a.Queue.Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped with error")
	}
}
