// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/motion-forge/internal/app"
	"github.com/yourusername/motion-forge/internal/auth"
	"github.com/yourusername/motion-forge/internal/config"
	"github.com/yourusername/motion-forge/internal/httpapi"
	"github.com/yourusername/motion-forge/internal/logging"
	"github.com/yourusername/motion-forge/internal/progress"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New("release")
		fallback.Fatal().Err(err).Msg("failed to load config")
	}
	logger := logging.New(cfg.GinMode).With().Str("component", "api").Logger()

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize")
	}
	defer a.Close()

	handler := httpapi.NewHandler(
		a.Service,
		progress.NewHub(a.Publisher, httpapi.OriginAllowed(cfg.CORSAllowedOrigins), logger),
		cfg.MaxInlineImageBytes,
		logger,
	)
	router := httpapi.NewRouter(httpapi.RouterOptions{
		Handler:            handler,
		Auth:               auth.NewManager(cfg.JWTSecret),
		RateLimiter:        auth.NewRateLimiter(cfg.RateLimitPerMinute),
		Metrics:            a.MetricsHandler(),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		StaticDir:          a.StaticDir(),
		Logger:             logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Str("mode", cfg.GinMode).Msg("starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// memory バックエンドはプロセス内のキューなので、ワーカーも同じプロセスで動かす
	if cfg.QueueBackend == "memory" {
		worker, err := a.NewWorker(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize worker")
		}
		if err := a.Queue.Start(worker.ProcessJob); err != nil {
			logger.Fatal().Err(err).Msg("failed to start queue")
		}
		g.Go(func() error { return a.NewReaper().Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		logger.Info().Msg("shutting down API server")
		return errors.Join(srv.Shutdown(shutdownCtx), a.Queue.Stop(shutdownCtx))
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("api server stopped with error")
	}
}
