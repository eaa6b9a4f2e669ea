// Package app は設定から各コンポーネントを組み立て、API とワーカーの両方に配線します。
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/yourusername/motion-forge/internal/config"
	"github.com/yourusername/motion-forge/internal/directory"
	"github.com/yourusername/motion-forge/internal/eligibility"
	"github.com/yourusername/motion-forge/internal/jobs"
	"github.com/yourusername/motion-forge/internal/metrics"
	"github.com/yourusername/motion-forge/internal/notify"
	"github.com/yourusername/motion-forge/internal/pipeline"
	"github.com/yourusername/motion-forge/internal/progress"
	"github.com/yourusername/motion-forge/internal/providers/audio"
	"github.com/yourusername/motion-forge/internal/providers/ffmpeg"
	"github.com/yourusername/motion-forge/internal/providers/moderation"
	"github.com/yourusername/motion-forge/internal/providers/synth"
	"github.com/yourusername/motion-forge/internal/storage"
)

// App はプロセス内で共有するコンポーネント一式です。
type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	Redis     *redis.Client
	DB        *pgxpool.Pool
	Directory *directory.Directory
	Store     *jobs.Store
	Queue     jobs.Queue
	Publisher *progress.RedisPublisher
	Artifacts storage.ArtifactStore
	Service   *jobs.Service

	closers []func() error
}

// New は Redis と PostgreSQL に接続し、受付側のコンポーネントを組み立てます。
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Registry = reg
	a.Metrics = metrics.New(reg)

	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	a.Redis = redis.NewClient(opt)
	a.closers = append(a.closers, a.Redis.Close)
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		a.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	pool, err := directory.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.DB = pool
	a.closers = append(a.closers, func() error { pool.Close(); return nil })
	a.Directory = directory.New(pool)

	a.Store = jobs.NewStore(a.Redis, cfg.JobRecordTTL)
	a.Publisher = progress.NewRedisPublisher(a.Redis, logger)

	queue, err := newQueue(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Queue = queue

	artifacts, err := a.newArtifactStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Artifacts = artifacts
	// ローカル保存のURLは期限を持たないので署名し直さない
	var signTTL time.Duration
	if cfg.StorageBackend == "gcs" {
		signTTL = cfg.SignedURLTTL
	}

	guard := eligibility.NewGuard(a.Directory, eligibility.NewRedisUsage(a.Redis), eligibility.LimitsFromConfig(cfg))
	a.Service = jobs.NewService(jobs.ServiceDeps{
		Store:          a.Store,
		Queue:          a.Queue,
		Guard:          guard,
		Policies:       jobs.PoliciesFromConfig(cfg),
		Publisher:      a.Publisher,
		Metrics:        a.Metrics,
		MaxInlineBytes: cfg.MaxInlineImageBytes,
		Artifacts:      a.Artifacts,
		SignedURLTTL:   signTTL,
		Logger:         logger,
	})
	return a, nil
}

func newQueue(cfg *config.Config, logger zerolog.Logger) (jobs.Queue, error) {
	if cfg.QueueBackend == "memory" {
		// 優先ジョブを連続で取り出せる上限を重みに合わせる
		return jobs.NewMemoryQueue(cfg.WorkerConcurrency, cfg.QueueWeightElevated, logger), nil
	}
	return jobs.NewAsynqQueue(jobs.AsynqConfig{
		RedisURL:       cfg.QueueRedisURL,
		Concurrency:    cfg.WorkerConcurrency,
		WeightElevated: cfg.QueueWeightElevated,
		WeightNormal:   cfg.QueueWeightNormal,
		Logger:         logger,
	})
}

// MetricsHandler は /metrics 用のハンドラーを返します。
func (a *App) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry})
}

// StaticDir はローカル保存時に API から配信するディレクトリを返します。
func (a *App) StaticDir() string {
	if a.Config.StorageBackend == "local" {
		return a.Config.StoragePath
	}
	return ""
}

// newArtifactStore は設定に応じた成果物の保存先を作成します。
func (a *App) newArtifactStore(ctx context.Context) (storage.ArtifactStore, error) {
	cfg := a.Config
	if cfg.StorageBackend == "gcs" {
		store, err := storage.NewGCSStore(ctx, storage.GCSConfig{
			Bucket:          cfg.GCSBucket,
			CredentialsFile: cfg.GCSCredentialsFile,
			SignedURLTTL:    cfg.SignedURLTTL,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	}
	return storage.NewLocalStore(cfg.StoragePath, cfg.StorageBaseURL)
}

// NewNotifier は完了通知の送信先を作成します。RABBIT_URL が無ければログに書くだけです。
func (a *App) NewNotifier() (notify.Notifier, error) {
	if a.Config.RabbitURL == "" {
		return notify.LogNotifier{Logger: a.Logger}, nil
	}
	n, err := notify.NewRabbitNotifier(a.Config.RabbitURL, a.Config.RabbitReadyQueue)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	a.closers = append(a.closers, n.Close)
	return n, nil
}

// NewWorker は生成パイプラインを組み立て、キューから呼ばれる Worker を返します。
func (a *App) NewWorker(ctx context.Context) (*jobs.Worker, error) {
	cfg := a.Config
	store := a.Artifacts
	notifier, err := a.NewNotifier()
	if err != nil {
		return nil, err
	}

	p, err := pipeline.New(pipeline.Deps{
		Store:     store,
		Synth:     synth.NewClient(cfg.SynthBaseURL, cfg.SynthAPIKey, nil),
		Moderator: moderation.NewClient(cfg.ModerationBaseURL, nil),
		Editor:    ffmpeg.New(cfg.FFmpegPath),
		Audio:     audio.NewLibrary(store),
		Recorder:  a.Store,
		Accounts:  a.Directory,
		Notifier:  notifier,
		Metrics:   a.Metrics,
		Logger:    a.Logger,
	}, pipeline.Config{
		Timeouts: pipeline.Timeouts{
			Acquire:     cfg.StageTimeoutAcquire,
			Moderate:    cfg.StageTimeoutModerate,
			Synthesize:  cfg.StageTimeoutSynthesize,
			PostProcess: cfg.StageTimeoutPostprocess,
			Upload:      cfg.StageTimeoutUpload,
		},
		WatermarkText: cfg.WatermarkText,
		WorkDir:       cfg.WorkDir,
	})
	if err != nil {
		return nil, err
	}
	return jobs.NewWorker(a.Store, p, a.Publisher, a.Metrics, cfg.JobMaxAge, a.Logger), nil
}

// NewReaper は期限切れジョブの掃除役を作成します。
func (a *App) NewReaper() *jobs.Reaper {
	return jobs.NewReaper(a.Store, a.Queue, a.Publisher, a.Metrics, a.Config.JobMaxAge, a.Config.ReaperInterval, a.Logger)
}

// Close は開いた接続を逆順に閉じます。
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
