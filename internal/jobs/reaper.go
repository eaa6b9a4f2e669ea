package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/motion-forge/internal/metrics"
	"github.com/yourusername/motion-forge/internal/progress"
	"github.com/yourusername/motion-forge/internal/video"
)

const reaperBatch = 100

// Reaper は上限時間を超えて終端に達していないジョブを定期的に失敗させます。
type Reaper struct {
	store    *Store
	queue    Queue
	pub      progress.Publisher
	metrics  *metrics.Metrics
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// NewReaper は Reaper を作成します。
func NewReaper(store *Store, queue Queue, pub progress.Publisher, m *metrics.Metrics, maxAge, interval time.Duration, logger zerolog.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{
		store:    store,
		queue:    queue,
		pub:      pub,
		metrics:  m,
		maxAge:   maxAge,
		interval: interval,
		now:      time.Now,
		logger:   logger.With().Str("component", "reaper").Logger(),
	}
}

// Run は ctx が終わるまで定期的に Sweep を呼びます。
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := r.Sweep(ctx); err != nil {
				r.logger.Error().Err(err).Msg("sweep failed")
			} else if n > 0 {
				r.logger.Info().Int("reaped", n).Msg("force-failed stale jobs")
			}
		}
	}
}

// Sweep は1回分の掃除を行い、失敗させたジョブ数を返します。
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	if r.maxAge <= 0 {
		return 0, nil
	}
	ids, err := r.store.ListStale(ctx, r.now().Add(-r.maxAge), reaperBatch)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, id := range ids {
		rec, err := r.store.Get(ctx, id)
		if errors.Is(err, video.ErrNotFound) {
			_ = r.store.Forget(ctx, id)
			continue
		}
		if err != nil {
			return reaped, err
		}
		if rec.Status.Terminal() {
			_ = r.store.Forget(ctx, id)
			continue
		}

		failed, err := r.store.Fail(ctx, id, video.ReasonTimeoutExhausted, "exceeded max job age")
		if errors.Is(err, video.ErrAlreadyTerminal) {
			continue
		}
		if err != nil {
			return reaped, err
		}
		reaped++

		// 実行中の試行は終端済みのレコードを見てステージの境目で止まる
		if rec.Status == video.StatusQueued {
			if err := r.queue.Remove(ctx, id, Priority(rec.Priority)); err != nil && !errors.Is(err, ErrNotQueued) {
				r.logger.Warn().Err(err).Str("job_id", id).Msg("failed to remove job from queue")
			}
		}

		r.metrics.JobFinished(string(rec.Variant), string(video.StatusFailed), string(video.ReasonTimeoutExhausted))
		publishFailed(ctx, r.pub, failed)
	}
	return reaped, nil
}
