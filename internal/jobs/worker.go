package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/motion-forge/internal/metrics"
	"github.com/yourusername/motion-forge/internal/pipeline"
	"github.com/yourusername/motion-forge/internal/progress"
	"github.com/yourusername/motion-forge/internal/video"
)

// Runner は1回の試行を実行します。*pipeline.Pipeline が実装します。
type Runner interface {
	Run(ctx context.Context, a pipeline.Attempt) error
}

// Worker はキューから配信されたジョブを処理します。
type Worker struct {
	store   *Store
	runner  Runner
	pub     progress.Publisher
	metrics *metrics.Metrics
	maxAge  time.Duration
	now     func() time.Time
	logger  zerolog.Logger
}

// NewWorker は Worker を作成します。maxAge はリトライを含めたジョブ全体の上限です。
func NewWorker(store *Store, runner Runner, pub progress.Publisher, m *metrics.Metrics, maxAge time.Duration, logger zerolog.Logger) *Worker {
	return &Worker{
		store:   store,
		runner:  runner,
		pub:     pub,
		metrics: m,
		maxAge:  maxAge,
		now:     time.Now,
		logger:  logger,
	}
}

// ProcessJob は Handler として使います。
// nil は完了（または処理不要）、ErrSkipRetry を包んだエラーは終端、それ以外は再試行を意味します。
func (w *Worker) ProcessJob(ctx context.Context, d Delivery) error {
	logger := w.logger.With().Str("job_id", d.JobID).Int("attempt", d.Attempt).Logger()

	rec, err := w.store.Get(ctx, d.JobID)
	if errors.Is(err, video.ErrNotFound) {
		logger.Warn().Msg("job record not found, dropping delivery")
		_ = w.store.Forget(ctx, d.JobID)
		return fmt.Errorf("job %s: %w", d.JobID, ErrSkipRetry)
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if rec.Status.Terminal() {
		logger.Debug().Str("status", string(rec.Status)).Msg("job already terminal")
		return nil
	}

	if w.maxAge > 0 && w.now().Sub(rec.CreatedAt) > w.maxAge {
		return w.finish(ctx, rec, video.Permanent(video.ReasonTimeoutExhausted, errors.New("job exceeded max age")), logger)
	}
	if cancelled, err := w.store.CancelRequested(ctx, rec.ID); err == nil && cancelled {
		return w.finish(ctx, rec, video.Permanent(video.ReasonCancelled, errors.New("cancelled before attempt")), logger)
	}

	rec, err = w.store.MarkProcessing(ctx, d.JobID, d.Attempt)
	if errors.Is(err, video.ErrAlreadyTerminal) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	done := w.metrics.AttemptStarted()
	defer done()

	seq := progress.NewSequencer(rec.ID, rec.ProgressPercent, func(ctx context.Context, ev progress.Event) error {
		return w.store.UpdateProgress(ctx, ev.JobID, ev.Percent, ev.Stage, ev.Message)
	}, w.pub, logger)

	logger.Info().Str("variant", string(rec.Variant)).Msg("attempt started")
	err = w.runner.Run(ctx, pipeline.Attempt{
		Record:   rec,
		Number:   d.Attempt,
		Progress: seq,
		Cancelled: func(ctx context.Context) (bool, error) {
			return w.store.StopRequested(ctx, rec.ID)
		},
	})
	if err == nil {
		w.metrics.JobFinished(string(rec.Variant), string(video.StatusCompleted), "")
		logger.Info().Msg("job completed")
		return nil
	}

	f, known := video.Classify(err)
	budget := video.AttemptBudget(d.MaxAttempts, known)
	if !f.Retryable || d.Attempt >= budget {
		return w.finish(ctx, rec, f, logger)
	}

	w.metrics.JobRetried(string(rec.Variant), string(f.Reason))
	logger.Warn().Err(f).Int("max_attempts", budget).Msg("attempt failed, will retry")
	return f
}

// finish はジョブを失敗で確定させ、利用者に通知します。
func (w *Worker) finish(ctx context.Context, rec *video.Record, f *video.Failure, logger zerolog.Logger) error {
	// 試行の期限切れ後でも記録は残す
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	failed, err := w.store.Fail(wctx, rec.ID, f.Reason, f.Error())
	switch {
	case errors.Is(err, video.ErrAlreadyTerminal):
		logger.Debug().Msg("job reached terminal state elsewhere")
		return fmt.Errorf("%v: %w", f, ErrSkipRetry)
	case err != nil:
		// 記録できなければ配信を残して次の試行に任せる
		logger.Error().Err(err).Msg("failed to record job failure")
		return fmt.Errorf("record failure: %w", err)
	}

	w.metrics.JobFinished(string(rec.Variant), string(video.StatusFailed), string(f.Reason))
	logger.Warn().Err(f).Str("reason", string(f.Reason)).Msg("job failed")
	publishFailed(wctx, w.pub, failed)
	return fmt.Errorf("%v: %w", f, ErrSkipRetry)
}

// publishFailed は失敗の終端イベントを配信します。
func publishFailed(ctx context.Context, pub progress.Publisher, rec *video.Record) {
	if pub == nil || rec == nil {
		return
	}
	pub.Publish(ctx, progress.Event{
		JobID:   rec.ID,
		UserID:  rec.OwnerID,
		Percent: rec.ProgressPercent,
		Stage:   rec.Stage,
		Message: rec.StageMessage,
		Status:  rec.Status,
		At:      rec.UpdatedAt,
	})
}
