// Package pipeline は1件の動画生成ジョブを6つのステージで実行します。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/motion-forge/internal/metrics"
	"github.com/yourusername/motion-forge/internal/notify"
	"github.com/yourusername/motion-forge/internal/progress"
	"github.com/yourusername/motion-forge/internal/storage"
	"github.com/yourusername/motion-forge/internal/video"
)

// Synthesizer は元画像から動画素材を生成します。
// 返すエラーが Temporary() bool を実装して false を返す場合は再試行しません。
type Synthesizer interface {
	Synthesize(ctx context.Context, image []byte, variant video.Variant, params video.Params) (*video.Media, error)
}

// Moderator は元画像を審査します。
type Moderator interface {
	Check(ctx context.Context, image []byte) (video.Verdict, error)
}

// Editor は作業ディレクトリ内の動画ファイルを加工し、新しいファイルのパスを返します。
type Editor interface {
	MuxAudio(ctx context.Context, workDir, videoPath, audioPath string) (string, error)
	BurnCaption(ctx context.Context, workDir, videoPath, caption string) (string, error)
	Watermark(ctx context.Context, workDir, videoPath, text string) (string, error)
}

// AudioLibrary は vibe ごとのBGMを返します。
type AudioLibrary interface {
	Track(ctx context.Context, vibe string) ([]byte, error)
}

// Recorder は完了したジョブを記録します。
type Recorder interface {
	Complete(ctx context.Context, jobID string, artifacts *video.Artifacts) error
}

// Accounts は課金と利用実績の更新先です。
type Accounts interface {
	// Debit はジョブ単位で冪等に残高を減らします。不足時は video.ErrInsufficientBalance を返します。
	Debit(ctx context.Context, userID string, amount int64, jobID string) error
	// Refund は Debit を取り消します。未課金なら何もしません。
	Refund(ctx context.Context, userID, jobID string) error
	IncrementVideoCount(ctx context.Context, userID string) error
}

// Timeouts はステージごとの上限時間です。0 は無制限です。
type Timeouts struct {
	Acquire     time.Duration
	Moderate    time.Duration
	Synthesize  time.Duration
	PostProcess time.Duration
	Upload      time.Duration
}

// Config はパイプラインの設定です。
type Config struct {
	Timeouts      Timeouts
	WatermarkText string
	WorkDir       string // 試行ごとの作業ディレクトリを作る場所
}

// Deps はパイプラインが使う外部機能です。
type Deps struct {
	Store     storage.ArtifactStore
	Synth     Synthesizer
	Moderator Moderator
	Editor    Editor
	Audio     AudioLibrary
	Recorder  Recorder
	Accounts  Accounts
	Notifier  notify.Notifier
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// Attempt は1回の試行の入力です。
type Attempt struct {
	Record   *video.Record
	Number   int
	Progress progress.Sink
	// Cancelled はステージの境目で呼ばれ、利用者がキャンセルしたかを返します。
	Cancelled func(ctx context.Context) (bool, error)
}

// Pipeline は動画生成の各ステージを順に実行します。
type Pipeline struct {
	deps Deps
	cfg  Config
	now  func() time.Time
}

// New は Pipeline を作成します。
func New(deps Deps, cfg Config) (*Pipeline, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("pipeline: artifact store is nil")
	case deps.Synth == nil:
		return nil, errors.New("pipeline: synthesizer is nil")
	case deps.Moderator == nil:
		return nil, errors.New("pipeline: moderator is nil")
	case deps.Editor == nil:
		return nil, errors.New("pipeline: editor is nil")
	case deps.Recorder == nil:
		return nil, errors.New("pipeline: recorder is nil")
	}
	return &Pipeline{deps: deps, cfg: cfg, now: time.Now}, nil
}

var errCancelled = errors.New("cancelled by user")

// Run は1回の試行を実行します。成功時は Recorder に完了を記録して nil を返し、
// 失敗時は *video.Failure を返します。作業ディレクトリと途中までアップロードした成果物は
// どの経路でも片付けます。
func (p *Pipeline) Run(ctx context.Context, a Attempt) (err error) {
	if a.Record == nil {
		return video.Permanent(video.ReasonInternal, errors.New("record is nil"))
	}
	rec := a.Record
	r := &run{
		p:   p,
		a:   a,
		rec: rec,
		logger: p.deps.Logger.With().
			Str("job_id", rec.ID).
			Str("user_id", rec.OwnerID).
			Str("variant", string(rec.Variant)).
			Int("attempt", a.Number).
			Logger(),
	}

	ws, err := NewWorkspace(p.cfg.WorkDir, rec.ID, a.Number)
	if err != nil {
		return video.Transient(video.ReasonInternal, fmt.Errorf("create workspace: %w", err))
	}
	r.ws = ws
	defer func() {
		if rerr := ws.Release(); rerr != nil {
			r.logger.Warn().Err(rerr).Msg("failed to release workspace")
		}
	}()
	defer func() {
		if err != nil {
			r.discardUploads()
		}
	}()

	return r.execute(ctx)
}

// run は1回の試行の状態です。
type run struct {
	p      *Pipeline
	a      Attempt
	rec    *video.Record
	ws     *Workspace
	logger zerolog.Logger

	image     []byte
	media     *video.Media
	artifacts *video.Artifacts
	uploaded  []string
	debited   bool
}

func (r *run) execute(ctx context.Context) error {
	t := r.p.cfg.Timeouts
	if err := r.stage(ctx, StageAcquire, t.Acquire, r.acquire); err != nil {
		return err
	}
	if err := r.stage(ctx, StageModerate, t.Moderate, r.moderate); err != nil {
		return err
	}
	if err := r.stage(ctx, StageSynthesize, t.Synthesize, r.synthesize); err != nil {
		return err
	}
	if r.rec.Variant.NeedsPostProcess() {
		if err := r.stage(ctx, StagePostProcess, t.PostProcess, r.postProcess); err != nil {
			return err
		}
	}
	if err := r.stage(ctx, StageUpload, t.Upload, r.upload); err != nil {
		return err
	}
	if err := r.stage(ctx, StageFinalize, 0, r.finalize); err != nil {
		return err
	}
	r.afterCompletion(ctx)
	return nil
}

// stage はキャンセル確認、進捗通知、タイムアウト付き実行を行います。
func (r *run) stage(ctx context.Context, name string, timeout time.Duration, fn func(context.Context) error) error {
	if err := r.checkCancelled(ctx); err != nil {
		return err
	}
	r.emit(ctx, name, video.StatusProcessing)

	sctx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		sctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	start := time.Now()
	err := fn(sctx)
	r.p.deps.Metrics.ObserveStage(name, time.Since(start))
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		// 試行全体の期限切れやワーカー停止。次の配信に任せる
		err = video.Transient(video.ReasonInternal, fmt.Errorf("%s interrupted: %w", name, ctx.Err()))
	}
	r.logger.Warn().Err(err).Str("stage", name).Msg("stage failed")
	return err
}

func (r *run) emit(ctx context.Context, stage string, status video.Status) {
	if r.a.Progress == nil {
		return
	}
	percent, message := Checkpoint(stage)
	r.a.Progress.Emit(ctx, progress.Event{
		JobID:   r.rec.ID,
		UserID:  r.rec.OwnerID,
		Percent: percent,
		Stage:   stage,
		Message: message,
		Status:  status,
		At:      r.p.now().UTC(),
	})
}

func (r *run) checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return video.Transient(video.ReasonInternal, err)
	}
	if r.a.Cancelled == nil {
		return nil
	}
	cancelled, err := r.a.Cancelled(ctx)
	if err != nil {
		// 取り消しは best-effort なので確認できなければ続行する
		r.logger.Warn().Err(err).Msg("failed to read cancellation flag")
		return nil
	}
	if cancelled {
		r.logger.Info().Msg("job cancelled at stage boundary")
		return video.Permanent(video.ReasonCancelled, errCancelled)
	}
	return nil
}

// timedOut はステージ自身の期限切れかどうかを返します。
func timedOut(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
}

// discardUploads はこの試行でアップロードした成果物を削除します。
func (r *run) discardUploads() {
	if len(r.uploaded) == 0 && !r.debited {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, key := range r.uploaded {
		if err := r.p.deps.Store.Delete(ctx, key); err != nil {
			r.logger.Error().Err(err).Str("key", key).Msg("failed to delete partial artifact")
		}
	}
	r.uploaded = nil

	if r.debited && r.p.deps.Accounts != nil {
		if err := r.p.deps.Accounts.Refund(ctx, r.rec.OwnerID, r.rec.ID); err != nil {
			r.logger.Error().Err(err).Msg("failed to refund debit")
		}
	}
}
