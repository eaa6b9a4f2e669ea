package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yourusername/motion-forge/internal/eligibility"
	"github.com/yourusername/motion-forge/internal/metrics"
	"github.com/yourusername/motion-forge/internal/progress"
	"github.com/yourusername/motion-forge/internal/storage"
	"github.com/yourusername/motion-forge/internal/video"
)

// Admitter は受付判定を行います。*eligibility.Guard が実装します。
type Admitter interface {
	Admit(ctx context.Context, req eligibility.AdmitRequest) (*eligibility.Decision, error)
}

// ServiceDeps は Service の依存です。
type ServiceDeps struct {
	Store          *Store
	Queue          Queue
	Guard          Admitter
	Policies       Policies
	Publisher      progress.Publisher
	Metrics        *metrics.Metrics
	MaxInlineBytes int64
	// Artifacts と SignedURLTTL が揃っていれば、完了ジョブの参照URLを返すたびに署名し直す
	Artifacts    storage.ArtifactStore
	SignedURLTTL time.Duration
	Logger       zerolog.Logger
}

// Service は動画生成ジョブの受付と照会をまとめた窓口です。
type Service struct {
	deps  ServiceDeps
	newID func() string
}

// NewService は Service を作成します。
func NewService(deps ServiceDeps) *Service {
	return &Service{
		deps:  deps,
		newID: uuid.NewString,
	}
}

// SubmitRequest は投稿の入力です。
type SubmitRequest struct {
	UserID           string
	Variant          video.Variant
	Source           video.SourceRef
	Params           video.Params
	IdempotencyToken string
}

// SubmitResult は投稿の結果です。Replayed は同じトークンの再送だったことを示します。
type SubmitResult struct {
	Record   *video.Record
	Replayed bool
}

// Submit は入力を検証し、受付判定を通ったジョブを作成してキューに投入します。
// 受付拒否は *eligibility.Denied、キューやストアの障害は video.ErrServiceUnavailable を包んで返します。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.UserID == "" {
		return nil, &video.ValidationError{Field: "userId", Message: "必須です"}
	}
	if err := video.Validate(req.Variant, req.Source, req.Params, s.deps.MaxInlineBytes); err != nil {
		return nil, err
	}
	logger := s.deps.Logger.With().Str("user_id", req.UserID).Str("variant", string(req.Variant)).Logger()

	decision, err := s.deps.Guard.Admit(ctx, eligibility.AdmitRequest{
		UserID:  req.UserID,
		Variant: req.Variant,
		Params:  req.Params,
		Token:   req.IdempotencyToken,
		JobID:   s.newID(),
	})
	if reason, ok := eligibility.IsDenied(err); ok {
		s.deps.Metrics.ObserveAdmission(string(req.Variant), string(reason))
		logger.Info().Str("reason", string(reason)).Msg("submission denied")
		return nil, err
	}
	if err != nil {
		logger.Error().Err(err).Msg("admission check failed")
		return nil, fmt.Errorf("%w: %v", video.ErrServiceUnavailable, err)
	}

	if decision.Replayed {
		rec, err := s.deps.Store.Get(ctx, decision.JobID)
		if err == nil {
			s.deps.Metrics.ObserveAdmission(string(req.Variant), "replayed")
			return s.replay(ctx, rec, logger)
		}
		if !errors.Is(err, video.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", video.ErrServiceUnavailable, err)
		}
		// 受付済みでレコード作成前に失敗していた場合は、同じジョブIDで作り直す
		logger.Warn().Str("job_id", decision.JobID).Msg("replayed token without record, recreating")
	}

	priority := PriorityNormal
	if decision.Tier == eligibility.TierPremium {
		priority = PriorityElevated
	}
	rec := &video.Record{
		ID:               decision.JobID,
		OwnerID:          req.UserID,
		Source:           req.Source,
		Variant:          req.Variant,
		Params:           req.Params,
		Status:           video.StatusQueued,
		StageMessage:     "順番待ちです",
		Priority:         string(priority),
		Cost:             decision.Cost,
		IdempotencyToken: req.IdempotencyToken,
	}
	if err := s.deps.Store.Create(ctx, rec); err != nil {
		if errors.Is(err, ErrJobExists) {
			if existing, gerr := s.deps.Store.Get(ctx, rec.ID); gerr == nil {
				return s.replay(ctx, existing, logger)
			}
		}
		logger.Error().Err(err).Msg("failed to create job record")
		return nil, fmt.Errorf("%w: %v", video.ErrServiceUnavailable, err)
	}

	opts := EnqueueOptions{Priority: priority, Policy: s.deps.Policies.For(req.Variant)}
	if err := s.deps.Queue.Enqueue(ctx, rec.ID, rec.Variant, opts); err != nil {
		logger.Error().Err(err).Str("job_id", rec.ID).Msg("failed to enqueue job")
		if _, ferr := s.deps.Store.Fail(context.WithoutCancel(ctx), rec.ID, video.ReasonInternal, "enqueue failed: "+err.Error()); ferr != nil {
			logger.Error().Err(ferr).Str("job_id", rec.ID).Msg("failed to mark unqueued job as failed")
		}
		s.deps.Metrics.JobFinished(string(rec.Variant), string(video.StatusFailed), string(video.ReasonInternal))
		return nil, fmt.Errorf("%w: %v", video.ErrServiceUnavailable, err)
	}

	s.deps.Metrics.ObserveAdmission(string(req.Variant), "admitted")
	logger.Info().Str("job_id", rec.ID).Str("priority", string(priority)).Msg("job queued")
	if s.deps.Publisher != nil {
		s.deps.Publisher.Publish(ctx, progress.Event{
			JobID:   rec.ID,
			UserID:  rec.OwnerID,
			Percent: 0,
			Stage:   "queued",
			Message: rec.StageMessage,
			Status:  video.StatusQueued,
			At:      rec.CreatedAt,
		})
	}
	return &SubmitResult{Record: rec}, nil
}

// replay は同じトークンで受付済みのジョブを返します。待機中のままなら投入をやり直します。
// 作成直後に投入できずに終わった試行を救うためで、キュー側がジョブIDで重複を除きます。
func (s *Service) replay(ctx context.Context, rec *video.Record, logger zerolog.Logger) (*SubmitResult, error) {
	if rec.Status == video.StatusQueued {
		opts := EnqueueOptions{Priority: Priority(rec.Priority), Policy: s.deps.Policies.For(rec.Variant)}
		if err := s.deps.Queue.Enqueue(ctx, rec.ID, rec.Variant, opts); err != nil {
			logger.Error().Err(err).Str("job_id", rec.ID).Msg("failed to re-enqueue replayed job")
			return nil, fmt.Errorf("%w: %v", video.ErrServiceUnavailable, err)
		}
	}
	return &SubmitResult{Record: rec, Replayed: true}, nil
}

// GetStatus は利用者自身のジョブを返します。他人のジョブや削除済みは video.ErrNotFound です。
func (s *Service) GetStatus(ctx context.Context, userID, jobID string) (*video.Record, error) {
	rec, err := s.owned(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	return s.withFreshURLs(ctx, rec), nil
}

func (s *Service) owned(ctx context.Context, userID, jobID string) (*video.Record, error) {
	rec, err := s.deps.Store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if rec.OwnerID != userID || rec.DeletedAt != nil {
		return nil, video.ErrNotFound
	}
	return rec, nil
}

// withFreshURLs は保存済みのキーから参照URLを署名し直したコピーを返します。
// 保存時の署名URLはレコードより先に期限が切れるためです。署名に失敗した場合は元のレコードを返します。
func (s *Service) withFreshURLs(ctx context.Context, rec *video.Record) *video.Record {
	if s.deps.Artifacts == nil || s.deps.SignedURLTTL <= 0 || rec.Status != video.StatusCompleted || rec.Artifacts == nil {
		return rec
	}
	fresh := *rec.Artifacts
	targets := []struct {
		key string
		url *string
	}{
		{fresh.PrimaryKey, &fresh.PrimaryURL},
		{fresh.ThumbnailKey, &fresh.ThumbnailURL},
		{fresh.PreviewKey, &fresh.PreviewURL},
	}
	for _, t := range targets {
		if t.key == "" {
			continue
		}
		url, err := s.deps.Artifacts.SignedURL(ctx, t.key, s.deps.SignedURLTTL)
		if err != nil {
			s.deps.Logger.Warn().Err(err).Str("job_id", rec.ID).Str("key", t.key).Msg("failed to re-sign artifact url")
			return rec
		}
		*t.url = url
	}
	out := *rec
	out.Artifacts = &fresh
	return &out
}

// Cancel はジョブをキャンセルします。待機中なら即座に失敗（cancelled）にしてキューから外し、
// 実行中ならキャンセル要求を記録して次のステージ境界で止めます。
func (s *Service) Cancel(ctx context.Context, userID, jobID string) (*video.Record, error) {
	rec, err := s.owned(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec, video.ErrAlreadyTerminal
	}

	if rec.Status == video.StatusQueued {
		cancelled, err := s.deps.Store.CancelQueued(ctx, jobID)
		switch {
		case err == nil:
			if rerr := s.deps.Queue.Remove(ctx, jobID, Priority(rec.Priority)); rerr != nil && !errors.Is(rerr, ErrNotQueued) {
				s.deps.Logger.Warn().Err(rerr).Str("job_id", jobID).Msg("failed to remove cancelled job from queue")
			}
			s.deps.Metrics.JobFinished(string(cancelled.Variant), string(video.StatusFailed), string(video.ReasonCancelled))
			publishFailed(ctx, s.deps.Publisher, cancelled)
			return cancelled, nil
		case errors.Is(err, video.ErrAlreadyTerminal):
			latest, gerr := s.deps.Store.Get(ctx, jobID)
			if gerr != nil {
				return nil, gerr
			}
			return latest, video.ErrAlreadyTerminal
		case !errors.Is(err, ErrNotQueued):
			return nil, err
		}
		// ワーカーが取り出した直後なので実行中として扱う
	}

	if err := s.deps.Store.RequestCancel(ctx, jobID); err != nil {
		return nil, err
	}
	s.deps.Logger.Info().Str("job_id", jobID).Msg("cancellation requested for running job")
	return s.deps.Store.Get(ctx, jobID)
}

// History は利用者のジョブ履歴を新しい順に返します。
func (s *Service) History(ctx context.Context, userID string, limit, offset int) ([]*video.Record, error) {
	records, err := s.deps.Store.ListByOwner(ctx, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	for i, rec := range records {
		records[i] = s.withFreshURLs(ctx, rec)
	}
	return records, nil
}

// Delete は終端に達したジョブを履歴から削除します。実行中のジョブは ErrInProgress です。
func (s *Service) Delete(ctx context.Context, userID, jobID string) error {
	rec, err := s.owned(ctx, userID, jobID)
	if err != nil {
		return err
	}
	if !rec.Status.Terminal() {
		return ErrInProgress
	}
	return s.deps.Store.SoftDelete(ctx, jobID)
}
