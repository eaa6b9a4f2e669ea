package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/yourusername/motion-forge/internal/logging"
	"github.com/yourusername/motion-forge/internal/video"
)

const (
	taskTypeGenerate = "video:generate"
)

// taskPayload は動画生成タスクのペイロードです。待ち時間の計算に使う方針も載せます。
type taskPayload struct {
	JobID     string        `json:"jobId"`
	Variant   video.Variant `json:"variant"`
	Priority  Priority      `json:"priority"`
	BaseDelay time.Duration `json:"baseDelay"`
	MaxDelay  time.Duration `json:"maxDelay"`
}

// AsynqConfig は AsynqQueue の設定です。
type AsynqConfig struct {
	RedisURL       string
	Concurrency    int
	WeightElevated int
	WeightNormal   int
	Logger         zerolog.Logger
}

// AsynqQueue は Asynq を使った Queue の実装です。
// elevated と normal を重み付きで取り出すため、normal が飢えることはありません。
type AsynqQueue struct {
	client    *asynq.Client
	server    *asynq.Server
	inspector *asynq.Inspector
	mux       *asynq.ServeMux
	logger    zerolog.Logger
}

// NewAsynqQueue は AsynqQueue を初期化します。
func NewAsynqQueue(cfg AsynqConfig) (*AsynqQueue, error) {
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.WeightElevated <= 0 {
		cfg.WeightElevated = 3
	}
	if cfg.WeightNormal <= 0 {
		cfg.WeightNormal = 1
	}

	logger := cfg.Logger
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				PriorityElevated.queueName(): cfg.WeightElevated,
				PriorityNormal.queueName():   cfg.WeightNormal,
			},
			StrictPriority: false,
			RetryDelayFunc: retryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Debug().Err(err).Int("retried", retried).Int("max_retry", maxRetry).Str("task", task.Type()).Msg("task attempt failed")
			}),
			Logger:   logging.AsynqAdapter{Logger: logger},
			LogLevel: asynq.WarnLevel,
		},
	)

	return &AsynqQueue{
		client:    asynq.NewClient(opt),
		server:    server,
		inspector: asynq.NewInspector(opt),
		mux:       asynq.NewServeMux(),
		logger:    logger,
	}, nil
}

// Enqueue は Queue を実装します。タスクIDにジョブIDを使うため二重投入は起きません。
func (q *AsynqQueue) Enqueue(ctx context.Context, jobID string, variant video.Variant, opts EnqueueOptions) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	body, err := json.Marshal(taskPayload{
		JobID:     jobID,
		Variant:   variant,
		Priority:  opts.Priority,
		BaseDelay: opts.Policy.BaseDelay,
		MaxDelay:  opts.Policy.MaxDelay,
	})
	if err != nil {
		return err
	}

	task := asynq.NewTask(taskTypeGenerate, body)
	_, err = q.client.EnqueueContext(ctx, task, taskOptions(jobID, opts)...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

func taskOptions(jobID string, opts EnqueueOptions) []asynq.Option {
	maxRetry := opts.Policy.MaxAttempts - 1
	if maxRetry < 0 {
		maxRetry = 0
	}
	out := []asynq.Option{
		asynq.Queue(opts.Priority.queueName()),
		asynq.TaskID(jobID),
		asynq.MaxRetry(maxRetry),
	}
	if opts.Policy.AttemptTimeout > 0 {
		out = append(out, asynq.Timeout(opts.Policy.AttemptTimeout))
	}
	return out
}

// Remove は Queue を実装します。実行中のタスクは取り除けません。
func (q *AsynqQueue) Remove(ctx context.Context, jobID string, priority Priority) error {
	if err := q.inspector.DeleteTask(priority.queueName(), jobID); err != nil {
		return fmt.Errorf("%w: %v", ErrNotQueued, err)
	}
	return nil
}

// Start は Asynq サーバーをバックグラウンドで起動します。
func (q *AsynqQueue) Start(h Handler) error {
	q.mux.HandleFunc(taskTypeGenerate, func(ctx context.Context, task *asynq.Task) error {
		var payload taskPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
		}
		if payload.JobID == "" {
			return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
		}
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)

		err := h(ctx, Delivery{
			JobID:       payload.JobID,
			Variant:     payload.Variant,
			Priority:    payload.Priority,
			Attempt:     retried + 1,
			MaxAttempts: maxRetry + 1,
		})
		if err != nil && errors.Is(err, ErrSkipRetry) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	})
	return q.server.Start(q.mux)
}

// Stop はサーバーを止め、クライアントを閉じます。実行中のタスクは完了を待ちます。
func (q *AsynqQueue) Stop(ctx context.Context) error {
	q.server.Shutdown()
	return errors.Join(q.client.Close(), q.inspector.Close())
}

// retryDelay はペイロードに載せた方針から次の配信までの待ち時間を計算します。
// n はこれまでに再試行した回数です。
func retryDelay(n int, err error, task *asynq.Task) time.Duration {
	var payload taskPayload
	if jerr := json.Unmarshal(task.Payload(), &payload); jerr != nil || payload.BaseDelay <= 0 {
		return asynq.DefaultRetryDelayFunc(n, err, task)
	}
	policy := RetryPolicy{BaseDelay: payload.BaseDelay, MaxDelay: payload.MaxDelay}
	return policy.Delay(n + 1)
}
