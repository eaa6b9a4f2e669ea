// Package jobs はジョブの投入・状態管理・ワーカー実行を担います。
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/yourusername/motion-forge/internal/config"
	"github.com/yourusername/motion-forge/internal/video"
)

// Priority はキューの優先度です。
type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityElevated Priority = "elevated"
)

func (p Priority) queueName() string {
	if p == PriorityElevated {
		return string(PriorityElevated)
	}
	return string(PriorityNormal)
}

// RetryPolicy はジョブ種別ごとの再試行方針です。
type RetryPolicy struct {
	MaxAttempts    int           `json:"maxAttempts"`
	BaseDelay      time.Duration `json:"baseDelay"`
	MaxDelay       time.Duration `json:"maxDelay"`
	AttemptTimeout time.Duration `json:"attemptTimeout,omitempty"`
}

// fallbackMaxDelay は MaxDelay が未設定のときの待ち時間の上限です。
const fallbackMaxDelay = time.Hour

// Delay は failures 回失敗した後の待ち時間を返します。BaseDelay から倍々に増やし MaxDelay で頭打ちにします。
// MaxDelay が未設定なら fallbackMaxDelay で頭打ちにします。
func (p RetryPolicy) Delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	if p.BaseDelay <= 0 {
		return max(p.MaxDelay, 0)
	}
	ceiling := p.MaxDelay
	if ceiling <= 0 {
		ceiling = fallbackMaxDelay
	}
	d := p.BaseDelay
	for i := 1; i < failures && d < ceiling; i++ {
		d *= 2
	}
	return min(d, ceiling)
}

// Policies はバリアントごとの再試行方針です。
type Policies map[video.Variant]RetryPolicy

// PoliciesFromConfig は設定から再試行方針を組み立てます。
// 1回の試行の上限はステージごとの上限の合計に余裕を足した値です。
func PoliciesFromConfig(cfg *config.Config) Policies {
	attemptTimeout := cfg.StageTimeoutAcquire + cfg.StageTimeoutModerate + cfg.StageTimeoutSynthesize +
		cfg.StageTimeoutPostprocess + cfg.StageTimeoutUpload + 30*time.Second
	policy := func(maxAttempts int) RetryPolicy {
		return RetryPolicy{
			MaxAttempts:    maxAttempts,
			BaseDelay:      cfg.RetryBaseDelay,
			MaxDelay:       cfg.RetryMaxDelay,
			AttemptTimeout: attemptTimeout,
		}
	}
	return Policies{
		video.VariantLoop:     policy(cfg.RetryMaxAttemptsLoop),
		video.VariantClip:     policy(cfg.RetryMaxAttemptsClip),
		video.VariantFullbody: policy(cfg.RetryMaxAttemptsFullbody),
	}
}

// For はバリアントの方針を返します。未定義の場合は再試行しません。
func (p Policies) For(v video.Variant) RetryPolicy {
	if policy, ok := p[v]; ok && policy.MaxAttempts > 0 {
		return policy
	}
	return RetryPolicy{MaxAttempts: 1}
}

// EnqueueOptions は投入時の指定です。
type EnqueueOptions struct {
	Priority Priority
	Policy   RetryPolicy
}

// Delivery はワーカーに渡る1回分の配信です。
type Delivery struct {
	JobID       string
	Variant     video.Variant
	Priority    Priority
	Attempt     int // 1 始まり
	MaxAttempts int
}

// LastAttempt は最後の試行かどうかを返します。
func (d Delivery) LastAttempt() bool {
	return d.Attempt >= d.MaxAttempts
}

// Handler は配信を処理します。nil を返すと完了、エラーを返すと再試行に回ります。
// ErrSkipRetry を包んだエラーは再試行しません。
type Handler func(ctx context.Context, d Delivery) error

var (
	// ErrSkipRetry は再試行不要を示します。
	ErrSkipRetry = errors.New("skip retry")
	// ErrNotQueued はジョブがキューで待機していない場合のエラーです。
	ErrNotQueued = errors.New("job is not waiting in the queue")
)

// Queue はジョブキューです。プロセス全体の単一インスタンスではなく、明示的に起動・停止します。
type Queue interface {
	// Enqueue はジョブを投入します。同じ jobID の再投入は無視します。
	Enqueue(ctx context.Context, jobID string, variant video.Variant, opts EnqueueOptions) error
	// Remove は待機中のジョブを取り除きます。実行中などで取り除けない場合は ErrNotQueued を返します。
	Remove(ctx context.Context, jobID string, priority Priority) error
	Start(h Handler) error
	Stop(ctx context.Context) error
}
