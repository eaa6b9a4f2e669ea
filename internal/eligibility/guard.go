// Package eligibility はジョブ受付前の日次上限・残高・モーションプリセットの判定を行います。
package eligibility

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yourusername/motion-forge/internal/config"
	"github.com/yourusername/motion-forge/internal/video"
)

// Tier はサブスクリプションの種別です。
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// DenyReason は受付拒否の理由です。
type DenyReason string

const (
	DenyQuotaExceeded       DenyReason = "quota_exceeded"
	DenyInsufficientBalance DenyReason = "insufficient_balance"
	DenyInvalidMotionPreset DenyReason = "invalid_motion_preset"
)

// Denied は受付拒否を表すエラーです。
type Denied struct {
	Reason DenyReason
}

func (d *Denied) Error() string {
	return "eligibility denied: " + string(d.Reason)
}

// IsDenied は err が受付拒否かどうかを判定し、理由を返します。
func IsDenied(err error) (DenyReason, bool) {
	var d *Denied
	if errors.As(err, &d) {
		return d.Reason, true
	}
	return "", false
}

// Directory は利用者情報の参照先です。
type Directory interface {
	GetSubscriptionTier(ctx context.Context, userID string) (Tier, error)
	GetBalance(ctx context.Context, userID string) (int64, error)
	MotionPresetActive(ctx context.Context, presetID string) (bool, error)
}

// UsageKey は日次カウンタの識別子です。
type UsageKey struct {
	UserID  string
	Variant video.Variant
	Day     string
}

// ConsumeResult はカウンタ消費の結果です。
type ConsumeResult struct {
	Allowed  bool
	Replayed bool
	JobID    string
	Count    int
}

// UsageCounter は (利用者, バリアント, 日) ごとの利用回数を原子的に数えます。
type UsageCounter interface {
	// Consume は limit 未満ならカウンタを1増やし、token を jobID に紐付けます。
	// 同じ token の再送は増分せずに最初の jobID を返します。limit が負なら無制限です。
	Consume(ctx context.Context, key UsageKey, token, jobID string, limit int) (ConsumeResult, error)
	// Admitted は token で受付済みの jobID を返します。
	Admitted(ctx context.Context, userID, token string) (string, bool, error)
	Count(ctx context.Context, key UsageKey) (int, error)
}

// DayKey は日次カウンタの日付キーを返します。日付の境界は UTC で固定です。
func DayKey(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// Limits はプランごとの日次上限と消費ポイントです。
type Limits struct {
	Daily map[Tier]map[video.Variant]int
	Cost  map[video.Variant]int64 // プレミアム以外に課金されるバリアント
}

// LimitsFromConfig は設定からプラン表を組み立てます。
func LimitsFromConfig(cfg *config.Config) Limits {
	return Limits{
		Daily: map[Tier]map[video.Variant]int{
			TierFree: {
				video.VariantLoop:     cfg.QuotaFreeLoop,
				video.VariantClip:     cfg.QuotaFreeClip,
				video.VariantFullbody: cfg.QuotaFreeFullbody,
			},
			TierPremium: {
				video.VariantLoop:     cfg.QuotaPremiumLoop,
				video.VariantClip:     cfg.QuotaPremiumClip,
				video.VariantFullbody: cfg.QuotaPremiumFullbody,
			},
		},
		Cost: map[video.Variant]int64{
			video.VariantClip:     cfg.CostClip,
			video.VariantFullbody: cfg.CostFullbody,
		},
	}
}

// DailyLimit は日次上限を返します。未知のプランは free として扱います。
func (l Limits) DailyLimit(tier Tier, variant video.Variant) int {
	byVariant, ok := l.Daily[tier]
	if !ok {
		byVariant = l.Daily[TierFree]
	}
	limit, ok := byVariant[variant]
	if !ok {
		return 0
	}
	return limit
}

// CostFor はジョブ1件あたりの消費ポイントを返します。
func (l Limits) CostFor(tier Tier, variant video.Variant) int64 {
	if tier == TierPremium {
		return 0
	}
	return l.Cost[variant]
}

// AdmitRequest は受付判定の入力です。
type AdmitRequest struct {
	UserID  string
	Variant video.Variant
	Params  video.Params
	Token   string // クライアントが付与する冪等キー。空なら JobID を使います
	JobID   string // 受付時に割り当てる新しいジョブID
}

// Decision は受付判定の結果です。
type Decision struct {
	JobID    string
	Replayed bool
	Tier     Tier
	Cost     int64
	Count    int
}

// Guard は受付判定を行います。
type Guard struct {
	dir    Directory
	usage  UsageCounter
	limits Limits
	now    func() time.Time
}

// NewGuard は Guard を作成します。
func NewGuard(dir Directory, usage UsageCounter, limits Limits) *Guard {
	return &Guard{
		dir:    dir,
		usage:  usage,
		limits: limits,
		now:    time.Now,
	}
}

// Admit は受付可否を判定し、受付時は日次カウンタを1増やします。
// 拒否は *Denied として返します。
func (g *Guard) Admit(ctx context.Context, req AdmitRequest) (*Decision, error) {
	if req.UserID == "" || req.JobID == "" {
		return nil, fmt.Errorf("userID and jobID are required")
	}
	token := req.Token
	if token == "" {
		token = req.JobID
	}

	// 同じ token の再送はカウンタにも残高にも触れない
	jobID, replayed, err := g.usage.Admitted(ctx, req.UserID, token)
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency token: %w", err)
	}

	tier, err := g.dir.GetSubscriptionTier(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("get subscription tier: %w", err)
	}
	if replayed {
		return &Decision{JobID: jobID, Replayed: true, Tier: tier, Cost: g.limits.CostFor(tier, req.Variant)}, nil
	}

	if req.Variant == video.VariantFullbody {
		active, err := g.dir.MotionPresetActive(ctx, req.Params.MotionPreset)
		if err != nil {
			return nil, fmt.Errorf("lookup motion preset: %w", err)
		}
		if !active {
			return nil, &Denied{Reason: DenyInvalidMotionPreset}
		}
	}

	cost := g.limits.CostFor(tier, req.Variant)
	if cost > 0 {
		balance, err := g.dir.GetBalance(ctx, req.UserID)
		if err != nil {
			return nil, fmt.Errorf("get balance: %w", err)
		}
		if balance < cost {
			return nil, &Denied{Reason: DenyInsufficientBalance}
		}
	}

	key := UsageKey{UserID: req.UserID, Variant: req.Variant, Day: DayKey(g.now())}
	res, err := g.usage.Consume(ctx, key, token, req.JobID, g.limits.DailyLimit(tier, req.Variant))
	if err != nil {
		return nil, fmt.Errorf("consume daily usage: %w", err)
	}
	if res.Replayed {
		return &Decision{JobID: res.JobID, Replayed: true, Tier: tier, Cost: cost, Count: res.Count}, nil
	}
	if !res.Allowed {
		return nil, &Denied{Reason: DenyQuotaExceeded}
	}
	return &Decision{JobID: res.JobID, Tier: tier, Cost: cost, Count: res.Count}, nil
}
