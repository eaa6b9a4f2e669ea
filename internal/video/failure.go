package video

import (
	"context"
	"errors"
	"fmt"
)

// Reason は利用者に公開する失敗カテゴリです。
type Reason string

const (
	ReasonSourceUnavailable   Reason = "source_unavailable"
	ReasonModerationRejected  Reason = "moderation_rejected"
	ReasonSynthesisTransient  Reason = "synthesis_transient_error"
	ReasonSynthesisRejected   Reason = "synthesis_rejected"
	ReasonPostProcessFailed   Reason = "postprocess_failed"
	ReasonUploadIncomplete    Reason = "upload_incomplete"
	ReasonTimeoutExhausted    Reason = "timeout_exhausted"
	ReasonCancelled           Reason = "cancelled"
	ReasonInsufficientBalance Reason = "insufficient_balance"
	ReasonInternal            Reason = "internal_error"
)

// UnknownErrorMaxAttempts は分類できないエラーに許す試行回数の上限です。
const UnknownErrorMaxAttempts = 2

var reasonMessages = map[Reason]string{
	ReasonSourceUnavailable:   "元画像が見つかりませんでした",
	ReasonModerationRejected:  "画像が利用規約に適合しないため生成できませんでした",
	ReasonSynthesisTransient:  "動画の生成に失敗しました。時間をおいて再度お試しください",
	ReasonSynthesisRejected:   "指定されたパラメータの組み合わせでは生成できません",
	ReasonPostProcessFailed:   "動画の仕上げ処理に失敗しました",
	ReasonUploadIncomplete:    "生成した動画の保存に失敗しました",
	ReasonTimeoutExhausted:    "処理時間の上限を超えました",
	ReasonCancelled:           "キャンセルされました",
	ReasonInsufficientBalance: "ポイントが不足しています",
	ReasonInternal:            "内部エラーが発生しました",
}

// Message は失敗カテゴリに対応する表示用メッセージを返します。
func (r Reason) Message() string {
	if msg, ok := reasonMessages[r]; ok {
		return msg
	}
	return reasonMessages[ReasonInternal]
}

// Failure はパイプラインの失敗を分類付きで表します。
type Failure struct {
	Reason    Reason
	Retryable bool
	Err       error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Reason)
	}
	return fmt.Sprintf("%s: %v", f.Reason, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Permanent はリトライしない失敗を作ります。
func Permanent(reason Reason, err error) *Failure {
	return &Failure{Reason: reason, Retryable: false, Err: err}
}

// Transient はリトライ可能な失敗を作ります。
func Transient(reason Reason, err error) *Failure {
	return &Failure{Reason: reason, Retryable: true, Err: err}
}

// Classify は任意のエラーを Failure に変換します。
// 分類済みでないエラーは internal_error として扱い、known=false を返します。
func Classify(err error) (f *Failure, known bool) {
	if err == nil {
		return nil, true
	}
	if errors.As(err, &f) {
		return f, true
	}
	if errors.Is(err, context.Canceled) {
		return Transient(ReasonInternal, err), true
	}
	return Transient(ReasonInternal, err), false
}

// AttemptBudget は分類結果を踏まえた実効的な最大試行回数を返します。
func AttemptBudget(maxAttempts int, known bool) int {
	if !known && maxAttempts > UnknownErrorMaxAttempts {
		return UnknownErrorMaxAttempts
	}
	return maxAttempts
}
