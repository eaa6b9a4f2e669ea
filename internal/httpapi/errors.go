package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/motion-forge/internal/eligibility"
	"github.com/yourusername/motion-forge/internal/jobs"
	"github.com/yourusername/motion-forge/internal/video"
)

// denialResponses は受付拒否の理由ごとのステータスとメッセージです。
var denialResponses = map[eligibility.DenyReason]struct {
	status  int
	code    string
	message string
}{
	eligibility.DenyQuotaExceeded:       {http.StatusForbidden, "QUOTA_EXCEEDED", "本日の生成回数の上限に達しました。"},
	eligibility.DenyInsufficientBalance: {http.StatusPaymentRequired, "INSUFFICIENT_BALANCE", "ポイント残高が不足しています。"},
	eligibility.DenyInvalidMotionPreset: {http.StatusUnprocessableEntity, "INVALID_MOTION_PRESET", "指定されたモーションプリセットは利用できません。"},
}

func respondWithError(c *gin.Context, err error) {
	var validationErr *video.ValidationError
	if reason, ok := eligibility.IsDenied(err); ok {
		resp, known := denialResponses[reason]
		if !known {
			resp.status, resp.code, resp.message = http.StatusForbidden, "ELIGIBILITY_DENIED", "現在この動画は生成できません。"
		}
		c.JSON(resp.status, gin.H{
			"code":    resp.code,
			"message": resp.message,
			"reason":  reason,
		})
		return
	}

	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": validationErr.Message,
			"field":   validationErr.Field,
		})
	case errors.Is(err, video.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "入力内容を確認してください。",
		})
	case errors.Is(err, video.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "JOB_NOT_FOUND",
			"message": "指定されたジョブは存在しません。",
		})
	case errors.Is(err, video.ErrAlreadyTerminal):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "JOB_ALREADY_TERMINAL",
			"message": "ジョブは既に終了しています。",
		})
	case errors.Is(err, jobs.ErrInProgress):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "JOB_IN_PROGRESS",
			"message": "処理中のジョブは削除できません。",
		})
	case errors.Is(err, video.ErrServiceUnavailable):
		c.Header("Retry-After", "30")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "SERVICE_UNAVAILABLE",
			"message": "現在混み合っています。しばらくしてから再度お試しください。",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
