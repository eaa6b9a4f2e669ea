// Package httpapi は動画生成ジョブの HTTP API を提供します。
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/yourusername/motion-forge/internal/auth"
	"github.com/yourusername/motion-forge/internal/jobs"
	"github.com/yourusername/motion-forge/internal/video"
)

const (
	idempotencyHeader = "Idempotency-Key"
	defaultPageSize   = 20
	maxPageSize       = 100
)

// JobService はジョブ操作の窓口です。*jobs.Service が実装します。
type JobService interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*jobs.SubmitResult, error)
	GetStatus(ctx context.Context, userID, jobID string) (*video.Record, error)
	Cancel(ctx context.Context, userID, jobID string) (*video.Record, error)
	History(ctx context.Context, userID string, limit, offset int) ([]*video.Record, error)
	Delete(ctx context.Context, userID, jobID string) error
}

// ProgressServer は利用者の進捗購読を処理します。*progress.Hub が実装します。
type ProgressServer interface {
	Serve(w http.ResponseWriter, r *http.Request, userID string)
}

// Handler は /api/videos 系のハンドラーをまとめたものです。
type Handler struct {
	svc            JobService
	progress       ProgressServer
	maxInlineBytes int64
	logger         zerolog.Logger
}

// NewHandler は Handler を作成します。
func NewHandler(svc JobService, progress ProgressServer, maxInlineBytes int64, logger zerolog.Logger) *Handler {
	return &Handler{
		svc:            svc,
		progress:       progress,
		maxInlineBytes: maxInlineBytes,
		logger:         logger,
	}
}

type submitBody struct {
	Variant        video.Variant `json:"variant"`
	SourceKey      string        `json:"sourceKey"`
	Image          []byte        `json:"image"` // base64
	Params         video.Params  `json:"params"`
	IdempotencyKey string        `json:"idempotencyKey"`
}

type submitResponse struct {
	video.Projection
	Replayed bool `json:"replayed,omitempty"`
}

// Submit は POST /api/videos のハンドラーです。
// application/json（sourceKey または base64 の image）と multipart/form-data（image ファイル）を受け付けます。
func (h *Handler) Submit(c *gin.Context) {
	body, err := h.bindSubmit(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": err.Error(),
		})
		return
	}

	token := c.GetHeader(idempotencyHeader)
	if token == "" {
		token = body.IdempotencyKey
	}
	res, err := h.svc.Submit(c.Request.Context(), jobs.SubmitRequest{
		UserID:           auth.UserID(c),
		Variant:          body.Variant,
		Source:           video.SourceRef{ArtifactKey: body.SourceKey, Inline: body.Image},
		Params:           body.Params,
		IdempotencyToken: token,
	})
	if err != nil {
		respondWithError(c, err)
		return
	}

	status := http.StatusAccepted
	if res.Replayed {
		status = http.StatusOK
	}
	c.Header("Location", "/api/videos/"+res.Record.ID)
	c.JSON(status, submitResponse{Projection: res.Record.Project(), Replayed: res.Replayed})
}

func (h *Handler) bindSubmit(c *gin.Context) (*submitBody, error) {
	if h.maxInlineBytes > 0 {
		// base64 とフォームの余白を見込んで上限を広げる
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxInlineBytes*2+64*1024)
	}

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		return h.bindMultipart(c)
	}

	var body submitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		return nil, errors.New("リクエストボディを JSON で送信してください。")
	}
	return &body, nil
}

func (h *Handler) bindMultipart(c *gin.Context) (*submitBody, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, errors.New("multipart/form-data の形式が正しくありません。")
	}
	defer form.RemoveAll()

	body := &submitBody{
		Variant:        video.Variant(formValue(form, "variant")),
		SourceKey:      formValue(form, "sourceKey"),
		IdempotencyKey: formValue(form, "idempotencyKey"),
	}
	if raw := formValue(form, "params"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &body.Params); err != nil {
			return nil, errors.New("params は JSON で指定してください。")
		}
	}

	files := form.File["image"]
	if len(files) == 0 {
		return body, nil
	}
	data, err := h.readUpload(files[0])
	if err != nil {
		return nil, err
	}
	body.Image = data
	return body, nil
}

func (h *Handler) readUpload(fh *multipart.FileHeader) ([]byte, error) {
	if h.maxInlineBytes > 0 && fh.Size > h.maxInlineBytes {
		return nil, fmt.Errorf("画像サイズは %d バイト以下にしてください。", h.maxInlineBytes)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, errors.New("アップロードされた画像を読み込めませんでした。")
	}
	defer f.Close()

	var r io.Reader = f
	if h.maxInlineBytes > 0 {
		r = io.LimitReader(f, h.maxInlineBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.New("アップロードされた画像を読み込めませんでした。")
	}
	return data, nil
}

func formValue(form *multipart.Form, key string) string {
	if values := form.Value[key]; len(values) > 0 {
		return strings.TrimSpace(values[0])
	}
	return ""
}

// Status は GET /api/videos/:id のハンドラーです。
func (h *Handler) Status(c *gin.Context) {
	jobID, ok := jobIDParam(c)
	if !ok {
		return
	}
	rec, err := h.svc.GetStatus(c.Request.Context(), auth.UserID(c), jobID)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, rec.Project())
}

// Cancel は POST /api/videos/:id/cancel のハンドラーです。
// 待機中のジョブは即座に失敗（cancelled）になり、実行中のジョブは次のステージ境界で止まります。
func (h *Handler) Cancel(c *gin.Context) {
	jobID, ok := jobIDParam(c)
	if !ok {
		return
	}
	rec, err := h.svc.Cancel(c.Request.Context(), auth.UserID(c), jobID)
	if err != nil {
		respondWithError(c, err)
		return
	}
	status := http.StatusOK
	if !rec.Status.Terminal() {
		status = http.StatusAccepted
	}
	c.JSON(status, rec.Project())
}

// Delete は DELETE /api/videos/:id のハンドラーです。
func (h *Handler) Delete(c *gin.Context) {
	jobID, ok := jobIDParam(c)
	if !ok {
		return
	}
	if err := h.svc.Delete(c.Request.Context(), auth.UserID(c), jobID); err != nil {
		respondWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// History は GET /api/videos のハンドラーです。
func (h *Handler) History(c *gin.Context) {
	limit, err := queryInt(c, "limit", defaultPageSize)
	if err != nil || limit <= 0 || limit > maxPageSize {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": fmt.Sprintf("limit は 1〜%d で指定してください。", maxPageSize),
		})
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "offset は 0 以上で指定してください。",
		})
		return
	}

	records, err := h.svc.History(c.Request.Context(), auth.UserID(c), limit, offset)
	if err != nil {
		respondWithError(c, err)
		return
	}
	items := make([]video.Projection, 0, len(records))
	for _, rec := range records {
		items = append(items, rec.Project())
	}
	c.JSON(http.StatusOK, gin.H{
		"items":  items,
		"limit":  limit,
		"offset": offset,
	})
}

// ProgressSocket は GET /api/progress/ws のハンドラーです。
func (h *Handler) ProgressSocket(c *gin.Context) {
	if h.progress == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "SERVICE_UNAVAILABLE",
			"message": "進捗配信は利用できません。",
		})
		return
	}
	h.progress.Serve(c.Writer, c.Request, auth.UserID(c))
}

func jobIDParam(c *gin.Context) (string, bool) {
	jobID := strings.TrimSpace(c.Param("id"))
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "jobId を指定してください。",
		})
		return "", false
	}
	return jobID, true
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
