package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/motion-forge/internal/auth"
	"github.com/yourusername/motion-forge/internal/eligibility"
	"github.com/yourusername/motion-forge/internal/jobs"
	"github.com/yourusername/motion-forge/internal/logging"
	"github.com/yourusername/motion-forge/internal/video"
)

type stubService struct {
	submitReq jobs.SubmitRequest
	submitRes *jobs.SubmitResult
	record    *video.Record
	records   []*video.Record
	err       error

	historyLimit, historyOffset int
}

func (s *stubService) Submit(ctx context.Context, req jobs.SubmitRequest) (*jobs.SubmitResult, error) {
	s.submitReq = req
	if s.err != nil {
		return nil, s.err
	}
	return s.submitRes, nil
}

func (s *stubService) GetStatus(ctx context.Context, userID, jobID string) (*video.Record, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.record == nil || s.record.OwnerID != userID || s.record.ID != jobID {
		return nil, video.ErrNotFound
	}
	return s.record, nil
}

func (s *stubService) Cancel(ctx context.Context, userID, jobID string) (*video.Record, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.record, nil
}

func (s *stubService) History(ctx context.Context, userID string, limit, offset int) ([]*video.Record, error) {
	s.historyLimit, s.historyOffset = limit, offset
	return s.records, s.err
}

func (s *stubService) Delete(ctx context.Context, userID, jobID string) error {
	return s.err
}

type apiFixture struct {
	router *gin.Engine
	svc    *stubService
	token  string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := &stubService{}
	m := auth.NewManager("test-secret")
	token, err := m.IssueToken("user-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	router := NewRouter(RouterOptions{
		Handler:            NewHandler(svc, nil, 1<<20, logging.Nop()),
		Auth:               m,
		RateLimiter:        auth.NewRateLimiter(100),
		CORSAllowedOrigins: "http://localhost:5173",
		Logger:             logging.Nop(),
	})
	return &apiFixture{router: router, svc: svc, token: token}
}

func (f *apiFixture) do(req *http.Request) *httptest.ResponseRecorder {
	req.Header.Set("Authorization", "Bearer "+f.token)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return body
}

func queuedJob() *video.Record {
	return &video.Record{
		ID:        "job-1",
		OwnerID:   "user-1",
		Variant:   video.VariantLoop,
		Status:    video.StatusQueued,
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSubmitJSON(t *testing.T) {
	f := newAPIFixture(t)
	f.svc.submitRes = &jobs.SubmitResult{Record: queuedJob()}

	payload := `{"variant":"loop","sourceKey":"uploads/user-1/base.png","params":{"style":"anime","intensity":0.5}}`
	req := httptest.NewRequest(http.MethodPost, "/api/videos", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(idempotencyHeader, "tok-1")
	rec := f.do(req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["jobId"] != "job-1" || body["status"] != "queued" {
		t.Fatalf("body = %v", body)
	}
	if rec.Header().Get("Location") != "/api/videos/job-1" {
		t.Fatalf("Location = %q", rec.Header().Get("Location"))
	}
	got := f.svc.submitReq
	if got.UserID != "user-1" || got.IdempotencyToken != "tok-1" || got.Source.ArtifactKey != "uploads/user-1/base.png" || got.Params.Style != "anime" {
		t.Fatalf("submit request = %+v", got)
	}
}

func TestSubmitReplayReturnsOK(t *testing.T) {
	f := newAPIFixture(t)
	f.svc.submitRes = &jobs.SubmitResult{Record: queuedJob(), Replayed: true}

	req := httptest.NewRequest(http.MethodPost, "/api/videos", strings.NewReader(`{"variant":"loop","sourceKey":"k","params":{"style":"a"}}`))
	req.Header.Set("Content-Type", "application/json")
	rec := f.do(req)
	if rec.Code != http.StatusOK || decode(t, rec)["replayed"] != true {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestSubmitMultipart(t *testing.T) {
	f := newAPIFixture(t)
	f.svc.submitRes = &jobs.SubmitResult{Record: queuedJob()}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("variant", "clip")
	_ = w.WriteField("params", `{"style":"anime","caption":"hello"}`)
	part, _ := w.CreateFormFile("image", "base.png")
	_, _ = part.Write([]byte("\x89PNG\r\n\x1a\nfake"))
	_ = w.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/videos", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := f.do(req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	got := f.svc.submitReq
	if got.Variant != video.VariantClip || got.Params.Caption != "hello" || !got.Source.IsInline() {
		t.Fatalf("submit request = %+v", got)
	}
}

func TestSubmitErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"quota", &eligibility.Denied{Reason: eligibility.DenyQuotaExceeded}, http.StatusForbidden, "QUOTA_EXCEEDED"},
		{"balance", &eligibility.Denied{Reason: eligibility.DenyInsufficientBalance}, http.StatusPaymentRequired, "INSUFFICIENT_BALANCE"},
		{"preset", &eligibility.Denied{Reason: eligibility.DenyInvalidMotionPreset}, http.StatusUnprocessableEntity, "INVALID_MOTION_PRESET"},
		{"validation", &video.ValidationError{Field: "params", Message: "intensity must be within 0..1"}, http.StatusBadRequest, "INVALID_INPUT"},
		{"unavailable", fmt.Errorf("%w: queue down", video.ErrServiceUnavailable), http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t)
			f.svc.err = tt.err
			req := httptest.NewRequest(http.MethodPost, "/api/videos", strings.NewReader(`{"variant":"loop","sourceKey":"k","params":{"style":"a"}}`))
			req.Header.Set("Content-Type", "application/json")
			rec := f.do(req)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if code := decode(t, rec)["code"]; code != tt.code {
				t.Fatalf("code = %v, want %s", code, tt.code)
			}
		})
	}
}

func TestSubmitRejectsMalformedJSON(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/videos", strings.NewReader(`{"variant":`))
	req.Header.Set("Content-Type", "application/json")
	if rec := f.do(req); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestStatusProjection(t *testing.T) {
	f := newAPIFixture(t)
	job := queuedJob()
	job.Status = video.StatusFailed
	job.FailureReason = video.ReasonModerationRejected
	job.FailureDetail = "classifier score 0.97"
	f.svc.record = job

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/videos/job-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode(t, rec)
	if body["failureReason"] != "moderation_rejected" {
		t.Fatalf("body = %v", body)
	}
	if strings.Contains(rec.Body.String(), "classifier") {
		t.Fatal("internal failure detail leaked")
	}

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/videos/other", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing job status = %d, want 404", rec.Code)
	}
}

func TestCancelResponses(t *testing.T) {
	f := newAPIFixture(t)
	running := queuedJob()
	running.Status = video.StatusProcessing
	f.svc.record = running

	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/videos/job-1/cancel", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("running cancel status = %d, want 202", rec.Code)
	}

	f.svc.err = video.ErrAlreadyTerminal
	rec = f.do(httptest.NewRequest(http.MethodPost, "/api/videos/job-1/cancel", nil))
	if rec.Code != http.StatusConflict || decode(t, rec)["code"] != "JOB_ALREADY_TERMINAL" {
		t.Fatalf("terminal cancel status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestDeleteResponses(t *testing.T) {
	f := newAPIFixture(t)
	if rec := f.do(httptest.NewRequest(http.MethodDelete, "/api/videos/job-1", nil)); rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	f.svc.err = jobs.ErrInProgress
	if rec := f.do(httptest.NewRequest(http.MethodDelete, "/api/videos/job-1", nil)); rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestHistoryPaging(t *testing.T) {
	f := newAPIFixture(t)
	f.svc.records = []*video.Record{queuedJob()}

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/videos?limit=5&offset=10", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if f.svc.historyLimit != 5 || f.svc.historyOffset != 10 {
		t.Fatalf("limit=%d offset=%d", f.svc.historyLimit, f.svc.historyOffset)
	}
	if items := decode(t, rec)["items"].([]any); len(items) != 1 {
		t.Fatalf("items = %v", items)
	}

	if rec := f.do(httptest.NewRequest(http.MethodGet, "/api/videos?limit=1000", nil)); rec.Code != http.StatusBadRequest {
		t.Fatalf("oversized limit status = %d, want 400", rec.Code)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	f := newAPIFixture(t)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/videos", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
}

func TestOriginAllowed(t *testing.T) {
	allow := OriginAllowed("http://localhost:5173, https://app.example.com")
	if !allow("https://app.example.com") || !allow("") {
		t.Fatal("configured origin should be allowed")
	}
	if allow("https://evil.example.com") {
		t.Fatal("unknown origin should be rejected")
	}
}
