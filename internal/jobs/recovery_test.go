package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/motion-forge/internal/eligibility"
	"github.com/yourusername/motion-forge/internal/logging"
	"github.com/yourusername/motion-forge/internal/storage"
	"github.com/yourusername/motion-forge/internal/video"
)

// failFirstIndexWrite は ZADD を含む最初のパイプラインだけを失敗させる go-redis のフックです。
type failFirstIndexWrite struct {
	fired atomic.Bool
}

func (h *failFirstIndexWrite) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *failFirstIndexWrite) ProcessHook(next redis.ProcessHook) redis.ProcessHook { return next }

func (h *failFirstIndexWrite) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		for _, cmd := range cmds {
			if cmd.Name() == "zadd" && h.fired.CompareAndSwap(false, true) {
				return errors.New("connection reset by peer")
			}
		}
		return next(ctx, cmds)
	}
}

func activeIDs(t *testing.T, rdb *redis.Client) []string {
	t.Helper()
	ids, err := rdb.ZRange(context.Background(), activeIndexKey, 0, -1).Result()
	if err != nil {
		t.Fatalf("ZRange: %v", err)
	}
	return ids
}

func TestStoreCreateIsAllOrNothing(t *testing.T) {
	s, _ := newTestStore(t)
	rdb := s.rdb
	rdb.AddHook(&failFirstIndexWrite{})
	ctx := context.Background()

	if err := s.Create(ctx, queuedRecord("job-1", "user-1")); err == nil {
		t.Fatal("Create should fail when the index write fails")
	}
	if _, err := s.Get(ctx, "job-1"); !errors.Is(err, video.ErrNotFound) {
		t.Fatalf("Get after failed Create = %v, want ErrNotFound", err)
	}

	if err := s.Create(ctx, queuedRecord("job-1", "user-1")); err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if ids := activeIDs(t, rdb); len(ids) != 1 || ids[0] != "job-1" {
		t.Fatalf("active index = %v", ids)
	}
	if err := s.Create(ctx, queuedRecord("job-1", "user-1")); !errors.Is(err, ErrJobExists) {
		t.Fatalf("duplicate Create = %v, want ErrJobExists", err)
	}
}

func TestSubmitIndexWriteFailureIsRecoverable(t *testing.T) {
	f := newServiceFixture(t, &fakeDirectory{}, nil)
	f.rdb.AddHook(&failFirstIndexWrite{})
	ctx := context.Background()

	_, err := f.service.Submit(ctx, loopSubmit("tok-1"))
	if !errors.Is(err, video.ErrServiceUnavailable) {
		t.Fatalf("error = %v, want ErrServiceUnavailable", err)
	}
	if history, _ := f.service.History(ctx, "user-1", 10, 0); len(history) != 0 {
		t.Fatalf("half-written record left behind: %+v", history)
	}
	if f.queue.Len() != 0 {
		t.Fatalf("queue length = %d, want 0", f.queue.Len())
	}

	// 同じトークンでの再送は消費済みの枠のまま同じジョブを作り直す
	res, err := f.service.Submit(ctx, loopSubmit("tok-1"))
	if err != nil {
		t.Fatalf("retry Submit: %v", err)
	}
	if res.Record.Status != video.StatusQueued || f.queue.Len() != 1 {
		t.Fatalf("status=%s queue=%d", res.Record.Status, f.queue.Len())
	}
	if ids := activeIDs(t, f.rdb); len(ids) != 1 || ids[0] != res.Record.ID {
		t.Fatalf("active index = %v, want [%s]", ids, res.Record.ID)
	}
	count, _ := f.usage.Count(ctx, eligibility.UsageKey{UserID: "user-1", Variant: video.VariantLoop, Day: eligibility.DayKey(time.Now())})
	if count != 1 {
		t.Fatalf("daily count = %d, want 1", count)
	}
}

func TestSubmitEnqueuesExistingQueuedRecordOnConflict(t *testing.T) {
	f := newServiceFixture(t, &fakeDirectory{}, nil)
	f.service.newID = func() string { return "job-fixed" }
	ctx := context.Background()
	if err := f.store.Create(ctx, queuedRecord("job-fixed", "user-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	res, err := f.service.Submit(ctx, loopSubmit("tok-1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.Replayed || res.Record.ID != "job-fixed" {
		t.Fatalf("result = %+v", res)
	}
	d, ok := f.queue.Dequeue()
	if !ok || d.JobID != "job-fixed" {
		t.Fatalf("delivery = %+v, %v", d, ok)
	}
}

func TestReplayEnqueuesStrandedJob(t *testing.T) {
	f := newServiceFixture(t, &fakeDirectory{}, nil)
	ctx := context.Background()

	// 受付とレコード作成までは済んだが、投入前にプロセスが落ちた状態
	req := loopSubmit("tok-crash")
	if _, err := f.service.deps.Guard.Admit(ctx, eligibility.AdmitRequest{
		UserID:  req.UserID,
		Variant: req.Variant,
		Params:  req.Params,
		Token:   req.IdempotencyToken,
		JobID:   "job-crash",
	}); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if err := f.store.Create(ctx, queuedRecord("job-crash", "user-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	res, err := f.service.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.Replayed || res.Record.ID != "job-crash" {
		t.Fatalf("result = %+v", res)
	}
	d, ok := f.queue.Dequeue()
	if !ok || d.JobID != "job-crash" || d.MaxAttempts != 5 {
		t.Fatalf("delivery = %+v, %v", d, ok)
	}

	// 終端済みのジョブは再送されても投入しない
	f.queue.Ack("job-crash")
	if _, err := f.store.Fail(ctx, "job-crash", video.ReasonModerationRejected, "nsfw"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if _, err := f.service.Submit(ctx, req); err != nil {
		t.Fatalf("Submit after failure: %v", err)
	}
	if f.queue.Len() != 0 {
		t.Fatalf("terminal job was enqueued again (len=%d)", f.queue.Len())
	}
}

func TestReplayEnqueueFailureIsUnavailable(t *testing.T) {
	f := newServiceFixture(t, &fakeDirectory{}, failingQueue{NewMemoryQueue(1, 3, logging.Nop())})
	ctx := context.Background()
	if _, err := f.service.deps.Guard.Admit(ctx, eligibility.AdmitRequest{
		UserID: "user-1", Variant: video.VariantLoop, Token: "tok-1", JobID: "job-1",
	}); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if err := f.store.Create(ctx, queuedRecord("job-1", "user-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.service.Submit(ctx, loopSubmit("tok-1")); !errors.Is(err, video.ErrServiceUnavailable) {
		t.Fatalf("error = %v, want ErrServiceUnavailable", err)
	}
	rec, _ := f.store.Get(ctx, "job-1")
	if rec.Status != video.StatusQueued {
		t.Fatalf("status = %s, want queued so the client can retry", rec.Status)
	}
}

// signingStore は期限を埋め込んだ参照URLを返す ArtifactStore です。
type signingStore struct {
	now   time.Time
	err   error
	calls int
}

var _ storage.ArtifactStore = (*signingStore)(nil)

func (s *signingStore) Put(ctx context.Context, data []byte, key, contentType string) (string, error) {
	return s.SignedURL(ctx, key, time.Hour)
}

func (s *signingStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, storage.ErrNotFound
}

func (s *signingStore) Delete(ctx context.Context, key string) error { return nil }

func (s *signingStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return fmt.Sprintf("https://storage.test/%s?expires=%d", key, s.now.Add(ttl).Unix()), nil
}

func completedWithStaleURLs(t *testing.T, store *Store, id string) {
	t.Helper()
	ctx := context.Background()
	if err := store.Create(ctx, queuedRecord(id, "user-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.MarkProcessing(ctx, id, 1); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	base := "videos/" + id + "/1/"
	if err := store.Complete(ctx, id, &video.Artifacts{
		PrimaryURL:   "https://storage.test/" + base + "primary.mp4?expires=1",
		ThumbnailURL: "https://storage.test/" + base + "thumbnail.jpg?expires=1",
		PreviewURL:   "https://storage.test/" + base + "preview.jpg?expires=1",
		PrimaryKey:   base + "primary.mp4",
		ThumbnailKey: base + "thumbnail.jpg",
		PreviewKey:   base + "preview.jpg",
	}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestStatusReSignsArtifactURLs(t *testing.T) {
	f := newServiceFixture(t, &fakeDirectory{}, nil)
	signer := &signingStore{now: time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)}
	f.service.deps.Artifacts = signer
	f.service.deps.SignedURLTTL = time.Hour
	ctx := context.Background()

	if err := f.store.Create(ctx, queuedRecord("job-queued", "user-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.service.GetStatus(ctx, "user-1", "job-queued"); err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if signer.calls != 0 {
		t.Fatalf("queued job signed %d urls", signer.calls)
	}

	completedWithStaleURLs(t, f.store, "job-done")
	wantExpiry := fmt.Sprintf("expires=%d", signer.now.Add(time.Hour).Unix())

	rec, err := f.service.GetStatus(ctx, "user-1", "job-done")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	p := rec.Project()
	for _, url := range []string{p.ResultArtifacts.Primary, p.ResultArtifacts.Thumbnail, p.ResultArtifacts.Preview} {
		if !strings.HasSuffix(url, wantExpiry) {
			t.Fatalf("url %q was not re-signed", url)
		}
	}

	history, err := f.service.History(ctx, "user-1", 10, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	for _, h := range history {
		if h.ID == "job-done" && !strings.HasSuffix(h.Artifacts.PrimaryURL, wantExpiry) {
			t.Fatalf("history url %q was not re-signed", h.Artifacts.PrimaryURL)
		}
	}

	// 保存済みのレコードは書き換えない
	stored, _ := f.store.Get(ctx, "job-done")
	if !strings.HasSuffix(stored.Artifacts.PrimaryURL, "expires=1") {
		t.Fatalf("stored url changed to %q", stored.Artifacts.PrimaryURL)
	}
}

func TestStatusKeepsStoredURLsWhenSigningFails(t *testing.T) {
	f := newServiceFixture(t, &fakeDirectory{}, nil)
	f.service.deps.Artifacts = &signingStore{err: errors.New("no signing credentials")}
	f.service.deps.SignedURLTTL = time.Hour
	completedWithStaleURLs(t, f.store, "job-done")

	rec, err := f.service.GetStatus(context.Background(), "user-1", "job-done")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if !strings.HasSuffix(rec.Artifacts.PrimaryURL, "expires=1") {
		t.Fatalf("url = %q, want stored url", rec.Artifacts.PrimaryURL)
	}
}
