package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/yourusername/motion-forge/internal/video"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, time.Hour), mr
}

func queuedRecord(id, owner string) *video.Record {
	return &video.Record{
		ID:       id,
		OwnerID:  owner,
		Source:   video.SourceRef{ArtifactKey: "uploads/" + owner + "/base.png"},
		Variant:  video.VariantLoop,
		Params:   video.Params{Style: "anime", Intensity: 0.5},
		Status:   video.StatusQueued,
		Priority: string(PriorityNormal),
	}
}

func testArtifacts() *video.Artifacts {
	return &video.Artifacts{
		PrimaryURL:   "https://cdn.example.com/primary.mp4",
		ThumbnailURL: "https://cdn.example.com/thumbnail.jpg",
		PreviewURL:   "https://cdn.example.com/preview.jpg",
	}
}

func TestStoreCreateAndGet(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, queuedRecord("job-1", "user-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, queuedRecord("job-1", "user-1")); err == nil {
		t.Fatal("duplicate Create should fail")
	}

	got, err := s.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != video.StatusQueued || got.OwnerID != "user-1" || got.CreatedAt.IsZero() {
		t.Fatalf("unexpected record: %+v", got)
	}
	if ttl := mr.TTL(jobKey("job-1")); ttl != time.Hour {
		t.Fatalf("ttl = %v, want 1h", ttl)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, video.ErrNotFound) {
		t.Fatalf("Get missing error = %v, want ErrNotFound", err)
	}
}

func TestStoreLifecycleToCompleted(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_ = s.Create(ctx, queuedRecord("job-1", "user-1"))

	if err := s.UpdateProgress(ctx, "job-1", 15, "moderate", "審査中"); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	rec, _ := s.Get(ctx, "job-1")
	if rec.ProgressPercent != 0 {
		t.Fatal("progress must be ignored while queued")
	}

	if _, err := s.MarkProcessing(ctx, "job-1", 1); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	_ = s.UpdateProgress(ctx, "job-1", 25, "synthesize", "生成中")
	_ = s.UpdateProgress(ctx, "job-1", 15, "moderate", "審査中")
	_ = s.UpdateProgress(ctx, "job-1", 100, "finalize", "仕上げ中")

	rec, _ = s.Get(ctx, "job-1")
	if rec.ProgressPercent != 99 || rec.Stage != "finalize" {
		t.Fatalf("progress = %d (%s), want 99 finalize", rec.ProgressPercent, rec.Stage)
	}
	if rec.StartedAt == nil || rec.Attempts != 1 {
		t.Fatalf("start not recorded: %+v", rec)
	}

	if err := s.Complete(ctx, "job-1", &video.Artifacts{PrimaryURL: "x"}); err == nil {
		t.Fatal("Complete with partial artifacts should fail")
	}
	if err := s.Complete(ctx, "job-1", testArtifacts()); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	rec, _ = s.Get(ctx, "job-1")
	if rec.Status != video.StatusCompleted || rec.ProgressPercent != 100 || !rec.Artifacts.Complete() || rec.CompletedAt == nil {
		t.Fatalf("unexpected completed record: %+v", rec)
	}

	if _, err := s.Fail(ctx, "job-1", video.ReasonInternal, "late"); !errors.Is(err, video.ErrAlreadyTerminal) {
		t.Fatalf("Fail after complete error = %v, want ErrAlreadyTerminal", err)
	}
	if _, err := s.MarkProcessing(ctx, "job-1", 2); !errors.Is(err, video.ErrAlreadyTerminal) {
		t.Fatalf("MarkProcessing after complete error = %v, want ErrAlreadyTerminal", err)
	}

	stale, _ := s.ListStale(ctx, time.Now().Add(time.Hour), 10)
	if len(stale) != 0 {
		t.Fatalf("completed job still active: %v", stale)
	}
}

func TestStoreFailClearsArtifactsAndKeepsProgress(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_ = s.Create(ctx, queuedRecord("job-1", "user-1"))
	_, _ = s.MarkProcessing(ctx, "job-1", 1)
	_ = s.UpdateProgress(ctx, "job-1", 25, "synthesize", "生成中")

	rec, err := s.Fail(ctx, "job-1", video.ReasonSynthesisTransient, "upstream 503")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if rec.Status != video.StatusFailed || rec.FailureReason != video.ReasonSynthesisTransient {
		t.Fatalf("unexpected failed record: %+v", rec)
	}
	if rec.ProgressPercent != 25 || rec.Artifacts != nil {
		t.Fatalf("progress=%d artifacts=%v", rec.ProgressPercent, rec.Artifacts)
	}
	if rec.StageMessage != video.ReasonSynthesisTransient.Message() {
		t.Fatalf("stage message = %q", rec.StageMessage)
	}
}

func TestStoreCancelQueued(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_ = s.Create(ctx, queuedRecord("job-1", "user-1"))
	_ = s.Create(ctx, queuedRecord("job-2", "user-1"))
	_, _ = s.MarkProcessing(ctx, "job-2", 1)

	rec, err := s.CancelQueued(ctx, "job-1")
	if err != nil {
		t.Fatalf("CancelQueued: %v", err)
	}
	if rec.Status != video.StatusFailed || rec.FailureReason != video.ReasonCancelled {
		t.Fatalf("unexpected cancelled record: %+v", rec)
	}
	if _, err := s.CancelQueued(ctx, "job-1"); !errors.Is(err, video.ErrAlreadyTerminal) {
		t.Fatalf("second cancel error = %v, want ErrAlreadyTerminal", err)
	}
	if _, err := s.CancelQueued(ctx, "job-2"); !errors.Is(err, ErrNotQueued) {
		t.Fatalf("cancel processing error = %v, want ErrNotQueued", err)
	}
}

func TestStoreListByOwnerNewestFirst(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"job-a", "job-b", "job-c"} {
		rec := queuedRecord(id, "user-1")
		rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := s.Create(ctx, rec); err != nil {
			t.Fatalf("Create(%s): %v", id, err)
		}
	}
	_ = s.Create(ctx, queuedRecord("job-other", "user-2"))

	_, _ = s.Fail(ctx, "job-b", video.ReasonCancelled, "")
	if err := s.SoftDelete(ctx, "job-b"); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	if err := s.SoftDelete(ctx, "job-c"); !errors.Is(err, ErrInProgress) {
		t.Fatalf("SoftDelete queued error = %v, want ErrInProgress", err)
	}

	list, err := s.ListByOwner(ctx, "user-1", 10, 0)
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	if len(list) != 2 || list[0].ID != "job-c" || list[1].ID != "job-a" {
		ids := make([]string, len(list))
		for i, r := range list {
			ids[i] = r.ID
		}
		t.Fatalf("history = %v, want [job-c job-a]", ids)
	}

	page, _ := s.ListByOwner(ctx, "user-1", 1, 1)
	if len(page) != 1 || page[0].ID != "job-a" {
		t.Fatalf("second page = %+v", page)
	}
}

func TestStoreListStale(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	old := queuedRecord("job-old", "user-1")
	old.CreatedAt = now.Add(-time.Hour)
	fresh := queuedRecord("job-fresh", "user-1")
	fresh.CreatedAt = now.Add(-time.Minute)
	_ = s.Create(ctx, old)
	_ = s.Create(ctx, fresh)

	ids, err := s.ListStale(ctx, now.Add(-30*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	if len(ids) != 1 || ids[0] != "job-old" {
		t.Fatalf("stale = %v, want [job-old]", ids)
	}
}

func TestStoreCancelFlag(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_ = s.Create(ctx, queuedRecord("job-1", "user-1"))
	_, _ = s.MarkProcessing(ctx, "job-1", 1)

	if ok, _ := s.CancelRequested(ctx, "job-1"); ok {
		t.Fatal("flag set before request")
	}
	if err := s.RequestCancel(ctx, "job-1"); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if ok, _ := s.CancelRequested(ctx, "job-1"); !ok {
		t.Fatal("flag not visible after request")
	}

	_, _ = s.Fail(ctx, "job-1", video.ReasonCancelled, "")
	if ok, _ := s.CancelRequested(ctx, "job-1"); ok {
		t.Fatal("flag should be cleared once the job is terminal")
	}
}

func TestStoreConcurrentProgressNeverRegresses(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_ = s.Create(ctx, queuedRecord("job-1", "user-1"))
	_, _ = s.MarkProcessing(ctx, "job-1", 1)

	var wg sync.WaitGroup
	for _, p := range []int{5, 15, 25, 70, 85, 95} {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			if err := s.UpdateProgress(ctx, "job-1", p, "stage", ""); err != nil {
				t.Errorf("UpdateProgress(%d): %v", p, err)
			}
		}(p)
	}
	wg.Wait()

	rec, _ := s.Get(ctx, "job-1")
	if rec.ProgressPercent != 95 {
		t.Fatalf("progress = %d, want 95", rec.ProgressPercent)
	}
}
