package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yourusername/motion-forge/internal/logging"
	"github.com/yourusername/motion-forge/internal/metrics"
	"github.com/yourusername/motion-forge/internal/video"
)

func TestReaperForceFailsStaleJobs(t *testing.T) {
	store, _ := newTestStore(t)
	queue := NewMemoryQueue(1, 3, logging.Nop())
	events := &eventLog{}
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	stuckQueued := queuedRecord("job-queued", "user-1")
	stuckQueued.CreatedAt = now.Add(-2 * time.Hour)
	stuckRunning := queuedRecord("job-running", "user-1")
	stuckRunning.CreatedAt = now.Add(-2 * time.Hour)
	fresh := queuedRecord("job-fresh", "user-1")
	fresh.CreatedAt = now.Add(-time.Minute)
	for _, rec := range []*video.Record{stuckQueued, stuckRunning, fresh} {
		if err := store.Create(ctx, rec); err != nil {
			t.Fatalf("Create: %v", err)
		}
		_ = queue.Enqueue(ctx, rec.ID, rec.Variant, EnqueueOptions{})
	}
	_, _ = store.MarkProcessing(ctx, "job-running", 1)

	r := NewReaper(store, queue, events, metrics.New(prometheus.NewRegistry()), 30*time.Minute, time.Minute, logging.Nop())
	r.now = func() time.Time { return now }

	n, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("reaped %d, want 2", n)
	}

	for _, id := range []string{"job-queued", "job-running"} {
		rec, _ := store.Get(ctx, id)
		if rec.Status != video.StatusFailed || rec.FailureReason != video.ReasonTimeoutExhausted {
			t.Fatalf("%s: %+v", id, rec)
		}
		if evs := events.forJob(id); len(evs) != 1 || evs[0].Status != video.StatusFailed {
			t.Fatalf("%s events = %+v", id, evs)
		}
	}
	// 終端済みのジョブにキャンセル要求を残さない
	if ok, _ := store.CancelRequested(ctx, "job-running"); ok {
		t.Fatal("reaped job left a cancel flag behind")
	}
	if stop, _ := store.StopRequested(ctx, "job-running"); !stop {
		t.Fatal("running attempt of a reaped job should be told to stop")
	}
	if stop, _ := store.StopRequested(ctx, "job-fresh"); stop {
		t.Fatal("fresh job should keep running")
	}
	if rec, _ := store.Get(ctx, "job-fresh"); rec.Status != video.StatusQueued {
		t.Fatalf("fresh job status = %s", rec.Status)
	}
	// 実行中のジョブはキューから外さない
	if queue.Len() != 2 {
		t.Fatalf("queue length = %d, want 2", queue.Len())
	}

	if n, _ := r.Sweep(ctx); n != 0 {
		t.Fatalf("second sweep reaped %d, want 0", n)
	}
}
