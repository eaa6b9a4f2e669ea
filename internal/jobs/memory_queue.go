package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/motion-forge/internal/video"
)

// MemoryQueue はプロセス内で完結する Queue の実装です（テスト・ローカル開発用）。
// elevated を連続で取り出せるのは maxSkew 件までで、その後は待機中の normal を1件取り出します。
type MemoryQueue struct {
	mu       sync.Mutex
	elevated []*memItem
	normal   []*memItem
	inflight map[string]*memItem
	dead     []Delivery
	maxSkew  int
	streak   int

	concurrency int
	wake        chan struct{}
	stop        chan struct{}
	wg          sync.WaitGroup
	started     bool
	now         func() time.Time
	logger      zerolog.Logger
}

type memItem struct {
	delivery Delivery
	policy   RetryPolicy
	readyAt  time.Time
}

// NewMemoryQueue は MemoryQueue を作成します。
func NewMemoryQueue(concurrency, maxSkew int, logger zerolog.Logger) *MemoryQueue {
	if concurrency <= 0 {
		concurrency = 1
	}
	if maxSkew <= 0 {
		maxSkew = 3
	}
	return &MemoryQueue{
		inflight:    make(map[string]*memItem),
		maxSkew:     maxSkew,
		concurrency: concurrency,
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		now:         time.Now,
		logger:      logger,
	}
}

// Enqueue は Queue を実装します。
func (q *MemoryQueue) Enqueue(ctx context.Context, jobID string, variant video.Variant, opts EnqueueOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if jobID == "" {
		return errors.New("jobID is required")
	}
	maxAttempts := opts.Policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.containsLocked(jobID) {
		return nil
	}
	item := &memItem{
		delivery: Delivery{
			JobID:       jobID,
			Variant:     variant,
			Priority:    opts.Priority,
			Attempt:     1,
			MaxAttempts: maxAttempts,
		},
		policy:  opts.Policy,
		readyAt: q.now(),
	}
	q.pushLocked(item)
	return nil
}

// Remove は Queue を実装します。
func (q *MemoryQueue) Remove(ctx context.Context, jobID string, priority Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, list := range []*[]*memItem{&q.elevated, &q.normal} {
		for i, item := range *list {
			if item.delivery.JobID == jobID {
				*list = append((*list)[:i], (*list)[i+1:]...)
				return nil
			}
		}
	}
	return ErrNotQueued
}

// Dequeue は取り出せるジョブがあれば1件返します。取り出したジョブは Ack か Nack するまで他に配信されません。
func (q *MemoryQueue) Dequeue() (Delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	e := firstReady(q.elevated, now)
	n := firstReady(q.normal, now)

	var item *memItem
	switch {
	case e >= 0 && (n < 0 || q.streak < q.maxSkew):
		item = q.elevated[e]
		q.elevated = append(q.elevated[:e], q.elevated[e+1:]...)
		q.streak++
	case n >= 0:
		item = q.normal[n]
		q.normal = append(q.normal[:n], q.normal[n+1:]...)
		q.streak = 0
	default:
		return Delivery{}, false
	}
	q.inflight[item.delivery.JobID] = item
	return item.delivery, true
}

// Ack は配信の完了を記録します。
func (q *MemoryQueue) Ack(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, jobID)
}

// Nack は配信の失敗を記録します。retry が true で試行回数が残っていれば、
// 待ち時間の後に再配信します。再配信しない場合は dead に移して false を返します。
func (q *MemoryQueue) Nack(jobID string, retry bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.inflight[jobID]
	if !ok {
		return false
	}
	delete(q.inflight, jobID)

	if !retry || item.delivery.LastAttempt() {
		q.dead = append(q.dead, item.delivery)
		return false
	}
	failures := item.delivery.Attempt
	item.delivery.Attempt++
	item.readyAt = q.now().Add(item.policy.Delay(failures))
	q.pushLocked(item)
	return true
}

// Dead は再配信されずに終わった配信の一覧を返します。
func (q *MemoryQueue) Dead() []Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Delivery(nil), q.dead...)
}

// Len は待機中のジョブ数を返します。
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.elevated) + len(q.normal)
}

// Start は concurrency 個のワーカーを起動します。
func (q *MemoryQueue) Start(h Handler) error {
	if h == nil {
		return errors.New("handler is nil")
	}
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return errors.New("queue already started")
	}
	q.started = true
	q.mu.Unlock()

	for i := 0; i < q.concurrency; i++ {
		q.wg.Add(1)
		go q.loop(h)
	}
	return nil
}

// Stop はワーカーを止めます。実行中の配信は完了まで待ちます。
func (q *MemoryQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = false
	close(q.stop)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) loop(h Handler) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		default:
		}

		d, ok := q.Dequeue()
		if !ok {
			if !q.wait() {
				return
			}
			continue
		}
		q.process(h, d)
	}
}

func (q *MemoryQueue) process(h Handler, d Delivery) {
	ctx := context.Background()
	q.mu.Lock()
	timeout := q.inflight[d.JobID].policy.AttemptTimeout
	q.mu.Unlock()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := h(ctx, d)
	if err == nil {
		q.Ack(d.JobID)
		return
	}
	requeued := q.Nack(d.JobID, !errors.Is(err, ErrSkipRetry))
	q.logger.Debug().Err(err).Str("job_id", d.JobID).Int("attempt", d.Attempt).Bool("requeued", requeued).Msg("delivery failed")
}

// wait は次のジョブが取り出せそうになるまで待ちます。停止した場合は false を返します。
func (q *MemoryQueue) wait() bool {
	q.mu.Lock()
	next, ok := q.nextReadyLocked()
	q.mu.Unlock()

	timeout := time.Second
	if ok {
		if d := next.Sub(q.now()); d < timeout {
			timeout = d
		}
	}
	if timeout <= 0 {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-q.stop:
		return false
	case <-q.wake:
		return true
	case <-timer.C:
		return true
	}
}

func (q *MemoryQueue) pushLocked(item *memItem) {
	if item.delivery.Priority == PriorityElevated {
		q.elevated = append(q.elevated, item)
	} else {
		q.normal = append(q.normal, item)
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) containsLocked(jobID string) bool {
	if _, ok := q.inflight[jobID]; ok {
		return true
	}
	for _, list := range [][]*memItem{q.elevated, q.normal} {
		for _, item := range list {
			if item.delivery.JobID == jobID {
				return true
			}
		}
	}
	return false
}

func (q *MemoryQueue) nextReadyLocked() (time.Time, bool) {
	var next time.Time
	found := false
	for _, list := range [][]*memItem{q.elevated, q.normal} {
		for _, item := range list {
			if !found || item.readyAt.Before(next) {
				next = item.readyAt
				found = true
			}
		}
	}
	return next, found
}

func firstReady(items []*memItem, now time.Time) int {
	for i, item := range items {
		if !item.readyAt.After(now) {
			return i
		}
	}
	return -1
}
