// Package progress はジョブ進捗イベントの順序付けと配信を扱います。
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/yourusername/motion-forge/internal/video"
)

// Event は1件の進捗通知です。
type Event struct {
	JobID   string       `json:"jobId"`
	UserID  string       `json:"-"`
	Percent int          `json:"percent"`
	Stage   string       `json:"stage"`
	Message string       `json:"message,omitempty"`
	Status  video.Status `json:"status"`
	At      time.Time    `json:"at"`
}

// Sink はパイプラインが進捗イベントを渡す先です。
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// SinkFunc は関数を Sink として扱うためのアダプタです。
type SinkFunc func(ctx context.Context, ev Event)

// Emit は Sink を実装します。
func (f SinkFunc) Emit(ctx context.Context, ev Event) {
	f(ctx, ev)
}

// Publisher は利用者への配信手段です。配信は投げっぱなしで、失敗しても呼び出し側には返しません。
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Monotonic はジョブごとに最後に通したパーセントを覚え、後退するイベントを落とします。
type Monotonic struct {
	mu   sync.Mutex
	last map[string]int
}

// NewMonotonic は Monotonic を作成します。
func NewMonotonic() *Monotonic {
	return &Monotonic{last: make(map[string]int)}
}

// Seed はジョブの下限値を設定します。既存の値より小さい場合は無視します。
func (m *Monotonic) Seed(jobID string, floor int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.last[jobID]; !ok || floor > cur {
		m.last[jobID] = floor
	}
}

// Accept はイベントを通すかどうかを判定します。
// 終端イベントは必ず通しますが、パーセントは下限まで引き上げます。
func (m *Monotonic) Accept(ev Event) (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	last, seen := m.last[ev.JobID]
	if seen && ev.Percent < last {
		if !ev.Status.Terminal() {
			return ev, false
		}
		ev.Percent = last
	}
	if ev.Status.Terminal() {
		delete(m.last, ev.JobID)
		return ev, true
	}
	m.last[ev.JobID] = ev.Percent
	return ev, true
}

// Forget はジョブの記録を破棄します。
func (m *Monotonic) Forget(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.last, jobID)
}
