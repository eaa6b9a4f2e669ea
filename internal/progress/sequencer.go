package progress

import (
	"context"

	"github.com/rs/zerolog"
)

// PersistFunc は進捗をジョブレコードに保存します。
type PersistFunc func(ctx context.Context, ev Event) error

// Sequencer は1回の試行で発生する進捗を受け取り、
// 後退を落としてから保存と配信を行う Sink です。
type Sequencer struct {
	order   *Monotonic
	persist PersistFunc
	pub     Publisher
	logger  zerolog.Logger
}

// NewSequencer は Sequencer を作成します。floor には保存済みの進捗を渡します。
func NewSequencer(jobID string, floor int, persist PersistFunc, pub Publisher, logger zerolog.Logger) *Sequencer {
	order := NewMonotonic()
	order.Seed(jobID, floor)
	return &Sequencer{
		order:   order,
		persist: persist,
		pub:     pub,
		logger:  logger,
	}
}

// Emit は Sink を実装します。
func (s *Sequencer) Emit(ctx context.Context, ev Event) {
	ev, ok := s.order.Accept(ev)
	if !ok {
		s.logger.Debug().Str("job_id", ev.JobID).Int("percent", ev.Percent).Msg("dropped out-of-order progress")
		return
	}
	if s.persist != nil && !ev.Status.Terminal() {
		if err := s.persist(ctx, ev); err != nil {
			s.logger.Warn().Err(err).Str("job_id", ev.JobID).Msg("failed to persist progress")
		}
	}
	if s.pub != nil {
		s.pub.Publish(ctx, ev)
	}
}
