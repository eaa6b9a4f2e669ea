package progress

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const channelPrefix = "progress:"

// RedisPublisher は Redis Pub/Sub で利用者ごとのチャンネルに進捗を流します。
type RedisPublisher struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// NewRedisPublisher は RedisPublisher を作成します。
func NewRedisPublisher(rdb *redis.Client, logger zerolog.Logger) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, logger: logger}
}

// Publish は Publisher を実装します。
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) {
	if ev.UserID == "" {
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error().Err(err).Str("job_id", ev.JobID).Msg("failed to encode progress event")
		return
	}
	if err := p.rdb.Publish(ctx, Channel(ev.UserID), body).Err(); err != nil {
		p.logger.Warn().Err(err).Str("job_id", ev.JobID).Msg("failed to publish progress event")
	}
}

// Subscribe は利用者のチャンネルを購読します。戻り値の関数で購読を終了します。
func (p *RedisPublisher) Subscribe(ctx context.Context, userID string) (<-chan Event, func() error) {
	sub := p.rdb.Subscribe(ctx, Channel(userID))
	// 購読の確立を待ってから返す
	if _, err := sub.Receive(ctx); err != nil {
		p.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to confirm progress subscription")
	}
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				p.logger.Warn().Err(err).Msg("discarding malformed progress event")
				continue
			}
			ev.UserID = userID
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, sub.Close
}

// Channel は利用者ごとのチャンネル名を返します。
func Channel(userID string) string {
	return channelPrefix + userID
}
