package eligibility

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	usageKeyPrefix = "usage:"
	tokenKeyPrefix = "usage-token:"
	usageTTL       = 48 * time.Hour
)

// 戻り値: {0=拒否 / 1=再送 / 2=受付, jobID, 現在値}
var consumeScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[2])
if existing then
  return {1, existing, tonumber(redis.call('GET', KEYS[1]) or '0')}
end
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[2])
if limit >= 0 and count >= limit then
  return {0, '', count}
end
count = redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('SET', KEYS[2], ARGV[1], 'EX', ARGV[3])
return {2, ARGV[1], count}
`)

// RedisUsage は Redis 上の日次カウンタです。古い日付キーは TTL で消えます。
type RedisUsage struct {
	rdb *redis.Client
}

// NewRedisUsage は RedisUsage を作成します。
func NewRedisUsage(rdb *redis.Client) *RedisUsage {
	return &RedisUsage{rdb: rdb}
}

// Consume は UsageCounter を実装します。
func (u *RedisUsage) Consume(ctx context.Context, key UsageKey, token, jobID string, limit int) (ConsumeResult, error) {
	keys := []string{counterKey(key), tokenKey(key.UserID, token)}
	raw, err := consumeScript.Run(ctx, u.rdb, keys, jobID, limit, int(usageTTL.Seconds())).Slice()
	if err != nil {
		return ConsumeResult{}, err
	}
	if len(raw) != 3 {
		return ConsumeResult{}, fmt.Errorf("unexpected script result: %v", raw)
	}
	code, _ := raw[0].(int64)
	id, _ := raw[1].(string)
	count, _ := raw[2].(int64)

	res := ConsumeResult{JobID: id, Count: int(count)}
	switch code {
	case 1:
		res.Replayed = true
		res.Allowed = true
	case 2:
		res.Allowed = true
	}
	return res, nil
}

// Admitted は UsageCounter を実装します。
func (u *RedisUsage) Admitted(ctx context.Context, userID, token string) (string, bool, error) {
	jobID, err := u.rdb.Get(ctx, tokenKey(userID, token)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return jobID, true, nil
}

// Count は UsageCounter を実装します。
func (u *RedisUsage) Count(ctx context.Context, key UsageKey) (int, error) {
	n, err := u.rdb.Get(ctx, counterKey(key)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func counterKey(key UsageKey) string {
	return fmt.Sprintf("%s%s:%s:%s", usageKeyPrefix, key.UserID, key.Variant, key.Day)
}

func tokenKey(userID, token string) string {
	return tokenKeyPrefix + userID + ":" + token
}
