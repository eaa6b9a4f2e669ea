package auth

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterIdleTTL を過ぎて使われていない利用者の状態は破棄します。
var limiterIdleTTL = 10 * time.Minute

type limiterState struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter は利用者ごとのトークンバケットです。
type RateLimiter struct {
	lock     sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*limiterState
	now      func() time.Time
}

// NewRateLimiter は1分あたり perMinute 回まで許可する RateLimiter を作成します。
// perMinute が 0 以下の場合は制限しません。
func NewRateLimiter(perMinute int) *RateLimiter {
	limit := rate.Inf
	burst := 0
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
		burst = perMinute
	}
	return &RateLimiter{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*limiterState),
		now:      time.Now,
	}
}

// Allow は key のリクエストを1回分消費できるかを返します。拒否時は待つべき時間も返します。
func (l *RateLimiter) Allow(key string) (bool, time.Duration) {
	if l.limit == rate.Inf {
		return true, 0
	}
	l.lock.Lock()
	defer l.lock.Unlock()

	now := l.now()
	l.evictLocked(now)
	state, ok := l.limiters[key]
	if !ok {
		state = &limiterState{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = state
	}
	state.lastSeen = now

	r := state.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (l *RateLimiter) evictLocked(now time.Time) {
	for key, state := range l.limiters {
		if now.Sub(state.lastSeen) > limiterIdleTTL {
			delete(l.limiters, key)
		}
	}
}

// Middleware は流量制限のミドルウェアを返します。
// RequireUser の後に置くと利用者ごと、そうでなければ接続元IPごとに数えます。
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := UserID(c)
		if key == "" {
			key = "ip:" + c.ClientIP()
		}
		ok, retryAfter := l.Allow(key)
		if !ok {
			// Retry-After は秒数で返す
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "TOO_MANY_REQUESTS",
				"message": "一定時間後に再度お試しください",
			})
			return
		}
		c.Next()
	}
}
