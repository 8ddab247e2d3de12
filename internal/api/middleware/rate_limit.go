package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	pkgerrors "baton-attendance/backend/pkg/errors"
	"baton-attendance/backend/pkg/response"
)

// SlidingWindow Redis 滑动窗口计数器（pkg/redis.Client 实现）
type SlidingWindow interface {
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// RateLimit 扫码限流中间件，按 用户 + 路由 计数。
// 优先使用 Redis 滑动窗口以在多实例间共享配额；
// 未配置 Redis 或 Redis 出错时退回进程内令牌桶。
func RateLimit(rdb SlidingWindow, limit int, window time.Duration, logger *zap.Logger) gin.HandlerFunc {
	local := newLocalLimiter(limit, window)

	return func(c *gin.Context) {
		subject := c.GetString("user_id")
		if subject == "" {
			subject = c.ClientIP()
		}
		key := fmt.Sprintf("rate_limit:%s:%s", subject, c.FullPath())

		allowed := true
		if rdb != nil {
			ok, err := rdb.CheckRateLimit(c.Request.Context(), key, limit, window)
			if err != nil {
				logger.Warn("Redis 限流不可用，使用本地限流", zap.Error(err))
				allowed = local.allow(key)
			} else {
				allowed = ok
			}
		} else {
			allowed = local.allow(key)
		}

		if !allowed {
			response.AppError(c, pkgerrors.ErrRateLimited)
			c.Abort()
			return
		}

		c.Next()
	}
}

// ── 进程内令牌桶 ──

const localLimiterIdleTTL = 10 * time.Minute

type localLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[string]*limiterEntry
	lastGC  time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLocalLimiter(limit int, window time.Duration) *localLimiter {
	return &localLimiter{
		limit:   rate.Limit(float64(limit) / window.Seconds()),
		burst:   limit,
		entries: make(map[string]*limiterEntry),
		lastGC:  time.Now(),
	}
}

func (l *localLimiter) allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastGC) > localLimiterIdleTTL {
		for k, e := range l.entries {
			if now.Sub(e.lastSeen) > localLimiterIdleTTL {
				delete(l.entries, k)
			}
		}
		l.lastGC = now
	}

	e, ok := l.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}
