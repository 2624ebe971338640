package middleware

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/makeasinger/stemsplit/pkg/response"
)

const maxLocalKeys = 10000

// RateLimiter limits requests per client IP. Counters live in Redis when a
// client is given and in process memory otherwise.
type RateLimiter struct {
	redis  *redis.Client
	logger *zap.Logger

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

func NewRateLimiter(redisClient *redis.Client, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{redis: redisClient, logger: logger, local: make(map[string]*rate.Limiter)}
}

// Limit allows maxRequests per window for each client IP. A non-positive
// maxRequests disables the limit.
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	if maxRequests <= 0 {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	return func(c *fiber.Ctx) error {
		key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, c.IP())

		var remaining int
		var retryAfter time.Duration
		var allowed bool
		if rl.redis != nil {
			var err error
			allowed, remaining, retryAfter, err = rl.redisAllow(c.UserContext(), key, maxRequests, window)
			if err != nil {
				// allow the request when Redis is unavailable
				rl.logger.Warn("rate limiter unavailable", zap.Error(err))
				return c.Next()
			}
		} else {
			allowed, remaining, retryAfter = rl.localAllow(key, maxRequests, window)
		}

		c.Set("X-RateLimit-Limit", fmt.Sprintf("%d", maxRequests))
		if !allowed {
			c.Set("Retry-After", fmt.Sprintf("%d", int(math.Ceil(retryAfter.Seconds()))))
			c.Set("X-RateLimit-Remaining", "0")
			return response.RateLimited(c)
		}
		c.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		return c.Next()
	}
}

func (rl *RateLimiter) redisAllow(ctx context.Context, key string, maxRequests int, window time.Duration) (bool, int, time.Duration, error) {
	count, err := rl.redis.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, 0, err
	}
	if count == 1 {
		rl.redis.Expire(ctx, key, window)
	}
	if count > int64(maxRequests) {
		ttl, _ := rl.redis.TTL(ctx, key).Result()
		if ttl < 0 {
			ttl = window
		}
		return false, 0, ttl, nil
	}
	return true, maxRequests - int(count), 0, nil
}

func (rl *RateLimiter) localAllow(key string, maxRequests int, window time.Duration) (bool, int, time.Duration) {
	rl.mu.Lock()
	lim, ok := rl.local[key]
	if !ok {
		if len(rl.local) >= maxLocalKeys {
			rl.local = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(rate.Every(window/time.Duration(maxRequests)), maxRequests)
		rl.local[key] = lim
	}
	rl.mu.Unlock()

	now := time.Now()
	r := lim.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, 0, delay
	}
	return true, int(lim.TokensAt(now)), 0
}

// SubmitLimit limits job submissions per hour.
func (rl *RateLimiter) SubmitLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("submit", maxPerHour, time.Hour)
}
