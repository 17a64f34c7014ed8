package http

import (
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"diffusion/internal/config"
	"diffusion/internal/metrics"
)

// rateLimitMiddleware enforces a per-client limit on submissions. With
// Redis it is a fixed per-minute window shared by every replica; without
// it each process keeps a token bucket per client IP.
func rateLimitMiddleware(cfg *config.Config, rdb *redis.Client) fiber.Handler {
	limit := cfg.RateLimit.SubmissionsPerMinute
	if limit <= 0 {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	if rdb != nil {
		return redisRateLimit(limit, rdb)
	}
	return localRateLimit(limit)
}

func redisRateLimit(limit int, rdb *redis.Client) fiber.Handler {
	return func(c *fiber.Ctx) error {
		now := time.Now().UTC()
		window := now.Format("200601021504") // YYYYMMDDHHMM minute window
		key := fmt.Sprintf("diffusion:rl:%s:%s", c.IP(), window)

		ctx := c.Context()
		count, err := rdb.Incr(ctx, key).Result()
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
				Success: false,
				Code:    "INTERNAL_ERROR",
				Error:   fmt.Sprintf("rate limit increment failed: %v", err),
			})
		}
		if count == 1 {
			// First hit in this window; set TTL
			_ = rdb.Expire(ctx, key, time.Minute)
		}

		if count > int64(limit) {
			return rateLimited(c)
		}
		return c.Next()
	}
}

type ipLimiters struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func (l *ipLimiters) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = lim
	}
	return lim
}

func localRateLimit(perMinute int) fiber.Handler {
	l := &ipLimiters{
		limit:    rate.Limit(float64(perMinute) / 60),
		burst:    perMinute,
		limiters: make(map[string]*rate.Limiter),
	}
	return func(c *fiber.Ctx) error {
		if !l.get(c.IP()).Allow() {
			return rateLimited(c)
		}
		return c.Next()
	}
}

func rateLimited(c *fiber.Ctx) error {
	metrics.RecordJobRejected("rate_limited")
	return c.Status(fiber.StatusTooManyRequests).JSON(ErrorResponse{
		Success: false,
		Code:    "RATE_LIMIT_EXCEEDED",
		Error:   "Rate limit exceeded, try again later",
	})
}
