package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// LoginRateLimitConfig limits login attempts per client IP
type LoginRateLimitConfig struct {
	Requests  int
	Window    time.Duration
	KeyPrefix string
}

// LoginRateLimit limits requests per client IP with a Redis sorted-set sliding
// window. Redis errors fail open.
func LoginRateLimit(redisClient *redis.Client, cfg LoginRateLimitConfig, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "hr:ratelimit:login:"
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}

	return func(c *gin.Context) {
		if redisClient == nil || cfg.Requests <= 0 {
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 200*time.Millisecond)
		defer cancel()

		key := cfg.KeyPrefix + c.ClientIP()
		now := time.Now()
		windowStart := now.Add(-cfg.Window)

		pipe := redisClient.TxPipeline()
		pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: uuid.NewString()})
		count := pipe.ZCard(ctx, key)
		pipe.Expire(ctx, key, cfg.Window+time.Second)
		if _, err := pipe.Exec(ctx); err != nil {
			rateLimitFailOpenTotal.Inc()
			logger.Warn("Rate limit Redis error, failing open", zap.Error(err), zap.String("key", key))
			c.Next()
			return
		}

		n := count.Val()
		remaining := int64(cfg.Requests) - n
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(cfg.Requests))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if n > int64(cfg.Requests) {
			c.Header("Retry-After", fmt.Sprintf("%d", int(cfg.Window.Seconds())))
			rateLimitHitsTotal.Inc()
			logger.Warn("Login rate limit exceeded", zap.String("client_ip", c.ClientIP()))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"message": "too many login attempts, try again later",
			})
			return
		}

		c.Next()
	}
}
