package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

type RateLimiterConfig struct {
	Rate  rate.Limit
	Burst int
	// KeyFunc picks the bucket for a request; nil means one bucket per client IP.
	KeyFunc func(c *gin.Context) string
}

// PerMinute builds a limit of n events per minute.
func PerMinute(n int) rate.Limit {
	return rate.Every(time.Minute / time.Duration(n))
}

// RateLimiter keeps one token bucket per key. Idle buckets expire.
type RateLimiter struct {
	mu      sync.Mutex
	config  RateLimiterConfig
	buckets *expirable.LRU[string, *rate.Limiter]
}

func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.Burst <= 0 {
		config.Burst = 1
	}
	if config.KeyFunc == nil {
		config.KeyFunc = func(c *gin.Context) string { return c.ClientIP() }
	}
	return &RateLimiter{
		config:  config,
		buckets: expirable.NewLRU[string, *rate.Limiter](10000, nil, 10*time.Minute),
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.buckets.Get(key)
	if !ok {
		l = rate.NewLimiter(rl.config.Rate, rl.config.Burst)
		rl.buckets.Add(key, l)
	}
	return l
}

func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.limiter(rl.config.KeyFunc(c)).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Code:    http.StatusTooManyRequests,
				Message: "rate limit exceeded",
				TraceID: c.GetString(ContextTraceID),
			})
			return
		}
		c.Next()
	}
}
