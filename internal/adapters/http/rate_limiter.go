package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// OperatorRateLimiter is a sliding window limit per operator token.
type OperatorRateLimiter struct {
	mu       sync.Mutex
	history  map[string][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
	swept    time.Time
}

func NewOperatorRateLimiter(limit int, interval time.Duration) *OperatorRateLimiter {
	return &OperatorRateLimiter{
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *OperatorRateLimiter) Allow(operator string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)
	if now.Sub(rl.swept) >= rl.interval {
		rl.sweep(windowStart)
		rl.swept = now
	}

	attempts := rl.history[operator]
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[operator] = fresh
		return false
	}

	rl.history[operator] = append(fresh, now)
	return true
}

// Middleware answers 429 once the operator exceeds the limit.
func (rl *OperatorRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		op := c.GetString(operatorKey)
		if !rl.Allow(op) {
			log.Warn().Str("module", "adapters.http").Str("operator", op).Str("path", c.FullPath()).Msg("rate limited")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

// sweep forgets operators with no attempt inside the window.
func (rl *OperatorRateLimiter) sweep(windowStart time.Time) {
	for op, attempts := range rl.history {
		if len(attempts) == 0 || !attempts[len(attempts)-1].After(windowStart) {
			delete(rl.history, op)
		}
	}
}
