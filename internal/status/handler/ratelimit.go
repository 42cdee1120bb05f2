package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	defaultIdleTTL       = 10 * time.Minute
	defaultSweepInterval = 5 * time.Minute
)

// RateLimitConfig sizes the per-client token buckets. Zero IdleTTL or
// SweepInterval fall back to 10m and 5m.
type RateLimitConfig struct {
	RPS           int
	Burst         int
	IdleTTL       time.Duration
	SweepInterval time.Duration
}

func (c RateLimitConfig) withDefaults() RateLimitConfig {
	if c.IdleTTL <= 0 {
		c.IdleTTL = defaultIdleTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	return c
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter keeps one token bucket per client IP.
type clientLimiter struct {
	cfg RateLimitConfig
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

func newClientLimiter(cfg RateLimitConfig, now func() time.Time) *clientLimiter {
	return &clientLimiter{
		cfg:     cfg.withDefaults(),
		now:     now,
		buckets: make(map[string]*bucket),
	}
}

func (l *clientLimiter) allow(ip string) bool {
	now := l.now()
	l.mu.Lock()
	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.RPS), l.cfg.Burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	l.mu.Unlock()
	return b.limiter.AllowN(now, 1)
}

// sweep drops buckets idle for longer than IdleTTL and returns how many
// remain.
func (l *clientLimiter) sweep() int {
	cutoff := l.now().Add(-l.cfg.IdleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, ip)
		}
	}
	return len(l.buckets)
}

func (l *clientLimiter) run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-ctx.Done():
			return
		}
	}
}

// RateLimiter returns a Gin middleware that enforces per-IP token-bucket
// rate limiting. Idle clients are forgotten every SweepInterval until ctx
// is cancelled.
func RateLimiter(ctx context.Context, cfg RateLimitConfig) gin.HandlerFunc {
	l := newClientLimiter(cfg, time.Now)
	go l.run(ctx)

	return func(c *gin.Context) {
		if !l.allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorBody{Error: "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
