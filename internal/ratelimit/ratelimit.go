// Package ratelimit provides token-bucket rate limiting for the escrowd API.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var rejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "escrowd",
	Name:      "rate_limited_requests_total",
	Help:      "Requests rejected by the rate limiter.",
})

func init() {
	prometheus.MustRegister(rejectedTotal)
}

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per key.
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// IdleTTL drops buckets not touched for this long.
	IdleTTL time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 600,
		BurstSize:         50,
		IdleTTL:           2 * time.Minute,
	}
}

// KeyFunc picks the bucket for a request.
type KeyFunc func(c *gin.Context) string

// Limiter tracks rate limits by key
type Limiter struct {
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a new rate limiter. Call Run to evict idle buckets.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultConfig().IdleTTL
	}
	return &Limiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// WithClock overrides the time source.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Run evicts idle buckets until ctx is done.
func (l *Limiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.IdleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.evict()
		}
	}
}

func (l *Limiter) evict() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.cfg.IdleTTL)
	for key, b := range l.buckets {
		if b.lastCheck.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Allow takes a token from key's bucket if one is available.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: float64(l.cfg.BurstSize - 1), lastCheck: now}
		return true
	}

	elapsed := now.Sub(b.lastCheck).Seconds()
	b.tokens += elapsed * float64(l.cfg.RequestsPerMinute) / 60.0
	if b.tokens > float64(l.cfg.BurstSize) {
		b.tokens = float64(l.cfg.BurstSize)
	}
	b.lastCheck = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// retryAfter is how long until key's bucket holds a whole token.
func (l *Limiter) retryAfter() int {
	secs := 60 / l.cfg.RequestsPerMinute
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Middleware rejects requests over the limit with 429.
func (l *Limiter) Middleware(key KeyFunc) gin.HandlerFunc {
	if key == nil {
		key = ClientIP
	}
	return func(c *gin.Context) {
		if !l.Allow(key(c)) {
			rejectedTotal.Inc()
			c.Header("Retry-After", strconv.Itoa(l.retryAfter()))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}

// ClientIP keys requests by remote address.
func ClientIP(c *gin.Context) string {
	return "ip:" + c.ClientIP()
}

// ByIdentity keys requests by the value of identity, falling back to the
// client IP when it is empty (unauthenticated requests).
func ByIdentity(identity func(c *gin.Context) string) KeyFunc {
	return func(c *gin.Context) string {
		if id := identity(c); id != "" {
			return "id:" + id
		}
		return ClientIP(c)
	}
}
