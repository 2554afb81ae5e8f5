// Package ratelimit throttles API callers, by user when authenticated and by
// client IP otherwise.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/bookit/internal/auth"
	"github.com/mbd888/bookit/internal/logging"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per caller.
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit (memory limiter only).
	BurstSize int
	// CleanupInterval is how often idle callers are forgotten.
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
	}
}

// Allower decides whether the caller identified by key may proceed.
type Allower interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Limiter is an in-process token bucket per key.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*clientState
	stop    chan struct{}
	now     func() time.Time
}

type clientState struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a new in-memory limiter and starts its cleanup loop.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*clientState),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := l.now().Add(-2 * time.Minute)
			for key, state := range l.clients {
				if state.lastCheck.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine
func (l *Limiter) Stop() {
	close(l.stop)
}

// Allow takes one token from key's bucket.
func (l *Limiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	state, ok := l.clients[key]
	if !ok {
		l.clients[key] = &clientState{tokens: float64(l.cfg.BurstSize - 1), lastCheck: now}
		return true, nil
	}

	refill := now.Sub(state.lastCheck).Seconds() * float64(l.cfg.RequestsPerMinute) / 60.0
	state.tokens = min(state.tokens+refill, float64(l.cfg.BurstSize))
	state.lastCheck = now

	if state.tokens >= 1 {
		state.tokens--
		return true, nil
	}
	return false, nil
}

// RedisLimiter counts requests per key in fixed one-minute windows shared by
// every API instance.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int64
	now    func() time.Time
}

// NewRedisLimiter creates a Redis-backed limiter.
func NewRedisLimiter(client *redis.Client, prefix string, cfg Config) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, limit: int64(cfg.RequestsPerMinute), now: time.Now}
}

func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	window := r.now().Unix() / 60
	k := r.prefix + key + ":" + strconv.FormatInt(window, 10)

	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.Expire(ctx, k, 2*time.Minute)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate limit counter: %w", err)
	}
	return incr.Val() <= r.limit, nil
}

// Key identifies the caller: the authenticated user, else the client IP.
func Key(c *gin.Context) string {
	if p, ok := auth.GetPrincipal(c); ok && p.UserID != "" {
		return "user:" + p.UserID
	}
	return "ip:" + c.ClientIP()
}

// Middleware rejects callers over their limit with 429. If the limiter
// itself fails the request is let through.
func Middleware(l Allower) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := l.Allow(c.Request.Context(), Key(c))
		if err != nil {
			logging.L(c.Request.Context()).Warn("rate limiter unavailable", "error", err)
			c.Next()
			return
		}
		if !ok {
			c.Header("Retry-After", "60")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
