// Package ratelimit throttles API callers with a per-key token bucket.
//
// Authenticated callers are keyed by user ID so a trader cannot dodge the
// limit by rotating tokens; anonymous callers are keyed by client IP.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/tradeguard/internal/auth"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per key
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often to clean old entries
	CleanupInterval time.Duration
	// ExemptAdmins skips the limit for arbitrators working a queue.
	ExemptAdmins bool
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
		ExemptAdmins:      true,
	}
}

// Limiter tracks rate limits by key
type Limiter struct {
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
	clients map[string]*clientState
	stop    chan struct{}
	once    sync.Once
}

type clientState struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a new rate limiter and starts its cleanup loop.
func New(cfg Config) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		clients: make(map[string]*clientState),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// WithClock replaces the wall clock.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// cleanup drops keys that have been idle long enough to refill completely.
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

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow takes one token for key. It returns whether the request may
// proceed and how many tokens remain.
func (l *Limiter) Allow(key string) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	burst := float64(l.cfg.BurstSize)
	state, exists := l.clients[key]
	if !exists {
		state = &clientState{tokens: burst, lastCheck: now}
		l.clients[key] = state
	}

	elapsed := now.Sub(state.lastCheck).Seconds()
	state.tokens = math.Min(burst, state.tokens+elapsed*float64(l.cfg.RequestsPerMinute)/60.0)
	state.lastCheck = now

	if state.tokens >= 1 {
		state.tokens--
		return true, int(state.tokens)
	}
	return false, 0
}

// Middleware returns a Gin middleware. It must run after auth.Middleware
// so the caller identity is known.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.cfg.ExemptAdmins && auth.IsAdmin(c) {
			c.Next()
			return
		}

		key := "ip:" + c.ClientIP()
		if user := auth.GetUserID(c); user != "" {
			key = "user:" + user
		}

		ok, remaining := l.Allow(key)
		c.Header("X-RateLimit-Limit", strconv.Itoa(l.cfg.RequestsPerMinute))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !ok {
			retry := 1
			if l.cfg.RequestsPerMinute > 0 && l.cfg.RequestsPerMinute < 60 {
				retry = int(math.Ceil(60.0 / float64(l.cfg.RequestsPerMinute)))
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}

		c.Next()
	}
}
