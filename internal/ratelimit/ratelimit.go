// Package ratelimit provides rate limiting middleware for the Fraudscan API.
//
// Limits are enforced per API key (falling back to client IP for
// unauthenticated requests) with the key's tier deciding the allowance.
// The default backend is an in-process token bucket; a Redis fixed-window
// backend is available for multi-instance deployments.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kestrelhq/fraudscan/internal/metrics"
)

// Backend decides whether a request identified by key may proceed under the
// given requests-per-minute allowance.
type Backend interface {
	AllowRPM(key string, rpm int) bool
}

// Config configures the in-process limiter.
type Config struct {
	// RequestsPerMinute is the default allowance when no tier applies
	RequestsPerMinute int
	// BurstFraction scales the bucket depth relative to the RPM allowance
	BurstFraction float64
	// CleanupInterval is how often to clean old entries
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstFraction:     1.0 / 6.0, // ten seconds of allowance
		CleanupInterval:   time.Minute,
	}
}

// Limiter is a token-bucket Backend keyed by caller identity.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*clientState
	stop    chan struct{}
}

type clientState struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a new in-process rate limiter.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if cfg.BurstFraction <= 0 {
		cfg.BurstFraction = DefaultConfig().BurstFraction
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*clientState),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// cleanup removes stale entries periodically
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := time.Now().Add(-2 * time.Minute)
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

// Stop stops the cleanup goroutine.
func (l *Limiter) Stop() {
	close(l.stop)
}

// Allow checks a request against the default allowance.
func (l *Limiter) Allow(key string) bool {
	return l.AllowRPM(key, l.cfg.RequestsPerMinute)
}

// AllowRPM checks a request against a caller-specific allowance. Bucket
// depth scales with the allowance so higher tiers also get bigger bursts.
func (l *Limiter) AllowRPM(key string, rpm int) bool {
	if rpm <= 0 {
		rpm = l.cfg.RequestsPerMinute
	}
	burst := float64(rpm) * l.cfg.BurstFraction
	if burst < 1 {
		burst = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	state, exists := l.clients[key]

	if !exists {
		l.clients[key] = &clientState{
			tokens:    burst - 1,
			lastCheck: now,
		}
		return true
	}

	// Token bucket algorithm
	elapsed := now.Sub(state.lastCheck).Seconds()
	state.tokens += elapsed * float64(rpm) / 60.0
	if state.tokens > burst {
		state.tokens = burst
	}
	state.lastCheck = now

	if state.tokens >= 1 {
		state.tokens--
		return true
	}
	return false
}

// Middleware returns a Gin middleware enforcing the limiter. rpmFor maps a
// request to its allowance (e.g. by API key tier); pass nil to use the
// default allowance for everyone.
func Middleware(backend Backend, rpmFor func(c *gin.Context) (key string, rpm int)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var key string
		var rpm int
		if rpmFor != nil {
			key, rpm = rpmFor(c)
		}
		if key == "" {
			key = "ip:" + c.ClientIP()
		}

		if !backend.AllowRPM(key, rpm) {
			metrics.RateLimitedTotal.Inc()
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 1,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
