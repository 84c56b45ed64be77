package middleware

import (
	"sync"
	"time"
)

// RateLimitConfig configures the per-actor token bucket.
type RateLimitConfig struct {
	// RequestsPerMinute is the max operations per actor per minute.
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit.
	BurstSize int
	// CleanupInterval is how often stale buckets are discarded.
	CleanupInterval time.Duration
}

// DefaultRateLimitConfig returns sensible defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

type bucketState struct {
	tokens    float64
	lastCheck time.Time
}

// RateLimiter tracks token buckets by actor ID.
type RateLimiter struct {
	cfg     RateLimitConfig
	mu      sync.Mutex
	buckets map[string]*bucketState
	stop    chan struct{}
	nowFn   func() time.Time
}

// NewRateLimiter creates a rate limiter and starts its cleanup loop.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &RateLimiter{
		cfg:     cfg,
		buckets: make(map[string]*bucketState),
		stop:    make(chan struct{}),
		nowFn:   time.Now,
	}
	go l.cleanup()
	return l
}

// Allow reports whether the actor may proceed, consuming one token.
func (l *RateLimiter) Allow(actorID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	state, ok := l.buckets[actorID]
	if !ok {
		state = &bucketState{tokens: float64(l.cfg.BurstSize), lastCheck: now}
		l.buckets[actorID] = state
	}

	// Refill at RequestsPerMinute/60 tokens per second, capped at burst.
	elapsed := now.Sub(state.lastCheck).Seconds()
	state.tokens += elapsed * float64(l.cfg.RequestsPerMinute) / 60.0
	if state.tokens > float64(l.cfg.BurstSize) {
		state.tokens = float64(l.cfg.BurstSize)
	}
	state.lastCheck = now

	if state.tokens < 1 {
		return false
	}
	state.tokens--
	return true
}

// Stop stops the cleanup goroutine.
func (l *RateLimiter) Stop() {
	close(l.stop)
}

func (l *RateLimiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := l.nowFn().Add(-2 * time.Minute)
			for key, state := range l.buckets {
				if state.lastCheck.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// RateLimit returns a middleware enforcing the limiter per actor.
// Operations with an empty actor ID are not limited.
func RateLimit(l *RateLimiter) Middleware {
	return func(c *Context, next Next) error {
		if c.ActorID != "" && !l.Allow(c.ActorID) {
			return ErrRateLimited
		}
		return next()
	}
}
