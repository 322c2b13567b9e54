// Package ratelimit provides per-client rate limiting middleware for the
// refguard API.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerSecond is the sustained rate per client
	RequestsPerSecond float64
	// BurstSize allows brief bursts above the rate
	BurstSize int
	// CleanupInterval is how often idle clients are evicted
	CleanupInterval time.Duration
	// IdleTTL is how long a client may stay silent before eviction
	IdleTTL time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 100,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
		IdleTTL:           5 * time.Minute,
	}
}

// Limiter tracks a token bucket per client key.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*client
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter and starts its cleanup goroutine.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = def.BurstSize
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}

	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*client),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.cfg.IdleTTL)
	for key, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, key)
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow reports whether a request from key may proceed.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	now := l.now()
	c, ok := l.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.BurstSize)}
		l.clients[key] = c
	}
	c.lastSeen = now
	l.mu.Unlock()

	return c.limiter.AllowN(now, 1)
}

// Middleware rate limits by API credential when present, otherwise by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	retryAfter := strconv.Itoa(max(1, int(1/l.cfg.RequestsPerSecond)))

	return func(c *gin.Context) {
		if !l.Allow(clientKey(c)) {
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}

// clientKey hashes credentials so raw keys never sit in the limiter map.
func clientKey(c *gin.Context) string {
	cred := c.GetHeader("X-API-Key")
	if cred == "" {
		cred = strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
	}
	if cred == "" {
		return "ip:" + c.ClientIP()
	}
	sum := sha256.Sum256([]byte(cred))
	return "key:" + hex.EncodeToString(sum[:8])
}
