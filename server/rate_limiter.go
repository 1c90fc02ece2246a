package main

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

type rateRecord struct {
	count int
	reset time.Time
}

// RateLimiter tracks per-key request usage within a fixed window.
type RateLimiter struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]rateRecord
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{now: time.Now, entries: make(map[string]rateRecord)}
}

// Allow returns true if the caller may proceed under the provided limit and window.
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) bool {
	if limit <= 0 {
		return true
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec := rl.entries[key]
	if rec.reset.IsZero() || now.After(rec.reset) {
		rec = rateRecord{reset: now.Add(window)}
	}
	if rec.count >= limit {
		return false
	}
	rec.count++
	rl.entries[key] = rec
	return true
}

// Prune drops expired windows.
func (rl *RateLimiter) Prune() int {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for key, rec := range rl.entries {
		if now.After(rec.reset) {
			delete(rl.entries, key)
			removed++
		}
	}
	return removed
}

// RetryAfter reports how long key has to wait for its window to reset.
func (rl *RateLimiter) RetryAfter(key string) time.Duration {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rec, ok := rl.entries[key]
	if !ok || now.After(rec.reset) {
		return 0
	}
	return rec.reset.Sub(now)
}

type RateLimiterStats struct {
	Keys int `json:"keys"`
}

func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return RateLimiterStats{Keys: len(rl.entries)}
}

// rateLimited rejects callers that exceed limit requests per window, keyed by scope and client IP.
func (s *Server) rateLimited(scope string, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := scope + ":" + c.ClientIP()
		if !s.rateLimiter.Allow(key, limit, window) {
			wait := math.Ceil(s.rateLimiter.RetryAfter(key).Seconds())
			c.Header("Retry-After", strconv.Itoa(int(wait)))
			respondError(c, http.StatusTooManyRequests, "rate limit exceeded", s.logger)
			return
		}
		c.Next()
	}
}
