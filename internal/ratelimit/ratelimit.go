package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	now := time.Now()
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: now,
		lastUsed:   now,
	}
}

// Allow checks if a request can be allowed and consumes a token if available
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.lastUsed = now
	elapsed := now.Sub(tb.lastRefill)

	tokensToAdd := int(elapsed.Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUsed
}

// RateLimiter manages global and per-peer limits for accepted connections
// and control requests. A zero rate disables that limit.
type RateLimiter struct {
	mu                  sync.Mutex
	globalConnLimiter   *TokenBucket
	globalReqLimiter    *TokenBucket
	perPeerConnLimiters map[string]*TokenBucket
	perPeerReqLimiters  map[string]*TokenBucket
	connRate            int
	reqRate             int
	burstSize           int
}

// NewRateLimiter creates a new rate limiter with the given configuration
func NewRateLimiter(globalConnLimit, perPeerConnLimit, globalReqLimit, perPeerReqLimit, burstSize int) *RateLimiter {
	if burstSize <= 0 {
		burstSize = 1
	}
	rl := &RateLimiter{
		perPeerConnLimiters: make(map[string]*TokenBucket),
		perPeerReqLimiters:  make(map[string]*TokenBucket),
		connRate:            perPeerConnLimit,
		reqRate:             perPeerReqLimit,
		burstSize:           burstSize,
	}
	if globalConnLimit > 0 {
		rl.globalConnLimiter = NewTokenBucket(globalConnLimit, burstSize)
	}
	if globalReqLimit > 0 {
		rl.globalReqLimiter = NewTokenBucket(globalReqLimit, burstSize)
	}
	return rl
}

// AllowConnection checks if a new connection from peer is allowed.
// A nil RateLimiter allows everything.
func (rl *RateLimiter) AllowConnection(peer string) bool {
	if rl == nil {
		return true
	}
	if rl.globalConnLimiter != nil && !rl.globalConnLimiter.Allow() {
		return false
	}
	if rl.connRate > 0 {
		return rl.bucket(rl.perPeerConnLimiters, peer, rl.connRate).Allow()
	}
	return true
}

// AllowRequest checks if a control request from peer is allowed.
// A nil RateLimiter allows everything.
func (rl *RateLimiter) AllowRequest(peer string) bool {
	if rl == nil {
		return true
	}
	if rl.globalReqLimiter != nil && !rl.globalReqLimiter.Allow() {
		return false
	}
	if rl.reqRate > 0 {
		return rl.bucket(rl.perPeerReqLimiters, peer, rl.reqRate).Allow()
	}
	return true
}

func (rl *RateLimiter) bucket(m map[string]*TokenBucket, peer string, rate int) *TokenBucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := m[peer]
	if !ok {
		b = NewTokenBucket(rate, rl.burstSize)
		m[peer] = b
	}
	return b
}

// CleanupIdle removes per-peer buckets unused for longer than maxIdle and
// returns how many were removed.
func (rl *RateLimiter) CleanupIdle(maxIdle time.Duration) int {
	if rl == nil {
		return 0
	}
	cutoff := time.Now().Add(-maxIdle)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for _, m := range []map[string]*TokenBucket{rl.perPeerConnLimiters, rl.perPeerReqLimiters} {
		for peer, b := range m {
			if b.idleSince().Before(cutoff) {
				delete(m, peer)
				removed++
			}
		}
	}
	return removed
}

// Peers returns the number of peers currently tracked.
func (rl *RateLimiter) Peers() int {
	if rl == nil {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	seen := make(map[string]struct{}, len(rl.perPeerConnLimiters))
	for p := range rl.perPeerConnLimiters {
		seen[p] = struct{}{}
	}
	for p := range rl.perPeerReqLimiters {
		seen[p] = struct{}{}
	}
	return len(seen)
}
