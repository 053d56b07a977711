package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter applies a token bucket per source IP. Login and agent
// ingestion paths share the implementation with separate instances and
// refill rates.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*ipBucket
	perMin  float64
	burst   int
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter refilling perMinute tokens per minute
// per IP, with a burst of the same size.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &RateLimiter{
		buckets: make(map[string]*ipBucket),
		perMin:  float64(perMinute),
		burst:   perMinute,
	}
}

// Allow reports whether a request from ip may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	b, ok := rl.buckets[ip]
	if !ok {
		b = &ipBucket{limiter: rate.NewLimiter(rate.Limit(rl.perMin/60.0), rl.burst)}
		rl.buckets[ip] = b
	}
	b.lastSeen = time.Now()
	rl.mu.Unlock()

	return b.limiter.Allow()
}

// Cleanup drops buckets idle for more than an hour. Call periodically.
func (rl *RateLimiter) Cleanup() {
	cutoff := time.Now().Add(-time.Hour)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, ip)
		}
	}
}
