package web

import (
	"sync"
	"time"
)

// rateLimiter is a process-wide token bucket guarding write endpoints.
type rateLimiter struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	refill   float64 // tokens per second
	last     time.Time
}

func newRateLimiter(capacity int, perSecond float64) *rateLimiter {
	return &rateLimiter{
		tokens:   float64(capacity),
		capacity: float64(capacity),
		refill:   perSecond,
		last:     time.Now(),
	}
}

// allow consumes one token if available.
func (l *rateLimiter) allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.tokens += now.Sub(l.last).Seconds() * l.refill
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
	l.last = now

	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}
