package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is a token bucket shared by every request to one upstream endpoint
type Limiter struct {
	rate      float64 // tokens per second
	tokens    float64
	maxTokens float64
	last      time.Time
	now       func() time.Time
	mu        sync.Mutex
}

// New creates a limiter allowing rps requests per second with a burst of
// max(rps, 1). Non-positive rates fall back to one request per second.
func New(rps float64) *Limiter {
	if rps <= 0 {
		rps = 1.0
	}
	burst := rps
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		rate:      rps,
		tokens:    burst,
		maxTokens: burst,
		last:      time.Now(),
		now:       time.Now,
	}
}

// Wait blocks until a token is available or ctx is done
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		wait := l.reserve()
		if wait <= 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// reserve takes a token and returns 0, or returns how long until one refills
func (l *Limiter) reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.tokens += now.Sub(l.last).Seconds() * l.rate
	if l.tokens > l.maxTokens {
		l.tokens = l.maxTokens
	}
	l.last = now

	if l.tokens >= 1.0 {
		l.tokens -= 1.0
		return 0
	}

	missing := 1.0 - l.tokens
	return time.Duration(missing / l.rate * float64(time.Second))
}
