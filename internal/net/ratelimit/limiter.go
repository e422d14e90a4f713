// Package ratelimit provides per-key token-bucket throttling. The matching
// service keys on user_id to stop one account from flooding the books.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter maintains one token bucket per key, created on first use.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewLimiter creates a limiter with the given refill rate and burst.
func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

func (l *Limiter) getLimiter(key string) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limiters[key]
	l.mu.RUnlock()
	if exists {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, exists := l.limiters[key]; exists {
		return limiter
	}
	limiter = rate.NewLimiter(rate.Limit(l.rps), l.burst)
	l.limiters[key] = limiter
	return limiter
}

// Allow reports whether a request under key may proceed now.
func (l *Limiter) Allow(key string) bool {
	return l.getLimiter(key).Allow()
}

// Stats snapshots every bucket for the health surface.
func (l *Limiter) Stats() map[string]Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]Stats, len(l.limiters))
	now := time.Now()
	for key, limiter := range l.limiters {
		reservation := limiter.Reserve()
		delay := reservation.Delay()
		reservation.Cancel()

		out[key] = Stats{
			Key:             key,
			RPS:             float64(limiter.Limit()),
			Burst:           limiter.Burst(),
			TokensAvailable: limiter.Tokens(),
			NextAllowedAt:   now.Add(delay),
		}
	}
	return out
}

// Stats describes one key's bucket.
type Stats struct {
	Key             string    `json:"key"`
	RPS             float64   `json:"rps"`
	Burst           int       `json:"burst"`
	TokensAvailable float64   `json:"tokens_available"`
	NextAllowedAt   time.Time `json:"next_allowed_at"`
}
