package service

import (
	"sync"
	"time"

	"lexmx-backend/models"
)

const rateLimitWindow = time.Minute

// Per-tier requests per window. Read from a static table; resets on restart,
// which is acceptable at current scale.
var tierLimits = map[string]int{
	models.TierFree:     20,
	models.TierPro:      60,
	models.TierPlatinum: 120,
}

// RateLimiter decides whether one more request is allowed for a key. The
// in-memory implementation below must move to a shared store if the service
// ever scales horizontally; callers depend only on this interface.
type RateLimiter interface {
	Allow(key, tier string) bool
}

// SlidingWindowLimiter is an in-memory sliding-window counter keyed by user id
// or client IP.
type SlidingWindowLimiter struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	now     func() time.Time
}

func NewSlidingWindowLimiter() *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		entries: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow records the request and reports whether it fits the tier's window.
// Unknown tiers are rated as free.
func (l *SlidingWindowLimiter) Allow(key, tier string) bool {
	limit, ok := tierLimits[tier]
	if !ok {
		limit = tierLimits[models.TierFree]
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-rateLimitWindow)

	recent := l.entries[key][:0]
	for _, t := range l.entries[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= limit {
		l.entries[key] = recent
		return false
	}
	l.entries[key] = append(recent, now)
	return true
}
