package reliability

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a sliding-window request log keyed by caller identity.
// Limits are supplied per call so one limiter can serve several policies.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	now      func() time.Time
}

// NewRateLimiter creates an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Allow admits a request for key if fewer than limit requests were admitted in
// the trailing window. When rejecting, it reports how long until the oldest
// request in the window expires.
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) (bool, time.Duration) {
	if limit <= 0 {
		return true, 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	valid := pruneBefore(rl.requests[key], now.Add(-window))

	if len(valid) >= limit {
		rl.requests[key] = valid
		return false, valid[0].Add(window).Sub(now)
	}

	rl.requests[key] = append(valid, now)
	return true, 0
}

// Remaining returns how many more requests key may make in the current window.
func (rl *RateLimiter) Remaining(key string, limit int, window time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	windowStart := rl.now().Add(-window)
	count := 0
	for _, ts := range rl.requests[key] {
		if ts.After(windowStart) {
			count++
		}
	}
	if remaining := limit - count; remaining > 0 {
		return remaining
	}
	return 0
}

// Sweep drops timestamps older than window and forgets idle keys.
// It returns the number of keys removed.
func (rl *RateLimiter) Sweep(window time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	windowStart := rl.now().Add(-window)
	removed := 0
	for key, timestamps := range rl.requests {
		valid := pruneBefore(timestamps, windowStart)
		if len(valid) == 0 {
			delete(rl.requests, key)
			removed++
			continue
		}
		rl.requests[key] = valid
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context, interval, window time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rl.Sweep(window)
		}
	}
}

func pruneBefore(timestamps []time.Time, windowStart time.Time) []time.Time {
	valid := make([]time.Time, 0, len(timestamps))
	for _, ts := range timestamps {
		if ts.After(windowStart) {
			valid = append(valid, ts)
		}
	}
	return valid
}
