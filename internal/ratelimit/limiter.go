// Package ratelimit implements fixed-window per-minute rate limiting keyed
// by (route, ingress token). State is a single in-process window: when the
// wall-clock minute advances, every counter from the previous minute is
// discarded at once, so memory is bounded by the number of active
// (route, token) pairs within one minute.
package ratelimit

import (
	"sync"
	"time"
)

// Result describes one admission decision.
type Result struct {
	Allowed bool
	// RetryAfter is the time until the next window opens; only meaningful
	// when Allowed is false.
	RetryAfter time.Duration
}

// windowKey scopes a counter to one (route, token) pair. A struct key keeps
// the pair distinct without string concatenation.
type windowKey struct {
	routeID string
	token   string
}

// Limiter admits at most perMinute requests per (route, token) key within
// the current wall-clock minute. Admission is strict: request perMinute+1
// within one window is rejected no matter how the requests are spaced.
type Limiter struct {
	perMinute int64
	now       func() time.Time

	mu     sync.Mutex
	minute int64
	counts map[windowKey]int64
}

// NewLimiter creates a limiter allowing perMinute requests per key per
// minute. perMinute must be positive (enforced by config validation).
func NewLimiter(perMinute int64) *Limiter {
	return &Limiter{
		perMinute: perMinute,
		now:       time.Now,
		counts:    make(map[windowKey]int64),
	}
}

// Allow records one admission attempt for the (routeID, token) pair and
// returns whether the request may proceed. Counters are scoped to the
// current minute; the first attempt in a new minute resets the window.
func (l *Limiter) Allow(routeID, token string) Result {
	epoch := l.now().Unix()
	minute := epoch / 60

	l.mu.Lock()
	defer l.mu.Unlock()

	if minute != l.minute {
		l.minute = minute
		clear(l.counts)
	}

	key := windowKey{routeID: routeID, token: token}
	if l.counts[key] >= l.perMinute {
		return Result{Allowed: false, RetryAfter: retryAfter(epoch)}
	}
	l.counts[key]++
	return Result{Allowed: true}
}

// retryAfter returns the time remaining until the next minute boundary.
func retryAfter(epochSeconds int64) time.Duration {
	secs := 60 - epochSeconds%60
	if secs == 0 {
		secs = 60
	}
	return time.Duration(secs) * time.Second
}
