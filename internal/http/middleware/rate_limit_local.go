package middleware

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type localEntry struct {
	bucket      *rate.Limiter
	windowStart time.Time
	count       int
	lastSeen    time.Time
}

// localLimiter enforces a fixed window per key and smooths bursts inside it
// with a token bucket. State lives in process memory.
type localLimiter struct {
	mu        sync.Mutex
	entries   map[string]*localEntry
	nextSweep time.Time
	now       func() time.Time
}

func NewLocalLimiter() Limiter {
	return newLocalLimiter(time.Now)
}

func newLocalLimiter(now func() time.Time) *localLimiter {
	return &localLimiter{entries: make(map[string]*localEntry), nextSweep: now().Add(time.Minute), now: now}
}

func (l *localLimiter) Allow(_ context.Context, key string, policy RateLimitPolicy) (Decision, error) {
	policy = normalizePolicy(policy)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now, policy.SustainedWindow)

	e, ok := l.entries[key]
	if !ok {
		e = &localEntry{bucket: rate.NewLimiter(rate.Limit(policy.BurstRefillPerSec), policy.BurstCapacity), windowStart: now}
		l.entries[key] = e
	}
	e.lastSeen = now
	if now.Sub(e.windowStart) >= policy.SustainedWindow {
		e.windowStart, e.count = now, 0
	}
	resetAt := e.windowStart.Add(policy.SustainedWindow)

	if e.count >= policy.SustainedLimit {
		return Decision{RetryAfter: max(resetAt.Sub(now), time.Second), ResetAt: resetAt, Reason: "window"}, nil
	}
	res := e.bucket.ReserveN(now, 1)
	if wait := res.DelayFrom(now); !res.OK() || wait > 0 {
		res.CancelAt(now)
		return Decision{RetryAfter: max(wait, time.Second), ResetAt: now.Add(wait), Reason: "bucket"}, nil
	}
	e.count++
	remaining := min(policy.SustainedLimit-e.count, int(e.bucket.TokensAt(now)))
	return Decision{Allowed: true, Remaining: max(remaining, 0), ResetAt: resetAt}, nil
}

// sweep drops keys idle for two windows. It runs at most once per window.
func (l *localLimiter) sweep(now time.Time, window time.Duration) {
	if now.Before(l.nextSweep) {
		return
	}
	for k, e := range l.entries {
		if now.Sub(e.lastSeen) > 2*window {
			delete(l.entries, k)
		}
	}
	l.nextSweep = now.Add(window)
}
