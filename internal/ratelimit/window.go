// Package ratelimit bounds request volume per key. Limiter enforces the
// per-user evaluation cap; FailureLimiter throttles failed authentication
// attempts per client address.
package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultLimit      = 1000
	DefaultWindow     = 60 * time.Second
	DefaultMaxTracked = 10000
)

type bucket struct {
	count       int
	windowStart time.Time
}

// Limiter is a fixed-window counter keyed by user id. A window starts at a
// key's first request and lasts for the configured length.
type Limiter struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	limit      int
	window     time.Duration
	maxTracked int
	now        func() time.Time
	lastSweep  time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

func WithLimit(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.limit = n
		}
	}
}

func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.window = d
		}
	}
}

func WithMaxTracked(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.maxTracked = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

func New(opts ...Option) *Limiter {
	l := &Limiter{
		buckets:    make(map[string]*bucket),
		limit:      DefaultLimit,
		window:     DefaultWindow,
		maxTracked: DefaultMaxTracked,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow reports whether key may make another request in its current window.
// Denied requests are not counted.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweepLocked(now)

	b, ok := l.buckets[key]
	if !ok || now.Sub(b.windowStart) >= l.window {
		if !ok && len(l.buckets) >= l.maxTracked {
			l.evictOldestLocked()
		}
		l.buckets[key] = &bucket{count: 1, windowStart: now}
		return true
	}

	if b.count >= l.limit {
		return false
	}
	b.count++
	return true
}

// Tracked returns the number of keys currently holding a bucket.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// sweepLocked drops expired buckets, at most once per window length.
func (l *Limiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now
	for key, b := range l.buckets {
		if now.Sub(b.windowStart) >= l.window {
			delete(l.buckets, key)
		}
	}
}

func (l *Limiter) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	first := true
	for key, b := range l.buckets {
		if first || b.windowStart.Before(oldest) {
			oldestKey = key
			oldest = b.windowStart
			first = false
		}
	}
	if !first {
		delete(l.buckets, oldestKey)
	}
}
