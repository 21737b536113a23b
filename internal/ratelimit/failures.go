package ratelimit

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxFailuresPerMinute is the default budget of failed auth attempts per address.
	DefaultMaxFailuresPerMinute = 10

	failureCleanupInterval = time.Minute
	failureStaleThreshold  = 5 * time.Minute
)

type failureEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// FailureLimiter tracks failed authentication attempts per client address
// with a token bucket refilled at the per-minute budget.
type FailureLimiter struct {
	mu           sync.Mutex
	entries      map[string]*failureEntry
	maxPerMinute int
	maxTracked   int
	cancel       context.CancelFunc
}

// NewFailureLimiter starts a limiter whose stale entries are swept until ctx
// is done or Stop is called. Pass 0 to use DefaultMaxFailuresPerMinute.
func NewFailureLimiter(ctx context.Context, maxPerMinute int) *FailureLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxFailuresPerMinute
	}
	ctx, cancel := context.WithCancel(ctx)
	fl := &FailureLimiter{
		entries:      make(map[string]*failureEntry),
		maxPerMinute: maxPerMinute,
		maxTracked:   DefaultMaxTracked,
		cancel:       cancel,
	}
	go fl.cleanup(ctx)
	return fl
}

// Allow reports whether addr may attempt authentication. Addresses with no
// recorded failures are always allowed.
func (fl *FailureLimiter) Allow(addr string) bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	e, ok := fl.entries[addr]
	if !ok {
		return true
	}
	e.lastSeen = time.Now()
	return e.limiter.Tokens() >= 1
}

// RecordFailure consumes one token for addr.
func (fl *FailureLimiter) RecordFailure(addr string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	now := time.Now()
	e, ok := fl.entries[addr]
	if !ok {
		if len(fl.entries) >= fl.maxTracked {
			fl.evictOldestLocked()
		}
		e = &failureEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(fl.maxPerMinute)/60.0), fl.maxPerMinute),
		}
		fl.entries[addr] = e
	}
	e.lastSeen = now
	e.limiter.AllowN(now, 1)
}

// Stop cancels the background sweep.
func (fl *FailureLimiter) Stop() {
	fl.cancel()
}

func (fl *FailureLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(failureCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fl.removeStale()
		}
	}
}

func (fl *FailureLimiter) removeStale() {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	now := time.Now()
	for addr, e := range fl.entries {
		if now.Sub(e.lastSeen) > failureStaleThreshold {
			delete(fl.entries, addr)
		}
	}
}

func (fl *FailureLimiter) evictOldestLocked() {
	var oldestAddr string
	var oldest time.Time
	first := true
	for addr, e := range fl.entries {
		if first || e.lastSeen.Before(oldest) {
			oldestAddr = addr
			oldest = e.lastSeen
			first = false
		}
	}
	if !first {
		delete(fl.entries, oldestAddr)
	}
}

// ClientIP strips the port from a RemoteAddr string.
func ClientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
