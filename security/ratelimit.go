package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMaxLimiters   = 10000
	limiterIdleTimeout   = 30 * time.Minute
	limiterSweepInterval = 5 * time.Minute
)

type limiterEntry struct {
	key      string
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a token bucket per key (usually a client IP). Buckets are kept
// in LRU order and the least recently used one is dropped once maxEntries is hit.
type RateLimiter struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List
	limit      rate.Limit
	burst      int
	maxEntries int
	logger     *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once

	evictions int64
	sweeps    int64
}

// NewRateLimiter creates a rate limiter that tracks at most 10000 keys.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(requestsPerSecond, burst, defaultMaxLimiters, logger)
}

// NewRateLimiterWithConfig creates a rate limiter with a custom key limit.
// A maxEntries of 0 disables eviction.
func NewRateLimiterWithConfig(requestsPerSecond, burst, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries < 0 {
		logger.Warn("Negative rate limiter size, using default", "max_entries", defaultMaxLimiters)
		maxEntries = defaultMaxLimiters
	}

	rl := &RateLimiter{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		limit:      rate.Limit(requestsPerSecond),
		burst:      burst,
		maxEntries: maxEntries,
		logger:     logger,
		stop:       make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

// Allow reports whether one more request for key fits in its bucket.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.entries[key]; ok {
		rl.order.MoveToFront(elem)
		e := elem.Value.(*limiterEntry)
		e.lastSeen = now
		return e.limiter.Allow()
	}

	if rl.maxEntries > 0 && len(rl.entries) >= rl.maxEntries {
		rl.evictOldest()
	}

	e := &limiterEntry{key: key, limiter: rate.NewLimiter(rl.limit, rl.burst), lastSeen: now}
	rl.entries[key] = rl.order.PushFront(e)
	return e.limiter.Allow()
}

// evictOldest must be called with mu held.
func (rl *RateLimiter) evictOldest() {
	elem := rl.order.Back()
	if elem == nil {
		return
	}
	e := elem.Value.(*limiterEntry)
	rl.order.Remove(elem)
	delete(rl.entries, e.key)
	rl.evictions++
	rl.logger.Debug("Rate limiter evicted key", "entries", len(rl.entries), "evictions", rl.evictions)
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.Cleanup(limiterIdleTimeout)
		case <-rl.stop:
			return
		}
	}
}

// Cleanup drops buckets that have not been used for maxIdle.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	// the back of the list holds the least recently used entries
	for elem := rl.order.Back(); elem != nil; {
		e := elem.Value.(*limiterEntry)
		if e.lastSeen.After(cutoff) {
			break
		}
		prev := elem.Prev()
		rl.order.Remove(elem)
		delete(rl.entries, e.key)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.sweeps++
		rl.logger.Debug("Rate limiter cleanup", "removed", removed, "remaining", len(rl.entries))
	}
}

// Stop ends the background cleanup. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Stats is a snapshot of the limiter's bookkeeping.
type Stats struct {
	CurrentEntries int
	MaxEntries     int
	TotalEvictions int64
	TotalCleanups  int64
}

// GetStats returns the current statistics.
func (rl *RateLimiter) GetStats() Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return Stats{
		CurrentEntries: len(rl.entries),
		MaxEntries:     rl.maxEntries,
		TotalEvictions: rl.evictions,
		TotalCleanups:  rl.sweeps,
	}
}
