package main

import (
	"sync"
	"time"

	"github.com/adlens/adlens/models"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
)

// SlidingWindowLimiter bounds live, user-triggered provider API calls per
// (workspace, provider). It is independent of the batch sync pipeline's
// cooldown breaker; the two never share a counter.
type SlidingWindowLimiter struct {
	clock  clockwork.Clock
	limit  int
	window time.Duration

	mu    sync.Mutex
	cache *ttlcache.Cache[string, []time.Time]
}

// NewSlidingWindowLimiter allows up to limit calls per key within the
// trailing window.
func NewSlidingWindowLimiter(clock clockwork.Clock, limit int, window time.Duration) *SlidingWindowLimiter {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, []time.Time](window),
	)
	go cache.Start() // evicts idle keys once their TTL lapses
	return &SlidingWindowLimiter{
		clock:  clock,
		limit:  limit,
		window: window,
		cache:  cache,
	}
}

// Stop halts the cache's background eviction. Call on shutdown.
func (l *SlidingWindowLimiter) Stop() {
	l.cache.Stop()
}

// Allow records an attempt and reports whether it is within the window
// budget for the workspace/provider pair.
func (l *SlidingWindowLimiter) Allow(workspaceID string, provider models.Provider) bool {
	key := workspaceID + "|" + string(provider)
	now := l.clock.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	var stamps []time.Time
	if item := l.cache.Get(key); item != nil {
		for _, t := range item.Value() {
			if t.After(cutoff) {
				stamps = append(stamps, t)
			}
		}
	}
	if len(stamps) >= l.limit {
		l.cache.Set(key, stamps, l.window)
		return false
	}
	stamps = append(stamps, now)
	l.cache.Set(key, stamps, l.window)
	return true
}
