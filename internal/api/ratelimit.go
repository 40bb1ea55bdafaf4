package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a per-user token bucket limiter. Idle users are evicted
// periodically so the map does not grow without bound.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*userLimiter
	limit    rate.Limit
	burst    int
	idle     time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows requests per window for each key. A non-positive
// request count returns nil, which allows everything.
func NewRateLimiter(requests int, window time.Duration) *RateLimiter {
	if requests <= 0 || window <= 0 {
		return nil
	}
	rl := &RateLimiter{
		limiters: make(map[string]*userLimiter),
		limit:    rate.Every(window / time.Duration(requests)),
		burst:    requests,
		idle:     window,
		stop:     make(chan struct{}),
	}
	go rl.evictLoop()
	return rl
}

// Allow reports whether key may make a request now.
func (r *RateLimiter) Allow(key string) bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	ul, ok := r.limiters[key]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.limiters[key] = ul
	}
	ul.lastSeen = time.Now()
	return ul.limiter.Allow()
}

// Close stops the eviction goroutine.
func (r *RateLimiter) Close() {
	if r == nil {
		return
	}
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *RateLimiter) evictLoop() {
	ticker := time.NewTicker(r.idle)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.evict(time.Now().Add(-r.idle))
		}
	}
}

func (r *RateLimiter) evict(cutoff time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, ul := range r.limiters {
		if ul.lastSeen.Before(cutoff) {
			delete(r.limiters, key)
		}
	}
}

func (r *RateLimiter) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limiters)
}
