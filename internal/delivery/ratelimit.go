// Copyright 2025 James Ross
package delivery

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiterRegistry hands out one token-bucket rate.Limiter per subscription,
// all built with the same rate/burst settings, the same lazy-per-key pattern
// breaker.Registry uses per-host, so a single hot subscriber is throttled
// independently of every other subscriber's delivery traffic.
type limiterRegistry struct {
	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
	perSec   float64
	burst    int
}

// newLimiterRegistry returns a registry that lazily creates a limiter per
// subscription the first time that subscription is seen. A non-positive
// perSec disables rate limiting: Get returns nil and callers must treat a
// nil limiter as "unlimited".
func newLimiterRegistry(perSec float64, burst int) *limiterRegistry {
	return &limiterRegistry{limiters: make(map[int64]*rate.Limiter), perSec: perSec, burst: burst}
}

func (r *limiterRegistry) Get(subscriptionID int64) *rate.Limiter {
	if r.perSec <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[subscriptionID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(r.perSec), r.burst)
		r.limiters[subscriptionID] = l
	}
	return l
}
