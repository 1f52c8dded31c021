// Copyright 2025 James Ross
package breaker

import "sync"

// Registry hands out one CircuitBreaker per host, all built with the same
// window/cooldown/threshold settings, so a single unresponsive subscriber
// cannot hold up the worker pool's delivery attempts to other hosts.
type Registry struct {
	mu         sync.Mutex
	breakers   map[string]*CircuitBreaker
	newBreaker func() *CircuitBreaker
}

// NewRegistry returns a Registry that lazily creates a breaker per host the
// first time that host is seen, using newBreaker as the constructor.
func NewRegistry(newBreaker func() *CircuitBreaker) *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker), newBreaker: newBreaker}
}

// Get returns the breaker for host, creating one on first use.
func (r *Registry) Get(host string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[host]
	if !ok {
		cb = r.newBreaker()
		r.breakers[host] = cb
	}
	return cb
}
