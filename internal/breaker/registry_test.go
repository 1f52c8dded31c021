// Copyright 2025 James Ross
package breaker

import (
	"testing"
	"time"
)

func TestRegistry_PerHostIsolation(t *testing.T) {
	reg := NewRegistry(func() *CircuitBreaker {
		return New(time.Minute, 30*time.Second, 0.5, 2)
	})

	a := reg.Get("a.example.com")
	b := reg.Get("b.example.com")
	if a == b {
		t.Fatalf("expected distinct breakers per host")
	}

	a.Record(false)
	a.Record(false)
	if a.State() != Open {
		t.Fatalf("expected host a breaker to trip open, got %v", a.State())
	}
	if b.State() != Closed {
		t.Fatalf("host b breaker must be unaffected by host a failures, got %v", b.State())
	}

	// Same host must return the same breaker instance.
	if reg.Get("a.example.com") != a {
		t.Fatalf("expected Get to return the cached breaker for a repeated host")
	}
}
