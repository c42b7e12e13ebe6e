package router

import (
	"testing"
	"time"
)

func TestBreakerLifecycle(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	b := NewCircuitBreaker("m", BreakerConfig{
		ConsecutiveFailures: 3,
		Window:              time.Minute,
		Cooldown:            10 * time.Second,
	}, clock)

	if !b.Allow() || b.State() != BreakerClosed {
		t.Fatal("new breaker not closed")
	}

	// Trip on consecutive failures.
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != BreakerClosed {
		t.Fatal("tripped early")
	}
	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatal("did not trip")
	}
	if b.Allow() {
		t.Fatal("open breaker admitted a call")
	}

	// After cooldown, exactly one probe is admitted.
	now = now.Add(11 * time.Second)
	if !b.Allow() {
		t.Fatal("probe rejected after cooldown")
	}
	if b.Allow() {
		t.Fatal("second probe admitted")
	}

	// Successful probe closes the breaker.
	b.RecordSuccess()
	if b.State() != BreakerClosed {
		t.Fatalf("state after probe success = %v", b.State())
	}
	if !b.Allow() {
		t.Fatal("closed breaker rejected a call")
	}
}

func TestBreakerProbeFailureGrowsCooldown(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	b := NewCircuitBreaker("m", BreakerConfig{
		ConsecutiveFailures: 1,
		Cooldown:            10 * time.Second,
	}, clock)

	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatal("did not trip")
	}

	now = now.Add(11 * time.Second)
	if !b.Allow() {
		t.Fatal("probe rejected")
	}
	b.RecordFailure() // failed probe doubles cooldown to 20s

	now = now.Add(11 * time.Second)
	if b.Allow() {
		t.Fatal("admitted before doubled cooldown elapsed")
	}
	now = now.Add(10 * time.Second)
	if !b.Allow() {
		t.Fatal("probe rejected after doubled cooldown")
	}
}
