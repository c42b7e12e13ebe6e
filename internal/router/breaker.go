// Package router implements the cost-quality router: risk-adjusted model
// selection over Bayesian quality priors, guarded by safety filters,
// per-model circuit breakers, and the policy gate.
package router

import (
	"sync"
	"time"

	"conductor/internal/logging"
)

// BreakerState is the circuit breaker's current mode.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerConfig tunes trip and recovery behavior.
type BreakerConfig struct {
	ConsecutiveFailures int           // trip after N consecutive failures
	Window              time.Duration // sliding window for the failure-rate trip
	FailureRate         float64       // trip when windowed failure rate exceeds this (window of at least N outcomes)
	Cooldown            time.Duration // initial OPEN cooldown
	MaxCooldown         time.Duration // cap for exponential cooldown growth
}

// CircuitBreaker guards one remote dependency. CLOSED admits calls,
// OPEN rejects immediately, HALF_OPEN admits a single probe.
type CircuitBreaker struct {
	mu          sync.Mutex
	name        string
	cfg         BreakerConfig
	state       BreakerState
	consecutive int
	window      []outcome
	cooldown    time.Duration
	openedAt    time.Time
	probing     bool
	now         func() time.Time
}

type outcome struct {
	at time.Time
	ok bool
}

// NewCircuitBreaker creates a CLOSED breaker.
func NewCircuitBreaker(name string, cfg BreakerConfig, now func() time.Time) *CircuitBreaker {
	if cfg.ConsecutiveFailures <= 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.FailureRate <= 0 {
		cfg.FailureRate = 0.5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = 10 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{name: name, cfg: cfg, state: BreakerClosed, cooldown: cfg.Cooldown, now: now}
}

// Allow reports whether a call may proceed. In HALF_OPEN only the first
// caller after cooldown gets the probe slot.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = BreakerHalfOpen
			b.probing = true
			logging.RouterDebug("breaker %s: OPEN -> HALF_OPEN probe", b.name)
			return true
		}
		return false
	case BreakerHalfOpen:
		if !b.probing {
			b.probing = true
			return true
		}
		return false
	}
	return false
}

// RecordSuccess notes a successful call.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutive = 0
	b.pushOutcome(true)
	if b.state == BreakerHalfOpen {
		b.state = BreakerClosed
		b.cooldown = b.cfg.Cooldown
		b.probing = false
		logging.Router("breaker %s: HALF_OPEN -> CLOSED", b.name)
	}
}

// RecordFailure notes a failed call, possibly tripping the breaker.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutive++
	b.pushOutcome(false)

	if b.state == BreakerHalfOpen {
		// Failed probe: back to OPEN with exponential cooldown growth.
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.cooldown *= 2
		if b.cooldown > b.cfg.MaxCooldown {
			b.cooldown = b.cfg.MaxCooldown
		}
		b.probing = false
		logging.Router("breaker %s: probe failed, OPEN (cooldown=%v)", b.name, b.cooldown)
		return
	}

	rateTrip := len(b.window) >= b.cfg.ConsecutiveFailures && b.windowedRate() > b.cfg.FailureRate
	if b.state == BreakerClosed && (b.consecutive >= b.cfg.ConsecutiveFailures || rateTrip) {
		b.state = BreakerOpen
		b.openedAt = b.now()
		logging.Router("breaker %s: tripped OPEN (consecutive=%d, rate=%.2f)", b.name, b.consecutive, b.windowedRate())
	}
}

// State returns the current state, honoring cooldown expiry.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

func (b *CircuitBreaker) pushOutcome(ok bool) {
	now := b.now()
	b.window = append(b.window, outcome{at: now, ok: ok})
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for ; i < len(b.window); i++ {
		if b.window[i].at.After(cutoff) {
			break
		}
	}
	b.window = b.window[i:]
}

func (b *CircuitBreaker) windowedRate() float64 {
	if len(b.window) == 0 {
		return 0
	}
	failures := 0
	for _, o := range b.window {
		if !o.ok {
			failures++
		}
	}
	return float64(failures) / float64(len(b.window))
}
