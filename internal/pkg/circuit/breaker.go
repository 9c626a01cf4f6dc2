// Package circuit implements the per-account sync breaker. An open breaker
// never half-opens on its own: it closes on a manual Reset or after a
// successful probe started with BeginProbe.
package circuit

import (
	"sync"
	"time"

	"tradeguard/internal/logger"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

type CircuitBreaker struct {
	mu            sync.Mutex
	state         State
	failures      int
	threshold     int
	probeInterval time.Duration
	lastFailure   time.Time
	lastProbe     time.Time
	openedAt      time.Time
	name          string
	now           func() time.Time
	onStateChange func(name string, from, to State)
}

// NewCircuitBreaker opens after threshold consecutive failures. A zero
// probeInterval disables probing, leaving Reset as the only way back.
func NewCircuitBreaker(name string, threshold int, probeInterval time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		name:          name,
		threshold:     threshold,
		probeInterval: probeInterval,
		state:         StateClosed,
		now:           time.Now,
	}
}

func (cb *CircuitBreaker) SetStateChangeHandler(handler func(name string, from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = handler
}

// Allow reports whether a regular cycle may run.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == StateClosed
}

// BeginProbe moves an open breaker to half-open when a probe is due. The
// caller must report the probe outcome with RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) BeginProbe() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen || cb.probeInterval <= 0 {
		return false
	}
	now := cb.now()
	last := cb.lastProbe
	if last.IsZero() {
		last = cb.openedAt
	}
	if now.Sub(last) < cb.probeInterval {
		return false
	}
	cb.lastProbe = now
	cb.transition(StateHalfOpen)
	return true
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.failures = 0
		cb.transition(StateClosed)
	case StateClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.threshold {
			cb.openedAt = cb.lastFailure
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.transition(StateOpen)
	}
}

// Reset closes the breaker and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.lastProbe = time.Time{}
	if cb.state != StateClosed {
		cb.transition(StateClosed)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

func (cb *CircuitBreaker) LastFailure() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastFailure
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	if cb.onStateChange != nil {
		go cb.onStateChange(cb.name, from, to)
	} else {
		logger.Warnf("circuit: %s state change %s -> %s (failures=%d/%d)",
			cb.name, from, to, cb.failures, cb.threshold)
	}
}
