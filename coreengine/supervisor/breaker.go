package supervisor

import (
	"sync"
	"time"
)

// BreakerState is the state of one circuit.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

type circuit struct {
	failures    int
	lastFailure time.Time
	state       BreakerState
}

// CircuitBreakers keeps one circuit per key (agent name).
//
// A circuit opens after threshold consecutive failures and blocks recovery
// until resetTimeout has elapsed. The next attempt runs half-open: success
// closes the circuit, failure reopens it. A threshold of 0 never opens.
type CircuitBreakers struct {
	threshold    int
	resetTimeout time.Duration
	now          func() time.Time
	circuits     map[string]*circuit
	mu           sync.Mutex
}

// NewCircuitBreakers creates a breaker set.
func NewCircuitBreakers(threshold int, resetTimeout time.Duration) *CircuitBreakers {
	return &CircuitBreakers{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		now:          time.Now,
		circuits:     make(map[string]*circuit),
	}
}

func (b *CircuitBreakers) get(key string) *circuit {
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: BreakerClosed}
		b.circuits[key] = c
	}
	return c
}

// Allow reports whether an attempt for key may proceed.
func (b *CircuitBreakers) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(key)
	if c.state != BreakerOpen {
		return true
	}
	if b.now().Sub(c.lastFailure) >= b.resetTimeout {
		c.state = BreakerHalfOpen
		return true
	}
	return false
}

// RecordSuccess closes the circuit. It returns true if the circuit was
// not already closed.
func (b *CircuitBreakers) RecordSuccess(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(key)
	changed := c.state != BreakerClosed
	c.state = BreakerClosed
	c.failures = 0
	return changed
}

// RecordFailure counts a failure. It returns true if this failure opened
// the circuit.
func (b *CircuitBreakers) RecordFailure(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(key)
	c.failures++
	c.lastFailure = b.now()

	switch {
	case c.state == BreakerHalfOpen:
		c.state = BreakerOpen
		return true
	case c.state == BreakerClosed && b.threshold > 0 && c.failures >= b.threshold:
		c.state = BreakerOpen
		return true
	}
	return false
}

// State returns the state of key's circuit.
func (b *CircuitBreakers) State(key string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return BreakerClosed
}

// States returns the state of every known circuit.
func (b *CircuitBreakers) States() map[string]BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]BreakerState, len(b.circuits))
	for k, c := range b.circuits {
		out[k] = c.state
	}
	return out
}

// Reset forgets the given circuits, or all of them when called without keys.
func (b *CircuitBreakers) Reset(keys ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(keys) == 0 {
		b.circuits = make(map[string]*circuit)
		return
	}
	for _, k := range keys {
		delete(b.circuits, k)
	}
}
