// Package circuitbreaker guards outbound surface endpoints: an endpoint
// that keeps failing is skipped for a cooldown instead of being hammered
// on every prompt delivery.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

type endpointState struct {
	state               state
	consecutiveFailures int
	openedAt            time.Time
}

type CircuitBreaker struct {
	mu        sync.Mutex
	states    map[string]*endpointState
	threshold int
	cooldown  time.Duration
	clock     func() time.Time
}

func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		states:    make(map[string]*endpointState),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.clock = clock
	return cb
}

// Allow reports whether a delivery to the endpoint may proceed. After the
// cooldown one probe is let through (half-open); its outcome decides
// whether the circuit closes again.
func (cb *CircuitBreaker) Allow(endpoint string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[endpoint]
	if !ok {
		return nil
	}

	switch s.state {
	case stateClosed:
		return nil
	case stateOpen:
		if cb.clock().Sub(s.openedAt) >= cb.cooldown {
			s.state = stateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case stateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess(endpoint string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[endpoint]
	if !ok {
		return
	}
	s.state = stateClosed
	s.consecutiveFailures = 0
}

func (cb *CircuitBreaker) RecordFailure(endpoint string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[endpoint]
	if !ok {
		s = &endpointState{}
		cb.states[endpoint] = s
	}

	s.consecutiveFailures++
	if s.consecutiveFailures >= cb.threshold {
		s.state = stateOpen
		s.openedAt = cb.clock()
	}
}
