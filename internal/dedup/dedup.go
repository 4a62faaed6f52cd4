// Package dedup provides idempotency-key claims for the trigger engine.
// The event bus delivers at-least-once; a claim that is already held means
// the trigger for that key fired before and must not fire again.
package dedup

import (
	"context"
	"sync"
	"time"
)

// Deduper claims idempotency keys. Claim returns true exactly once per key
// within the ttl window, across however many callers race on it.
type Deduper interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Memory is an in-process deduper for tests and single-node dev mode.
type Memory struct {
	mu     sync.Mutex
	seen   map[string]time.Time // key -> expiry
	clock  func() time.Time
	sweeps int
}

func NewMemory() *Memory {
	return &Memory{
		seen:  make(map[string]time.Time),
		clock: time.Now,
	}
}

// WithClock replaces the time source. Only for tests.
func (m *Memory) WithClock(clock func() time.Time) *Memory {
	m.clock = clock
	return m
}

func (m *Memory) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()

	// Amortized cleanup of expired claims.
	m.sweeps++
	if m.sweeps%256 == 0 {
		for k, exp := range m.seen {
			if exp.Before(now) {
				delete(m.seen, k)
			}
		}
	}

	if exp, ok := m.seen[key]; ok && exp.After(now) {
		return false, nil
	}
	m.seen[key] = now.Add(ttl)
	return true, nil
}
