// Package channel provides the in-process event bus: typed publish/subscribe
// over buffered channels with event-type pattern matching.
package channel

import (
	"context"
	"sync"

	"github.com/Nurdok/spanreed/internal/domain"
)

// MetricsSink records bus metrics. Methods must be non-blocking.
type MetricsSink interface {
	EventPublished()
	PublishBlocked()
}

type Option func(*EventBus)

func WithMetrics(sink MetricsSink) Option {
	return func(b *EventBus) {
		b.metrics = sink
	}
}

// EventBus fans events out to pattern subscriptions. Each subscription has
// its own buffer; a full buffer makes Publish block until the subscriber
// catches up or ctx ends. Delivery to a live subscriber is at-least-once:
// subscribers must tolerate duplicates (the trigger engine deduplicates by
// idempotency key).
type EventBus struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	nextID  int
	buffer  int
	metrics MetricsSink
}

type subscription struct {
	pattern string
	ch      chan domain.Event
	done    chan struct{}
}

func NewEventBus(buffer int, opts ...Option) *EventBus {
	b := &EventBus{
		subs:   make(map[int]*subscription),
		buffer: buffer,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers the event to every subscription whose pattern matches.
// Ordering per publisher is preserved; ordering across publishers is not.
func (b *EventBus) Publish(ctx context.Context, event domain.Event) error {
	b.mu.RLock()
	var targets []*subscription
	for _, sub := range b.subs {
		if MatchPattern(sub.pattern, event.Type) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- event:
		case <-sub.done:
		default:
			// Buffer full: block, but stay cancellable. A subscription
			// cancelled mid-publish is skipped rather than sent to.
			if b.metrics != nil {
				b.metrics.PublishBlocked()
			}
			select {
			case sub.ch <- event:
			case <-sub.done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if b.metrics != nil {
		b.metrics.EventPublished()
	}
	return nil
}

// Subscribe registers a pattern subscription. The returned cancel func must
// be called when the subscriber is done; it stops delivery, including any
// publish currently blocked on this subscription's buffer. The event channel
// itself is never closed, so readers should exit on their own context rather
// than wait for close.
func (b *EventBus) Subscribe(pattern string) (<-chan domain.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	sub := &subscription{
		pattern: pattern,
		ch:      make(chan domain.Event, b.buffer),
		done:    make(chan struct{}),
	}
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.done)
		}
	}
	return sub.ch, cancel
}

// MatchPattern reports whether an event type matches a subscription pattern.
// "*" matches everything, "mail.*" matches any type with the "mail." prefix,
// anything else is an exact match.
func MatchPattern(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if n := len(pattern); n >= 2 && pattern[n-2:] == ".*" {
		prefix := pattern[:n-1] // keep the trailing dot
		return len(eventType) >= len(prefix) && eventType[:len(prefix)] == prefix
	}
	return pattern == eventType
}
