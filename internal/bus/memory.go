package bus

import (
	"context"
	"sync"
)

// MemoryNotifier is an in-process Notifier used by tests and the single-
// process simulation driver. Semantics mirror the redis implementation:
// fan-out to all subscribers of a topic, no delivery once closed.
type MemoryNotifier struct {
	mu     sync.RWMutex
	subs   map[string][]chan Notification
	closed bool
}

// NewMemoryNotifier creates an empty in-process notifier.
func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{subs: make(map[string][]chan Notification)}
}

// Publish delivers the notification to every current subscriber of topic.
// Slow subscribers are skipped rather than blocking the publisher; the
// protocol tolerates lost notifications because originators also poll.
func (m *MemoryNotifier) Publish(_ context.Context, topic string, msg Notification) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil
	}

	msg.Topic = topic
	for _, ch := range m.subs[topic] {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe registers for the given topics, returning a merged channel.
func (m *MemoryNotifier) Subscribe(ctx context.Context, topics ...string) (<-chan Notification, error) {
	ch := make(chan Notification, 16)

	m.mu.Lock()
	for _, topic := range topics {
		m.subs[topic] = append(m.subs[topic], ch)
	}
	m.mu.Unlock()

	out := make(chan Notification)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Close drops all subscriptions.
func (m *MemoryNotifier) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = make(map[string][]chan Notification)
	return nil
}
