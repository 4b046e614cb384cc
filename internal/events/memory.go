package events

import (
	"context"
	"sync"
)

// Published is one event captured by a MemoryPublisher.
type Published struct {
	Topic string
	Event any
}

// MemoryPublisher records published events in order. It is safe for
// concurrent use and is meant for tests and single-process wiring.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Published
}

func (m *MemoryPublisher) Publish(ctx context.Context, topic string, event any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Published{Topic: topic, Event: event})
	return nil
}

func (m *MemoryPublisher) Close() error {
	return nil
}

// Events returns a copy of everything published so far.
func (m *MemoryPublisher) Events() []Published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Published(nil), m.events...)
}

// Topic returns the events published on topic.
func (m *MemoryPublisher) Topic(topic string) []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []any
	for _, p := range m.events {
		if p.Topic == topic {
			out = append(out, p.Event)
		}
	}
	return out
}
