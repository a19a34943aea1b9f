package journal

import (
	"context"
	"sync"
)

// DefaultCapacity is the number of events a memory journal retains.
const DefaultCapacity = 512

// Memory keeps the most recent events in a fixed-size ring.
type Memory struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
	seq    int64
}

// NewMemory returns a ring journal holding up to capacity events.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory{events: make([]Event, capacity)}
}

// Append stores event, overwriting the oldest entry once the ring is full.
func (m *Memory) Append(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	event.ID = m.seq
	m.events[m.next] = event
	m.next = (m.next + 1) % len(m.events)
	if m.next == 0 {
		m.full = true
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (m *Memory) Recent(_ context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	size := m.next
	if m.full {
		size = len(m.events)
	}
	if limit > size {
		limit = size
	}
	out := make([]Event, 0, limit)
	idx := m.next
	for i := 0; i < limit; i++ {
		idx--
		if idx < 0 {
			idx = len(m.events) - 1
		}
		out = append(out, m.events[idx])
	}
	return out, nil
}

// Close is a no-op for the memory journal.
func (m *Memory) Close(context.Context) error {
	return nil
}
