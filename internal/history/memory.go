package history

import (
	"context"
	"fmt"
	"sync"
)

// DefaultSize is the ring capacity used when NewMemory is given a
// non-positive size.
const DefaultSize = 500

var _ Recorder = (*Memory)(nil)

// Memory is an in-process [Recorder] that keeps the last N events.
type Memory struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
}

// NewMemory creates a ring holding at most size events.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = DefaultSize
	}
	return &Memory{events: make([]Event, size)}
}

// Record implements [Recorder]. The oldest event is overwritten when the ring
// is full.
func (m *Memory) Record(_ context.Context, ev Event) error {
	if !ev.Kind.IsValid() {
		return fmt.Errorf("history: invalid event kind %q", ev.Kind)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events[m.next] = ev
	m.next = (m.next + 1) % len(m.events)
	if m.next == 0 {
		m.full = true
	}
	return nil
}

// Recent implements [Recorder].
func (m *Memory) Recent(_ context.Context, channel string, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.next
	if m.full {
		n = len(m.events)
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]Event, 0, limit)
	for i := 1; i <= n && len(out) < limit; i++ {
		ev := m.events[(m.next-i+len(m.events))%len(m.events)]
		if channel != "" && ev.Channel != channel {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Len returns the number of events currently held.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.full {
		return len(m.events)
	}
	return m.next
}
