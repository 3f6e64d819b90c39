package stream

import (
	"context"
	"sync"
	"time"

	"github.com/1vbutkus/fish-sub000/internal/clob"
)

// Messenger is an unbounded multi-producer, single-consumer event queue.
// Put never blocks; the consumer drains everything queued so far in one
// call. Both sides are safe to use without external locking.
type Messenger struct {
	mu     sync.Mutex
	items  []clob.Event
	notify chan struct{}
}

func NewMessenger() *Messenger {
	return &Messenger{notify: make(chan struct{}, 1)}
}

// Put appends events in order.
func (m *Messenger) Put(evs ...clob.Event) {
	if len(evs) == 0 {
		return
	}
	m.mu.Lock()
	m.items = append(m.items, evs...)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Len reports the number of queued events.
func (m *Messenger) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Drain removes and returns every queued event without blocking. It returns
// nil when the queue is empty.
func (m *Messenger) Drain() []clob.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.items
	m.items = nil
	return out
}

// DrainWait is Drain that waits up to timeout for at least one event. It
// returns an empty slice on timeout and ctx.Err() if ctx ends first.
func (m *Messenger) DrainWait(ctx context.Context, timeout time.Duration) ([]clob.Event, error) {
	if evs := m.Drain(); len(evs) > 0 {
		return evs, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return m.Drain(), nil
		case <-m.notify:
			if evs := m.Drain(); len(evs) > 0 {
				return evs, nil
			}
		}
	}
}
