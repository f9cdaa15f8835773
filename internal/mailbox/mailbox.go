// Package mailbox provides an unbounded FIFO with a coalescing ready signal.
//
// Producers never block. A consumer waits on Ready and then drains with
// TryPop; the signal is re-armed while items remain, so a consumer that pops
// one item per wakeup never misses the rest.
package mailbox

import "sync"

type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	ready  chan struct{} // buffered, size 1
}

func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{
		ready: make(chan struct{}, 1),
	}
}

// Put appends v. It returns false once the mailbox is closed.
func (m *Mailbox[T]) Put(v T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	m.items = append(m.items, v)
	m.signal()
	return true
}

// TryPop removes the oldest item without blocking.
func (m *Mailbox[T]) TryPop() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero T
	if len(m.items) == 0 {
		return zero, false
	}
	v := m.items[0]
	m.items[0] = zero
	m.items = m.items[1:]
	if len(m.items) > 0 {
		m.signal()
	}
	return v, true
}

// Ready fires at least once after items become available.
func (m *Mailbox[T]) Ready() <-chan struct{} {
	return m.ready
}

func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close rejects further Puts and drops pending items.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.items = nil
}

func (m *Mailbox[T]) signal() {
	select {
	case m.ready <- struct{}{}:
	default:
	}
}
