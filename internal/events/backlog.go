package events

import "sync"

// backlog holds events waiting for the sinks. It is unbounded: Publish runs
// inside transition code and must not wait on Kafka.
type backlog struct {
	mu      sync.Mutex
	pending []Event
	closed  bool
	ready   chan struct{} // capacity 1; closed by close()
}

func newBacklog() *backlog {
	return &backlog{ready: make(chan struct{}, 1)}
}

// push appends e and wakes the forwarder. It reports false after close.
func (b *backlog) push(e Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.pending = append(b.pending, e)
	select {
	case b.ready <- struct{}{}:
	default:
	}
	return true
}

// take hands over everything queued so far, oldest first.
func (b *backlog) take() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := b.pending
	b.pending = nil
	return batch
}

func (b *backlog) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *backlog) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ready)
	}
}
