package events

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

// Sink receives every event off the publishing goroutine.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// Publisher is what the core depends on.
type Publisher interface {
	Publish(e Event)
}

// Hub fans events out to subscribers and sinks.
//
// Thread-safety: Hub is safe for concurrent use.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	sinks  []Sink

	backlog *backlog
	dropped atomic.Int64
	logger  *slog.Logger
}

type subscription struct {
	ch    chan Event
	kinds []Kind
}

func (s *subscription) wants(k Kind) bool {
	return len(s.kinds) == 0 || slices.Contains(s.kinds, k)
}

// NewHub creates a Hub with the given sinks. Sinks only receive events
// while Run is active.
func NewHub(logger *slog.Logger, sinks ...Sink) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:    make(map[int]*subscription),
		sinks:   sinks,
		backlog: newBacklog(),
		logger:  logger,
	}
}

// Subscribe returns a channel receiving events of the given kinds (all
// kinds when none are given) and a function that unsubscribes and closes
// the channel.
func (h *Hub) Subscribe(buffer int, kinds ...Kind) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscription{ch: make(chan Event, buffer), kinds: kinds}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Publish delivers e to every interested subscriber without blocking.
func (h *Hub) Publish(e Event) {
	h.mu.RLock()
	for _, sub := range h.subs {
		if !sub.wants(e.Kind) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			h.dropped.Add(1)
		}
	}
	hasSinks := len(h.sinks) > 0
	h.mu.RUnlock()

	if hasSinks {
		h.backlog.push(e)
	}
}

// Dropped returns how many subscriber deliveries were skipped because the
// subscriber's buffer was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Backlog returns the number of events waiting for the sinks.
func (h *Hub) Backlog() int {
	return h.backlog.size()
}

// Run forwards queued events to the sinks until ctx is cancelled or Close
// is called. Sink errors are logged and the event is not retried.
func (h *Hub) Run(ctx context.Context) error {
	for {
		for _, e := range h.backlog.take() {
			h.forward(ctx, e)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, open := <-h.backlog.ready:
			if !open {
				for _, e := range h.backlog.take() {
					h.forward(ctx, e)
				}
				return nil
			}
		}
	}
}

func (h *Hub) forward(ctx context.Context, e Event) {
	h.mu.RLock()
	sinks := h.sinks
	h.mu.RUnlock()
	for _, s := range sinks {
		if err := s.Publish(ctx, e); err != nil {
			h.logger.Warn("event sink failed", "kind", e.Kind, "key", e.Key(), "error", err)
		}
	}
}

// Close stops accepting sink events; Run flushes what is queued and returns.
func (h *Hub) Close() {
	h.backlog.close()
}
