package audit

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/lorekeeper/internal/observe"
	"github.com/MrWong99/lorekeeper/pkg/memory"
)

const (
	// DefaultBacklog is how many recent events a [Hub] replays to new
	// subscribers.
	DefaultBacklog = 100

	subscriberBuffer = 64
)

// Hub fans events out to live subscribers, such as websocket clients. A
// subscriber that cannot keep up loses events rather than slowing emission
// down; the gap is visible to it through the sequence numbers.
type Hub struct {
	metrics *observe.Metrics
	backlog int

	mu     sync.Mutex
	recent []memory.Event
	subs   map[*Subscription]struct{}
	closed bool
}

// Subscription is one live event stream from a [Hub].
type Subscription struct {
	hub  *Hub
	ch   chan memory.Event
	once sync.Once
}

// C delivers events in emission order. It is closed when the subscription
// or the hub is closed.
func (s *Subscription) C() <-chan memory.Event { return s.ch }

// Close detaches the subscription from its hub.
func (s *Subscription) Close() { s.hub.remove(s) }

// NewHub returns a hub keeping backlog recent events (<= 0 selects
// [DefaultBacklog]). metrics may be nil.
func NewHub(backlog int, metrics *observe.Metrics) *Hub {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Hub{
		metrics: metrics,
		backlog: backlog,
		subs:    make(map[*Subscription]struct{}),
	}
}

// Emit implements [memory.EventSink].
func (h *Hub) Emit(_ context.Context, ev memory.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.recent = append(h.recent, ev)
	if over := len(h.recent) - h.backlog; over > 0 {
		h.recent = slices.Delete(h.recent, 0, over)
	}
	for sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
		}
	}
	return nil
}

// Recent returns up to n of the most recent events, oldest first.
func (h *Hub) Recent(n int) []memory.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n > len(h.recent) {
		n = len(h.recent)
	}
	return slices.Clone(h.recent[len(h.recent)-n:])
}

// Subscribe returns a new subscription. Events with a sequence number above
// afterSeq that are still in the backlog are delivered first.
func (h *Hub) Subscribe(ctx context.Context, afterSeq uint64) *Subscription {
	sub := &Subscription{hub: h, ch: make(chan memory.Event, subscriberBuffer+h.backlog)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}
	for _, ev := range h.recent {
		if ev.Seq > afterSeq {
			sub.ch <- ev
		}
	}
	h.subs[sub] = struct{}{}
	h.metrics.EventSubscribers.Add(ctx, 1)
	return sub
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) remove(sub *Subscription) {
	sub.once.Do(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[sub]; ok {
			delete(h.subs, sub)
			h.metrics.EventSubscribers.Add(context.Background(), -1)
			close(sub.ch)
		}
	})
}

// Close closes every subscription. Later events are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		h.metrics.EventSubscribers.Add(context.Background(), -1)
		close(sub.ch)
	}
}
