package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/lorekeeper/pkg/memory"
)

// DefaultMaxBuffered is the per-player buffer bound of a [DurableSink].
const DefaultMaxBuffered = 10_000

// DurableSink buffers events in memory and writes them to a
// [memory.DurableStore] when [DurableSink.Flush] is called. The checkpointer
// flushes it together with dirty scenes, so play never waits on the store.
type DurableSink struct {
	store       memory.DurableStore
	maxBuffered int

	mu      sync.Mutex
	pending map[string][]memory.Event
	order   []string // players in first-seen order
	dropped int
}

// NewDurableSink returns a sink writing to store. maxBuffered <= 0 selects
// [DefaultMaxBuffered].
func NewDurableSink(store memory.DurableStore, maxBuffered int) *DurableSink {
	if maxBuffered <= 0 {
		maxBuffered = DefaultMaxBuffered
	}
	return &DurableSink{
		store:       store,
		maxBuffered: maxBuffered,
		pending:     make(map[string][]memory.Event),
	}
}

// Emit implements [memory.EventSink]. When a player's buffer is full the
// oldest buffered event is discarded.
func (s *DurableSink) Emit(_ context.Context, ev memory.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.pending[ev.Player]
	if !ok {
		s.order = append(s.order, ev.Player)
	}
	if len(buf) >= s.maxBuffered {
		buf = buf[1:]
		s.dropped++
		if s.dropped == 1 || s.dropped%1000 == 0 {
			slog.Warn("audit: durable buffer full, dropping oldest events", "player", ev.Player, "dropped", s.dropped)
		}
	}
	s.pending[ev.Player] = append(buf, ev)
	return nil
}

// Pending returns the number of buffered events across all players.
func (s *DurableSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, buf := range s.pending {
		n += len(buf)
	}
	return n
}

// Discard drops every buffered event of player. Called when that identity's
// durable record is reset.
func (s *DurableSink) Discard(player string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, player)
	s.order = slices.DeleteFunc(s.order, func(p string) bool { return p == player })
}

// Flush writes all buffered events. Events of a player whose write fails are
// put back in front of anything buffered since, and retried on the next
// flush.
func (s *DurableSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	order := s.order
	s.pending = make(map[string][]memory.Event)
	s.order = nil
	s.mu.Unlock()

	var errs []error
	for _, player := range order {
		events := batch[player]
		if len(events) == 0 {
			continue
		}
		if err := s.store.AppendEvents(ctx, player, events); err != nil {
			errs = append(errs, fmt.Errorf("audit: flush %d events for %q: %w", len(events), player, err))
			s.requeue(player, events)
		}
	}
	return errors.Join(errs...)
}

func (s *DurableSink) requeue(player string, events []memory.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	newer, ok := s.pending[player]
	if !ok {
		s.order = append([]string{player}, s.order...)
	}
	merged := append(events, newer...)
	if over := len(merged) - s.maxBuffered; over > 0 {
		merged = merged[over:]
		s.dropped += over
	}
	s.pending[player] = merged
}
