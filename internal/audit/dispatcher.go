// Package audit sequences memory and scheduler events and fans them out to
// their sinks.
//
// Every producer (recorder, appender, scheduler, session) emits through one
// [Dispatcher]. The dispatcher stamps each event with a monotonically
// increasing sequence number and a timestamp, then hands it to every sink in
// registration order. Sinks are append-only; an event is never rewritten
// after it has been stamped.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/lorekeeper/pkg/memory"
)

var _ memory.EventSink = (*Dispatcher)(nil)

// Dispatcher is a [memory.EventSink] that sequences events and forwards them
// to its sinks. It is safe for concurrent use; emissions are serialised so
// every sink observes the same order.
type Dispatcher struct {
	mu    sync.Mutex
	seq   uint64
	sinks []namedSink
	now   func() time.Time
}

type namedSink struct {
	name string
	sink memory.EventSink
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithClock overrides the timestamp source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithStartSeq continues numbering after seq, e.g. when resuming from a
// durable log.
func WithStartSeq(seq uint64) Option {
	return func(d *Dispatcher) { d.seq = seq }
}

// NewDispatcher returns a Dispatcher with no sinks.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{now: time.Now}
	for _, o := range opts {
		o(d)
	}
	return d
}

// AddSink registers sink under name. Sinks receive events in registration
// order.
func (d *Dispatcher) AddSink(name string, sink memory.EventSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, namedSink{name: name, sink: sink})
}

// Seq returns the sequence number of the last emitted event.
func (d *Dispatcher) Seq() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq
}

// Emit implements [memory.EventSink]. A failing sink does not stop delivery
// to the others; all sink errors are joined into the result.
func (d *Dispatcher) Emit(ctx context.Context, ev memory.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq++
	ev.Seq = d.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = d.now().UTC()
	}

	var errs []error
	for _, s := range d.sinks {
		if err := s.sink.Emit(ctx, ev); err != nil {
			slog.Warn("audit: sink failed", "sink", s.name, "seq", ev.Seq, "type", ev.Type, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
