// Package mock provides in-memory test doubles for the memory package
// interfaces.
//
// Each mock records every method call for assertion in tests and exposes
// exported fields that control what the mock returns. All mocks are safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := &mock.DurableStore{}
//	store.SaveSceneErr = errors.New("disk full")
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("SaveScene"); got != 1 {
//	    t.Errorf("expected 1 SaveScene call, got %d", got)
//	}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/lorekeeper/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

type recorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *recorder) record(method string, args ...any) {
	r.calls = append(r.calls, Call{Method: method, Args: args})
}

// Calls returns a copy of all recorded method invocations.
func (r *recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

// CallCount returns how many times the named method was invoked.
func (r *recorder) CallCount(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (r *recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// ─────────────────────────────────────────────────────────────────────────────
// DurableStore mock
// ─────────────────────────────────────────────────────────────────────────────

// DurableStore is a configurable test double for [memory.DurableStore]. It
// keeps the last saved scenes and state per player so that Load returns what
// was written, unless LoadResult is set.
type DurableStore struct {
	recorder

	SaveSceneErr       error
	SavePlayerStateErr error
	AppendEventsErr    error
	LoadErr            error
	ResetErr           error
	CloseErr           error

	// LoadResult, when non-nil, is returned by Load instead of the saved
	// records.
	LoadResult *memory.Checkpoint

	scenes map[string]map[string]memory.Scene
	states map[string]memory.StateRecord
	events map[string][]memory.Event
}

var _ memory.DurableStore = (*DurableStore)(nil)

// SaveScene implements [memory.DurableStore].
func (m *DurableStore) SaveScene(_ context.Context, player string, scene memory.Scene) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SaveScene", player, scene)
	if m.SaveSceneErr != nil {
		return m.SaveSceneErr
	}
	if m.scenes == nil {
		m.scenes = make(map[string]map[string]memory.Scene)
	}
	if m.scenes[player] == nil {
		m.scenes[player] = make(map[string]memory.Scene)
	}
	m.scenes[player][scene.Room] = *scene.Clone()
	return nil
}

// SavePlayerState implements [memory.DurableStore].
func (m *DurableStore) SavePlayerState(_ context.Context, player string, st memory.StateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SavePlayerState", player, st)
	if m.SavePlayerStateErr != nil {
		return m.SavePlayerStateErr
	}
	if m.states == nil {
		m.states = make(map[string]memory.StateRecord)
	}
	m.states[player] = st
	return nil
}

// AppendEvents implements [memory.DurableStore].
func (m *DurableStore) AppendEvents(_ context.Context, player string, events []memory.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("AppendEvents", player, slices.Clone(events))
	if m.AppendEventsErr != nil {
		return m.AppendEventsErr
	}
	if m.events == nil {
		m.events = make(map[string][]memory.Event)
	}
	m.events[player] = append(m.events[player], events...)
	return nil
}

// Load implements [memory.DurableStore].
func (m *DurableStore) Load(_ context.Context, player string) (memory.Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Load", player)
	if m.LoadErr != nil {
		return memory.Checkpoint{}, false, m.LoadErr
	}
	if m.LoadResult != nil {
		return *m.LoadResult, true, nil
	}
	st, ok := m.states[player]
	if !ok {
		return memory.Checkpoint{}, false, nil
	}
	cp := memory.Checkpoint{Player: player, State: st}
	for _, sc := range m.scenes[player] {
		cp.Scenes = append(cp.Scenes, sc)
	}
	return cp, true, nil
}

// Reset implements [memory.DurableStore].
func (m *DurableStore) Reset(_ context.Context, player string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Reset", player)
	if m.ResetErr != nil {
		return m.ResetErr
	}
	delete(m.scenes, player)
	delete(m.states, player)
	delete(m.events, player)
	return nil
}

// Close implements [memory.DurableStore].
func (m *DurableStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Close")
	return m.CloseErr
}

// Events returns every event appended for player.
func (m *DurableStore) Events(player string) []memory.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.events[player])
}

// Scene returns the saved copy of room for player.
func (m *DurableStore) Scene(player, room string) (memory.Scene, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.scenes[player][room]
	return sc, ok
}

// ─────────────────────────────────────────────────────────────────────────────
// EventSink mock
// ─────────────────────────────────────────────────────────────────────────────

// EventSink collects every emitted event in order.
type EventSink struct {
	mu     sync.Mutex
	events []memory.Event

	// EmitErr is returned by Emit when non-nil. The event is still recorded.
	EmitErr error
}

var _ memory.EventSink = (*EventSink)(nil)

// Emit implements [memory.EventSink].
func (m *EventSink) Emit(_ context.Context, ev memory.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return m.EmitErr
}

// Events returns a copy of every recorded event.
func (m *EventSink) Events() []memory.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.events)
}

// Types returns the type of every recorded event, in order.
func (m *EventSink) Types() []memory.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]memory.EventType, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.Type
	}
	return out
}

// OfType returns the recorded events with type typ.
func (m *EventSink) OfType(typ memory.EventType) []memory.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []memory.Event
	for _, ev := range m.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// Reset clears recorded events.
func (m *EventSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}

// ─────────────────────────────────────────────────────────────────────────────
// NoteIndex mock
// ─────────────────────────────────────────────────────────────────────────────

// NoteIndex is a configurable test double for [memory.NoteIndex].
type NoteIndex struct {
	recorder

	IndexNoteErr  error
	SearchResult  []memory.NoteMatch
	SearchErr     error
	ResetNotesErr error
}

var _ memory.NoteIndex = (*NoteIndex)(nil)

// IndexNote implements [memory.NoteIndex].
func (m *NoteIndex) IndexNote(_ context.Context, player, room string, note memory.Note, embedding []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("IndexNote", player, room, note, slices.Clone(embedding))
	return m.IndexNoteErr
}

// SearchNotes implements [memory.NoteIndex].
func (m *NoteIndex) SearchNotes(_ context.Context, player string, embedding []float32, topK int) ([]memory.NoteMatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SearchNotes", player, slices.Clone(embedding), topK)
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	return slices.Clone(m.SearchResult), nil
}

// ResetNotes implements [memory.NoteIndex].
func (m *NoteIndex) ResetNotes(_ context.Context, player string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ResetNotes", player)
	return m.ResetNotesErr
}
