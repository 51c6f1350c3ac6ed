package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/lorekeeper/internal/audit"
	"github.com/MrWong99/lorekeeper/internal/scheduler"
	"github.com/MrWong99/lorekeeper/pkg/memory"
	memorymock "github.com/MrWong99/lorekeeper/pkg/memory/mock"
	embeddingsmock "github.com/MrWong99/lorekeeper/pkg/provider/embeddings/mock"
)

// ─────────────────────────────────────────────────────────────────────────────
// Checkpointer
// ─────────────────────────────────────────────────────────────────────────────

func TestCheckpointer_FlushAndResume(t *testing.T) {
	t.Parallel()

	durable := &memorymock.DurableStore{}
	events := audit.NewDurableSink(durable, 0)
	env := newEnv(t, withSink(events))
	cp := NewCheckpointer(CheckpointerConfig{Store: env.store, Durable: durable, Events: events})

	env.play(t, westOfHouse)
	env.play(t, goNorth)
	ctx := context.Background()
	if err := cp.FlushNow(ctx); err != nil {
		t.Fatal(err)
	}
	if cp.LastSave().IsZero() {
		t.Error("LastSave not set")
	}
	if n := durable.CallCount("SaveScene"); n != 2 {
		t.Errorf("SaveScene calls = %d, want 2", n)
	}
	if len(durable.Events("alice")) == 0 {
		t.Error("buffered events not flushed")
	}

	// Nothing changed: the next flush writes nothing.
	if err := cp.FlushNow(ctx); err != nil {
		t.Fatal(err)
	}
	if n := durable.CallCount("SaveScene"); n != 2 {
		t.Errorf("clean flush wrote scenes: %d calls", n)
	}

	// A fresh process restores the same memory.
	store := memory.NewStore("alice")
	restored, err := NewCheckpointer(CheckpointerConfig{Store: store, Durable: durable}).Resume(ctx)
	if err != nil || !restored {
		t.Fatalf("Resume = %v, %v", restored, err)
	}
	if store.LatestTurn() != 1 || store.CurrentRoom() != "North of House" {
		t.Errorf("restored turn %d room %q", store.LatestTurn(), store.CurrentRoom())
	}

	other := memory.NewStore("carol")
	restored, err = NewCheckpointer(CheckpointerConfig{Store: other, Durable: durable}).Resume(ctx)
	if err != nil || restored {
		t.Errorf("Resume for unknown player = %v, %v", restored, err)
	}
}

func TestCheckpointer_FlushErrorsJoined(t *testing.T) {
	t.Parallel()

	durable := &memorymock.DurableStore{SaveSceneErr: errors.New("disk full")}
	env := newEnv(t)
	cp := NewCheckpointer(CheckpointerConfig{Store: env.store, Durable: durable})
	env.play(t, westOfHouse)

	err := cp.FlushNow(context.Background())
	if err == nil || !errors.Is(err, durable.SaveSceneErr) {
		t.Fatalf("FlushNow = %v", err)
	}
	// The state is still written after a scene failure.
	if n := durable.CallCount("SavePlayerState"); n != 1 {
		t.Errorf("SavePlayerState calls = %d, want 1", n)
	}
	if !cp.LastSave().IsZero() {
		t.Error("LastSave set after a failed flush")
	}
}

func TestCheckpointer_RunFinalFlush(t *testing.T) {
	t.Parallel()

	durable := &memorymock.DurableStore{}
	env := newEnv(t)
	cp := NewCheckpointer(CheckpointerConfig{Store: env.store, Durable: durable, Interval: time.Hour})
	env.play(t, westOfHouse)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cp.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	if _, ok := durable.Scene("alice", "West of House"); !ok {
		t.Error("final flush did not save the scene")
	}
}

func TestCheckpointer_Stop(t *testing.T) {
	t.Parallel()

	cp := NewCheckpointer(CheckpointerConfig{Store: memory.NewStore("alice"), Durable: &memorymock.DurableStore{}, Interval: time.Hour})
	done := make(chan error, 1)
	go func() { done <- cp.Run(context.Background()) }()
	cp.Stop()
	cp.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestCheckpointer_ResetIdentity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		newPlayer   string
		resetErr    error
		wantFlushed bool
		wantErr     bool
	}{
		{name: "rename", newPlayer: "bob", wantFlushed: true},
		{name: "restart", newPlayer: "alice"},
		{name: "durable reset fails", newPlayer: "bob", resetErr: errors.New("locked"), wantFlushed: true, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			durable := &memorymock.DurableStore{ResetErr: tt.resetErr}
			notes := &memorymock.NoteIndex{}
			events := audit.NewDurableSink(durable, 0)
			env := newEnv(t)
			cp := NewCheckpointer(CheckpointerConfig{Store: env.store, Durable: durable, Events: events, Notes: notes})
			env.play(t, westOfHouse)
			_ = events.Emit(context.Background(), memory.Event{Type: memory.EventTurnRecorded, Player: tt.newPlayer})

			called := false
			err := cp.ResetIdentity(context.Background(), "alice", tt.newPlayer, func() {
				called = true
				env.store.Reset(tt.newPlayer)
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("ResetIdentity err = %v, wantErr %v", err, tt.wantErr)
			}
			if !called {
				t.Fatal("reset func not called")
			}
			if _, ok := durable.Scene("alice", "West of House"); ok != tt.wantFlushed {
				t.Errorf("old identity flushed = %v, want %v", ok, tt.wantFlushed)
			}
			calls := durable.Calls()
			last := calls[len(calls)-1]
			if last.Method != "Reset" || last.Args[0] != tt.newPlayer {
				t.Errorf("last durable call = %+v, want Reset(%q)", last, tt.newPlayer)
			}
			if notes.CallCount("ResetNotes") != 1 {
				t.Error("notes not reset")
			}
			if events.Pending() != 0 {
				t.Errorf("buffered events of the new identity survived: %d", events.Pending())
			}
		})
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// StoreGuard
// ─────────────────────────────────────────────────────────────────────────────

func TestStoreGuard(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	tests := []struct {
		name string
		fail func(m *memorymock.DurableStore)
		call func(g *StoreGuard) error
	}{
		{
			name: "SaveScene",
			fail: func(m *memorymock.DurableStore) { m.SaveSceneErr = boom },
			call: func(g *StoreGuard) error {
				return g.SaveScene(context.Background(), "alice", memory.Scene{Room: "Attic"})
			},
		},
		{
			name: "SavePlayerState",
			fail: func(m *memorymock.DurableStore) { m.SavePlayerStateErr = boom },
			call: func(g *StoreGuard) error {
				return g.SavePlayerState(context.Background(), "alice", memory.StateRecord{})
			},
		},
		{
			name: "AppendEvents",
			fail: func(m *memorymock.DurableStore) { m.AppendEventsErr = boom },
			call: func(g *StoreGuard) error {
				return g.AppendEvents(context.Background(), "alice", []memory.Event{{Type: memory.EventTurnRecorded}})
			},
		},
		{
			name: "Reset",
			fail: func(m *memorymock.DurableStore) { m.ResetErr = boom },
			call: func(g *StoreGuard) error { return g.Reset(context.Background(), "alice") },
		},
		{
			name: "Load",
			fail: func(m *memorymock.DurableStore) { m.LoadErr = boom },
			call: func(g *StoreGuard) error {
				cp, found, err := g.Load(context.Background(), "alice")
				if found || cp.Player != "" {
					return errors.New("failed load reported data")
				}
				return err
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := &memorymock.DurableStore{}
			g := NewStoreGuard(m)

			if err := tt.call(g); err != nil || g.IsDegraded() {
				t.Fatalf("healthy call: err %v degraded %v", err, g.IsDegraded())
			}
			tt.fail(m)
			if err := tt.call(g); err != nil {
				t.Errorf("failing call returned %v, want nil", err)
			}
			if !g.IsDegraded() {
				t.Error("not degraded after failure")
			}
		})
	}
}

func TestStoreGuard_Recovers(t *testing.T) {
	t.Parallel()

	m := &memorymock.DurableStore{SaveSceneErr: errors.New("timeout")}
	g := NewStoreGuard(m)
	_ = g.SaveScene(context.Background(), "alice", memory.Scene{Room: "Attic"})
	if !g.IsDegraded() {
		t.Fatal("not degraded")
	}
	m.SaveSceneErr = nil
	_ = g.SaveScene(context.Background(), "alice", memory.Scene{Room: "Attic"})
	if g.IsDegraded() {
		t.Error("still degraded after a successful write")
	}

	m.CloseErr = errors.New("already closed")
	if err := g.Close(); !errors.Is(err, m.CloseErr) {
		t.Errorf("Close = %v, want pass-through", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Ambient narrator
// ─────────────────────────────────────────────────────────────────────────────

func TestAmbient_Tick(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	clock := start
	env := newEnv(t)
	env.session.now = func() time.Time { return clock }
	a := NewAmbient(env.session, time.Minute)
	a.now = func() time.Time { return clock }
	ctx := context.Background()

	if a.Tick(ctx) {
		t.Fatal("ticked before the first turn")
	}
	env.play(t, westOfHouse)
	clock = start.Add(30 * time.Second)
	if a.Tick(ctx) {
		t.Fatal("ticked before the idle period")
	}
	clock = start.Add(2 * time.Minute)
	if !a.Tick(ctx) {
		t.Fatal("did not tick after the idle period")
	}
	if a.Tick(ctx) {
		t.Error("ticked twice for one idle period")
	}

	pending := env.sched.Report().Pending
	last := pending[len(pending)-1]
	if last.Kind != scheduler.KindNarration.String() || !last.Droppable {
		t.Errorf("ambient task = %+v", last)
	}

	// A new turn opens a new idle period.
	env.play(t, takeMat)
	clock = start.Add(4 * time.Minute)
	if !a.Tick(ctx) {
		t.Error("did not tick after the next idle period")
	}
}

func TestAmbient_Defaults(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	a := NewAmbient(env.session, 0)
	if a.IdleAfter() != DefaultIdleAfter {
		t.Errorf("IdleAfter = %v, want %v", a.IdleAfter(), DefaultIdleAfter)
	}
	a.SetIdleAfter(time.Minute)
	if a.IdleAfter() != time.Minute {
		t.Errorf("after SetIdleAfter: %v", a.IdleAfter())
	}
	a.SetIdleAfter(-1)
	if a.IdleAfter() != DefaultIdleAfter {
		t.Errorf("negative SetIdleAfter: %v", a.IdleAfter())
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// NoteRecall
// ─────────────────────────────────────────────────────────────────────────────

func TestNoteRecall(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	match := memory.NoteMatch{Room: "Attic", Note: memory.Note{Text: "A rope hangs here."}, Distance: 0.1}

	t.Run("default limit", func(t *testing.T) {
		t.Parallel()
		index := &memorymock.NoteIndex{SearchResult: []memory.NoteMatch{match}}
		embedder := &embeddingsmock.Provider{}
		r := NewNoteRecall(index, embedder)

		got, err := r.Recall(ctx, "alice", "  where was the rope?  ", 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].Room != "Attic" {
			t.Errorf("Recall = %+v", got)
		}
		if embedder.Queries[0] != "where was the rope?" {
			t.Errorf("query = %q", embedder.Queries[0])
		}
		call := index.Calls()[0]
		if call.Args[0] != "alice" || call.Args[2] != DefaultRecallLimit {
			t.Errorf("SearchNotes args = %v", call.Args)
		}
	})

	t.Run("empty query", func(t *testing.T) {
		t.Parallel()
		r := NewNoteRecall(&memorymock.NoteIndex{}, &embeddingsmock.Provider{})
		if _, err := r.Recall(ctx, "alice", " ", 3); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("embed failure", func(t *testing.T) {
		t.Parallel()
		embedder := &embeddingsmock.Provider{QueryErr: errors.New("model missing")}
		r := NewNoteRecall(&memorymock.NoteIndex{}, embedder)
		if _, err := r.Recall(ctx, "alice", "rope", 3); !errors.Is(err, embedder.QueryErr) {
			t.Errorf("Recall = %v", err)
		}
	})

	t.Run("search failure", func(t *testing.T) {
		t.Parallel()
		index := &memorymock.NoteIndex{SearchErr: errors.New("no table")}
		r := NewNoteRecall(index, &embeddingsmock.Provider{})
		if _, err := r.Recall(ctx, "alice", "rope", 3); !errors.Is(err, index.SearchErr) {
			t.Errorf("Recall = %v", err)
		}
	})

	t.Run("embed note includes room", func(t *testing.T) {
		t.Parallel()
		embedder := &embeddingsmock.Provider{}
		r := NewNoteRecall(&memorymock.NoteIndex{}, embedder)
		vec, err := r.Embed(ctx, "Attic", "A rope hangs here.")
		if err != nil || len(vec) == 0 {
			t.Fatalf("Embed = %v, %v", vec, err)
		}
		if embedder.Documents[0] != "Attic: A rope hangs here." {
			t.Errorf("document = %q", embedder.Documents[0])
		}
	})
}
