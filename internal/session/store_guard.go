package session

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/lorekeeper/pkg/memory"
)

// StoreGuard wraps a [memory.DurableStore] and makes all operations
// non-fatal. If the underlying store fails, writes are dropped, Load reports
// nothing saved, and a warning is logged instead of an error propagating to
// the turn loop.
//
// IsDegraded reports whether the most recent operation failed; /readyz
// surfaces it.
//
// All methods are safe for concurrent use.
type StoreGuard struct {
	store    memory.DurableStore
	degraded atomic.Bool
}

// Compile-time check that StoreGuard satisfies memory.DurableStore.
var _ memory.DurableStore = (*StoreGuard)(nil)

// NewStoreGuard creates a new [StoreGuard] wrapping store.
func NewStoreGuard(store memory.DurableStore) *StoreGuard {
	return &StoreGuard{store: store}
}

func (g *StoreGuard) observe(op, player string, err error) {
	if err != nil {
		g.degraded.Store(true)
		slog.Warn("store guard: "+op+" failed, swallowing error", "player", player, "err", err)
		return
	}
	g.degraded.Store(false)
}

// SaveScene implements [memory.DurableStore].
func (g *StoreGuard) SaveScene(ctx context.Context, player string, scene memory.Scene) error {
	g.observe("SaveScene", player, g.store.SaveScene(ctx, player, scene))
	return nil
}

// SavePlayerState implements [memory.DurableStore].
func (g *StoreGuard) SavePlayerState(ctx context.Context, player string, st memory.StateRecord) error {
	g.observe("SavePlayerState", player, g.store.SavePlayerState(ctx, player, st))
	return nil
}

// AppendEvents implements [memory.DurableStore].
func (g *StoreGuard) AppendEvents(ctx context.Context, player string, events []memory.Event) error {
	g.observe("AppendEvents", player, g.store.AppendEvents(ctx, player, events))
	return nil
}

// Load implements [memory.DurableStore]. A failing load starts the player
// fresh.
func (g *StoreGuard) Load(ctx context.Context, player string) (memory.Checkpoint, bool, error) {
	cp, found, err := g.store.Load(ctx, player)
	g.observe("Load", player, err)
	if err != nil {
		return memory.Checkpoint{}, false, nil
	}
	return cp, found, nil
}

// Reset implements [memory.DurableStore].
func (g *StoreGuard) Reset(ctx context.Context, player string) error {
	g.observe("Reset", player, g.store.Reset(ctx, player))
	return nil
}

// Close closes the underlying store and returns its error.
func (g *StoreGuard) Close() error {
	return g.store.Close()
}

// IsDegraded reports whether the durable store is currently failing.
func (g *StoreGuard) IsDegraded() bool {
	return g.degraded.Load()
}
