// Package hotctx turns the memory store into prompt material for the
// background AI jobs.
//
// [Exporter] produces read-only [memory.Snapshot] values. [Builder] renders a
// snapshot into the LLM requests for narration, scene-image meta-prompts and
// memory enrichment. Both are pure readers: nothing in this package writes to
// the store.
package hotctx

import (
	"github.com/MrWong99/lorekeeper/pkg/memory"
)

// Default context windows.
const (
	DefaultRecentScenes     = 2
	DefaultRecentNarrations = 3
)

// Exporter projects a [memory.Store] into snapshots for prompt builders.
// Every call takes the store's read lock and deep-copies the result.
type Exporter struct {
	store            *memory.Store
	recentScenes     int
	recentNarrations int
}

// Option is a functional option for [NewExporter].
type Option func(*Exporter)

// WithWindow sets how many previously visited scenes and narrator lines a
// snapshot carries. Non-positive values keep the defaults.
func WithWindow(recentScenes, recentNarrations int) Option {
	return func(e *Exporter) {
		if recentScenes > 0 {
			e.recentScenes = recentScenes
		}
		if recentNarrations > 0 {
			e.recentNarrations = recentNarrations
		}
	}
}

// NewExporter returns an Exporter reading from store.
func NewExporter(store *memory.Store, opts ...Option) *Exporter {
	e := &Exporter{
		store:            store,
		recentScenes:     DefaultRecentScenes,
		recentNarrations: DefaultRecentNarrations,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// GetContextForPrompt returns a snapshot of the current room, the most
// recently visited other rooms, the latest narrator lines and the player
// state.
func (e *Exporter) GetContextForPrompt() memory.Snapshot {
	return e.store.Snapshot(e.recentScenes, e.recentNarrations)
}

// Scene returns a copy of the scene for room.
func (e *Exporter) Scene(room string) (memory.Scene, bool) {
	var sc *memory.Scene
	e.store.View(func(v memory.View) { sc = v.Scene(room) })
	if sc == nil {
		return memory.Scene{}, false
	}
	return *sc, true
}

// Scenes returns copies of every recorded scene, most recently visited first.
func (e *Exporter) Scenes() []memory.Scene {
	var out []memory.Scene
	e.store.View(func(v memory.View) {
		order := v.VisitOrder()
		out = make([]memory.Scene, 0, len(order))
		for i := len(order) - 1; i >= 0; i-- {
			out = append(out, *v.Scene(order[i]))
		}
	})
	return out
}
