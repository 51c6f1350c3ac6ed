// Package memory holds the authoritative, per-player world memory of a
// text-adventure session: one [Scene] per visited room, the session-wide
// [PlayerState], and the turn counter that orders everything else.
//
// A [Store] is the single owner of that state. Writers go through
// [Store.Update] (or [Store.UpdateAt] when they must prove their identity
// generation is still current); readers go through [Store.View]. Nothing in
// this package knows about prompts, schedulers or log formats: audit output
// leaves through an [EventSink] supplied by the caller.
//
// Persistence is optional and pluggable through [DurableStore].
//
// Every exported method of [Store] is safe for concurrent use.
package memory

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	// ErrGenerationChanged is returned by [Store.UpdateAt] when the store was
	// reset (rename or restart) after the caller captured its generation.
	ErrGenerationChanged = errors.New("memory: identity generation changed")

	// ErrUnknownScene is returned when a write targets a room that has never
	// been recorded.
	ErrUnknownScene = errors.New("memory: unknown scene")
)

// Store is the in-memory scene store for one player identity.
type Store struct {
	mu sync.RWMutex

	player     string
	generation uint64

	scenes map[string]*Scene
	order  []string // visit order, most recent last

	state       PlayerState
	currentRoom string
	turn        int

	lastFacts  *EngineFacts
	narrations []Narration

	dirtyScenes map[string]struct{}
	stateDirty  bool
}

// NewStore returns an empty store for player. No turn has been recorded yet,
// so [Store.LatestTurn] reports -1 until the opening turn is written.
func NewStore(player string) *Store {
	return &Store{
		player:      player,
		generation:  1,
		scenes:      make(map[string]*Scene),
		turn:        -1,
		dirtyScenes: make(map[string]struct{}),
	}
}

// Update runs fn with exclusive access to the store. fn must either fail
// before mutating anything or not fail at all; there is no rollback.
func (s *Store) Update(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&Tx{View{s}})
}

// UpdateAt is like [Store.Update] but refuses to run fn (returning
// [ErrGenerationChanged]) when the store's generation is no longer gen.
func (s *Store) UpdateAt(gen uint64, fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return fmt.Errorf("%w: have %d, want %d", ErrGenerationChanged, s.generation, gen)
	}
	return fn(&Tx{View{s}})
}

// View runs fn with shared read access. The [View] must not escape fn.
func (s *Store) View(fn func(v View)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(View{s})
}

// Snapshot is shorthand for a [View.Snapshot] under the read lock.
func (s *Store) Snapshot(recentScenes, recentNarrations int) Snapshot {
	var snap Snapshot
	s.View(func(v View) { snap = v.Snapshot(recentScenes, recentNarrations) })
	return snap
}

// Reset discards all memory, switches the store to player and bumps the
// identity generation. It returns the new generation.
func (s *Store) Reset(player string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.player = player
	s.generation++
	s.scenes = make(map[string]*Scene)
	s.order = nil
	s.state = PlayerState{}
	s.currentRoom = ""
	s.turn = -1
	s.lastFacts = nil
	s.narrations = nil
	s.dirtyScenes = make(map[string]struct{})
	s.stateDirty = false
	return s.generation
}

// Restore replaces the store contents with a previously saved checkpoint for
// the same player. The generation is left unchanged and nothing is marked
// dirty.
func (s *Store) Restore(cp Checkpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scenes = make(map[string]*Scene, len(cp.Scenes))
	for i := range cp.Scenes {
		sc := cp.Scenes[i].Clone()
		s.scenes[sc.Room] = sc
	}
	s.order = s.order[:0]
	for _, room := range cp.State.VisitOrder {
		if _, ok := s.scenes[room]; ok && !slices.Contains(s.order, room) {
			s.order = append(s.order, room)
		}
	}
	// Scenes missing from the saved order go first, oldest visit first.
	var missing []string
	for room := range s.scenes {
		if !slices.Contains(s.order, room) {
			missing = append(missing, room)
		}
	}
	slices.SortFunc(missing, func(a, b string) int {
		return s.scenes[a].LastVisitTurn - s.scenes[b].LastVisitTurn
	})
	s.order = append(missing, s.order...)

	s.state = cp.State.PlayerState.Clone()
	s.currentRoom = cp.State.CurrentRoom
	s.turn = cp.State.Turn
	s.lastFacts = nil

	s.narrations = nil
	for _, sc := range s.scenes {
		s.narrations = append(s.narrations, sc.Narrations...)
	}
	slices.SortStableFunc(s.narrations, func(a, b Narration) int {
		if a.Turn != b.Turn {
			return a.Turn - b.Turn
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	s.dirtyScenes = make(map[string]struct{})
	s.stateDirty = false
}

// Changes is the set of records modified since the last [Store.TakeDirty].
type Changes struct {
	Player     string
	Generation uint64
	Scenes     []Scene
	State      *StateRecord
}

// Empty reports whether c carries nothing to persist.
func (c Changes) Empty() bool { return len(c.Scenes) == 0 && c.State == nil }

// TakeDirty returns deep copies of every scene and the session state touched
// since the previous call, and clears the dirty marks.
func (s *Store) TakeDirty() Changes {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := Changes{Player: s.player, Generation: s.generation}
	for room := range s.dirtyScenes {
		if sc, ok := s.scenes[room]; ok {
			ch.Scenes = append(ch.Scenes, *sc.Clone())
		}
	}
	slices.SortFunc(ch.Scenes, func(a, b Scene) int { return a.LastVisitTurn - b.LastVisitTurn })
	if s.stateDirty {
		st := View{s}.stateRecord()
		ch.State = &st
	}
	s.dirtyScenes = make(map[string]struct{})
	s.stateDirty = false
	return ch
}

// Player returns the current player identity.
func (s *Store) Player() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.player
}

// Generation returns the identity generation. It changes on every
// [Store.Reset].
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// LatestTurn returns the number of the most recently committed turn, or -1.
func (s *Store) LatestTurn() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.turn
}

// CurrentRoom returns the room the player is in, or "" before the opening
// turn.
func (s *Store) CurrentRoom() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRoom
}

// ─────────────────────────────────────────────────────────────────────────────
// View / Tx
// ─────────────────────────────────────────────────────────────────────────────

// View is read access to a [Store] while its lock is held. Every value it
// returns is a copy.
type View struct {
	s *Store
}

func (v View) Player() string      { return v.s.player }
func (v View) Generation() uint64  { return v.s.generation }
func (v View) Turn() int           { return v.s.turn }
func (v View) CurrentRoom() string { return v.s.currentRoom }

// Scene returns a copy of the scene for room, or nil.
func (v View) Scene(room string) *Scene {
	return v.s.scenes[room].Clone()
}

// HasScene reports whether room has been recorded.
func (v View) HasScene(room string) bool {
	_, ok := v.s.scenes[room]
	return ok
}

// VisitOrder returns room names from least to most recently visited.
func (v View) VisitOrder() []string { return slices.Clone(v.s.order) }

// PlayerState returns a copy of the player state.
func (v View) PlayerState() PlayerState { return v.s.state.Clone() }

// Narrations returns the last n narrations across all rooms, oldest first.
// n <= 0 returns all of them.
func (v View) Narrations(n int) []Narration {
	all := v.s.narrations
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return slices.Clone(all)
}

// LastFacts returns the most recently recorded normalized facts.
func (v View) LastFacts() (EngineFacts, bool) {
	if v.s.lastFacts == nil {
		return EngineFacts{}, false
	}
	return *v.s.lastFacts, true
}

// Snapshot projects the store into a [Snapshot] with at most recentScenes
// previously visited rooms and recentNarrations narrator lines.
func (v View) Snapshot(recentScenes, recentNarrations int) Snapshot {
	snap := Snapshot{
		Player:           v.s.player,
		Generation:       v.s.generation,
		Turn:             v.s.turn,
		CurrentRoom:      v.s.currentRoom,
		CurrentScene:     v.s.scenes[v.s.currentRoom].Clone(),
		RecentScenes:     []Scene{},
		RecentNarrations: v.Narrations(recentNarrations),
		PlayerState:      v.s.state.Clone(),
	}
	if snap.RecentNarrations == nil {
		snap.RecentNarrations = []Narration{}
	}
	for i := len(v.s.order) - 1; i >= 0 && len(snap.RecentScenes) < recentScenes; i-- {
		room := v.s.order[i]
		if room == v.s.currentRoom {
			continue
		}
		snap.RecentScenes = append(snap.RecentScenes, *v.s.scenes[room].Clone())
	}
	return snap
}

func (v View) stateRecord() StateRecord {
	return StateRecord{
		Turn:        v.s.turn,
		CurrentRoom: v.s.currentRoom,
		VisitOrder:  slices.Clone(v.s.order),
		PlayerState: v.s.state.Clone(),
	}
}

// Tx is write access to a [Store] inside [Store.Update].
type Tx struct {
	View
}

// SetTurn sets the latest committed turn number.
func (tx *Tx) SetTurn(turn int) {
	tx.s.turn = turn
	tx.s.stateDirty = true
}

// SetCurrentRoom moves the player to room.
func (tx *Tx) SetCurrentRoom(room string) {
	tx.s.currentRoom = room
	tx.s.stateDirty = true
}

// SetPlayerState replaces the player state.
func (tx *Tx) SetPlayerState(st PlayerState) {
	tx.s.state = st.Clone()
	tx.s.stateDirty = true
}

// SetLastFacts remembers f for duplicate-delivery detection.
func (tx *Tx) SetLastFacts(f EngineFacts) {
	tx.s.lastFacts = &f
}

// EnsureScene returns the live scene for room, creating it on first visit.
// The scene becomes the most recently visited one and is marked dirty. The
// returned pointer must not be retained after the transaction.
func (tx *Tx) EnsureScene(room string, turn int) (sc *Scene, created bool) {
	sc, ok := tx.s.scenes[room]
	if !ok {
		sc = NewScene(room, turn)
		tx.s.scenes[room] = sc
		created = true
	}
	if i := slices.Index(tx.s.order, room); i >= 0 {
		tx.s.order = slices.Delete(tx.s.order, i, i+1)
	}
	tx.s.order = append(tx.s.order, room)
	tx.s.dirtyScenes[room] = struct{}{}
	tx.s.stateDirty = true
	return sc, created
}

// AppendNarration attaches n to the scene for n.Room and to the session-wide
// narration log.
func (tx *Tx) AppendNarration(n Narration) error {
	sc, ok := tx.s.scenes[n.Room]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownScene, n.Room)
	}
	sc.AddNarration(n)
	tx.s.narrations = append(tx.s.narrations, n)
	tx.s.dirtyScenes[n.Room] = struct{}{}
	return nil
}

// AppendNote attaches an enrichment note to room.
func (tx *Tx) AppendNote(room string, n Note) error {
	sc, ok := tx.s.scenes[room]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownScene, room)
	}
	sc.AddNote(n)
	tx.s.dirtyScenes[room] = struct{}{}
	return nil
}
