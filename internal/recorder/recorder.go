// Package recorder is the single write path from parsed engine output into
// [memory.Store].
//
// [Recorder.RecordTurn] applies one turn's [memory.EngineFacts]: it resolves
// or creates the room's scene, merges description evidence, classifies the
// command, updates item sets and the player state, and emits the turn's
// audit events. [Appender] is the only writer of AI-generated text (narration
// and enrichment notes) and refuses writes from an outdated identity
// generation.
package recorder

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/lorekeeper/internal/observe"
	"github.com/MrWong99/lorekeeper/internal/recorder/itemmatch"
	"github.com/MrWong99/lorekeeper/pkg/memory"
)

// RecordResult describes what [Recorder.RecordTurn] did.
type RecordResult struct {
	Turn        int
	Room        string
	Generation  uint64
	Category    memory.ActionCategory
	RoomChanged bool
	FirstVisit  bool

	// Skipped is true when the engine reported a failure and memory was left
	// untouched.
	Skipped bool

	// Duplicate is true when the facts repeated the previous turn verbatim.
	// The turn counter did not advance.
	Duplicate bool
}

// Option is a functional option for [New].
type Option func(*Recorder)

// WithVocabulary overrides the verb lists. Empty lists keep their defaults.
func WithVocabulary(v Vocabulary) Option {
	return func(r *Recorder) { r.vocab = v.withDefaults() }
}

// WithResolver sets the item resolver used by classification.
func WithResolver(res *itemmatch.Resolver) Option {
	return func(r *Recorder) { r.resolver = res }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// Recorder applies engine facts to a [memory.Store].
type Recorder struct {
	store    *memory.Store
	sink     memory.EventSink
	vocab    Vocabulary
	resolver *itemmatch.Resolver
	metrics  *observe.Metrics
}

// New returns a Recorder writing to store and emitting audit events to sink.
// A nil sink discards events.
func New(store *memory.Store, sink memory.EventSink, opts ...Option) *Recorder {
	if sink == nil {
		sink = memory.Discard
	}
	r := &Recorder{
		store:    store,
		sink:     sink,
		vocab:    DefaultVocabulary(),
		resolver: itemmatch.New(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Vocabulary returns the verb lists in use.
func (r *Recorder) Vocabulary() Vocabulary { return r.vocab }

// RecordTurn applies facts as the next turn. command overrides
// facts.Command when non-empty. previousRoom is the room the player was in
// before the command; when empty, the store's current room is used, which is
// also empty for the opening turn.
//
// All audit events for the turn are emitted before RecordTurn returns. Sink
// errors are logged and never fail the turn.
func (r *Recorder) RecordTurn(ctx context.Context, facts memory.EngineFacts, command, previousRoom string) (RecordResult, error) {
	start := time.Now()

	norm := memory.NormalizeFacts(facts)
	if c := strings.TrimSpace(command); c != "" {
		norm.Command = c
	}

	if norm.EngineFailure() {
		return r.skip(ctx, norm), nil
	}

	var (
		res    RecordResult
		player string
		events []memory.Event
	)
	err := r.store.Update(func(tx *memory.Tx) error {
		player = tx.Player()
		res.Generation = tx.Generation()

		if last, ok := tx.LastFacts(); ok && last.Equal(norm) {
			res.Duplicate = true
			res.Turn = tx.Turn()
			res.Room = tx.CurrentRoom()
			if sc := tx.Scene(res.Room); sc != nil {
				if a, ok := sc.LastAction(); ok {
					res.Category = a.Category
				}
			}
			events = append(events, newEvent(memory.EventTurnRecorded, map[string]any{
				"room":      res.Room,
				"command":   norm.Command,
				"duplicate": true,
			}))
			return nil
		}

		events = r.apply(tx, norm, previousRoom, &res)
		return nil
	})
	if err != nil {
		return RecordResult{}, err
	}

	outcome := "recorded"
	if res.Duplicate {
		outcome = "duplicate"
	}
	r.metrics.RecordTurn(ctx, outcome, time.Since(start))
	r.emit(ctx, player, res.Turn, events)

	slog.Debug("recorder: turn recorded",
		"player", player,
		"turn", res.Turn,
		"room", res.Room,
		"category", res.Category,
		"duplicate", res.Duplicate,
	)
	return res, nil
}

// apply performs the mutation for a non-duplicate turn and returns the
// events to emit, in order.
func (r *Recorder) apply(tx *memory.Tx, norm memory.EngineFacts, previousRoom string, res *RecordResult) []memory.Event {
	turn := tx.Turn() + 1
	if previousRoom == "" {
		previousRoom = tx.CurrentRoom()
	}
	prevState := tx.PlayerState()
	entered := tx.CurrentRoom() != norm.Room
	roomChanged := previousRoom != "" && previousRoom != norm.Room

	sc, created := tx.EnsureScene(norm.Room, turn)
	cmd := ParseCommand(norm.Command)

	newParas := 0
	if entered || created || roomChanged || r.vocab.IsLook(cmd.Verb) {
		newParas = sc.AddParagraphs(norm.DescriptionParagraphs)
	}

	known := unionFold(sc.EverSeenItems, norm.VisibleItems, prevState.Inventory, norm.Inventory)
	cls := Classify(ClassifyInput{
		Command:      cmd,
		PreviousRoom: previousRoom,
		Room:         norm.Room,
		KnownItems:   known,
		Description:  slices.Concat(sc.Description, norm.DescriptionParagraphs),
	}, r.vocab, r.resolver)

	isTake := cls.Category == memory.CategoryItemInteraction && r.vocab.IsTake(cmd.Verb)
	isDrop := cls.Category == memory.CategoryItemInteraction && r.vocab.IsDrop(cmd.Verb)

	// A reported inventory is authoritative. Without one the result text
	// has to confirm the move.
	var took, dropped bool
	switch {
	case isTake && norm.Inventory != nil:
		took = containsFold(norm.Inventory, cls.Item)
	case isTake:
		took = ConfirmsTake(norm.ResultText)
	case isDrop && norm.Inventory != nil:
		dropped = !containsFold(norm.Inventory, cls.Item)
	case isDrop:
		dropped = ConfirmsDrop(norm.ResultText)
	}

	// Item sets.
	switch {
	case len(norm.VisibleItems) > 0:
		sc.ObserveItems(norm.VisibleItems)
	case took:
		sc.RemoveCurrentItem(cls.Item)
	case dropped:
		sc.AddItem(cls.Item)
	}

	// Player state.
	next := memory.PlayerState{Score: norm.Score, Moves: norm.Moves}
	if norm.Inventory != nil {
		next.Inventory = slices.Clone(norm.Inventory)
	} else {
		inv := slices.Clone(prevState.Inventory)
		switch {
		case took && !containsFold(inv, cls.Item):
			inv = append(inv, cls.Item)
		case dropped:
			inv = slices.DeleteFunc(inv, func(s string) bool { return strings.EqualFold(s, cls.Item) })
		}
		next.Inventory = inv
	}

	target := cmd.Target
	if cls.Item != "" {
		target = cls.Item
	}
	sc.AddAction(memory.ActionRecord{
		Turn:     turn,
		Command:  norm.Command,
		Result:   norm.ResultText,
		Category: cls.Category,
		Verb:     cmd.Verb,
		Target:   target,
	})
	sc.Visit(turn, entered)

	var events []memory.Event
	if roomChanged {
		move := norm.Moves
		if move == 0 {
			move = turn
		}
		sc.SetIntro(memory.IntroEntry{PreviousRoom: previousRoom, MoveNumber: move, Command: norm.Command})
		events = append(events, newEvent(memory.EventSceneIntroUpdated, map[string]any{
			"room":          norm.Room,
			"previous_room": previousRoom,
			"move_number":   move,
			"command":       norm.Command,
		}))
	}
	events = append(events, newEvent(memory.EventSceneActionAdded, map[string]any{
		"room":     norm.Room,
		"command":  norm.Command,
		"category": string(cls.Category),
		"verb":     cmd.Verb,
		"target":   target,
	}))
	if changes := memory.Diff(prevState, next); len(changes) > 0 {
		events = append(events, newEvent(memory.EventStateChange, map[string]any{
			"changes": changes,
		}))
	}

	tx.SetPlayerState(next)
	tx.SetCurrentRoom(norm.Room)
	tx.SetTurn(turn)
	tx.SetLastFacts(norm)

	*res = RecordResult{
		Turn:        turn,
		Room:        norm.Room,
		Generation:  tx.Generation(),
		Category:    cls.Category,
		RoomChanged: roomChanged,
		FirstVisit:  created,
	}
	events = append(events, newEvent(memory.EventTurnRecorded, map[string]any{
		"room":           norm.Room,
		"command":        norm.Command,
		"category":       string(cls.Category),
		"room_changed":   roomChanged,
		"first_visit":    created,
		"new_paragraphs": newParas,
		"duplicate":      false,
	}))
	return events
}

func (r *Recorder) skip(ctx context.Context, norm memory.EngineFacts) RecordResult {
	var (
		res    RecordResult
		player string
	)
	r.store.View(func(v memory.View) {
		player = v.Player()
		res = RecordResult{
			Turn:       v.Turn(),
			Room:       v.CurrentRoom(),
			Generation: v.Generation(),
			Skipped:    true,
		}
	})
	r.metrics.RecordTurn(ctx, "skipped", 0)
	r.emit(ctx, player, res.Turn, []memory.Event{newEvent(memory.EventTurnSkipped, map[string]any{
		"command":        norm.Command,
		"room":           norm.Room,
		"game_exception": norm.GameException,
		"message":        norm.ExceptionMessage,
	})})
	slog.Warn("recorder: engine failure, turn skipped",
		"player", player,
		"command", norm.Command,
		"message", norm.ExceptionMessage,
	)
	return res
}

func (r *Recorder) emit(ctx context.Context, player string, turn int, events []memory.Event) {
	emitAll(ctx, r.sink, player, turn, events)
}

func emitAll(ctx context.Context, sink memory.EventSink, player string, turn int, events []memory.Event) {
	for _, ev := range events {
		ev.Player = player
		ev.Turn = turn
		if err := sink.Emit(ctx, ev); err != nil {
			slog.Warn("recorder: emit event failed", "type", ev.Type, "player", player, "turn", turn, "err", err)
		}
	}
}

func newEvent(typ memory.EventType, payload map[string]any) memory.Event {
	return memory.Event{Type: typ, Payload: payload}
}

func containsFold(list []string, s string) bool {
	return slices.ContainsFunc(list, func(v string) bool { return strings.EqualFold(v, s) })
}

// unionFold merges lists, dropping case-insensitive duplicates.
func unionFold(lists ...[]string) []string {
	var out []string
	for _, l := range lists {
		for _, s := range l {
			if s != "" && !containsFold(out, s) {
				out = append(out, s)
			}
		}
	}
	return out
}
