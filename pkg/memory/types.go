package memory

import (
	"context"
	"time"
)

// ─────────────────────────────────────────────────────────────────────────────
// Actions
// ─────────────────────────────────────────────────────────────────────────────

// ActionCategory is the closed set of classifications an [ActionRecord] can
// carry. Values other than the four constants below are never produced.
type ActionCategory string

const (
	// CategoryMovement marks a command that moved the player to another room.
	CategoryMovement ActionCategory = "movement"

	// CategoryItemInteraction marks a command aimed at a portable item.
	CategoryItemInteraction ActionCategory = "item_interaction"

	// CategoryWorldObject marks a command aimed at scenery named in the room
	// description.
	CategoryWorldObject ActionCategory = "world_object_interaction"

	// CategoryGeneric is everything else ("look", "score", "wait", …).
	CategoryGeneric ActionCategory = "generic_interaction"
)

// IsValid reports whether c is one of the four known categories.
func (c ActionCategory) IsValid() bool {
	switch c {
	case CategoryMovement, CategoryItemInteraction, CategoryWorldObject, CategoryGeneric:
		return true
	}
	return false
}

// ActionRecord is one recorded command inside a [Scene]. Records are values
// and are never edited after they are appended.
type ActionRecord struct {
	Turn     int            `json:"turn"`
	Command  string         `json:"command"`
	Result   string         `json:"result"`
	Category ActionCategory `json:"category"`
	Verb     string         `json:"verb,omitempty"`
	Target   string         `json:"target,omitempty"`
}

// IntroEntry records how the player most recently arrived in a room.
type IntroEntry struct {
	PreviousRoom string `json:"previous_room"`
	MoveNumber   int    `json:"move_number"`
	Command      string `json:"command"`
}

// Narration is a piece of AI-generated narrator text attached to the room it
// describes.
type Narration struct {
	Turn      int       `json:"turn"`
	Room      string    `json:"room"`
	Text      string    `json:"text"`
	Trigger   string    `json:"trigger,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Note is an advisory enrichment summary for a scene. Notes never replace
// canonical scene fields.
type Note struct {
	Turn      int       `json:"turn"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Snapshot
// ─────────────────────────────────────────────────────────────────────────────

// Snapshot is the read-only view handed to prompt builders. Every field is a
// deep copy; mutating a Snapshot never affects the store.
type Snapshot struct {
	Player      string `json:"player"`
	Generation  uint64 `json:"generation"`
	Turn        int    `json:"turn"`
	CurrentRoom string `json:"current_room"`

	// CurrentScene is nil before the opening turn has been recorded.
	CurrentScene *Scene `json:"current_scene,omitempty"`

	// RecentScenes lists previously visited rooms, most recent first. The
	// current room is not repeated here.
	RecentScenes []Scene `json:"recent_scenes"`

	// RecentNarrations holds the latest narrator lines across all rooms,
	// oldest first.
	RecentNarrations []Narration `json:"recent_narrations"`

	PlayerState PlayerState `json:"player_state"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Audit events
// ─────────────────────────────────────────────────────────────────────────────

// EventType names a kind of [Event].
type EventType string

const (
	EventTurnRecorded      EventType = "turn_recorded"
	EventTurnSkipped       EventType = "turn_skipped_engine_exception"
	EventStateChange       EventType = "state_change"
	EventSceneActionAdded  EventType = "scene_action_added"
	EventSceneIntroUpdated EventType = "scene_intro_updated"
	EventNarrationAppended EventType = "narration_appended"
	EventSceneNoteAdded    EventType = "scene_note_added"
	EventMemoryReset       EventType = "memory_reset"
)

// Event is a write-once audit record. Seq and Timestamp are assigned by the
// dispatcher that first sees the event; producers leave them zero.
type Event struct {
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	Player    string         `json:"player"`
	Turn      int            `json:"turn"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// EventSink receives audit events in emission order. Implementations must be
// safe for concurrent use. An error from Emit is reported by the caller and
// never interrupts play.
type EventSink interface {
	Emit(ctx context.Context, ev Event) error
}

// EventSinkFunc adapts a plain function to [EventSink].
type EventSinkFunc func(ctx context.Context, ev Event) error

// Emit implements [EventSink].
func (f EventSinkFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Discard is an [EventSink] that drops every event.
var Discard EventSink = EventSinkFunc(func(context.Context, Event) error { return nil })
