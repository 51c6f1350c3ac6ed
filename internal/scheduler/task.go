package scheduler

import (
	"context"
	"time"

	"github.com/MrWong99/lorekeeper/pkg/memory"
)

// Kind identifies a class of background AI work. Each kind has its own status
// line on the status board.
type Kind uint8

const (
	KindNarration Kind = iota
	KindEnrichment
	KindImagePrompt
	KindImageGeneration

	numKinds
)

var kindNames = [numKinds]string{
	KindNarration:       "narration",
	KindEnrichment:      "memory_enrichment",
	KindImagePrompt:     "scene_image_prompt",
	KindImageGeneration: "scene_image_generation",
}

// String returns the wire name of k.
func (k Kind) String() string {
	if k < numKinds {
		return kindNames[k]
	}
	return "unknown"
}

// Kinds returns every kind in status-board order.
func Kinds() []Kind {
	return []Kind{KindNarration, KindEnrichment, KindImagePrompt, KindImageGeneration}
}

// ParseKind returns the kind named s.
func ParseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), true
		}
	}
	return 0, false
}

// roomKeyed reports whether k goes stale by room rather than by turn.
func (k Kind) roomKeyed() bool { return k == KindImageGeneration }

// DefaultTimeout returns the execution budget of k.
func DefaultTimeout(k Kind) time.Duration {
	if k == KindImageGeneration {
		return 300 * time.Second
	}
	return 60 * time.Second
}

// Status is the state of one kind's status line.
type Status uint8

const (
	StatusIdle Status = iota
	StatusWorking
	StatusReady
	StatusError
)

// String returns the wire name of s.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusWorking:
		return "working"
	case StatusReady:
		return "ready"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Statuses is a consistent cut of every kind's status.
type Statuses [numKinds]Status

// Of returns the status of k.
func (s Statuses) Of(k Kind) Status { return s[k] }

// Map renders s keyed by kind name, for JSON surfaces.
func (s Statuses) Map() map[string]string {
	out := make(map[string]string, numKinds)
	for k, st := range s {
		out[Kind(k).String()] = st.String()
	}
	return out
}

// Commit applies a finished task's result. It runs on the worker after Run
// succeeded and only while the identity generation the task was submitted
// under is still current.
type Commit func(ctx context.Context) error

// Task is one unit of background AI work.
type Task struct {
	Kind Kind

	// Turn is the turn that produced the task. Turn-keyed kinds go stale once
	// a later turn has been recorded.
	Turn int

	// Room is the room the task is about. Image generation goes stale once
	// the player is somewhere else.
	Room string

	// Droppable tasks are discarded first under queue pressure. Ambient
	// narration is droppable; work tied to a recorded turn is not.
	Droppable bool

	// Run does the slow part (LLM call, image render) and returns the
	// Commit that writes the result back. A nil Commit means nothing to
	// apply.
	Run func(ctx context.Context) (Commit, error)

	id         uint64
	generation uint64
	queuedAt   time.Time
	cancelled  bool
}

// TaskInfo describes a pending or running task.
type TaskInfo struct {
	ID         uint64    `json:"id"`
	Kind       string    `json:"kind"`
	Turn       int       `json:"turn"`
	Room       string    `json:"room,omitempty"`
	Droppable  bool      `json:"droppable"`
	Generation uint64    `json:"generation"`
	QueuedAt   time.Time `json:"queued_at"`
}

func (t *Task) info() TaskInfo {
	return TaskInfo{
		ID:         t.id,
		Kind:       t.Kind.String(),
		Turn:       t.Turn,
		Room:       t.Room,
		Droppable:  t.Droppable,
		Generation: t.generation,
		QueuedAt:   t.queuedAt,
	}
}

// Scheduler event types, emitted through the configured [memory.EventSink].
const (
	EventJobStale     memory.EventType = "job_stale"
	EventJobDropped   memory.EventType = "job_dropped"
	EventJobCancelled memory.EventType = "job_cancelled"
	EventJobFailed    memory.EventType = "job_failed"
)
